// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ServiceConfig holds tunables for the sync orchestrator.
type ServiceConfig struct {
	Source string

	// ListingEndpoints are fetched independently; a failure on one endpoint
	// is logged and skipped. Only all of them failing aborts the run.
	ListingEndpoints []string

	// DetailURLTemplates are fmt templates (one %s, the source id) tried in
	// order until one returns parseable data.
	DetailURLTemplates []string

	BatchSize    int
	BatchDelay   time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

func (c *ServiceConfig) withDefaults() {
	if c.Source == "" {
		c.Source = DefaultSource
	}
	if len(c.ListingEndpoints) == 0 {
		c.ListingEndpoints = []string{"/formations", "/library", "/marketplace/formations"}
	}
	if len(c.DetailURLTemplates) == 0 {
		c.DetailURLTemplates = []string{"/formations/%s", "/api/formations/%s", "/library/formation/%s"}
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.BatchDelay <= 0 {
		c.BatchDelay = DefaultBatchDelay
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
}

// SyncOptions selects how one ingestion run treats existing records.
type SyncOptions struct {
	SyncType  string // "new", "all" or "force"
	CreatedBy string
}

// SyncService drives formation ingestion: authenticate, discover listings,
// deduplicate, filter by mode, then fetch and upsert candidates in bounded
// concurrent batches while checkpointing a durable SyncJob record.
type SyncService struct {
	store      Store
	formations *FormationStore
	platform   PlatformClient
	session    *SessionManager // nil when the platform needs no auth
	analytics  AnalyticsSink
	logger     *slog.Logger
	cfg        *ServiceConfig

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

func NewSyncService(store Store, platform PlatformClient, session *SessionManager,
	analytics AnalyticsSink, cfg *ServiceConfig, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	if analytics == nil {
		analytics = NopAnalytics{}
	}
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	cfg.withDefaults()
	return &SyncService{
		store:      store,
		formations: NewFormationStore(store, logger),
		platform:   platform,
		session:    session,
		analytics:  analytics,
		logger:     logger.With("component", "sync"),
		cfg:        cfg,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// StartSync creates a SyncJob and runs it on a supervised goroutine. The
// caller gets the job id immediately and polls GetSyncStatus; a failure in
// the background run feeds back into the job record, never into a dangling
// goroutine.
func (s *SyncService) StartSync(ctx context.Context, opts SyncOptions) (string, error) {
	switch opts.SyncType {
	case SyncModeNew, SyncModeAll, SyncModeForce:
	case "":
		opts.SyncType = SyncModeNew
	default:
		return "", fmt.Errorf("unknown sync type %q", opts.SyncType)
	}

	job := &SyncJob{
		ID:        uuid.NewString(),
		Type:      JobTypeFormationImport,
		Status:    JobPending,
		CreatedBy: opts.CreatedBy,
		Metadata:  map[string]any{"sync_type": opts.SyncType},
	}
	job, err := s.store.CreateSyncJob(ctx, job)
	if err != nil {
		return "", &StoreError{Op: "create sync job", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.New("sync service is shutting down")
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	s.cancels[job.ID] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.cancels, job.ID)
			s.mu.Unlock()
			cancel()
		}()
		if err := s.runSync(jobCtx, job.ID, opts); err != nil {
			s.failJob(job.ID, err)
		}
	}()

	s.analytics.RecordEvent(ctx, AnalyticsEvent{
		EventType:  "sync_started",
		EntityType: "sync_job",
		EntityID:   job.ID,
		UserID:     opts.CreatedBy,
		Metadata:   map[string]any{"sync_type": opts.SyncType},
	})
	return job.ID, nil
}

// CancelSync requests cooperative cancellation of a running job. The job
// stops at the next batch boundary and finalizes as failed with its
// checkpointed counters intact.
func (s *SyncService) CancelSync(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

// Close cancels running jobs and waits for their final checkpoints.
func (s *SyncService) Close() {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *SyncService) GetSyncStatus(ctx context.Context, jobID string) (*SyncJob, error) {
	return s.store.SyncJobByID(ctx, jobID)
}

func (s *SyncService) GetRecentSyncJobs(ctx context.Context, limit int) ([]*SyncJob, error) {
	return s.store.RecentSyncJobs(ctx, limit)
}

func (s *SyncService) runSync(ctx context.Context, jobID string, opts SyncOptions) error {
	start := time.Now()
	job, err := s.store.SyncJobByID(ctx, jobID)
	if err != nil {
		return &StoreError{Op: "load sync job", Err: err}
	}

	job.Status = JobStarting
	job.StartedAt = &start
	if err := s.checkpoint(job); err != nil {
		return err
	}

	if s.session != nil {
		if err := s.session.EnsureAuthenticated(ctx); err != nil {
			return &JobFatalError{Stage: "authentication", Err: err}
		}
	}

	job.Status = JobSyncing
	if err := s.checkpoint(job); err != nil {
		return err
	}

	candidates, failedEndpoints, err := s.discover(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("discovery complete",
		"job_id", jobID, "candidates", len(candidates), "failed_endpoints", failedEndpoints)

	filtered, err := s.filterByMode(ctx, candidates, opts.SyncType)
	if err != nil {
		return err
	}

	job.TotalItems = len(filtered)
	if err := s.checkpoint(job); err != nil {
		return err
	}

	categories := map[string]int{}
	for i := 0; i < len(filtered); i += s.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return &JobFatalError{Stage: "cancelled", Err: err}
		}
		end := i + s.cfg.BatchSize
		if end > len(filtered) {
			end = len(filtered)
		}
		batch := filtered[i:end]

		type itemResult struct {
			stored *Formation
			err    error
		}
		results := make([]itemResult, len(batch))
		var wg sync.WaitGroup
		for bi, cand := range batch {
			wg.Add(1)
			go func(bi int, cand *Formation) {
				defer wg.Done()
				metricItemsInFlight.Inc()
				defer metricItemsInFlight.Dec()
				stored, err := s.processCandidate(ctx, cand, opts.SyncType)
				results[bi] = itemResult{stored: stored, err: err}
			}(bi, cand)
		}
		wg.Wait()

		// Outcomes are applied and persisted sequentially, in submission
		// order, before the next batch starts: processed_items only grows.
		for bi, res := range results {
			job.ProcessedItems++
			if res.err != nil {
				job.FailedItems++
				job.ErrorLog = append(job.ErrorLog, SyncErrorEntry{
					FormationID: batch[bi].SourceID,
					Name:        batch[bi].Name,
					Message:     res.err.Error(),
				})
				metricItemsProcessed.WithLabelValues("failed").Inc()
				s.logger.Warn("candidate failed",
					"job_id", jobID, "source_id", batch[bi].SourceID, "error", res.err)
			} else {
				job.SuccessfulItems++
				categories[categoryKey(res.stored)]++
				metricItemsProcessed.WithLabelValues("synced").Inc()
			}
			if err := s.checkpoint(job); err != nil {
				return err
			}
		}

		if end < len(filtered) {
			// Inter-batch delay bounds the request rate against the origin.
			_ = sleepWithContext(ctx, s.cfg.BatchDelay)
		}
	}

	job.Status = JobCompleted
	if job.FailedItems > 0 {
		job.Status = JobCompletedWithErrors
	}
	done := time.Now().UTC()
	job.CompletedAt = &done
	job.Metadata["duration_seconds"] = time.Since(start).Seconds()
	job.Metadata["categories"] = categories
	job.Metadata["failed_endpoints"] = failedEndpoints
	job.Metadata["source"] = s.cfg.Source
	if err := s.checkpoint(job); err != nil {
		return err
	}

	metricSyncRuns.WithLabelValues(job.Status).Inc()
	s.analytics.RecordEvent(context.Background(), AnalyticsEvent{
		EventType:  "sync_completed",
		EntityType: "sync_job",
		EntityID:   job.ID,
		Metadata: map[string]any{
			"status":     job.Status,
			"successful": job.SuccessfulItems,
			"failed":     job.FailedItems,
		},
	})
	s.logger.Info("sync run finished", "job_id", jobID, "status", job.Status,
		"successful", job.SuccessfulItems, "failed", job.FailedItems)
	return nil
}

// discover fetches every listing endpoint independently, parses cards and
// deduplicates by source id, first occurrence winning. Only all endpoints
// failing is fatal.
func (s *SyncService) discover(ctx context.Context) ([]*Formation, int, error) {
	var (
		candidates []*Formation
		seen       = map[string]bool{}
		failed     int
		lastErr    error
	)
	for _, ep := range s.cfg.ListingEndpoints {
		html, err := s.platform.ListingPage(ctx, ep)
		if err != nil {
			failed++
			lastErr = err
			s.logger.Warn("listing endpoint failed", "endpoint", ep, "error", err)
			continue
		}
		cards, err := ParseListingPage(html)
		if err != nil {
			failed++
			lastErr = err
			s.logger.Warn("listing parse failed", "endpoint", ep, "error", err)
			continue
		}
		for _, c := range cards {
			if seen[c.SourceID] {
				continue
			}
			seen[c.SourceID] = true
			c.Source = s.cfg.Source
			candidates = append(candidates, c)
		}
	}
	if failed == len(s.cfg.ListingEndpoints) {
		if lastErr == nil {
			lastErr = errors.New("no listing endpoints configured")
		}
		return nil, failed, &JobFatalError{Stage: "discovery", Err: lastErr}
	}
	return candidates, failed, nil
}

func (s *SyncService) filterByMode(ctx context.Context, candidates []*Formation, mode string) ([]*Formation, error) {
	if mode != SyncModeNew {
		return candidates, nil
	}
	out := make([]*Formation, 0, len(candidates))
	for _, c := range candidates {
		_, err := s.store.FormationBySourceID(ctx, s.cfg.Source, c.SourceID)
		switch {
		case errors.Is(err, ErrNotFound):
			out = append(out, c)
		case err != nil:
			return nil, &StoreError{Op: "filter existing", Err: err}
		default:
			// already stored, mode "new" skips it
		}
	}
	return out, nil
}

// processCandidate downloads and normalizes one formation's detail page,
// trying each URL template in order with bounded linear-backoff retries,
// then upserts the result. Every failure path is per-item: it is reported
// to the caller as an error, never allowed to abort the run.
func (s *SyncService) processCandidate(ctx context.Context, cand *Formation, mode string) (*Formation, error) {
	var lastErr error
	for _, tpl := range s.cfg.DetailURLTemplates {
		url := fmt.Sprintf(tpl, cand.SourceID)
		for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
			if attempt > 1 {
				metricFetchRetries.Inc()
			}
			html, err := s.platform.DetailPage(ctx, url)
			if err != nil {
				lastErr = err
				var fe *FetchError
				if errors.As(err, &fe) && fe.StatusCode != 0 && !retryableStatus(fe.StatusCode) {
					break // this template will not get better; try the next one
				}
				if serr := sleepWithContext(ctx, linearBackoff(attempt, s.cfg.RetryBackoff)); serr != nil {
					return nil, lastErr
				}
				continue
			}

			detail, perr := ParseDetailPage(html)
			if perr != nil || detail == nil {
				lastErr = &ParseError{URL: url, Reason: "no recognized formation data"}
				if serr := sleepWithContext(ctx, linearBackoff(attempt, s.cfg.RetryBackoff)); serr != nil {
					return nil, lastErr
				}
				continue
			}

			merged := mergeCandidate(cand, detail)
			stored, err := s.formations.Upsert(ctx, merged, mode)
			if err != nil {
				return nil, err // store errors are not retried
			}
			return stored, nil
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no detail url template configured")
	}
	return nil, lastErr
}

// mergeCandidate folds listing-card fields under the detail page's: the
// detail page is the richer source, but a sparse detail parse must not lose
// what the card already told us.
func mergeCandidate(listing, detail *Formation) *Formation {
	out := *detail
	out.Source = listing.Source
	if out.SourceID == "" {
		out.SourceID = listing.SourceID
	}
	if out.Name == "" {
		out.Name = listing.Name
	}
	if out.Description == "" {
		out.Description = listing.Description
	}
	if out.Category == "" {
		out.Category = listing.Category
	}
	if out.ThumbnailURL == "" {
		out.ThumbnailURL = listing.ThumbnailURL
	}
	if out.DroneCount == 0 {
		out.DroneCount = listing.DroneCount
	}
	if out.Duration == 0 {
		out.Duration = listing.Duration
	}
	if out.Price == nil {
		out.Price = listing.Price
	}
	if len(out.Tags) == 0 {
		out.Tags = listing.Tags
	}
	if out.Creator == "" {
		out.Creator = listing.Creator
	}
	if out.Rating == 0 {
		out.Rating = listing.Rating
	}
	if out.DownloadCount == 0 {
		out.DownloadCount = listing.DownloadCount
	}
	return &out
}

// checkpoint persists the job record. Every state transition and per-item
// outcome goes through here before the run proceeds.
func (s *SyncService) checkpoint(job *SyncJob) error {
	if err := s.store.UpdateSyncJob(context.Background(), job); err != nil {
		return &StoreError{Op: "checkpoint sync job", Err: err}
	}
	return nil
}

// failJob finalizes a job after a fatal error, preserving whatever counters
// the last checkpoint recorded.
func (s *SyncService) failJob(jobID string, cause error) {
	ctx := context.Background()
	job, err := s.store.SyncJobByID(ctx, jobID)
	if err != nil {
		s.logger.Error("cannot load job to mark failed", "job_id", jobID, "error", err)
		return
	}
	if job.Terminal() {
		return
	}
	job.Status = JobFailed
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.ErrorLog = append(job.ErrorLog, SyncErrorEntry{Message: cause.Error()})
	if err := s.store.UpdateSyncJob(ctx, job); err != nil {
		s.logger.Error("cannot mark job failed", "job_id", jobID, "error", err)
		return
	}
	metricSyncRuns.WithLabelValues(JobFailed).Inc()
	s.logger.Error("sync run failed", "job_id", jobID, "error", cause)
}

func categoryKey(f *Formation) string {
	if f == nil || f.Category == "" {
		return "uncategorized"
	}
	return f.Category
}
