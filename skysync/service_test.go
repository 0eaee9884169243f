// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubPlatform serves canned listing and detail pages keyed by URL. Unknown
// URLs return a 404 FetchError, like the real client would.
type stubPlatform struct {
	mu        sync.Mutex
	listings  map[string]string
	details   map[string]string
	detailErr map[string]error
	calls     map[string]int

	blockDetails bool // DetailPage waits for ctx cancellation
	startedOnce  sync.Once
	started      chan struct{}
}

func newStubPlatform() *stubPlatform {
	return &stubPlatform{
		listings:  map[string]string{},
		details:   map[string]string{},
		detailErr: map[string]error{},
		calls:     map[string]int{},
		started:   make(chan struct{}),
	}
}

func (p *stubPlatform) ListingPage(_ context.Context, endpoint string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[endpoint]++
	html, ok := p.listings[endpoint]
	if !ok {
		return "", &FetchError{URL: endpoint, StatusCode: 404}
	}
	return html, nil
}

func (p *stubPlatform) DetailPage(ctx context.Context, url string) (string, error) {
	p.mu.Lock()
	p.calls[url]++
	block := p.blockDetails
	err := p.detailErr[url]
	html, ok := p.details[url]
	p.mu.Unlock()

	p.startedOnce.Do(func() { close(p.started) })
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &FetchError{URL: url, StatusCode: 404}
	}
	return html, nil
}

func (p *stubPlatform) callCount(url string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[url]
}

func detailPageHTML(id, name string, drones int) string {
	return fmt.Sprintf(`<html><body><script>
		window.__FORMATION_DATA__ = {"formation":{"id":%q,"name":%q,"droneCount":%d,
			"data":{"frames":[{"t":0,"drones":[{"id":1,"x":0,"y":0,"z":5}]}]}}};
	</script></body></html>`, id, name, drones)
}

func listingPageHTML(cards ...string) string {
	html := "<html><body>"
	for _, c := range cards {
		html += c
	}
	return html + "</body></html>"
}

func fastConfig(endpoints ...string) *ServiceConfig {
	return &ServiceConfig{
		ListingEndpoints:   endpoints,
		DetailURLTemplates: []string{"/detail/%s"},
		BatchSize:          2,
		BatchDelay:         time.Millisecond,
		MaxRetries:         2,
		RetryBackoff:       time.Millisecond,
	}
}

func waitForTerminal(t *testing.T, svc *SyncService, jobID string) *SyncJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.GetSyncStatus(context.Background(), jobID)
		require.NoError(t, err)
		if job.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("sync job did not reach a terminal state")
	return nil
}

func TestSyncService_NewModeFullRun(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	platform := newStubPlatform()
	platform.listings["/page1"] = listingPageHTML(listingCardHTML("a", "Heart"), listingCardHTML("b", "Spiral"))
	platform.listings["/page2"] = listingPageHTML(listingCardHTML("a", "Heart"), listingCardHTML("c", "Wave"))
	for id, name := range map[string]string{"a": "Heart", "b": "Spiral", "c": "Wave"} {
		platform.details["/detail/"+id] = detailPageHTML(id, name, 100)
	}

	svc := NewSyncService(store, platform, nil, nil, fastConfig("/page1", "/page2"), nil)
	defer svc.Close()

	jobID, err := svc.StartSync(ctx, SyncOptions{SyncType: SyncModeNew, CreatedBy: "admin-1"})
	require.NoError(t, err)

	job := waitForTerminal(t, svc, jobID)
	require.Equal(t, JobCompleted, job.Status)
	require.Equal(t, 3, job.TotalItems)
	require.Equal(t, 3, job.ProcessedItems)
	require.Equal(t, 3, job.SuccessfulItems)
	require.Equal(t, 0, job.FailedItems)
	require.Empty(t, job.ErrorLog)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	require.Equal(t, SyncModeNew, job.Metadata["sync_type"])
	require.Equal(t, "admin-1", job.CreatedBy)

	// Duplicate card "a" across endpoints is fetched once.
	require.Equal(t, 1, platform.callCount("/detail/a"))

	n, err := store.CountFormations(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for id, name := range map[string]string{"a": "Heart", "b": "Spiral", "c": "Wave"} {
		f, err := store.FormationBySourceID(ctx, DefaultSource, id)
		require.NoError(t, err)
		require.Equal(t, name, f.Name)
		require.Equal(t, FormationSynced, f.SyncStatus)
		require.NotNil(t, f.LastSynced)
	}
}

func TestSyncService_NewModeSkipsExisting(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	_, err := store.CreateFormation(ctx, &Formation{Source: DefaultSource, SourceID: "a", Name: "Heart"})
	require.NoError(t, err)

	platform := newStubPlatform()
	platform.listings["/page1"] = listingPageHTML(listingCardHTML("a", "Heart"), listingCardHTML("b", "Spiral"))
	platform.details["/detail/b"] = detailPageHTML("b", "Spiral", 80)

	svc := NewSyncService(store, platform, nil, nil, fastConfig("/page1"), nil)
	defer svc.Close()

	jobID, err := svc.StartSync(ctx, SyncOptions{SyncType: SyncModeNew})
	require.NoError(t, err)

	job := waitForTerminal(t, svc, jobID)
	require.Equal(t, JobCompleted, job.Status)
	require.Equal(t, 1, job.TotalItems)
	require.Equal(t, 1, job.SuccessfulItems)
	require.Zero(t, platform.callCount("/detail/a"))
}

func TestSyncService_AllModeRefreshesExisting(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	existing, err := store.CreateFormation(ctx, &Formation{Source: DefaultSource, SourceID: "a", Name: "Old Name"})
	require.NoError(t, err)

	platform := newStubPlatform()
	platform.listings["/page1"] = listingPageHTML(listingCardHTML("a", "Heart"))
	platform.details["/detail/a"] = detailPageHTML("a", "Heart", 120)

	svc := NewSyncService(store, platform, nil, nil, fastConfig("/page1"), nil)
	defer svc.Close()

	jobID, err := svc.StartSync(ctx, SyncOptions{SyncType: SyncModeAll})
	require.NoError(t, err)

	job := waitForTerminal(t, svc, jobID)
	require.Equal(t, JobCompleted, job.Status)
	require.Equal(t, 1, job.TotalItems)

	got, err := store.FormationByID(ctx, existing.ID)
	require.NoError(t, err)
	require.Equal(t, "Heart", got.Name)
	require.Equal(t, 120, got.DroneCount)

	n, err := store.CountFormations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSyncService_PartialFailureIsRecordedNotFatal(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	platform := newStubPlatform()
	platform.listings["/page1"] = listingPageHTML(listingCardHTML("a", "Heart"), listingCardHTML("b", "Spiral"))
	platform.details["/detail/a"] = detailPageHTML("a", "Heart", 100)
	// "b" has no detail page anywhere: 404 on every template.

	svc := NewSyncService(store, platform, nil, nil, fastConfig("/page1"), nil)
	defer svc.Close()

	jobID, err := svc.StartSync(ctx, SyncOptions{SyncType: SyncModeNew})
	require.NoError(t, err)

	job := waitForTerminal(t, svc, jobID)
	require.Equal(t, JobCompletedWithErrors, job.Status)
	require.Equal(t, 2, job.TotalItems)
	require.Equal(t, 2, job.ProcessedItems)
	require.Equal(t, 1, job.SuccessfulItems)
	require.Equal(t, 1, job.FailedItems)
	require.Len(t, job.ErrorLog, 1)
	require.Equal(t, "b", job.ErrorLog[0].FormationID)
	require.Equal(t, "Spiral", job.ErrorLog[0].Name)

	// The successful candidate is stored; the failed one is not.
	_, err = store.FormationBySourceID(ctx, DefaultSource, "a")
	require.NoError(t, err)
	_, err = store.FormationBySourceID(ctx, DefaultSource, "b")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSyncService_AllEndpointsFailingIsFatal(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	platform := newStubPlatform() // no listings registered: every endpoint 404s

	svc := NewSyncService(store, platform, nil, nil, fastConfig("/page1", "/page2"), nil)
	defer svc.Close()

	jobID, err := svc.StartSync(ctx, SyncOptions{SyncType: SyncModeNew})
	require.NoError(t, err)

	job := waitForTerminal(t, svc, jobID)
	require.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.Len(t, job.ErrorLog, 1)
	require.Contains(t, job.ErrorLog[0].Message, "discovery")
}

// recordingStore captures the processed_items value at every job checkpoint.
type recordingStore struct {
	Store
	mu       sync.Mutex
	progress []int
}

func (r *recordingStore) UpdateSyncJob(ctx context.Context, j *SyncJob) error {
	r.mu.Lock()
	r.progress = append(r.progress, j.ProcessedItems)
	r.mu.Unlock()
	return r.Store.UpdateSyncJob(ctx, j)
}

func TestSyncService_ProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := &recordingStore{Store: NewMemStore()}
	platform := newStubPlatform()

	var cards []string
	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("f%d", i)
		cards = append(cards, listingCardHTML(id, "Formation "+id))
		platform.details["/detail/"+id] = detailPageHTML(id, "Formation "+id, 50)
	}
	platform.listings["/page1"] = listingPageHTML(cards...)

	svc := NewSyncService(store, platform, nil, nil, fastConfig("/page1"), nil)
	defer svc.Close()

	jobID, err := svc.StartSync(ctx, SyncOptions{SyncType: SyncModeNew})
	require.NoError(t, err)

	job := waitForTerminal(t, svc, jobID)
	require.Equal(t, JobCompleted, job.Status)
	require.Equal(t, 7, job.ProcessedItems)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotEmpty(t, store.progress)
	for i := 1; i < len(store.progress); i++ {
		require.GreaterOrEqual(t, store.progress[i], store.progress[i-1])
	}
	require.Equal(t, 7, store.progress[len(store.progress)-1])
}

func TestSyncService_CancelStopsAtBatchBoundary(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()
	platform := newStubPlatform()
	platform.blockDetails = true

	var cards []string
	for _, id := range []string{"a", "b", "c", "d"} {
		cards = append(cards, listingCardHTML(id, "Formation "+id))
	}
	platform.listings["/page1"] = listingPageHTML(cards...)

	cfg := fastConfig("/page1")
	cfg.BatchSize = 1
	svc := NewSyncService(store, platform, nil, nil, cfg, nil)
	defer svc.Close()

	jobID, err := svc.StartSync(ctx, SyncOptions{SyncType: SyncModeNew})
	require.NoError(t, err)

	select {
	case <-platform.started:
	case <-time.After(5 * time.Second):
		t.Fatal("detail fetching never started")
	}
	require.True(t, svc.CancelSync(jobID))

	job := waitForTerminal(t, svc, jobID)
	require.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.CompletedAt)
	// The checkpointed counters from before cancellation survive.
	require.Equal(t, 4, job.TotalItems)
	require.Less(t, job.ProcessedItems, 4)

	require.False(t, svc.CancelSync("missing"))
}

func TestSyncService_StartSyncRejectsUnknownMode(t *testing.T) {
	svc := NewSyncService(NewMemStore(), newStubPlatform(), nil, nil, fastConfig("/page1"), nil)
	defer svc.Close()

	_, err := svc.StartSync(context.Background(), SyncOptions{SyncType: "bogus"})
	require.Error(t, err)
}

func TestSyncService_CloseRejectsNewJobs(t *testing.T) {
	svc := NewSyncService(NewMemStore(), newStubPlatform(), nil, nil, fastConfig("/page1"), nil)
	svc.Close()

	_, err := svc.StartSync(context.Background(), SyncOptions{SyncType: SyncModeNew})
	require.Error(t, err)
}

func TestMergeCandidate_DetailWinsCardFills(t *testing.T) {
	price := 100.0
	listing := &Formation{
		Source: DefaultSource, SourceID: "x", Name: "Card Name",
		Description: "card description", Category: "Celebration",
		ThumbnailURL: "/thumbs/x.jpg", DroneCount: 50, Duration: 120,
		Price: &price, Tags: []string{"card"}, Creator: "Card Creator",
		Rating: 3.5, DownloadCount: 10,
	}
	detail := &Formation{SourceID: "x", Name: "Detail Name", DroneCount: 80}

	out := mergeCandidate(listing, detail)
	require.Equal(t, "Detail Name", out.Name)
	require.Equal(t, 80, out.DroneCount)
	require.Equal(t, "card description", out.Description)
	require.Equal(t, "Celebration", out.Category)
	require.Equal(t, "/thumbs/x.jpg", out.ThumbnailURL)
	require.InDelta(t, 120, out.Duration, 1e-9)
	require.NotNil(t, out.Price)
	require.Equal(t, []string{"card"}, out.Tags)
	require.Equal(t, "Card Creator", out.Creator)
}
