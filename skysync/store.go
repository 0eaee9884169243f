// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store is the narrow persistence contract the sync pipeline needs. It is a
// closed set: exactly three backends implement it (Postgres, SQLite,
// in-memory), selected once at startup via StoreConfig.Driver.
type Store interface {
	CreateFormation(ctx context.Context, f *Formation) (*Formation, error)
	UpdateFormation(ctx context.Context, f *Formation) error
	FormationByID(ctx context.Context, id string) (*Formation, error)
	FormationBySourceID(ctx context.Context, source, sourceID string) (*Formation, error)
	Formations(ctx context.Context, limit, offset int) ([]*Formation, error)
	CountFormations(ctx context.Context) (int, error)

	CreateSyncJob(ctx context.Context, j *SyncJob) (*SyncJob, error)
	UpdateSyncJob(ctx context.Context, j *SyncJob) error
	SyncJobByID(ctx context.Context, id string) (*SyncJob, error)
	RecentSyncJobs(ctx context.Context, limit int) ([]*SyncJob, error)

	Close() error
}

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Driver string // "postgres", "sqlite" or "memory"
	DSN    string // pgx DSN or sqlite file path; ignored for memory
}

// OpenStore opens the configured backend. Unknown drivers are a startup
// error, not a runtime fallback.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPgStore(ctx, cfg.DSN, logger)
	case "sqlite":
		return NewSQLiteStore(ctx, cfg.DSN, logger)
	case "memory":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// FormationStore performs idempotent create-or-update keyed by the source's
// native identifier. Used by the sync orchestrator and by bulk import.
type FormationStore struct {
	store  Store
	logger *slog.Logger
}

func NewFormationStore(store Store, logger *slog.Logger) *FormationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FormationStore{store: store, logger: logger}
}

// Upsert looks up an existing record by (source, source_id) and either
// inserts, fully overwrites (mode "force"), or additively merges (any other
// mode). The additive merge prefers existing non-empty media fields over
// incoming blanks, so a partial detail fetch never blanks previously-known
// data. Always stamps sync_status=synced and last_synced on success.
func (fs *FormationStore) Upsert(ctx context.Context, rec *Formation, mode string) (*Formation, error) {
	now := time.Now().UTC()
	rec.SyncStatus = FormationSynced
	rec.LastSynced = &now
	if rec.Source == "" {
		rec.Source = DefaultSource
	}

	existing, err := fs.store.FormationBySourceID(ctx, rec.Source, rec.SourceID)
	if errors.Is(err, ErrNotFound) {
		rec.ID = localFormationID(rec.SourceID)
		created, cerr := fs.store.CreateFormation(ctx, rec)
		if cerr != nil {
			return nil, &StoreError{Op: "create formation", Err: cerr}
		}
		fs.logger.Debug("formation created", "source_id", rec.SourceID, "name", rec.Name)
		return created, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "lookup formation", Err: err}
	}

	merged := mergeFormation(existing, rec, mode)
	if uerr := fs.store.UpdateFormation(ctx, merged); uerr != nil {
		return nil, &StoreError{Op: "update formation", Err: uerr}
	}
	fs.logger.Debug("formation updated", "source_id", rec.SourceID, "mode", mode)
	return merged, nil
}

// localFormationID reuses the source's identifier as the local primary key
// when it is safe (a valid UUID), otherwise derives a stable key bound to
// the source id. Re-syncs of the same source record always map to the same
// local id.
func localFormationID(sourceID string) string {
	if _, err := uuid.Parse(sourceID); err == nil {
		return sourceID
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("skysync:formation:"+sourceID)).String()
}

func mergeFormation(existing, incoming *Formation, mode string) *Formation {
	out := *incoming
	out.ID = existing.ID
	out.CreatedAt = existing.CreatedAt
	out.UpdatedAt = time.Now().UTC()

	if mode == SyncModeForce {
		return &out
	}

	// Additive merge: keep known media when the incoming record is blank.
	if out.ThumbnailURL == "" {
		out.ThumbnailURL = existing.ThumbnailURL
	}
	if out.FileURL == "" {
		out.FileURL = existing.FileURL
	}
	if out.FormationData == nil {
		out.FormationData = existing.FormationData
	}
	if out.Price == nil {
		out.Price = existing.Price
	}
	return &out
}

// ImportResult summarizes one bulk import pass.
type ImportResult struct {
	Imported int
	Failed   int
	Errors   []SyncErrorEntry
}

// ImportFormations upserts a batch of pre-normalized records, tolerating
// per-record failures. Used by the standalone bulk-import job.
func (fs *FormationStore) ImportFormations(ctx context.Context, recs []*Formation, mode string) ImportResult {
	var res ImportResult
	for _, rec := range recs {
		if rec.SourceID == "" {
			res.Failed++
			res.Errors = append(res.Errors, SyncErrorEntry{Name: rec.Name, Message: "missing source id"})
			continue
		}
		if _, err := fs.Upsert(ctx, rec, mode); err != nil {
			res.Failed++
			res.Errors = append(res.Errors, SyncErrorEntry{
				FormationID: rec.SourceID,
				Name:        rec.Name,
				Message:     err.Error(),
			})
			continue
		}
		res.Imported++
	}
	return res
}
