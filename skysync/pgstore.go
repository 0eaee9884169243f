// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the Postgres Store backend, built on pgx.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPgStore(ctx context.Context, dsn string, logger *slog.Logger) (*PgStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	s := &PgStore{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPgStoreFromPool wraps an existing pool (shared with other components).
// Schema initialization still runs.
func NewPgStoreFromPool(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PgStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PgStore{pool: pool, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgStore) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		migrations := []string{
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS formations (
				id             TEXT PRIMARY KEY,
				source         TEXT NOT NULL DEFAULT '',
				source_id      TEXT NOT NULL DEFAULT '',
				name           TEXT NOT NULL,
				description    TEXT NOT NULL DEFAULT '',
				category       TEXT NOT NULL DEFAULT '',
				tags           TEXT NOT NULL DEFAULT '',
				drone_count    INTEGER NOT NULL DEFAULT 0,
				duration       DOUBLE PRECISION NOT NULL DEFAULT 0,
				thumbnail_url  TEXT NOT NULL DEFAULT '',
				file_url       TEXT NOT NULL DEFAULT '',
				price          DOUBLE PRECISION,
				creator        TEXT NOT NULL DEFAULT '',
				rating         DOUBLE PRECISION NOT NULL DEFAULT 0,
				download_count INTEGER NOT NULL DEFAULT 0,
				sync_status    TEXT NOT NULL DEFAULT 'pending',
				last_synced    TIMESTAMPTZ,
				formation_data JSON,
				created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
			/*language=postgresql*/ `CREATE UNIQUE INDEX IF NOT EXISTS idx_formations_source
				ON formations (source, source_id) WHERE source_id <> ''`,
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync_jobs (
				id               TEXT PRIMARY KEY,
				type             TEXT NOT NULL,
				status           TEXT NOT NULL DEFAULT 'pending',
				total_items      INTEGER NOT NULL DEFAULT 0,
				processed_items  INTEGER NOT NULL DEFAULT 0,
				successful_items INTEGER NOT NULL DEFAULT 0,
				failed_items     INTEGER NOT NULL DEFAULT 0,
				error_log        JSON NOT NULL DEFAULT '[]',
				metadata         JSON NOT NULL DEFAULT '{}',
				started_at       TIMESTAMPTZ,
				completed_at     TIMESTAMPTZ,
				created_by       TEXT NOT NULL DEFAULT '',
				created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		}
		for _, m := range migrations {
			if _, err := tx.Exec(ctx, m); err != nil {
				return fmt.Errorf("schema init: %w", err)
			}
		}
		return nil
	})
}

const formationColumns = `id, source, source_id, name, description, category, tags,
	drone_count, duration, thumbnail_url, file_url, price, creator, rating,
	download_count, sync_status, last_synced, formation_data, created_at, updated_at`

func (s *PgStore) CreateFormation(ctx context.Context, f *Formation) (*Formation, error) {
	row := s.pool.QueryRow(ctx, `INSERT INTO formations
		(id, source, source_id, name, description, category, tags, drone_count,
		 duration, thumbnail_url, file_url, price, creator, rating, download_count,
		 sync_status, last_synced, formation_data)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING `+formationColumns,
		f.ID, f.Source, f.SourceID, f.Name, f.Description, f.Category, f.TagsJoined(),
		f.DroneCount, f.Duration, f.ThumbnailURL, f.FileURL, f.Price, f.Creator,
		f.Rating, f.DownloadCount, f.SyncStatus, f.LastSynced, rawOrNil(f.FormationData))
	return scanFormation(row)
}

func (s *PgStore) UpdateFormation(ctx context.Context, f *Formation) error {
	tag, err := s.pool.Exec(ctx, `UPDATE formations SET
		source=$2, source_id=$3, name=$4, description=$5, category=$6, tags=$7,
		drone_count=$8, duration=$9, thumbnail_url=$10, file_url=$11, price=$12,
		creator=$13, rating=$14, download_count=$15, sync_status=$16,
		last_synced=$17, formation_data=$18, updated_at=now()
		WHERE id=$1`,
		f.ID, f.Source, f.SourceID, f.Name, f.Description, f.Category, f.TagsJoined(),
		f.DroneCount, f.Duration, f.ThumbnailURL, f.FileURL, f.Price, f.Creator,
		f.Rating, f.DownloadCount, f.SyncStatus, f.LastSynced, rawOrNil(f.FormationData))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) FormationByID(ctx context.Context, id string) (*Formation, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+formationColumns+` FROM formations WHERE id=$1`, id)
	return scanFormation(row)
}

func (s *PgStore) FormationBySourceID(ctx context.Context, source, sourceID string) (*Formation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+formationColumns+` FROM formations WHERE source=$1 AND source_id=$2`,
		source, sourceID)
	return scanFormation(row)
}

func (s *PgStore) Formations(ctx context.Context, limit, offset int) ([]*Formation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+formationColumns+` FROM formations ORDER BY created_at LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Formation
	for rows.Next() {
		f, err := scanFormation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PgStore) CountFormations(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM formations`).Scan(&n)
	return n, err
}

func (s *PgStore) CreateSyncJob(ctx context.Context, j *SyncJob) (*SyncJob, error) {
	errLog, meta, err := marshalJobJSON(j)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO sync_jobs
		(id, type, status, total_items, processed_items, successful_items,
		 failed_items, error_log, metadata, started_at, completed_at, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING `+syncJobColumns,
		j.ID, j.Type, j.Status, j.TotalItems, j.ProcessedItems, j.SuccessfulItems,
		j.FailedItems, errLog, meta, j.StartedAt, j.CompletedAt, j.CreatedBy)
	return scanSyncJob(row)
}

func (s *PgStore) UpdateSyncJob(ctx context.Context, j *SyncJob) error {
	errLog, meta, err := marshalJobJSON(j)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE sync_jobs SET
		status=$2, total_items=$3, processed_items=$4, successful_items=$5,
		failed_items=$6, error_log=$7, metadata=$8, started_at=$9,
		completed_at=$10, updated_at=now()
		WHERE id=$1`,
		j.ID, j.Status, j.TotalItems, j.ProcessedItems, j.SuccessfulItems,
		j.FailedItems, errLog, meta, j.StartedAt, j.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const syncJobColumns = `id, type, status, total_items, processed_items,
	successful_items, failed_items, error_log, metadata, started_at,
	completed_at, created_by, created_at, updated_at`

func (s *PgStore) SyncJobByID(ctx context.Context, id string) (*SyncJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id=$1`, id)
	return scanSyncJob(row)
}

func (s *PgStore) RecentSyncJobs(ctx context.Context, limit int) ([]*SyncJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SyncJob
	for rows.Next() {
		j, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func scanFormation(row pgx.Row) (*Formation, error) {
	var f Formation
	var tags string
	var data []byte
	err := row.Scan(&f.ID, &f.Source, &f.SourceID, &f.Name, &f.Description,
		&f.Category, &tags, &f.DroneCount, &f.Duration, &f.ThumbnailURL,
		&f.FileURL, &f.Price, &f.Creator, &f.Rating, &f.DownloadCount,
		&f.SyncStatus, &f.LastSynced, &data, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Tags = SplitTags(tags)
	if len(data) > 0 {
		f.FormationData = json.RawMessage(data)
	}
	return &f, nil
}

func scanSyncJob(row pgx.Row) (*SyncJob, error) {
	var j SyncJob
	var errLog, meta []byte
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.TotalItems, &j.ProcessedItems,
		&j.SuccessfulItems, &j.FailedItems, &errLog, &meta, &j.StartedAt,
		&j.CompletedAt, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(errLog) > 0 {
		if err := json.Unmarshal(errLog, &j.ErrorLog); err != nil {
			return nil, fmt.Errorf("decode error_log: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &j, nil
}

func marshalJobJSON(j *SyncJob) ([]byte, []byte, error) {
	errLog := j.ErrorLog
	if errLog == nil {
		errLog = []SyncErrorEntry{}
	}
	eb, err := json.Marshal(errLog)
	if err != nil {
		return nil, nil, fmt.Errorf("encode error_log: %w", err)
	}
	meta := j.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return eb, mb, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
