// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the embedded Store backend for single-node deployments and
// hermetic tests. Schema mirrors the Postgres backend.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids database-locked
	// errors under concurrent checkpoint writes.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initializeSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initializeSchema(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS formations (
			id             TEXT PRIMARY KEY,
			source         TEXT NOT NULL DEFAULT '',
			source_id      TEXT NOT NULL DEFAULT '',
			name           TEXT NOT NULL,
			description    TEXT NOT NULL DEFAULT '',
			category       TEXT NOT NULL DEFAULT '',
			tags           TEXT NOT NULL DEFAULT '',
			drone_count    INTEGER NOT NULL DEFAULT 0,
			duration       REAL NOT NULL DEFAULT 0,
			thumbnail_url  TEXT NOT NULL DEFAULT '',
			file_url       TEXT NOT NULL DEFAULT '',
			price          REAL,
			creator        TEXT NOT NULL DEFAULT '',
			rating         REAL NOT NULL DEFAULT 0,
			download_count INTEGER NOT NULL DEFAULT 0,
			sync_status    TEXT NOT NULL DEFAULT 'pending',
			last_synced    TIMESTAMP,
			formation_data TEXT,
			created_at     TIMESTAMP NOT NULL,
			updated_at     TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_formations_source
			ON formations (source, source_id) WHERE source_id <> ''`,
		`CREATE TABLE IF NOT EXISTS sync_jobs (
			id               TEXT PRIMARY KEY,
			type             TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending',
			total_items      INTEGER NOT NULL DEFAULT 0,
			processed_items  INTEGER NOT NULL DEFAULT 0,
			successful_items INTEGER NOT NULL DEFAULT 0,
			failed_items     INTEGER NOT NULL DEFAULT 0,
			error_log        TEXT NOT NULL DEFAULT '[]',
			metadata         TEXT NOT NULL DEFAULT '{}',
			started_at       TIMESTAMP,
			completed_at     TIMESTAMP,
			created_by       TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMP NOT NULL,
			updated_at       TIMESTAMP NOT NULL
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateFormation(ctx context.Context, f *Formation) (*Formation, error) {
	cp := *f
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO formations
		(id, source, source_id, name, description, category, tags, drone_count,
		 duration, thumbnail_url, file_url, price, creator, rating, download_count,
		 sync_status, last_synced, formation_data, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		cp.ID, cp.Source, cp.SourceID, cp.Name, cp.Description, cp.Category,
		cp.TagsJoined(), cp.DroneCount, cp.Duration, cp.ThumbnailURL, cp.FileURL,
		cp.Price, cp.Creator, cp.Rating, cp.DownloadCount, cp.SyncStatus,
		nullTime(cp.LastSynced), rawText(cp.FormationData), cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *SQLiteStore) UpdateFormation(ctx context.Context, f *Formation) error {
	res, err := s.db.ExecContext(ctx, `UPDATE formations SET
		source=?, source_id=?, name=?, description=?, category=?, tags=?,
		drone_count=?, duration=?, thumbnail_url=?, file_url=?, price=?,
		creator=?, rating=?, download_count=?, sync_status=?, last_synced=?,
		formation_data=?, updated_at=?
		WHERE id=?`,
		f.Source, f.SourceID, f.Name, f.Description, f.Category, f.TagsJoined(),
		f.DroneCount, f.Duration, f.ThumbnailURL, f.FileURL, f.Price, f.Creator,
		f.Rating, f.DownloadCount, f.SyncStatus, nullTime(f.LastSynced),
		rawText(f.FormationData), time.Now().UTC(), f.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteFormationColumns = `id, source, source_id, name, description, category, tags,
	drone_count, duration, thumbnail_url, file_url, price, creator, rating,
	download_count, sync_status, last_synced, formation_data, created_at, updated_at`

func (s *SQLiteStore) FormationByID(ctx context.Context, id string) (*Formation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteFormationColumns+` FROM formations WHERE id=?`, id)
	return scanSQLiteFormation(row)
}

func (s *SQLiteStore) FormationBySourceID(ctx context.Context, source, sourceID string) (*Formation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteFormationColumns+` FROM formations WHERE source=? AND source_id=?`,
		source, sourceID)
	return scanSQLiteFormation(row)
}

func (s *SQLiteStore) Formations(ctx context.Context, limit, offset int) ([]*Formation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteFormationColumns+` FROM formations ORDER BY created_at LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Formation
	for rows.Next() {
		f, err := scanSQLiteFormation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountFormations(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM formations`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CreateSyncJob(ctx context.Context, j *SyncJob) (*SyncJob, error) {
	errLog, meta, err := marshalJobJSON(j)
	if err != nil {
		return nil, err
	}
	cp := cloneJob(j)
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	_, err = s.db.ExecContext(ctx, `INSERT INTO sync_jobs
		(id, type, status, total_items, processed_items, successful_items,
		 failed_items, error_log, metadata, started_at, completed_at, created_by,
		 created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		cp.ID, cp.Type, cp.Status, cp.TotalItems, cp.ProcessedItems,
		cp.SuccessfulItems, cp.FailedItems, string(errLog), string(meta),
		nullTime(cp.StartedAt), nullTime(cp.CompletedAt), cp.CreatedBy,
		cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *SQLiteStore) UpdateSyncJob(ctx context.Context, j *SyncJob) error {
	errLog, meta, err := marshalJobJSON(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sync_jobs SET
		status=?, total_items=?, processed_items=?, successful_items=?,
		failed_items=?, error_log=?, metadata=?, started_at=?, completed_at=?,
		updated_at=?
		WHERE id=?`,
		j.Status, j.TotalItems, j.ProcessedItems, j.SuccessfulItems,
		j.FailedItems, string(errLog), string(meta), nullTime(j.StartedAt),
		nullTime(j.CompletedAt), time.Now().UTC(), j.ID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteJobColumns = `id, type, status, total_items, processed_items,
	successful_items, failed_items, error_log, metadata, started_at,
	completed_at, created_by, created_at, updated_at`

func (s *SQLiteStore) SyncJobByID(ctx context.Context, id string) (*SyncJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM sync_jobs WHERE id=?`, id)
	return scanSQLiteJob(row)
}

func (s *SQLiteStore) RecentSyncJobs(ctx context.Context, limit int) ([]*SyncJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM sync_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*SyncJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteFormation(row rowScanner) (*Formation, error) {
	var f Formation
	var tags string
	var data sql.NullString
	var lastSynced sql.NullTime
	err := row.Scan(&f.ID, &f.Source, &f.SourceID, &f.Name, &f.Description,
		&f.Category, &tags, &f.DroneCount, &f.Duration, &f.ThumbnailURL,
		&f.FileURL, &f.Price, &f.Creator, &f.Rating, &f.DownloadCount,
		&f.SyncStatus, &lastSynced, &data, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	f.Tags = SplitTags(tags)
	if lastSynced.Valid {
		t := lastSynced.Time
		f.LastSynced = &t
	}
	if data.Valid && data.String != "" {
		f.FormationData = json.RawMessage(data.String)
	}
	return &f, nil
}

func scanSQLiteJob(row rowScanner) (*SyncJob, error) {
	var j SyncJob
	var errLog, meta string
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.TotalItems, &j.ProcessedItems,
		&j.SuccessfulItems, &j.FailedItems, &errLog, &meta, &startedAt,
		&completedAt, &j.CreatedBy, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if errLog != "" {
		if err := json.Unmarshal([]byte(errLog), &j.ErrorLog); err != nil {
			return nil, fmt.Errorf("decode error_log: %w", err)
		}
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &j.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func rawText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
