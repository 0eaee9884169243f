// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newSQLiteFixture(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "skysync.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_FormationRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteFixture(t)

	synced := time.Now().UTC().Truncate(time.Second)
	price := 499.5
	in := &Formation{
		ID:            uuid.NewString(),
		Source:        DefaultSource,
		SourceID:      "heart-1",
		Name:          "Heart",
		Description:   "A heart made of lights",
		Category:      "Celebration",
		Tags:          []string{"wedding", "outdoor"},
		DroneCount:    100,
		Duration:      180,
		ThumbnailURL:  "/thumbs/heart.jpg",
		FileURL:       "/files/heart.bin",
		Price:         &price,
		Creator:       "Aerial Arts",
		Rating:        4.5,
		DownloadCount: 321,
		SyncStatus:    FormationSynced,
		LastSynced:    &synced,
		FormationData: json.RawMessage(`{"frames":[{"t":0,"drones":[{"id":1,"x":0,"y":0,"z":5}]}]}`),
	}
	_, err := store.CreateFormation(ctx, in)
	require.NoError(t, err)

	got, err := store.FormationByID(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, in.Name, got.Name)
	require.Equal(t, in.Tags, got.Tags)
	require.Equal(t, in.DroneCount, got.DroneCount)
	require.NotNil(t, got.Price)
	require.InDelta(t, price, *got.Price, 1e-9)
	require.NotNil(t, got.LastSynced)
	require.JSONEq(t, string(in.FormationData), string(got.FormationData))
	require.Equal(t, FormationSynced, got.SyncStatus)

	bySource, err := store.FormationBySourceID(ctx, DefaultSource, "heart-1")
	require.NoError(t, err)
	require.Equal(t, in.ID, bySource.ID)

	_, err = store.FormationBySourceID(ctx, DefaultSource, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateFormation(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteFixture(t)

	in := &Formation{ID: uuid.NewString(), Source: DefaultSource, SourceID: "a", Name: "Before"}
	_, err := store.CreateFormation(ctx, in)
	require.NoError(t, err)

	in.Name = "After"
	in.Tags = []string{"updated"}
	require.NoError(t, store.UpdateFormation(ctx, in))

	got, err := store.FormationByID(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, "After", got.Name)
	require.Equal(t, []string{"updated"}, got.Tags)

	require.ErrorIs(t, store.UpdateFormation(ctx, &Formation{ID: "missing", Name: "x"}), ErrNotFound)
}

func TestSQLiteStore_SourceUniqueness(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteFixture(t)

	_, err := store.CreateFormation(ctx, &Formation{ID: uuid.NewString(), Source: DefaultSource, SourceID: "dup", Name: "One"})
	require.NoError(t, err)
	_, err = store.CreateFormation(ctx, &Formation{ID: uuid.NewString(), Source: DefaultSource, SourceID: "dup", Name: "Two"})
	require.Error(t, err, "duplicate (source, source_id) must be rejected")
}

func TestSQLiteStore_SyncJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteFixture(t)

	started := time.Now().UTC().Truncate(time.Second)
	in := &SyncJob{
		ID:        uuid.NewString(),
		Type:      JobTypeFormationImport,
		Status:    JobSyncing,
		StartedAt: &started,
		CreatedBy: "admin-1",
		ErrorLog:  []SyncErrorEntry{{FormationID: "x", Name: "Broken", Message: "detail fetch failed"}},
		Metadata:  map[string]any{"sync_type": "new"},
	}
	_, err := store.CreateSyncJob(ctx, in)
	require.NoError(t, err)

	in.Status = JobCompletedWithErrors
	in.TotalItems = 5
	in.ProcessedItems = 5
	in.SuccessfulItems = 4
	in.FailedItems = 1
	done := time.Now().UTC().Truncate(time.Second)
	in.CompletedAt = &done
	require.NoError(t, store.UpdateSyncJob(ctx, in))

	got, err := store.SyncJobByID(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, JobCompletedWithErrors, got.Status)
	require.Equal(t, 5, got.TotalItems)
	require.Equal(t, 4, got.SuccessfulItems)
	require.Len(t, got.ErrorLog, 1)
	require.Equal(t, "detail fetch failed", got.ErrorLog[0].Message)
	require.Equal(t, "new", got.Metadata["sync_type"])
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, "admin-1", got.CreatedBy)

	_, err = store.SyncJobByID(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_RecentSyncJobsOrder(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteFixture(t)

	var ids []string
	for i := 0; i < 3; i++ {
		j := &SyncJob{ID: uuid.NewString(), Type: JobTypeFormationImport, Status: JobPending}
		_, err := store.CreateSyncJob(ctx, j)
		require.NoError(t, err)
		ids = append(ids, j.ID)
		time.Sleep(5 * time.Millisecond) // distinct created_at ordering
	}

	jobs, err := store.RecentSyncJobs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, ids[2], jobs[0].ID)
	require.Equal(t, ids[1], jobs[1].ID)
}

func TestSQLiteStore_WorksWithFormationStore(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteFixture(t)
	fs := NewFormationStore(store, nil)

	_, err := fs.Upsert(ctx, &Formation{SourceID: "w-1", Name: "Wave", ThumbnailURL: "/t.jpg"}, SyncModeAll)
	require.NoError(t, err)
	out, err := fs.Upsert(ctx, &Formation{SourceID: "w-1", Name: "Wave v2"}, SyncModeAll)
	require.NoError(t, err)
	require.Equal(t, "Wave v2", out.Name)
	require.Equal(t, "/t.jpg", out.ThumbnailURL)

	n, err := store.CountFormations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
