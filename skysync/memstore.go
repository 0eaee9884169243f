// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is the in-memory Store backend. It backs tests and ephemeral
// deployments; semantics match the durable backends.
type MemStore struct {
	mu         sync.RWMutex
	formations map[string]*Formation
	jobs       map[string]*SyncJob
}

func NewMemStore() *MemStore {
	return &MemStore{
		formations: make(map[string]*Formation),
		jobs:       make(map[string]*SyncJob),
	}
}

func (m *MemStore) CreateFormation(_ context.Context, f *Formation) (*Formation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *f
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.formations[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (m *MemStore) UpdateFormation(_ context.Context, f *Formation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.formations[f.ID]; !ok {
		return ErrNotFound
	}
	cp := *f
	cp.UpdatedAt = time.Now().UTC()
	m.formations[cp.ID] = &cp
	return nil
}

func (m *MemStore) FormationByID(_ context.Context, id string) (*Formation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.formations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (m *MemStore) FormationBySourceID(_ context.Context, source, sourceID string) (*Formation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.formations {
		if f.Source == source && f.SourceID == sourceID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) Formations(_ context.Context, limit, offset int) ([]*Formation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*Formation, 0, len(m.formations))
	for _, f := range m.formations {
		cp := *f
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemStore) CountFormations(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.formations), nil
}

func (m *MemStore) CreateSyncJob(_ context.Context, j *SyncJob) (*SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneJob(j)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.jobs[cp.ID] = cp
	return cloneJob(cp), nil
}

func (m *MemStore) UpdateSyncJob(_ context.Context, j *SyncJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	cp := cloneJob(j)
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[cp.ID] = cp
	return nil
}

func (m *MemStore) SyncJobByID(_ context.Context, id string) (*SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemStore) RecentSyncJobs(_ context.Context, limit int) ([]*SyncJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := make([]*SyncJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		all = append(all, cloneJob(j))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemStore) Close() error { return nil }

func cloneJob(j *SyncJob) *SyncJob {
	cp := *j
	cp.ErrorLog = append([]SyncErrorEntry(nil), j.ErrorLog...)
	if j.Metadata != nil {
		cp.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
