// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import "time"

// Sync modes control how already-stored formations are treated during a run.
const (
	SyncModeNew   = "new"   // only formations we have never seen
	SyncModeAll   = "all"   // update existing, add new
	SyncModeForce = "force" // overwrite existing, add new
)

// Sync job lifecycle states. Transitions are monotonic.
const (
	JobPending             = "pending"
	JobStarting            = "starting"
	JobSyncing             = "syncing"
	JobCompleted           = "completed"
	JobCompletedWithErrors = "completed_with_errors"
	JobFailed              = "failed"
)

// Per-formation sync status.
const (
	FormationPending = "pending"
	FormationSynced  = "synced"
	FormationFailed  = "failed"
)

// JobTypeFormationImport is the job type recorded for ingestion runs.
const JobTypeFormationImport = "formation_import"

// DefaultSource tags formations imported from the external platform.
const DefaultSource = "skystage"

const (
	DefaultBatchSize    = 5
	DefaultBatchDelay   = 500 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 1 * time.Second

	DefaultHTTPTimeout  = 30 * time.Second
	DefaultProbeTimeout = 10 * time.Second

	// DefaultSessionTTL is measured from the original login, not from last
	// use. A session older than this is discarded on load.
	DefaultSessionTTL = 24 * time.Hour
)
