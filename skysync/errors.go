// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"errors"
	"fmt"
)

// ErrAuthentication indicates missing/invalid credentials or a failed
// post-login verification. It is fatal to a sync run's start and is not
// retried automatically.
var ErrAuthentication = errors.New("authentication failed")

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrNoFormationData is returned by the exporter when a formation carries no
// usable choreography payload.
var ErrNoFormationData = errors.New("formation has no choreography data")

// JobFatalError terminates a whole sync run: authentication failure or
// listing discovery failing across every endpoint.
type JobFatalError struct {
	Stage string // "authentication" or "discovery"
	Err   error
}

func (e *JobFatalError) Error() string {
	return fmt.Sprintf("sync job failed during %s: %v", e.Stage, e.Err)
}

func (e *JobFatalError) Unwrap() error { return e.Err }

// FetchError is a transient failure retrieving a candidate URL: network
// error, timeout, or a non-200 response. Retried per item, never fatal to
// the job.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError means no recognized data shape was found in a fetched page.
// Treated like a transient fetch outcome at the item level, since a retry or
// a different URL template may yield a parseable response.
type ParseError struct {
	URL    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

// StoreError is a persistence failure on upsert. Logged per item; the run
// continues.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
