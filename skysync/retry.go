// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"time"
)

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// linearBackoff returns the delay before retry number attempt (1-based):
// attempt * base.
func linearBackoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}

// retryableStatus reports whether an HTTP status is worth another attempt.
// 4xx other than 408/429 will not get better on retry.
func retryableStatus(code int) bool {
	switch {
	case code == 0:
		return true // transport-level failure, no status
	case code == 408, code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
