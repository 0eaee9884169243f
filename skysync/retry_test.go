// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLinearBackoff(t *testing.T) {
	require.Equal(t, time.Second, linearBackoff(1, time.Second))
	require.Equal(t, 3*time.Second, linearBackoff(3, time.Second))
	require.Equal(t, 2*time.Millisecond, linearBackoff(2, time.Millisecond))
}

func TestRetryableStatus(t *testing.T) {
	for _, code := range []int{0, 408, 429, 500, 502, 503} {
		require.True(t, retryableStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 422} {
		require.False(t, retryableStatus(code), "status %d", code)
	}
}

func TestSleepWithContext_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleepWithContext(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, sleepWithContext(context.Background(), time.Millisecond))
}
