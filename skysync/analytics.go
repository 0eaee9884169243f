// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"context"
	"log/slog"
)

// AnalyticsSink records usage events. Recording is fire-and-forget: an
// implementation must never let a failure propagate to the caller.
type AnalyticsSink interface {
	RecordEvent(ctx context.Context, ev AnalyticsEvent)
}

// NopAnalytics discards every event.
type NopAnalytics struct{}

func (NopAnalytics) RecordEvent(context.Context, AnalyticsEvent) {}

// LogAnalytics writes events to the structured log.
type LogAnalytics struct {
	Logger *slog.Logger
}

func NewLogAnalytics(logger *slog.Logger) *LogAnalytics {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAnalytics{Logger: logger}
}

func (a *LogAnalytics) RecordEvent(ctx context.Context, ev AnalyticsEvent) {
	a.Logger.LogAttrs(ctx, slog.LevelDebug, "analytics event",
		slog.String("event_type", ev.EventType),
		slog.String("entity_type", ev.EntityType),
		slog.String("entity_id", ev.EntityID),
		slog.String("user_id", ev.UserID),
		slog.Any("metadata", ev.Metadata),
	)
}
