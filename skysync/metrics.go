// Copyright 2025 Lumovan
// SPDX-License-Identifier: Apache-2.0

package skysync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skysync_sync_runs_total",
		Help: "Completed sync runs by terminal status.",
	}, []string{"status"})

	metricItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skysync_items_processed_total",
		Help: "Formation candidates processed by result.",
	}, []string{"result"})

	metricFetchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skysync_fetch_retries_total",
		Help: "Detail fetch attempts beyond the first.",
	})

	metricParseFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skysync_parse_dom_fallbacks_total",
		Help: "Detail pages normalized from DOM structure after no embedded payload was found.",
	})

	metricItemsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "skysync_items_in_flight",
		Help: "Detail fetches currently running.",
	})
)
