package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the token lifecycle and the sync engine.
var (
	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_token_refresh_total",
		Help: "OAuth refresh grants by outcome",
	}, []string{"result"}) // result: ok, error

	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_sync_runs_total",
		Help: "Account sync passes by outcome",
	}, []string{"result"}) // result: ok, error, skipped, joined

	syncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgersync_sync_records_total",
		Help: "Accounts processed by sync passes",
	}, []string{"operation"}) // operation: created, updated, unchanged

	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledgersync_sync_duration_seconds",
		Help:    "Duration of account sync passes",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
