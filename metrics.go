// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package pageserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type repoMetrics struct {
	pageVersionsWritten prometheus.Counter
	bytesWritten        prometheus.Counter
	walRecordsApplied   prometheus.Counter
	getPageCalls        prometheus.Counter
	getPageCacheHits    prometheus.Counter
	waitLsnTimeouts     prometheus.Counter

	checkpoints         *prometheus.CounterVec
	layersFlushed       prometheus.Counter
	flushedBytes        prometheus.Counter
	lastFlushLagSeconds prometheus.Gauge

	gcIterations     prometheus.Counter
	gcLayersRemoved  *prometheus.CounterVec
	gcElapsedSeconds prometheus.Histogram

	timelinesCreated prometheus.Counter
	branchesCreated  prometheus.Counter

	logicalSize *prometheus.GaugeVec
}

func newRepoMetrics(reg prometheus.Registerer) *repoMetrics {
	return &repoMetrics{
		pageVersionsWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "page_versions_written",
			Help: "page_versions_written counts page versions (records or images) appended to open layers.",
		}),
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_bytes_written",
			Help: "wal_bytes_written counts the bytes of WAL record or image payload buffered, before layer framing overhead.",
		}),
		walRecordsApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_records_applied",
			Help: "wal_records_applied counts calls to put_wal_record across all timelines.",
		}),
		getPageCalls: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "get_page_calls",
			Help: "get_page_calls counts calls to get_page_at_lsn.",
		}),
		getPageCacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "get_page_cache_hits",
			Help: "get_page_cache_hits counts get_page_at_lsn calls satisfied directly from the materialized-page cache.",
		}),
		waitLsnTimeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wait_lsn_timeouts",
			Help: "wait_lsn_timeouts counts wait_lsn calls that did not reach their target before the configured timeout.",
		}),
		checkpoints: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "checkpoints",
				Help: "checkpoints counts per-timeline Checkpoint calls by mode.",
			},
			[]string{"mode"},
		),
		layersFlushed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "layers_flushed",
			Help: "layers_flushed counts delta and image layer files produced by flushing frozen in-memory layers.",
		}),
		flushedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "flushed_bytes",
			Help: "flushed_bytes counts the bytes written to new layer files during flush.",
		}),
		lastFlushLagSeconds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "last_flush_lag_seconds",
			Help: "last_flush_lag_seconds is the wall-clock time the most recent flush of a frozen layer took, from writing its layer files to publishing disk_consistent_lsn.",
		}),
		gcIterations: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "gc_iterations",
			Help: "gc_iterations counts completed gc_iteration passes.",
		}),
		gcLayersRemoved: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gc_layers_removed",
				Help: "gc_layers_removed counts layer files deleted by gc_iteration, by retention category.",
			},
			[]string{"category"},
		),
		gcElapsedSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "gc_elapsed_seconds",
			Help:    "gc_elapsed_seconds is the wall-clock duration of each gc_iteration pass.",
			Buckets: prometheus.DefBuckets,
		}),
		timelinesCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "timelines_created",
			Help: "timelines_created counts calls to create_empty_timeline.",
		}),
		branchesCreated: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "branches_created",
			Help: "branches_created counts calls to branch_timeline.",
		}),
		logicalSize: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "current_logical_size",
				Help: "current_logical_size is the incrementally maintained logical size of each timeline, in bytes.",
			},
			[]string{"timeline"},
		),
	}
}
