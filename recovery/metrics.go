// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// recoveryMetrics is one struct of prometheus collectors built by a
// constructor that takes a Registerer, never a package-level global.
type recoveryMetrics struct {
	rowsEmitted     prometheus.Counter
	rowsSkipped     prometheus.Counter
	gapsDetected    *prometheus.CounterVec
	segmentRotates  prometheus.Counter
	sinkWriteErrors prometheus.Counter
}

func newRecoveryMetrics(reg prometheus.Registerer) *recoveryMetrics {
	return &recoveryMetrics{
		rowsEmitted: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "recovery_rows_emitted",
			Help: "recovery_rows_emitted counts rows successfully handed to the sink.",
		}),
		rowsSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "recovery_rows_skipped",
			Help: "recovery_rows_skipped counts rows skipped as already-seen (idempotent replay).",
		}),
		gapsDetected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "recovery_gaps_detected",
				Help: "recovery_gaps_detected counts gap errors, split by whether they were fatal or downgraded to a warning.",
			},
			[]string{"severity"},
		),
		segmentRotates: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "recovery_segment_rotates",
			Help: "recovery_segment_rotates counts how many times replay moved on to the next segment file.",
		}),
		sinkWriteErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "recovery_sink_write_errors",
			Help: "recovery_sink_write_errors counts rows dropped because the sink rejected them in permissive mode.",
		}),
	}
}
