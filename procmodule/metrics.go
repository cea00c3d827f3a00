// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package procmodule

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// moduleMetrics is one struct of prometheus collectors built by a
// constructor taking a Registerer.
type moduleMetrics struct {
	loads          prometheus.Counter
	loadFailures   prometheus.Counter
	reloads        *prometheus.CounterVec
	gcRuns         prometheus.Counter
	liveModules    prometheus.Gauge
	nativeCallErrs prometheus.Counter
}

func newModuleMetrics(reg prometheus.Registerer) *moduleMetrics {
	return &moduleMetrics{
		loads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "module_loads",
			Help: "module_loads counts successful module loads (shadow-copy dlopen).",
		}),
		loadFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "module_load_failures",
			Help: "module_load_failures counts failed module loads.",
		}),
		reloads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "module_reloads",
				Help: "module_reloads counts reload attempts, split by outcome.",
			},
			[]string{"outcome"},
		),
		gcRuns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "module_gc_runs",
			Help: "module_gc_runs counts how many times a module handle was actually closed.",
		}),
		liveModules: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "module_live_count",
			Help: "module_live_count is the number of modules currently held in the cache.",
		}),
		nativeCallErrs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "module_native_call_errors",
			Help: "module_native_call_errors counts native calls that returned a non-zero code.",
		}),
	}
}
