// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// dispatchMetrics is one struct of prometheus collectors built by a
// constructor taking a Registerer.
type dispatchMetrics struct {
	calls          *prometheus.CounterVec
	accessDenied   prometheus.Counter
	setuidSwitches prometheus.Counter
	unknownErrors  prometheus.Counter
}

func newDispatchMetrics(reg prometheus.Registerer) *dispatchMetrics {
	return &dispatchMetrics{
		calls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_calls",
				Help: "dispatch_calls counts function invocations, split by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		accessDenied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dispatch_access_denied",
			Help: "dispatch_access_denied counts calls rejected by the access check.",
		}),
		setuidSwitches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dispatch_setuid_switches",
			Help: "dispatch_setuid_switches counts identity switches performed for setuid functions.",
		}),
		unknownErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "dispatch_unknown_errors",
			Help: "dispatch_unknown_errors counts calls where the callee failed without setting a diagnostic.",
		}),
	}
}
