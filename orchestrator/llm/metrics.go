// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the AI request path.
var (
	promHealthyPairs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mrprompt_llm_healthy_pairs",
			Help: "Number of key/endpoint pairs currently eligible for selection",
		},
	)
	promPairFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrprompt_llm_pair_failures_total",
			Help: "Total number of failures reported against a key/endpoint pair",
		},
		[]string{"pair"},
	)
	promFailOpenResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mrprompt_llm_fail_open_resets_total",
			Help: "Number of times every pair was reset to healthy because none remained",
		},
	)
	promAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrprompt_llm_attempts_total",
			Help: "Total number of provider call attempts made by the gateway",
		},
		[]string{"outcome"},
	)
	promAttemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mrprompt_llm_attempt_duration_milliseconds",
			Help:    "Duration of individual provider call attempts in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
	)
)

func init() {
	prometheus.MustRegister(promHealthyPairs)
	prometheus.MustRegister(promPairFailures)
	prometheus.MustRegister(promFailOpenResets)
	prometheus.MustRegister(promAttempts)
	prometheus.MustRegister(promAttemptDuration)
}
