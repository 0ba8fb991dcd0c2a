// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for workflow execution.
var (
	promWorkflowsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mrprompt_workflows_started_total",
			Help: "Total number of workflow runs started",
		},
	)
	promWorkflowsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mrprompt_workflows_finished_total",
			Help: "Total number of workflow runs reaching a terminal state",
		},
		[]string{"status"},
	)
	promActiveWorkflows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mrprompt_workflows_active",
			Help: "Number of workflow runs currently executing",
		},
	)
	promStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mrprompt_workflow_step_duration_milliseconds",
			Help:    "Duration of pipeline steps in milliseconds",
			Buckets: []float64{500, 1000, 2500, 5000, 10000, 30000, 60000, 120000},
		},
		[]string{"status"},
	)
	promStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mrprompt_stream_clients",
			Help: "Number of connected workflow event streams",
		},
	)
)

func init() {
	prometheus.MustRegister(promWorkflowsStarted)
	prometheus.MustRegister(promWorkflowsFinished)
	prometheus.MustRegister(promActiveWorkflows)
	prometheus.MustRegister(promStepDuration)
	prometheus.MustRegister(promStreamClients)
}
