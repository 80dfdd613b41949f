// Copyright 2025 Certen Protocol
//
// Orchestrator Prometheus metrics

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pipeline activity per network and stage.
type Metrics struct {
	StagesTotal   *prometheus.CounterVec
	StageFailures *prometheus.CounterVec
	RetriesTotal  *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	DeploysTotal  *prometheus.CounterVec
	RunsTotal     *prometheus.CounterVec
}

// NewMetrics registers the orchestrator metrics on a registry. Pass
// prometheus.DefaultRegisterer in the binary; tests use a private
// registry so parallel suites do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_stages_total",
			Help: "Pipeline stages executed, by network and stage.",
		}, []string{"network", "stage"}),
		StageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_stage_failures_total",
			Help: "Pipeline stage failures, by network, stage and error kind.",
		}, []string{"network", "stage", "kind"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_transport_retries_total",
			Help: "Transport-error retries, by network.",
		}, []string{"network"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_stage_duration_seconds",
			Help:    "Wall-clock duration of pipeline stages.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"network", "stage"}),
		DeploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_deploys_total",
			Help: "Contract deployments, by network, contract and outcome.",
		}, []string{"network", "contract", "outcome"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_runs_total",
			Help: "Completed orchestration runs, by aggregate status.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.StagesTotal, m.StageFailures, m.RetriesTotal,
		m.StageDuration, m.DeploysTotal, m.RunsTotal,
	)
	return m
}
