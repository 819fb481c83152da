// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for chat turns and
// the OpenTelemetry provider setup shared by the binaries.
//
// # Metrics Exposed
//
//   - awaregpt_turns_total{surface, outcome}
//   - awaregpt_turns_fragments_total{surface}
//   - awaregpt_turns_time_to_first_fragment_seconds{surface}
//   - awaregpt_turns_duration_seconds{surface, outcome}
//   - awaregpt_turns_active{surface}
//   - awaregpt_turns_errors_total{surface, error_code}
//   - awaregpt_turns_scoring_total{surface, result}
//   - awaregpt_turns_keepalives_total{surface}
//   - awaregpt_turns_client_disconnects_total{surface}
//
// # Thread Safety
//
// All methods are safe for concurrent use. A nil *TurnMetrics records
// nothing, so collaborators can take metrics as optional.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "awaregpt"
	turnsSubsystem   = "turns"
)

// Surface identifies where a turn was driven from.
type Surface string

const (
	SurfaceHTTP Surface = "http"
	SurfaceCLI  Surface = "cli"
)

// Outcome is the terminal state of a turn, as a label value.
type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeTimedOut   Outcome = "timed_out"
	OutcomeFailed     Outcome = "failed"
	OutcomeNotStarted Outcome = "not_started"
)

// TurnMetrics holds the Prometheus collectors for chat turns.
type TurnMetrics struct {
	TurnsTotal                 *prometheus.CounterVec
	FragmentsTotal             *prometheus.CounterVec
	TimeToFirstFragmentSeconds *prometheus.HistogramVec
	TurnDurationSeconds        *prometheus.HistogramVec
	ActiveTurns                *prometheus.GaugeVec
	ErrorsTotal                *prometheus.CounterVec
	ScoringTotal               *prometheus.CounterVec
	KeepAlivesTotal            *prometheus.CounterVec
	ClientDisconnectsTotal     *prometheus.CounterVec
}

// DefaultMetrics is set by InitMetrics.
var DefaultMetrics *TurnMetrics

// InitMetrics registers TurnMetrics with the default Prometheus registry
// and stores them in DefaultMetrics. Call it once per process.
func InitMetrics() *TurnMetrics {
	DefaultMetrics = NewTurnMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewTurnMetrics registers TurnMetrics with reg. Tests pass
// prometheus.NewRegistry() for isolation.
func NewTurnMetrics(reg prometheus.Registerer) *TurnMetrics {
	factory := promauto.With(reg)
	return &TurnMetrics{
		TurnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "total",
				Help:      "Chat turns by surface and terminal outcome",
			},
			[]string{"surface", "outcome"},
		),
		FragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "fragments_total",
				Help:      "Text fragments forwarded to callers",
			},
			[]string{"surface"},
		),
		TimeToFirstFragmentSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "time_to_first_fragment_seconds",
				Help:      "Time from turn start to first fragment",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"surface"},
		),
		TurnDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "duration_seconds",
				Help:      "Total turn duration including scoring",
				Buckets:   []float64{1, 5, 10, 30, 60, 120},
			},
			[]string{"surface", "outcome"},
		),
		ActiveTurns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "active",
				Help:      "Turns currently streaming or scoring",
			},
			[]string{"surface"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "errors_total",
				Help:      "Turn errors by code, including degraded scoring",
			},
			[]string{"surface", "error_code"},
		),
		ScoringTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "scoring_total",
				Help:      "Completed turns by scoring result (scored or unscored)",
			},
			[]string{"surface", "result"},
		),
		KeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "keepalives_total",
				Help:      "Keep-alive pings sent on streaming responses",
			},
			[]string{"surface"},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: turnsSubsystem,
				Name:      "client_disconnects_total",
				Help:      "Clients that went away mid-turn",
			},
			[]string{"surface"},
		),
	}
}

// TurnStarted increments the active gauge.
func (m *TurnMetrics) TurnStarted(s Surface) {
	if m == nil {
		return
	}
	m.ActiveTurns.WithLabelValues(string(s)).Inc()
}

// TurnEnded decrements the active gauge and records outcome and duration.
func (m *TurnMetrics) TurnEnded(s Surface, outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveTurns.WithLabelValues(string(s)).Dec()
	m.TurnsTotal.WithLabelValues(string(s), string(outcome)).Inc()
	m.TurnDurationSeconds.WithLabelValues(string(s), string(outcome)).Observe(seconds)
}

// RecordNotStarted counts a turn rejected before streaming.
func (m *TurnMetrics) RecordNotStarted(s Surface, code string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(string(s), string(OutcomeNotStarted)).Inc()
	m.ErrorsTotal.WithLabelValues(string(s), code).Inc()
}

// RecordFragment counts one forwarded fragment.
func (m *TurnMetrics) RecordFragment(s Surface) {
	if m == nil {
		return
	}
	m.FragmentsTotal.WithLabelValues(string(s)).Inc()
}

// RecordTimeToFirstFragment observes latency to the first fragment.
func (m *TurnMetrics) RecordTimeToFirstFragment(s Surface, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstFragmentSeconds.WithLabelValues(string(s)).Observe(seconds)
}

// RecordError counts an error by code.
func (m *TurnMetrics) RecordError(s Surface, code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(string(s), code).Inc()
}

// RecordScoring counts a completed turn as scored or unscored.
func (m *TurnMetrics) RecordScoring(s Surface, scored bool) {
	if m == nil {
		return
	}
	result := "scored"
	if !scored {
		result = "unscored"
	}
	m.ScoringTotal.WithLabelValues(string(s), result).Inc()
}

// RecordKeepAlive counts one keep-alive ping.
func (m *TurnMetrics) RecordKeepAlive(s Surface) {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.WithLabelValues(string(s)).Inc()
}

// RecordClientDisconnect counts a client that went away mid-turn.
func (m *TurnMetrics) RecordClientDisconnect(s Surface) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(s)).Inc()
}
