// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes Prometheus instrumentation for the process
// supervisor and the fuzz executor.
//
// A nil *Metrics is valid and records nothing, so components can accept an
// optional collector without nil checks at every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mcpfuzz"

// Metrics holds every collector registered by New.
type Metrics struct {
	processesStarted  prometheus.Counter
	processStartFails prometheus.Counter
	processesStopped  *prometheus.CounterVec
	signalsSent       *prometheus.CounterVec

	watchdogScans        prometheus.Counter
	watchdogScanDuration prometheus.Histogram
	watchdogInterval     prometheus.Gauge
	watchdogTracked      prometheus.Gauge
	watchdogTerminations *prometheus.CounterVec
	watchdogErrors       prometheus.Counter

	executorInFlight   prometheus.Gauge
	executorOperations *prometheus.CounterVec
	executorRetries    prometheus.Counter
	executorDuration   prometheus.Histogram
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer to
// expose them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		processesStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "started_total",
			Help:      "Total number of managed processes started",
		}),
		processStartFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "start_failures_total",
			Help:      "Total number of process spawn failures",
		}),
		processesStopped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "stopped_total",
				Help:      "Total number of managed processes stopped, by mode and result",
			},
			[]string{"mode", "result"},
		),
		signalsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "process",
				Name:      "signals_total",
				Help:      "Total number of termination signals dispatched, by signal type and result",
			},
			[]string{"signal", "result"},
		),
		watchdogScans: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "scans_total",
			Help:      "Total number of watchdog scan ticks",
		}),
		watchdogScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "scan_duration_seconds",
			Help:      "Time spent in a single watchdog scan",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		watchdogInterval: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "check_interval_seconds",
			Help:      "Current adaptive scan interval",
		}),
		watchdogTracked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "tracked_processes",
			Help:      "Number of processes tracked by the watchdog",
		}),
		watchdogTerminations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "watchdog",
				Name:      "terminations_total",
				Help:      "Total number of hung processes the watchdog tried to terminate",
			},
			[]string{"signal", "result"},
		),
		watchdogErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "errors_total",
			Help:      "Total number of errors handled inside the watchdog loop",
		}),
		executorInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "in_flight",
			Help:      "Number of fuzz operations currently holding a concurrency slot",
		}),
		executorOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "executor",
				Name:      "operations_total",
				Help:      "Total number of fuzz operations, by outcome",
			},
			[]string{"outcome"},
		),
		executorRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Total number of retry attempts after a failed operation",
		}),
		executorDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "operation_duration_seconds",
			Help:      "Duration of individual fuzz operations",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Executor outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeError     = "error"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// RecordProcessStart records a spawn attempt.
func (m *Metrics) RecordProcessStart(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.processesStarted.Inc()
		return
	}
	m.processStartFails.Inc()
}

// RecordProcessStop records a stop attempt. mode is "graceful" or "force".
func (m *Metrics) RecordProcessStop(mode string, ok bool) {
	if m == nil {
		return
	}
	m.processesStopped.WithLabelValues(mode, result(ok)).Inc()
}

// RecordSignal records a dispatched signal.
func (m *Metrics) RecordSignal(signal string, ok bool) {
	if m == nil {
		return
	}
	m.signalsSent.WithLabelValues(signal, result(ok)).Inc()
}

// RecordScan records one watchdog tick.
func (m *Metrics) RecordScan(d time.Duration, tracked int) {
	if m == nil {
		return
	}
	m.watchdogScans.Inc()
	m.watchdogScanDuration.Observe(d.Seconds())
	m.watchdogTracked.Set(float64(tracked))
}

// SetInterval records the interval chosen for the next watchdog sleep.
func (m *Metrics) SetInterval(d time.Duration) {
	if m == nil {
		return
	}
	m.watchdogInterval.Set(d.Seconds())
}

// RecordTermination records a watchdog-initiated termination attempt.
func (m *Metrics) RecordTermination(signal string, ok bool) {
	if m == nil {
		return
	}
	m.watchdogTerminations.WithLabelValues(signal, result(ok)).Inc()
}

// RecordWatchdogError records an error the watchdog loop logged and survived.
func (m *Metrics) RecordWatchdogError() {
	if m == nil {
		return
	}
	m.watchdogErrors.Inc()
}

// OperationStarted increments the in-flight gauge.
func (m *Metrics) OperationStarted() {
	if m == nil {
		return
	}
	m.executorInFlight.Inc()
}

// OperationFinished decrements the in-flight gauge and records the outcome.
func (m *Metrics) OperationFinished(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.executorInFlight.Dec()
	m.executorOperations.WithLabelValues(outcome).Inc()
	m.executorDuration.Observe(d.Seconds())
}

// RecordRetry records one retry attempt.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.executorRetries.Inc()
}
