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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSignal(t *testing.T) {
	m := New(prometheus.NewRegistry())

	tests := []struct {
		name   string
		signal string
		ok     bool
		label  string
	}{
		{name: "timeout ok", signal: "timeout", ok: true, label: "ok"},
		{name: "force failed", signal: "force", ok: false, label: "failed"},
		{name: "interrupt ok", signal: "interrupt", ok: true, label: "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := m.signalsSent.With(prometheus.Labels{"signal": tt.signal, "result": tt.label})
			initial := testutil.ToFloat64(counter)

			m.RecordSignal(tt.signal, tt.ok)

			if got := testutil.ToFloat64(counter); got != initial+1 {
				t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initial, got)
			}
		})
	}
}

func TestRecordProcessStart(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordProcessStart(true)
	m.RecordProcessStart(true)
	m.RecordProcessStart(false)

	if got := testutil.ToFloat64(m.processesStarted); got != 2 {
		t.Errorf("started = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.processStartFails); got != 1 {
		t.Errorf("start failures = %f, want 1", got)
	}
}

func TestOperationLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.OperationStarted()
	m.OperationStarted()
	if got := testutil.ToFloat64(m.executorInFlight); got != 2 {
		t.Fatalf("in flight = %f, want 2", got)
	}

	m.OperationFinished(OutcomeSuccess, 10*time.Millisecond)
	m.OperationFinished(OutcomeTimeout, time.Second)

	if got := testutil.ToFloat64(m.executorInFlight); got != 0 {
		t.Errorf("in flight = %f, want 0", got)
	}
	if got := testutil.ToFloat64(m.executorOperations.WithLabelValues(OutcomeTimeout)); got != 1 {
		t.Errorf("timeout outcomes = %f, want 1", got)
	}
	if got := testutil.CollectAndCount(m.executorDuration); got != 1 {
		t.Errorf("duration histogram series = %d, want 1", got)
	}
}

func TestRecordScan(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordScan(time.Millisecond, 7)
	m.SetInterval(1500 * time.Millisecond)

	if got := testutil.ToFloat64(m.watchdogTracked); got != 7 {
		t.Errorf("tracked = %f, want 7", got)
	}
	if got := testutil.ToFloat64(m.watchdogInterval); got != 1.5 {
		t.Errorf("interval = %f, want 1.5", got)
	}
	if got := testutil.ToFloat64(m.watchdogScans); got != 1 {
		t.Errorf("scans = %f, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// None of these may panic.
	m.RecordProcessStart(true)
	m.RecordProcessStop("force", false)
	m.RecordSignal("timeout", true)
	m.RecordScan(time.Second, 1)
	m.SetInterval(time.Second)
	m.RecordTermination("force", true)
	m.RecordWatchdogError()
	m.OperationStarted()
	m.OperationFinished(OutcomeError, time.Second)
	m.RecordRetry()
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected registering the same collectors twice to panic")
		}
	}()
	New(reg)
}
