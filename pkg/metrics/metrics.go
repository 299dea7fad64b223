// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics provides Prometheus metrics collection for the loop
// orchestrator: the Mediator's message traffic, the State Store's commit
// rate, the Supervisor's live-loop gauge, and the Scheduler's admission
// queue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/loopctl/pkg/config"
)

// Metrics holds every Prometheus collector the orchestrator registers. A
// nil *Metrics is valid: every recording method is a no-op on a nil
// receiver, so callers never need to branch on whether metrics are
// enabled.
type Metrics struct {
	cfg      config.MetricsConfig
	registry *prometheus.Registry

	// Mediator metrics.
	messagesReceived    prometheus.Counter
	messagesSent        prometheus.Counter
	rateLimitViolations prometheus.Counter
	queryTimeouts       prometheus.Counter
	totalSubscriptions  prometheus.Gauge

	// Store metrics.
	storeCommits  *prometheus.CounterVec
	storeRecords  *prometheus.GaugeVec
	storeSyncSecs prometheus.Histogram

	// Supervisor metrics.
	liveLoops     *prometheus.GaugeVec
	spawns        *prometheus.CounterVec
	loopDuration  *prometheus.HistogramVec
	loopIteration *prometheus.CounterVec

	// Scheduler metrics.
	schedulerWaitSecs prometheus.Histogram
	schedulerInFlight prometheus.Gauge

	// Workspace metrics.
	mergeResults *prometheus.CounterVec
}

// New builds a Metrics instance. It returns nil, nil when metrics are
// disabled, mirroring the rest of the orchestrator's "nil means off"
// convention for optional collaborators (see pkg/ipc.Listen).
func New(cfg config.MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "loopctl"
	}

	m := &Metrics{cfg: cfg, registry: prometheus.NewRegistry()}
	m.initMediatorMetrics()
	m.initStoreMetrics()
	m.initSupervisorMetrics()
	m.initSchedulerMetrics()
	m.initWorkspaceMetrics()
	return m, nil
}

func (m *Metrics) initMediatorMetrics() {
	m.messagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "mediator", Name: "messages_received_total",
		Help: "Total number of messages accepted by the mediator's inbound channel.",
	})
	m.messagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "mediator", Name: "messages_sent_total",
		Help: "Total number of messages delivered to registered loops.",
	})
	m.rateLimitViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "mediator", Name: "rate_limit_violations_total",
		Help: "Total number of Alert/Query/Share calls rejected by the rate limiter.",
	})
	m.queryTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "mediator", Name: "query_timeouts_total",
		Help: "Total number of Query calls that returned no reply before their deadline.",
	})
	m.totalSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: "mediator", Name: "subscriptions",
		Help: "Current number of topic subscriptions held across all registered loops.",
	})
	m.registry.MustRegister(m.messagesReceived, m.messagesSent, m.rateLimitViolations,
		m.queryTimeouts, m.totalSubscriptions)
}

func (m *Metrics) initStoreMetrics() {
	m.storeCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "store", Name: "commits_total",
		Help: "Total number of records appended to the durable log, by operation.",
	}, []string{"operation"})
	m.storeRecords = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: "store", Name: "records",
		Help: "Current number of execution records indexed, by status.",
	}, []string{"status"})
	m.storeSyncSecs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.cfg.Namespace, Subsystem: "store", Name: "sync_duration_seconds",
		Help:    "Duration of fsync-backed append-log writes.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100us to ~26s
	})
	m.registry.MustRegister(m.storeCommits, m.storeRecords, m.storeSyncSecs)
}

func (m *Metrics) initSupervisorMetrics() {
	m.liveLoops = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: "supervisor", Name: "live_loops",
		Help: "Current number of loops the supervisor has spawned and not yet reaped, by loop type.",
	}, []string{"loop_type"})
	m.spawns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "supervisor", Name: "spawns_total",
		Help: "Total number of spawn attempts, by loop type and outcome.",
	}, []string{"loop_type", "outcome"})
	m.loopDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.cfg.Namespace, Subsystem: "supervisor", Name: "loop_duration_seconds",
		Help:    "Wall-clock duration of a loop run from spawn to reap.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
	}, []string{"loop_type"})
	m.loopIteration = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "supervisor", Name: "loop_iterations_total",
		Help: "Total number of loop iterations completed, by loop type.",
	}, []string{"loop_type"})
	m.registry.MustRegister(m.liveLoops, m.spawns, m.loopDuration, m.loopIteration)
}

func (m *Metrics) initSchedulerMetrics() {
	m.schedulerWaitSecs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.cfg.Namespace, Subsystem: "scheduler", Name: "acquire_wait_seconds",
		Help:    "Time spent blocked in Scheduler.Acquire before an admission slot was granted.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	})
	m.schedulerInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: m.cfg.Namespace, Subsystem: "scheduler", Name: "slots_in_use",
		Help: "Current number of admission slots held.",
	})
	m.registry.MustRegister(m.schedulerWaitSecs, m.schedulerInFlight)
}

func (m *Metrics) initWorkspaceMetrics() {
	m.mergeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.cfg.Namespace, Subsystem: "workspace", Name: "merge_results_total",
		Help: "Total number of trunk merge attempts, by result.",
	}, []string{"result"})
	m.registry.MustRegister(m.mergeResults)
}

// RecordMessageReceived records one message accepted onto the mediator's
// inbound channel.
func (m *Metrics) RecordMessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

// RecordMessageSent records n messages delivered to registered loops.
func (m *Metrics) RecordMessageSent(n int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(float64(n))
}

// RecordRateLimitViolation records one rejected Alert/Query/Share call.
func (m *Metrics) RecordRateLimitViolation() {
	if m == nil {
		return
	}
	m.rateLimitViolations.Inc()
}

// RecordQueryTimeout records one Query call that timed out unanswered.
func (m *Metrics) RecordQueryTimeout() {
	if m == nil {
		return
	}
	m.queryTimeouts.Inc()
}

// SetSubscriptions sets the current subscription-count gauge.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.totalSubscriptions.Set(float64(n))
}

// RecordStoreCommit records one durable append-log write for operation.
func (m *Metrics) RecordStoreCommit(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.storeCommits.WithLabelValues(operation).Inc()
	m.storeSyncSecs.Observe(duration.Seconds())
}

// SetStoreRecords sets the indexed-record gauge for status.
func (m *Metrics) SetStoreRecords(status string, count int) {
	if m == nil {
		return
	}
	m.storeRecords.WithLabelValues(status).Set(float64(count))
}

// IncLiveLoops increments the live-loop gauge for loopType.
func (m *Metrics) IncLiveLoops(loopType string) {
	if m == nil {
		return
	}
	m.liveLoops.WithLabelValues(loopType).Inc()
}

// DecLiveLoops decrements the live-loop gauge for loopType.
func (m *Metrics) DecLiveLoops(loopType string) {
	if m == nil {
		return
	}
	m.liveLoops.WithLabelValues(loopType).Dec()
}

// RecordSpawn records one spawn attempt and its outcome ("ok", "failed").
func (m *Metrics) RecordSpawn(loopType, outcome string) {
	if m == nil {
		return
	}
	m.spawns.WithLabelValues(loopType, outcome).Inc()
}

// RecordLoopDuration records the wall-clock lifetime of one loop run.
func (m *Metrics) RecordLoopDuration(loopType string, d time.Duration) {
	if m == nil {
		return
	}
	m.loopDuration.WithLabelValues(loopType).Observe(d.Seconds())
}

// RecordLoopIteration records one completed loop iteration.
func (m *Metrics) RecordLoopIteration(loopType string) {
	if m == nil {
		return
	}
	m.loopIteration.WithLabelValues(loopType).Inc()
}

// RecordSchedulerWait records the time spent blocked in Scheduler.Acquire.
func (m *Metrics) RecordSchedulerWait(d time.Duration) {
	if m == nil {
		return
	}
	m.schedulerWaitSecs.Observe(d.Seconds())
}

// SetSchedulerInFlight sets the in-use admission-slot gauge.
func (m *Metrics) SetSchedulerInFlight(n int) {
	if m == nil {
		return
	}
	m.schedulerInFlight.Set(float64(n))
}

// RecordMergeResult records one trunk merge attempt by its result label
// (e.g. "success", "push_failed", "conflict").
func (m *Metrics) RecordMergeResult(result string) {
	if m == nil {
		return
	}
	m.mergeResults.WithLabelValues(result).Inc()
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format. A nil Metrics serves 503 so pkg/server can always mount it.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry, or nil.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StoreCommitsForTest exposes the per-operation commit counter for test
// assertions (prometheus/client_golang/testutil.ToFloat64 needs a
// concrete Collector, not the aggregate registry).
func (m *Metrics) StoreCommitsForTest(operation string) prometheus.Counter {
	return m.storeCommits.WithLabelValues(operation)
}

// SchedulerInFlightForTest exposes the in-use admission-slot gauge for
// test assertions.
func (m *Metrics) SchedulerInFlightForTest() prometheus.Gauge {
	return m.schedulerInFlight
}

// MergeResultsForTest exposes the per-outcome merge counter for test
// assertions.
func (m *Metrics) MergeResultsForTest(result string) prometheus.Counter {
	return m.mergeResults.WithLabelValues(result)
}
