// Package metrics exposes run loop, channel and synchronizer statistics as
// Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/robohub/internal/runtime/orchestrator"
)

const namespace = "robohub"

// Metrics implements the observers of the orchestrator, the synchronizer and
// the supervisor on top of Prometheus vectors.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	ticks         *prometheus.CounterVec
	failures      *prometheus.CounterVec
	state         *prometheus.GaugeVec
	items         *prometheus.CounterVec
	observedRate  *prometheus.GaugeVec
	idleSeconds   *prometheus.GaugeVec
	syncCompleted *prometheus.CounterVec
	syncDropped   *prometheus.CounterVec
	outboxDropped *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer uses the default one.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:    registerer,
		ticks:         newCounterVec("supervisor", "ticks_total", "Run loop ticks, by whether new data arrived", []string{"produced"}),
		failures:      newCounterVec("supervisor", "failures_total", "Run loop failures by category", []string{"category"}),
		state:         newGaugeVec("supervisor", "state", "Current run state (1 for the active state)", []string{"state"}),
		items:         newCounterVec("channel", "items_total", "Samples received per channel", []string{"device", "channel"}),
		observedRate:  newGaugeVec("channel", "observed_rate", "Observed items per second per channel", []string{"device", "channel"}),
		idleSeconds:   newGaugeVec("channel", "idle_seconds", "Seconds since the channel last produced", []string{"device", "channel"}),
		syncCompleted: newCounterVec("sync", "completed_total", "Correlated groups delivered", []string{"synchronizer"}),
		syncDropped:   newCounterVec("sync", "dropped_total", "Items or groups dropped by a synchronizer", []string{"synchronizer", "reason"}),
		outboxDropped: newCounterVec("agent", "outbox_dropped_total", "Agent messages dropped because the outbox was full", []string{"topic"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.ticks, m.failures, m.state,
		m.items, m.observedRate, m.idleSeconds,
		m.syncCompleted, m.syncDropped, m.outboxDropped,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if g, ok := m.registerer.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (m *Metrics) ItemsReceived(deviceID, channelID string, n int) {
	m.items.WithLabelValues(deviceID, channelID).Add(float64(n))
}

func (m *Metrics) SyncCompleted(name string) {
	m.syncCompleted.WithLabelValues(name).Inc()
}

func (m *Metrics) SyncDropped(name, reason string, n int) {
	m.syncDropped.WithLabelValues(name, reason).Add(float64(n))
}

func (m *Metrics) OutboxDropped(topic string) {
	m.outboxDropped.WithLabelValues(topic).Inc()
}

// RecordTick counts one run loop tick.
func (m *Metrics) RecordTick(produced bool) {
	label := "false"
	if produced {
		label = "true"
	}
	m.ticks.WithLabelValues(label).Inc()
}

// RecordFailure counts a failure of category.
func (m *Metrics) RecordFailure(category string) {
	m.failures.WithLabelValues(category).Inc()
}

// SetState marks state as the active run state.
func (m *Metrics) SetState(state string) {
	m.state.Reset()
	m.state.WithLabelValues(state).Set(1)
}

// ObserveHealth updates the per-channel gauges.
func (m *Metrics) ObserveHealth(samples []orchestrator.HealthSample) {
	for _, s := range samples {
		m.observedRate.WithLabelValues(s.Device, s.Channel).Set(s.ObservedRate)
		m.idleSeconds.WithLabelValues(s.Device, s.Channel).Set(s.Idle.Seconds())
	}
}

// ForgetChannels drops per-channel series, used when devices are torn down.
func (m *Metrics) ForgetChannels() {
	m.observedRate.Reset()
	m.idleSeconds.Reset()
}
