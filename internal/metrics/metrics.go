// Package metrics provides Prometheus metrics for lobbyrelay.
package metrics

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/philsphicas/lobbyrelay/internal/rest"
	"github.com/philsphicas/lobbyrelay/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "lobbyrelay"

// OverflowTarget is used as the target label when the number of unique
// targets exceeds MaxTargets.
const OverflowTarget = "__other__"

const (
	ReasonDialFailed  = "dial_failed"
	ReasonDialTimeout = "dial_timeout"
	ReasonBindFailed  = "bind_failed"
	ReasonBusy        = "busy"
)

// Bootstrap outcomes other than failure reasons.
const (
	OutcomeReady    = "ready"
	OutcomeDegraded = "degraded"
)

// Metrics holds all Prometheus metrics for lobbyrelay.
type Metrics struct {
	Registry *prometheus.Registry

	// MaxTargets is the maximum number of unique target label values.
	// Once exceeded, new targets are recorded as OverflowTarget.
	// Zero means unlimited.
	MaxTargets int

	transitions        *prometheus.CounterVec
	outcomes           *prometheus.CounterVec
	bootstrapDuration  *prometheus.HistogramVec
	remoteCalls        *prometheus.CounterVec
	remoteCallDuration *prometheus.HistogramVec
	heartbeats         *prometheus.CounterVec
	linkUp             *prometheus.GaugeVec
	bindDuration       *prometheus.HistogramVec
	bindRetries        *prometheus.CounterVec
	connectionsTotal   *prometheus.CounterVec
	connectionErrors   *prometheus.CounterVec
	bytesTotal         *prometheus.CounterVec
	activeConnections  *prometheus.GaugeVec
	connectionDuration *prometheus.HistogramVec
	dialDuration       *prometheus.HistogramVec

	targetCount atomic.Int64
	targets     sync.Map // map[string]struct{}
	linkRoles   sync.Map // map[string]bool, roles with a link up
}

var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// New creates a new Metrics instance with a custom Prometheus registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_transitions_total",
			Help:      "State transitions of the bootstrap machines, by entered state.",
		}, []string{"role", "state"}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bootstrap_outcomes_total",
			Help:      "Finished bootstrap runs, by outcome (ready, degraded or failure reason).",
		}, []string{"role", "outcome"}),

		bootstrapDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bootstrap_duration_seconds",
			Help:      "Time from start to a terminal bootstrap state in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"role"}),

		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_calls_total",
			Help:      "Calls to the auth, relay and lobby services.",
		}, []string{"service", "operation", "status"}),

		remoteCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Duration of calls to the auth, relay and lobby services in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"service", "operation"}),

		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lobby_heartbeats_total",
			Help:      "Lobby heartbeats sent, by status.",
		}, []string{"status"}),

		linkUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_link_up",
			Help:      "Whether a relay link is bound (1) or not (0).",
		}, []string{"role"}),

		bindDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_bind_duration_seconds",
			Help:      "Total time spent binding to the relay, including retry backoff, in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"role"}),

		bindRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_bind_retries_total",
			Help:      "Total number of relay bind retry attempts.",
		}, []string{"role"}),

		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total local connections that were bridged to a relay link.",
		}, []string{"role", "target", "status"}),

		connectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors, by reason.",
		}, []string{"role", "reason"}),

		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_total",
			Help:      "Total bytes transferred through relay links.",
		}, []string{"role", "target", "direction"}),

		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently bridged connections.",
		}, []string{"role", "target"}),

		connectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Duration of completed connections in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"role", "target"}),

		dialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dial_duration_seconds",
			Help:      "Time spent dialing the local game server in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"role"}),
	}

	reg.MustRegister(
		m.transitions,
		m.outcomes,
		m.bootstrapDuration,
		m.remoteCalls,
		m.remoteCallDuration,
		m.heartbeats,
		m.linkUp,
		m.bindDuration,
		m.bindRetries,
		m.connectionsTotal,
		m.connectionErrors,
		m.bytesTotal,
		m.activeConnections,
		m.connectionDuration,
		m.dialDuration,
	)

	return m
}

// Transition records a bootstrap machine entering state.
func (m *Metrics) Transition(role, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(role, state).Inc()
}

// Finished records a bootstrap machine reaching a terminal state.
func (m *Metrics) Finished(role, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(role, outcome).Inc()
	m.bootstrapDuration.WithLabelValues(role).Observe(seconds)
}

// ObserveCall records one remote service call. It satisfies
// rest.CallObserver.
func (m *Metrics) ObserveCall(service, operation string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(service, operation, callStatus(err)).Inc()
	m.remoteCallDuration.WithLabelValues(service, operation).Observe(seconds)
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, rest.ErrNotFound):
		return "not_found"
	case errors.Is(err, rest.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}

// Heartbeat records the result of one lobby heartbeat.
func (m *Metrics) Heartbeat(err error) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(callStatus(err)).Inc()
}

// SetLinkUp sets the relay link gauge for role.
func (m *Metrics) SetLinkUp(role string, up bool) {
	if m == nil {
		return
	}
	if up {
		m.linkUp.WithLabelValues(role).Set(1)
		m.linkRoles.Store(role, true)
	} else {
		m.linkUp.WithLabelValues(role).Set(0)
		m.linkRoles.Delete(role)
	}
}

// LinksUp returns the roles that currently hold an open relay link.
func (m *Metrics) LinksUp() []string {
	if m == nil {
		return nil
	}
	var roles []string
	m.linkRoles.Range(func(k, _ any) bool {
		roles = append(roles, k.(string))
		return true
	})
	sort.Strings(roles)
	return roles
}

// ObserveBind records a relay bind. It satisfies transport.BindObserver.
func (m *Metrics) ObserveBind(role string, seconds float64, err error) {
	if m == nil {
		return
	}
	m.bindDuration.WithLabelValues(role).Observe(seconds)
	if err != nil {
		m.connectionErrors.WithLabelValues(role, DialReason(err, ReasonBindFailed)).Inc()
	}
}

// ObserveBindRetry increments the bind retry counter for role.
func (m *Metrics) ObserveBindRetry(role string) {
	if m == nil {
		return
	}
	m.bindRetries.WithLabelValues(role).Inc()
}

// SanitizeTarget returns target if it is within the cardinality budget,
// or OverflowTarget if the cap has been reached. Targets that have been
// seen before are always returned as-is.
func (m *Metrics) SanitizeTarget(target string) string {
	if m == nil {
		return target
	}
	if m.MaxTargets <= 0 {
		return target
	}

	for {
		if _, ok := m.targets.Load(target); ok {
			return target
		}

		cur := m.targetCount.Load()
		if cur >= int64(m.MaxTargets) {
			// Another goroutine may have stored this target since the Load.
			if _, ok := m.targets.Load(target); ok {
				return target
			}
			return OverflowTarget
		}

		if !m.targetCount.CompareAndSwap(cur, cur+1) {
			continue
		}
		if _, loaded := m.targets.LoadOrStore(target, struct{}{}); loaded {
			m.targetCount.Add(-1)
		}
		return target
	}
}

// ConnectionOpened increments the active connection gauge and returns a
// ConnectionTracker to record the outcome when the connection ends.
func (m *Metrics) ConnectionOpened(role, target string) *ConnectionTracker {
	if m == nil {
		return nil
	}
	target = m.SanitizeTarget(target)
	m.activeConnections.WithLabelValues(role, target).Inc()
	return &ConnectionTracker{m: m, role: role, target: target}
}

// ConnectionError records a connection failure that did not reach the bridge.
func (m *Metrics) ConnectionError(role, reason string) {
	if m == nil {
		return
	}
	m.connectionErrors.WithLabelValues(role, reason).Inc()
}

// DialReason returns ReasonDialTimeout if err is a timeout, otherwise
// fallback.
func DialReason(err error, fallback string) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonDialTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonDialTimeout
	}
	return fallback
}

// ObserveDialDuration records how long a local dial took.
func (m *Metrics) ObserveDialDuration(role string, seconds float64) {
	if m == nil {
		return
	}
	m.dialDuration.WithLabelValues(role).Observe(seconds)
}

// ConnectionTracker records the outcome of a single bridged connection.
type ConnectionTracker struct {
	m      *Metrics
	role   string
	target string
}

// Done records the completion of a connection.
func (t *ConnectionTracker) Done(durationSec float64, toRelayBytes, fromRelayBytes int64, err error) {
	if t == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	t.m.activeConnections.WithLabelValues(t.role, t.target).Dec()
	t.m.connectionsTotal.WithLabelValues(t.role, t.target, status).Inc()
	t.m.connectionDuration.WithLabelValues(t.role, t.target).Observe(durationSec)
	t.m.bytesTotal.WithLabelValues(t.role, t.target, "to_relay").Add(float64(toRelayBytes))
	t.m.bytesTotal.WithLabelValues(t.role, t.target, "from_relay").Add(float64(fromRelayBytes))
}

// TrackedBridge bridges link with conn and records the connection's
// lifecycle.
// Safe to call on a nil receiver.
func (m *Metrics) TrackedBridge(ctx context.Context, link *transport.Link, conn net.Conn, role, target string) (transport.BridgeStats, error) {
	tracker := m.ConnectionOpened(role, target)
	start := time.Now()
	stats, err := link.Bridge(ctx, conn)
	tracker.Done(time.Since(start).Seconds(), stats.Sent, stats.Received, err)
	return stats, err
}
