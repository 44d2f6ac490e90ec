package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/philsphicas/lobbyrelay/internal/rest"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil || m.Registry == nil {
		t.Fatal("New() returned no registry")
		return
	}

	m.Transition("host", "SigningIn")
	m.Finished("host", OutcomeReady, 1.5)
	m.ObserveCall("relay", "allocate", 0.01, nil)
	m.Heartbeat(nil)
	m.SetLinkUp("host", true)
	m.ObserveBind("host", 0.02, nil)
	m.ObserveBindRetry("host")
	m.ConnectionError("host", ReasonDialFailed)
	m.ObserveDialDuration("host", 0.1)
	m.ConnectionOpened("host", "127.0.0.1:7777").Done(1.0, 100, 200, nil)

	fams, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	got := make(map[string]bool)
	for _, f := range fams {
		got[f.GetName()] = true
	}
	for _, name := range []string{
		"lobbyrelay_bootstrap_transitions_total",
		"lobbyrelay_bootstrap_outcomes_total",
		"lobbyrelay_bootstrap_duration_seconds",
		"lobbyrelay_remote_calls_total",
		"lobbyrelay_remote_call_duration_seconds",
		"lobbyrelay_lobby_heartbeats_total",
		"lobbyrelay_relay_link_up",
		"lobbyrelay_relay_bind_duration_seconds",
		"lobbyrelay_relay_bind_retries_total",
		"lobbyrelay_connections_total",
		"lobbyrelay_connection_errors_total",
		"lobbyrelay_bytes_total",
		"lobbyrelay_active_connections",
		"lobbyrelay_connection_duration_seconds",
		"lobbyrelay_dial_duration_seconds",
	} {
		if !got[name] {
			t.Errorf("expected metric %q not found in registry", name)
		}
	}
}

func TestObserveCallStatus(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{fmt.Errorf("lobby get-lobby: %w", rest.ErrNotFound), "not_found"},
		{fmt.Errorf("relay allocate: %w", rest.ErrUnauthorized), "unauthorized"},
		{context.Canceled, "cancelled"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			m := New()
			m.ObserveCall("lobby", "get-lobby", 0.01, tt.err)
			if c := getCounter(t, m.remoteCalls, "lobby", "get-lobby", tt.want); c != 1 {
				t.Errorf("remote_calls_total{status=%s} = %v, want 1", tt.want, c)
			}
		})
	}
}

func TestBootstrapMetrics(t *testing.T) {
	m := New()
	m.Transition("client", "SigningIn")
	m.Transition("client", "SigningIn")
	m.Finished("client", "lobby_gone", 3)

	if c := getCounter(t, m.transitions, "client", "SigningIn"); c != 2 {
		t.Errorf("transitions = %v, want 2", c)
	}
	if c := getCounter(t, m.outcomes, "client", "lobby_gone"); c != 1 {
		t.Errorf("outcomes = %v, want 1", c)
	}
}

func TestHeartbeatAndBind(t *testing.T) {
	m := New()
	m.Heartbeat(nil)
	m.Heartbeat(fmt.Errorf("heartbeat: %w", rest.ErrNotFound))
	if c := getCounter(t, m.heartbeats, "success"); c != 1 {
		t.Errorf("heartbeats(success) = %v, want 1", c)
	}
	if c := getCounter(t, m.heartbeats, "not_found"); c != 1 {
		t.Errorf("heartbeats(not_found) = %v, want 1", c)
	}

	m.ObserveBind("player", 0.5, errors.New("rejected"))
	m.ObserveBind("player", 0.5, context.DeadlineExceeded)
	if c := getCounter(t, m.connectionErrors, "player", ReasonBindFailed); c != 1 {
		t.Errorf("connection_errors(bind_failed) = %v, want 1", c)
	}
	if c := getCounter(t, m.connectionErrors, "player", ReasonDialTimeout); c != 1 {
		t.Errorf("connection_errors(dial_timeout) = %v, want 1", c)
	}

	m.SetLinkUp("player", true)
	if g := getGauge(t, m.linkUp, "player"); g != 1 {
		t.Errorf("relay_link_up = %v, want 1", g)
	}
	m.SetLinkUp("player", false)
	if g := getGauge(t, m.linkUp, "player"); g != 0 {
		t.Errorf("relay_link_up = %v, want 0", g)
	}
}

func TestConnectionTracker(t *testing.T) {
	m := New()
	tracker := m.ConnectionOpened("host", "127.0.0.1:7777")
	if g := getGauge(t, m.activeConnections, "host", "127.0.0.1:7777"); g != 1 {
		t.Errorf("active_connections = %v, want 1", g)
	}

	tracker.Done(5.0, 1024, 2048, nil)
	if g := getGauge(t, m.activeConnections, "host", "127.0.0.1:7777"); g != 0 {
		t.Errorf("active_connections = %v, want 0", g)
	}
	if c := getCounter(t, m.connectionsTotal, "host", "127.0.0.1:7777", "success"); c != 1 {
		t.Errorf("connections_total = %v, want 1", c)
	}
	if c := getCounter(t, m.bytesTotal, "host", "127.0.0.1:7777", "to_relay"); c != 1024 {
		t.Errorf("bytes_total{to_relay} = %v, want 1024", c)
	}
	if c := getCounter(t, m.bytesTotal, "host", "127.0.0.1:7777", "from_relay"); c != 2048 {
		t.Errorf("bytes_total{from_relay} = %v, want 2048", c)
	}

	m.ConnectionOpened("player", "x").Done(1, 0, 0, io.EOF)
	if c := getCounter(t, m.connectionsTotal, "player", "x", "error"); c != 1 {
		t.Errorf("connections_total(error) = %v, want 1", c)
	}
}

// timeoutError implements net.Error with Timeout() == true.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

func TestDialReason(t *testing.T) {
	timeoutErr := &net.OpError{Op: "dial", Err: &timeoutError{}}
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"refused", errors.New("connection refused"), ReasonDialFailed},
		{"net timeout", timeoutErr, ReasonDialTimeout},
		{"wrapped net timeout", fmt.Errorf("dial: %w", timeoutErr), ReasonDialTimeout},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), ReasonDialTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DialReason(tt.err, ReasonDialFailed); got != tt.want {
				t.Errorf("DialReason = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitizeTarget(t *testing.T) {
	m := New()
	m.MaxTargets = 2

	if got := m.SanitizeTarget("a:1"); got != "a:1" {
		t.Errorf("SanitizeTarget = %q", got)
	}
	m.SanitizeTarget("b:1")
	if got := m.SanitizeTarget("c:1"); got != OverflowTarget {
		t.Errorf("SanitizeTarget over cap = %q, want %q", got, OverflowTarget)
	}
	if got := m.SanitizeTarget("a:1"); got != "a:1" {
		t.Errorf("SanitizeTarget(known) = %q", got)
	}

	m.MaxTargets = 0
	if got := m.SanitizeTarget("z:1"); got != "z:1" {
		t.Errorf("unlimited SanitizeTarget = %q", got)
	}
}

func TestSanitizeTargetConcurrent(t *testing.T) {
	m := New()
	m.MaxTargets = 10

	var wg sync.WaitGroup
	results := make([]string, 100)
	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = m.SanitizeTarget(string(rune('A'+idx%26)) + ":22")
		}(i)
	}
	wg.Wait()

	unique := make(map[string]bool)
	for _, r := range results {
		if r != OverflowTarget {
			unique[r] = true
		}
	}
	if len(unique) > m.MaxTargets {
		t.Errorf("got %d unique targets, cap is %d", len(unique), m.MaxTargets)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := New()
	m.ObserveCall("lobby", "heartbeat", 0.01, nil)
	m.Finished("host", OutcomeDegraded, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	go func() {
		_ = m.Serve(ctx, ln, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	var resp *http.Response
	for range 20 {
		time.Sleep(50 * time.Millisecond)
		resp, err = http.Get("http://" + addr + "/metrics")
		if err == nil {
			break
		}
	}
	if resp == nil {
		t.Fatal("metrics server did not start")
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	text := string(body)
	for _, want := range []string{
		`lobbyrelay_remote_calls_total{operation="heartbeat",service="lobby",status="success"} 1`,
		`lobbyrelay_bootstrap_outcomes_total{outcome="degraded",role="host"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics response missing %q", want)
		}
	}
}

func TestReadyEndpoint(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = m.Serve(ctx, ln, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()
	url := "http://" + ln.Addr().String() + "/readyz"

	get := func() (int, string) {
		t.Helper()
		var resp *http.Response
		for range 20 {
			resp, err = http.Get(url)
			if err == nil {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if resp == nil {
			t.Fatalf("get %s: %v", url, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get(); code != http.StatusServiceUnavailable {
		t.Errorf("no links: status = %d, want 503", code)
	}
	m.SetLinkUp("host", true)
	m.SetLinkUp("client", true)
	if code, body := get(); code != http.StatusOK || !strings.Contains(body, "client,host") {
		t.Errorf("links up: status = %d, body = %q", code, body)
	}
	m.SetLinkUp("host", false)
	m.SetLinkUp("client", false)
	if code, _ := get(); code != http.StatusServiceUnavailable {
		t.Errorf("links down: status = %d, want 503", code)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	if got := m.SanitizeTarget("host:22"); got != "host:22" {
		t.Errorf("SanitizeTarget on nil = %q", got)
	}
	if tracker := m.ConnectionOpened("host", "host:22"); tracker != nil {
		t.Error("ConnectionOpened on nil should return nil tracker")
	}
	m.Transition("host", "Ready")
	m.Finished("host", OutcomeReady, 1)
	m.ObserveCall("relay", "allocate", 0.1, nil)
	m.Heartbeat(nil)
	m.SetLinkUp("host", true)
	if roles := m.LinksUp(); roles != nil {
		t.Errorf("LinksUp on nil = %v", roles)
	}
	m.ObserveBind("host", 0.1, nil)
	m.ObserveBindRetry("host")
	m.ConnectionError("host", ReasonDialFailed)
	m.ObserveDialDuration("host", 0.1)

	var nilTracker *ConnectionTracker
	nilTracker.Done(1.0, 100, 200, nil)
}

// helpers

func getCounter(t *testing.T, cv *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getGauge(t *testing.T, gv *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := gv.WithLabelValues(labels...).Write(m); err != nil {
		t.Fatalf("write gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}
