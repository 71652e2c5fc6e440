package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cesargomez89/offtrack/internal/logger"
)

var errDown = errors.New("connection refused")

func TestMonitor_ThresholdAndRecovery(t *testing.T) {
	m := NewMonitor(nil, Options{FailureThreshold: 2, Logger: logger.Discard()})

	if !m.IsConnected() {
		t.Fatal("Expected monitor to start connected")
	}

	m.Record(errDown)
	if !m.IsConnected() {
		t.Error("Expected one failure to stay connected")
	}
	if m.ConsecutiveFailures() != 1 {
		t.Errorf("Expected 1 failure, got %d", m.ConsecutiveFailures())
	}

	m.Record(errDown)
	if m.IsConnected() {
		t.Error("Expected disconnected after 2 consecutive failures")
	}

	m.Record(nil)
	if !m.IsConnected() {
		t.Error("Expected a single success to reconnect")
	}
	if m.ConsecutiveFailures() != 0 {
		t.Errorf("Expected failures reset, got %d", m.ConsecutiveFailures())
	}
}

func TestMonitor_SuccessResetsCounter(t *testing.T) {
	m := NewMonitor(nil, Options{FailureThreshold: 2, Logger: logger.Discard()})

	m.Record(errDown)
	m.Record(nil)
	m.Record(errDown)
	if !m.IsConnected() {
		t.Error("Expected non-consecutive failures to keep the connection")
	}
}

func TestMonitor_SubscribePublishesEdgesOnly(t *testing.T) {
	m := NewMonitor(nil, Options{FailureThreshold: 1, Logger: logger.Discard()})
	ch, cancel := m.Subscribe()
	defer cancel()

	if v := <-ch; !v {
		t.Fatal("Expected initial replay of connected")
	}

	m.Record(errDown)
	if v := <-ch; v {
		t.Error("Expected disconnected edge")
	}

	m.Record(errDown)
	select {
	case v := <-ch:
		t.Errorf("Expected no publication without an edge, got %v", v)
	default:
	}

	m.Set(true)
	if v := <-ch; !v {
		t.Error("Expected connected edge from Set")
	}
}

func TestMonitor_StartProbesServer(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMonitor(HTTPProbe(srv.Client(), srv.URL+"/ping"), Options{
		Interval:         10 * time.Millisecond,
		FailureThreshold: 2,
		Logger:           logger.Discard(),
	})
	m.Start(context.Background())
	defer m.Stop()

	healthy.Store(false)
	waitFor(t, func() bool { return !m.IsConnected() })

	healthy.Store(true)
	waitFor(t, m.IsConnected)
}

func TestHTTPProbe_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	if err := HTTPProbe(&http.Client{}, url)(context.Background()); err == nil {
		t.Error("Expected error for a closed server")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for condition")
}
