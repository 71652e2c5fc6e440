// Package connectivity tracks whether the music server is reachable.
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cesargomez89/offtrack/internal/constants"
	"github.com/cesargomez89/offtrack/internal/logger"
	"github.com/cesargomez89/offtrack/internal/pubsub"
)

// Signal is the connectivity source consumed by the offline service.
type Signal interface {
	IsConnected() bool
	// Subscribe delivers the current state, then every change.
	Subscribe() (<-chan bool, func())
}

// ProbeFunc checks the server once. A nil error means reachable.
type ProbeFunc func(ctx context.Context) error

// HTTPProbe returns a probe that GETs url and treats any non-2xx reply as
// a failure.
func HTTPProbe(client *http.Client, url string) ProbeFunc {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
		return nil
	}
}

type Options struct {
	Interval         time.Duration
	FailureThreshold int
	Logger           *logger.Logger
}

// Monitor probes the server on an interval. It reports disconnected after
// FailureThreshold consecutive failures and connected on the first success.
type Monitor struct {
	probe ProbeFunc
	opts  Options
	log   *logger.Logger

	mu        sync.Mutex
	failures  int
	connected bool
	topic     *pubsub.Topic[bool]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(probe ProbeFunc, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = constants.DefaultConnectivityProbe
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = constants.DefaultConnectivityFailure
	}
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	m := &Monitor{
		probe:     probe,
		opts:      opts,
		log:       log.WithComponent("connectivity"),
		connected: true,
		topic:     pubsub.NewTopic[bool](),
	}
	m.topic.Publish(true)
	return m
}

// Start probes once immediately and then on every interval until Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		m.check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.check(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.topic.Close()
}

func (m *Monitor) check(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, m.opts.Interval)
	defer cancel()

	err := m.probe(pctx)
	if ctx.Err() != nil {
		return
	}
	m.Record(err)
}

// Record feeds one probe result into the failure counter.
func (m *Monitor) Record(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.failures++
		if m.connected && m.failures >= m.opts.FailureThreshold {
			m.log.Warn("Server unreachable", "failures", m.failures, "error", err)
			m.setLocked(false)
		}
		return
	}
	m.failures = 0
	if !m.connected {
		m.log.Info("Server reachable again")
		m.setLocked(true)
	}
}

// Set forces the state, e.g. when the playback engine reports a lost
// connection before the next probe.
func (m *Monitor) Set(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	if m.connected != connected {
		m.setLocked(connected)
	}
}

func (m *Monitor) setLocked(connected bool) {
	m.connected = connected
	m.topic.Publish(connected)
}

func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// ConsecutiveFailures returns the number of failed probes since the last success.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

func (m *Monitor) Subscribe() (<-chan bool, func()) {
	return m.topic.Subscribe()
}
