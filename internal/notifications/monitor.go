package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const defaultProbeTimeout = 2 * time.Second

// Monitor tracks whether the broker is reachable. The state starts out
// available and is corrected by the first Probe.
type Monitor struct {
	pinger    Pinger
	timeout   time.Duration
	available atomic.Bool
}

// NewMonitor creates a monitor for the given broker.
func NewMonitor(pinger Pinger, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	m := &Monitor{
		pinger:  pinger,
		timeout: timeout,
	}
	m.available.Store(true)
	recordBrokerAvailable(true)
	return m
}

// IsAvailable returns the last known broker state.
func (m *Monitor) IsAvailable() bool {
	return m.available.Load()
}

// Probe pings the broker and records the result. It never fails:
// any error, including a panic inside the pinger, counts as unavailable.
func (m *Monitor) Probe(ctx context.Context) bool {
	err := m.ping(ctx)
	available := err == nil

	previous := m.available.Swap(available)
	recordBrokerAvailable(available)

	switch {
	case available && !previous:
		slog.Info("broker connection restored")
	case !available && previous:
		slog.Warn("broker is not available, falling back to direct delivery", "error", err)
	case available:
		slog.Debug("broker connection successful")
	}

	return available
}

func (m *Monitor) ping(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ping panicked: %v", r)
		}
	}()

	if m.pinger == nil {
		return ErrBrokerUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	return m.pinger.Ping(ctx)
}

// Watch re-probes the broker every interval until ctx is cancelled.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}
