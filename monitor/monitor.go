// Package monitor deactivates devices that stopped sending heartbeats.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ruteri/device-relay-backend/events"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/ruteri/device-relay-backend/metrics"
)

// DefaultTimeout is how long a device may stay silent before it is swept.
const DefaultTimeout = 60 * time.Second

type Config struct {
	Store   interfaces.DeviceStore
	Events  interfaces.EventPublisher
	Metrics metrics.Recorder
	Now     func() time.Time
	Log     *slog.Logger
}

type Monitor struct {
	store   interfaces.DeviceStore
	events  interfaces.EventPublisher
	metrics metrics.Recorder
	now     func() time.Time
	log     *slog.Logger
}

func New(cfg Config) *Monitor {
	m := &Monitor{
		store:   cfg.Store,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		log:     cfg.Log,
	}
	if m.events == nil {
		m.events = events.Noop{}
	}
	if m.metrics == nil {
		m.metrics = metrics.Nop{}
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// Sweep marks active devices whose lastSeen is older than timeout as inactive
// and returns how many were changed. It never reactivates a device.
func (m *Monitor) Sweep(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, errors.New("sweep timeout must be positive")
	}
	now := m.now().UTC()
	cutoff := now.Add(-timeout)

	ids, err := m.store.DeactivateStale(ctx, cutoff)
	if err != nil {
		m.log.Error("heartbeat sweep failed", "err", err)
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	m.metrics.DevicesDeactivated(len(ids))
	m.log.Info("devices timed out", "count", len(ids), "timeout", timeout)
	for _, id := range ids {
		err := m.events.Publish(ctx, interfaces.Event{Type: interfaces.EventDeviceTimedOut, DeviceID: id, At: now})
		if err != nil {
			m.log.Warn("failed to publish event", "type", interfaces.EventDeviceTimedOut, "deviceId", id, "err", err)
		}
	}
	return len(ids), nil
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info("heartbeat monitor started", "interval", interval, "timeout", timeout)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx, timeout); err != nil && ctx.Err() == nil {
				m.log.Warn("sweep failed", "err", err)
			}
		}
	}
}
