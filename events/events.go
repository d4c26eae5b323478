// Package events delivers device and command lifecycle notifications.
package events

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ruteri/device-relay-backend/interfaces"
)

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, interfaces.Event) error { return nil }

// LogPublisher writes events to a structured logger.
type LogPublisher struct {
	log *slog.Logger
}

func NewLogPublisher(log *slog.Logger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, event interfaces.Event) error {
	attrs := []any{"type", event.Type, "deviceId", event.DeviceID, "at", event.At}
	if event.CommandID != "" {
		attrs = append(attrs, "commandId", event.CommandID)
	}
	if event.Status != "" {
		attrs = append(attrs, "status", event.Status)
	}
	p.log.InfoContext(ctx, "lifecycle event", attrs...)
	return nil
}

// Multi fans an event out to every publisher and joins their errors.
type Multi []interfaces.EventPublisher

func (m Multi) Publish(ctx context.Context, event interfaces.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
