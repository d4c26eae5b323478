// Package registry tracks device identities and their session keys.
//
// A device enters the registry by presenting a one-time token (Register), and
// afterwards proves possession of its original key pair (Reconnect) or of its
// current session key (Heartbeat, Deregister). Devices are never deleted; they
// move between active and inactive.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-relay-backend/cryptoutils"
	"github.com/ruteri/device-relay-backend/events"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/ruteri/device-relay-backend/metrics"
	"github.com/ruteri/device-relay-backend/tokens"
)

// DefaultDeviceType is used when registration metadata names no type.
const DefaultDeviceType = "unknown"

// TokenConsumer consumes one-time registration tokens.
type TokenConsumer interface {
	Consume(ctx context.Context, token string) (*interfaces.AuthorizationToken, error)
}

// Registration is a decoded registration request.
type Registration struct {
	Token        string
	DeviceID     string
	PublicKey    string
	Capabilities []string
	Metadata     map[string]any
}

// Session is the outcome of a successful Register or Reconnect.
type Session struct {
	DeviceID   string
	SessionKey cryptoutils.SessionKey
	// Created is false when Register overwrote an existing device.
	Created    bool
	ServerTime time.Time
}

type Config struct {
	Store   interfaces.DeviceStore
	Tokens  TokenConsumer
	Events  interfaces.EventPublisher
	Metrics metrics.Recorder
	Now     func() time.Time
	Log     *slog.Logger
}

type Registry struct {
	store   interfaces.DeviceStore
	tokens  TokenConsumer
	events  interfaces.EventPublisher
	metrics metrics.Recorder
	now     func() time.Time
	log     *slog.Logger
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		store:   cfg.Store,
		tokens:  cfg.Tokens,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		log:     cfg.Log,
	}
	if r.events == nil {
		r.events = events.Noop{}
	}
	if r.metrics == nil {
		r.metrics = metrics.Nop{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// CapabilitiesFrom returns the advertised operations, falling back to
// metadata.operations when the explicit list is empty.
func CapabilitiesFrom(operations []string, metadata map[string]any) []string {
	if len(operations) > 0 {
		return dedupe(operations)
	}
	raw, ok := metadata["operations"].([]any)
	if !ok {
		return []string{}
	}
	var caps []string
	for _, op := range raw {
		if name, ok := op.(string); ok {
			caps = append(caps, name)
		}
	}
	return dedupe(caps)
}

func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// DeviceTypeFrom reads metadata.type.
func DeviceTypeFrom(metadata map[string]any) string {
	if t, ok := metadata["type"].(string); ok && t != "" {
		return t
	}
	return DefaultDeviceType
}

// Register consumes the token and creates or overwrites the device record.
// The request is validated before the token is touched; once consumed the
// token stays consumed even if persisting the device fails.
func (r *Registry) Register(ctx context.Context, reg Registration) (*Session, error) {
	if reg.DeviceID == "" {
		return nil, fmt.Errorf("%w: deviceId is required", interfaces.ErrInvalidParams)
	}
	if _, err := cryptoutils.NewPublicKeyPEM(reg.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: publicKey: %v", interfaces.ErrInvalidParams, err)
	}

	if _, err := r.tokens.Consume(ctx, reg.Token); err != nil {
		r.metrics.Registration(metrics.OutcomeRejected)
		r.log.Warn("registration rejected", "deviceId", reg.DeviceID, "token", tokens.Redact(reg.Token), "err", err)
		return nil, err
	}

	sessionKey, err := cryptoutils.NewSessionKey()
	if err != nil {
		r.metrics.Registration(metrics.OutcomeFailed)
		return nil, err
	}

	now := r.now().UTC()
	device := &interfaces.Device{
		ID:           uuid.NewString(),
		DeviceID:     reg.DeviceID,
		DeviceType:   DeviceTypeFrom(reg.Metadata),
		PublicKey:    reg.PublicKey,
		SessionKey:   string(sessionKey),
		Capabilities: reg.Capabilities,
		Metadata:     reg.Metadata,
		IsActive:     true,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if device.Capabilities == nil {
		device.Capabilities = []string{}
	}

	created, err := r.store.UpsertDevice(ctx, device)
	if err != nil {
		r.metrics.Registration(metrics.OutcomeFailed)
		r.log.Error("failed to store device", "deviceId", reg.DeviceID, "err", err)
		return nil, err
	}

	if created {
		r.metrics.Registration(metrics.OutcomeCreated)
	} else {
		r.metrics.Registration(metrics.OutcomeReprovisioned)
	}
	r.log.Info("device registered",
		"deviceId", device.DeviceID,
		"deviceType", device.DeviceType,
		"capabilities", device.Capabilities,
		"created", created)
	r.publish(ctx, interfaces.EventDeviceRegistered, device.DeviceID, now)

	return &Session{DeviceID: device.DeviceID, SessionKey: sessionKey, Created: created, ServerTime: now}, nil
}

// Reconnect issues a new session key to a device presenting its registered public key.
func (r *Registry) Reconnect(ctx context.Context, deviceID, publicKey string) (*Session, error) {
	sessionKey, err := cryptoutils.NewSessionKey()
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	_, err = r.store.UpdateDevice(ctx, deviceID, func(d *interfaces.Device) error {
		if !cryptoutils.PublicKeyPEM(d.PublicKey).Equal(cryptoutils.PublicKeyPEM(publicKey)) {
			return interfaces.ErrAuthFailed
		}
		d.SessionKey = string(sessionKey)
		d.IsActive = true
		d.LastSeen = now
		return nil
	})
	if err != nil {
		r.log.Warn("reconnect rejected", "deviceId", deviceID, "err", err)
		return nil, err
	}

	r.log.Info("device reconnected", "deviceId", deviceID)
	r.publish(ctx, interfaces.EventDeviceReconnected, deviceID, now)
	return &Session{DeviceID: deviceID, SessionKey: sessionKey, ServerTime: now}, nil
}

// Heartbeat refreshes lastSeen and reactivates an inactive device. When env is
// non-nil it must open under the device's session key, otherwise nothing changes.
func (r *Registry) Heartbeat(ctx context.Context, deviceID string, env *cryptoutils.SessionEnvelope) (*interfaces.Device, error) {
	now := r.now().UTC()
	wasInactive := false

	device, err := r.store.UpdateDevice(ctx, deviceID, func(d *interfaces.Device) error {
		if env != nil {
			if _, err := cryptoutils.Unwrap(env, cryptoutils.SessionKey(d.SessionKey)); err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrAuthFailed, err)
			}
		}
		wasInactive = !d.IsActive
		d.IsActive = true
		d.LastSeen = now
		return nil
	})
	if err != nil {
		r.log.Debug("heartbeat rejected", "deviceId", deviceID, "err", err)
		return nil, err
	}

	if wasInactive {
		r.log.Info("device reactivated by heartbeat", "deviceId", deviceID)
		r.publish(ctx, interfaces.EventDeviceReactivated, deviceID, now)
	}
	return device, nil
}

// Deregister marks the device inactive. The optional envelope is checked on a
// best-effort basis only: a failure is logged and deregistration proceeds.
func (r *Registry) Deregister(ctx context.Context, deviceID string, env *cryptoutils.SessionEnvelope) error {
	now := r.now().UTC()
	_, err := r.store.UpdateDevice(ctx, deviceID, func(d *interfaces.Device) error {
		if env != nil {
			if _, err := cryptoutils.Unwrap(env, cryptoutils.SessionKey(d.SessionKey)); err != nil {
				r.log.Warn("deregister payload did not authenticate", "deviceId", deviceID, "err", err)
			}
		}
		d.IsActive = false
		d.LastSeen = now
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info("device deregistered", "deviceId", deviceID)
	r.publish(ctx, interfaces.EventDeviceDeregistered, deviceID, now)
	return nil
}

// CheckCapability reports whether the device advertises operation.
func (r *Registry) CheckCapability(ctx context.Context, deviceID, operation string) (bool, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return device.HasCapability(operation), nil
}

// Capabilities lists the operations of an active device.
func (r *Registry) Capabilities(ctx context.Context, deviceID string) ([]string, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.IsActive {
		return nil, interfaces.ErrDeviceInactive
	}
	return device.Capabilities, nil
}

func (r *Registry) Get(ctx context.Context, deviceID string) (*interfaces.Device, error) {
	return r.store.GetDevice(ctx, deviceID)
}

func (r *Registry) List(ctx context.Context, activeOnly bool) ([]interfaces.Device, error) {
	return r.store.ListDevices(ctx, activeOnly)
}

func (r *Registry) publish(ctx context.Context, eventType, deviceID string, at time.Time) {
	err := r.events.Publish(ctx, interfaces.Event{Type: eventType, DeviceID: deviceID, At: at})
	if err != nil {
		r.log.Warn("failed to publish event", "type", eventType, "deviceId", deviceID, "err", err)
	}
}
