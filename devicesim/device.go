package devicesim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/device-relay-backend/api/clients"
	"github.com/ruteri/device-relay-backend/cryptoutils"
)

// TokenSource hands out one registration token per call.
type TokenSource func(ctx context.Context) (string, error)

type Config struct {
	RelayURL   string
	HTTPClient *http.Client
	DeviceType string

	// Slot names the persisted identity; devices sharing a slot share an identity.
	Slot       string
	Identities *IdentityStore
	Tokens     TokenSource

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// DeregisterOnExit deregisters when Run's context ends.
	DeregisterOnExit bool

	Log *slog.Logger
}

// Device is one simulated device.
type Device struct {
	cfg    Config
	id     *Identity
	client *clients.DeviceClient
	log    *slog.Logger

	// Executed counts reported commands; read it only after Run returns.
	Executed int
}

func NewDevice(cfg Config) (*Device, error) {
	if _, err := Operations(cfg.DeviceType); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	id, err := cfg.Identities.Load(cfg.Slot)
	if err != nil {
		return nil, err
	}
	if id == nil || id.DeviceType != cfg.DeviceType {
		if id, err = NewIdentity(cfg.DeviceType); err != nil {
			return nil, err
		}
		if err := cfg.Identities.Save(cfg.Slot, id); err != nil {
			return nil, err
		}
	}

	key, err := cryptoutils.PrivateKeyPEM(id.PrivateKey).Parse()
	if err != nil {
		return nil, fmt.Errorf("identity %s has an unusable key: %w", cfg.Slot, err)
	}
	client, err := clients.NewDeviceClient(cfg.RelayURL, id.DeviceID, key, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}

	return &Device{
		cfg:    cfg,
		id:     id,
		client: client,
		log:    cfg.Log.With("deviceId", id.DeviceID, "deviceType", cfg.DeviceType),
	}, nil
}

func (d *Device) ID() string { return d.id.DeviceID }

func statusOf(err error) int {
	var statusErr *clients.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// connect reconnects a known device or registers a new one, retrying
// transient failures with exponential backoff until ctx ends.
func (d *Device) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	return backoff.Retry(func() error {
		if d.id.Registered {
			_, err := d.client.Reconnect(ctx)
			if err == nil {
				d.log.Info("reconnected")
				return nil
			}
			if code := statusOf(err); code != http.StatusNotFound && code != http.StatusForbidden {
				d.log.Warn("reconnect failed, retrying", "err", err)
				return err
			}
			d.log.Info("relay does not recognise this device, registering again", "err", err)
			d.id.Registered = false
		}

		if d.cfg.Tokens == nil {
			return backoff.Permanent(errors.New("device is not registered and no registration token source is configured"))
		}
		token, err := d.cfg.Tokens(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("could not obtain registration token: %w", err))
		}
		operations, _ := Operations(d.cfg.DeviceType)
		_, err = d.client.Register(ctx, token, operations, map[string]any{
			"type":       d.cfg.DeviceType,
			"operations": operations,
			"version":    "1.0.0",
		})
		if err != nil {
			if statusOf(err) == http.StatusForbidden || statusOf(err) == http.StatusBadRequest {
				return backoff.Permanent(err)
			}
			d.log.Warn("registration failed, retrying", "err", err)
			return err
		}

		d.id.Registered = true
		if err := d.cfg.Identities.Save(d.cfg.Slot, d.id); err != nil {
			d.log.Warn("could not persist identity", "err", err)
		}
		d.log.Info("registered")
		return nil
	}, backoff.WithContext(b, ctx))
}

// Run connects and serves commands until ctx ends.
func (d *Device) Run(ctx context.Context) error {
	if err := d.connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer d.deregister()

	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()
	heartbeat := time.NewTicker(d.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	d.heartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			d.heartbeat(ctx)
		case <-poll.C:
			if err := d.poll(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if err := d.recover(ctx, err); err != nil {
					return err
				}
			}
		}
	}
}

func (d *Device) heartbeat(ctx context.Context) {
	if _, err := d.client.Heartbeat(ctx); err != nil && ctx.Err() == nil {
		d.log.Warn("heartbeat failed", "err", err)
	}
}

// recover reacts to a failed poll: an inactive device heartbeats to come
// back, an unknown session reconnects.
func (d *Device) recover(ctx context.Context, err error) error {
	switch statusOf(err) {
	case http.StatusConflict:
		d.log.Info("relay marked device inactive, sending heartbeat")
		d.heartbeat(ctx)
		return nil
	case http.StatusNotFound, http.StatusForbidden, http.StatusBadRequest:
		d.log.Warn("session rejected, reconnecting", "err", err)
		return d.connect(ctx)
	default:
		d.log.Warn("poll failed", "err", err)
		return nil
	}
}

func (d *Device) poll(ctx context.Context) error {
	pending, err := d.client.PendingCommands(ctx)
	if err != nil {
		return err
	}
	for _, cmd := range pending {
		result := Execute(d.cfg.DeviceType, cmd)
		d.log.Info("executed command", "commandId", cmd.ID, "command", cmd.Name, "status", result.Status)
		if err := d.client.Report(ctx, cmd.ID, result); err != nil {
			d.log.Warn("could not report result", "commandId", cmd.ID, "err", err)
			continue
		}
		d.Executed++
	}
	return nil
}

func (d *Device) deregister() {
	if !d.cfg.DeregisterOnExit {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.client.Deregister(ctx); err != nil {
		d.log.Warn("deregister failed", "err", err)
		return
	}
	d.log.Info("deregistered")
}
