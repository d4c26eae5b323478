// Package commands implements the per-device command queue.
//
// A command is admitted by Enqueue once the target device is active,
// advertises the operation, and the params satisfy the operation's schema.
// FetchPending hands pending commands to the device and marks them sent in the
// same step; Report records the terminal status and result.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-relay-backend/cryptoutils"
	"github.com/ruteri/device-relay-backend/events"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/ruteri/device-relay-backend/metrics"
)

// Listing limits used by the operator endpoints.
const (
	RecentCommandsLimit = 200
	DeviceCommandsLimit = 100
)

// Store is the persistence the queue depends on.
type Store interface {
	interfaces.DeviceStore
	interfaces.CommandStore
	interfaces.ActionStore
}

type Config struct {
	Store   Store
	Actions *Actions
	Events  interfaces.EventPublisher
	Metrics metrics.Recorder
	Now     func() time.Time
	Log     *slog.Logger
}

type Queue struct {
	store   Store
	actions *Actions
	events  interfaces.EventPublisher
	metrics metrics.Recorder
	now     func() time.Time
	log     *slog.Logger
}

func NewQueue(cfg Config) *Queue {
	q := &Queue{
		store:   cfg.Store,
		actions: cfg.Actions,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		log:     cfg.Log,
	}
	if q.actions == nil {
		q.actions = NewActions()
	}
	if q.events == nil {
		q.events = events.Noop{}
	}
	if q.metrics == nil {
		q.metrics = metrics.Nop{}
	}
	if q.now == nil {
		q.now = time.Now
	}
	if q.log == nil {
		q.log = slog.Default()
	}
	return q
}

// Delivery is the outcome of FetchPending.
type Delivery struct {
	Device   *interfaces.Device
	Commands []interfaces.Command
}

// Schema resolves the parameter schema for an operation: a stored schema wins
// over a registered one, and unknown operations get DefaultAction.
func (q *Queue) Schema(ctx context.Context, name string) (interfaces.ActionParameter, error) {
	stored, err := q.store.GetAction(ctx, name)
	if err != nil {
		return interfaces.ActionParameter{}, err
	}
	if stored != nil {
		return *stored, nil
	}
	if action, ok := q.actions.Lookup(name); ok {
		return action, nil
	}
	return DefaultAction(name), nil
}

// DefineAction stores an operator-provided schema, overriding any registered
// or default schema for the same name.
func (q *Queue) DefineAction(ctx context.Context, action *interfaces.ActionParameter) error {
	if err := ValidateSchema(action); err != nil {
		return err
	}
	if action.Description == "" {
		action.Description = describe(action.Name)
	}
	if err := q.store.PutAction(ctx, action); err != nil {
		return err
	}
	q.log.Info("action schema stored", "action", action.Name, "parameters", len(action.Parameters))
	return nil
}

// Enqueue admits a command for deviceID.
func (q *Queue) Enqueue(ctx context.Context, deviceID, name string, params map[string]any) (*interfaces.Command, error) {
	if deviceID == "" || name == "" {
		return nil, fmt.Errorf("%w: deviceId and command are required", interfaces.ErrInvalidParams)
	}

	device, err := q.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.IsActive {
		return nil, interfaces.ErrDeviceInactive
	}
	if !device.HasCapability(name) {
		return nil, fmt.Errorf("%w: %s is not supported by device %s", interfaces.ErrUnsupportedCapability, name, deviceID)
	}

	schema, err := q.Schema(ctx, name)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := ValidateParams(schema, params); err != nil {
		return nil, err
	}

	now := q.now().UTC()
	cmd := &interfaces.Command{
		ID:         uuid.NewString(),
		DeviceID:   device.DeviceID,
		DeviceType: device.DeviceType,
		Name:       name,
		Params:     params,
		Status:     interfaces.CommandPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.store.CreateCommand(ctx, cmd); err != nil {
		q.log.Error("failed to create command", "deviceId", deviceID, "command", name, "err", err)
		return nil, err
	}

	if strings.HasPrefix(name, "execute_code") {
		q.log.Debug("code execution command queued", "commandId", cmd.ID, "deviceId", deviceID)
	}
	q.log.Info("command queued", "commandId", cmd.ID, "deviceId", deviceID, "command", name)
	q.metrics.CommandEnqueued(name)
	q.publish(ctx, interfaces.Event{Type: interfaces.EventCommandQueued, DeviceID: deviceID, CommandID: cmd.ID, Status: cmd.Status, At: now})
	return cmd, nil
}

// FetchPending refreshes the device's lastSeen and claims every pending
// command for it. A claimed command is never returned again.
func (q *Queue) FetchPending(ctx context.Context, deviceID string) (*Delivery, error) {
	now := q.now().UTC()
	device, err := q.store.UpdateDevice(ctx, deviceID, func(d *interfaces.Device) error {
		if !d.IsActive {
			return interfaces.ErrDeviceInactive
		}
		d.LastSeen = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	claimed, err := q.store.ClaimPending(ctx, deviceID, now)
	if err != nil {
		q.log.Error("failed to claim pending commands", "deviceId", deviceID, "err", err)
		return nil, err
	}

	for _, cmd := range claimed {
		q.publish(ctx, interfaces.Event{Type: interfaces.EventCommandSent, DeviceID: deviceID, CommandID: cmd.ID, Status: cmd.Status, At: now})
	}
	if len(claimed) > 0 {
		q.log.Info("commands delivered", "deviceId", deviceID, "count", len(claimed))
	}
	return &Delivery{Device: device, Commands: claimed}, nil
}

// StatusFromReport maps a device result payload to a terminal status: an
// explicit "success" or "completed" status is completed, anything else failed.
func StatusFromReport(payload []byte) interfaces.CommandStatus {
	var report struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &report); err != nil {
		return interfaces.CommandFailed
	}
	switch strings.ToLower(report.Status) {
	case "success", "completed":
		return interfaces.CommandCompleted
	}
	return interfaces.CommandFailed
}

// Report opens the session envelope of a result report and records the
// outcome. Reports for commands that were never fetched are rejected, as are
// reports that contradict an already recorded terminal status.
func (q *Queue) Report(ctx context.Context, deviceID, commandID string, env *cryptoutils.SessionEnvelope) (*interfaces.Command, error) {
	device, err := q.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if env == nil {
		return nil, fmt.Errorf("%w: missing result payload", interfaces.ErrDecrypt)
	}
	payload, err := cryptoutils.Unwrap(env, cryptoutils.SessionKey(device.SessionKey))
	if err != nil {
		q.log.Warn("failed to open result payload", "deviceId", deviceID, "commandId", commandID, "err", err)
		return nil, err
	}
	return q.Record(ctx, deviceID, commandID, payload)
}

// Record stores a decrypted result payload.
func (q *Queue) Record(ctx context.Context, deviceID, commandID string, payload []byte) (*interfaces.Command, error) {
	status := StatusFromReport(payload)
	result := json.RawMessage(payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err != nil {
			return nil, err
		}
		result = quoted
	}

	now := q.now().UTC()
	cmd, changed, err := q.store.FinishCommand(ctx, deviceID, commandID, status, result, now)
	if err != nil {
		q.log.Warn("command report rejected", "deviceId", deviceID, "commandId", commandID, "status", status, "err", err)
		return nil, err
	}

	if _, err := q.store.UpdateDevice(ctx, deviceID, func(d *interfaces.Device) error {
		d.LastSeen = now
		return nil
	}); err != nil {
		q.log.Warn("failed to refresh lastSeen", "deviceId", deviceID, "err", err)
	}

	if !changed {
		q.log.Debug("duplicate command report ignored", "deviceId", deviceID, "commandId", commandID)
		return cmd, nil
	}

	q.log.Info("command finished", "deviceId", deviceID, "commandId", commandID, "status", status)
	q.metrics.CommandReported(string(status))
	eventType := interfaces.EventCommandCompleted
	if status == interfaces.CommandFailed {
		eventType = interfaces.EventCommandFailed
	}
	q.publish(ctx, interfaces.Event{Type: eventType, DeviceID: deviceID, CommandID: commandID, Status: status, At: now})
	return cmd, nil
}

func (q *Queue) Get(ctx context.Context, commandID string) (*interfaces.Command, error) {
	return q.store.GetCommand(ctx, commandID)
}

// Recent lists the newest commands across all devices.
func (q *Queue) Recent(ctx context.Context) ([]interfaces.Command, error) {
	return q.store.ListCommands(ctx, interfaces.CommandFilter{Limit: RecentCommandsLimit})
}

// ForDevice lists the newest commands of one device.
func (q *Queue) ForDevice(ctx context.Context, deviceID string) ([]interfaces.Command, error) {
	if _, err := q.store.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	return q.store.ListCommands(ctx, interfaces.CommandFilter{DeviceID: deviceID, Limit: DeviceCommandsLimit})
}

func (q *Queue) publish(ctx context.Context, event interfaces.Event) {
	if err := q.events.Publish(ctx, event); err != nil {
		q.log.Warn("failed to publish event", "type", event.Type, "commandId", event.CommandID, "err", err)
	}
}
