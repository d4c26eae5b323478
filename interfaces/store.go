package interfaces

import (
	"context"
	"encoding/json"
	"time"
)

// TokenStore persists registration tokens.
type TokenStore interface {
	// CreateToken persists a freshly issued token.
	CreateToken(ctx context.Context, token *AuthorizationToken) error

	// ConsumeToken atomically validates the token and marks it used.
	// Returns ErrInvalidToken, ErrExpiredToken or ErrTokenAlreadyUsed when the
	// token cannot be consumed. Two concurrent calls never both succeed.
	ConsumeToken(ctx context.Context, token string, now time.Time) (*AuthorizationToken, error)

	// ListActiveTokens returns unused, unexpired tokens, newest first.
	ListActiveTokens(ctx context.Context, now time.Time) ([]AuthorizationToken, error)
}

// DeviceStore persists device identity records.
type DeviceStore interface {
	// UpsertDevice creates or overwrites the device keyed by DeviceID.
	// The internal ID and RegisteredAt of an existing record are preserved.
	UpsertDevice(ctx context.Context, device *Device) (created bool, err error)

	// GetDevice returns ErrDeviceNotFound for unknown ids.
	GetDevice(ctx context.Context, deviceID string) (*Device, error)

	// UpdateDevice applies fn to the stored record as a single read-modify-write.
	// If fn returns an error nothing is written and the error is returned as is.
	UpdateDevice(ctx context.Context, deviceID string, fn func(*Device) error) (*Device, error)

	// ListDevices returns all devices, or only active ones.
	ListDevices(ctx context.Context, activeOnly bool) ([]Device, error)

	// DeactivateStale flips active devices whose LastSeen is before cutoff to
	// inactive and returns the ids of exactly those devices. A device whose
	// LastSeen moved past cutoff concurrently is neither flipped nor returned.
	DeactivateStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// CommandStore persists commands and their lifecycle.
type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *Command) error

	// GetCommand returns ErrCommandNotFound for unknown ids.
	GetCommand(ctx context.Context, commandID string) (*Command, error)

	// ClaimPending atomically moves every pending command of the device to
	// sent and returns them ordered by CreatedAt ascending. A command is never
	// claimed twice.
	ClaimPending(ctx context.Context, deviceID string, now time.Time) ([]Command, error)

	// FinishCommand records a terminal status and result for a sent command
	// owned by deviceID. Status, result and UpdatedAt are written together or
	// not at all. A repeated report with the same terminal status is a no-op
	// and reports changed=false.
	FinishCommand(ctx context.Context, deviceID, commandID string, status CommandStatus, result json.RawMessage, now time.Time) (cmd *Command, changed bool, err error)

	// ListCommands returns commands newest first.
	ListCommands(ctx context.Context, filter CommandFilter) ([]Command, error)
}

// ActionStore persists operator-defined action schemas.
type ActionStore interface {
	// GetAction returns (nil, nil) when no schema is stored for the name.
	GetAction(ctx context.Context, name string) (*ActionParameter, error)
	PutAction(ctx context.Context, action *ActionParameter) error
}

// Store aggregates every persistence concern of the relay.
type Store interface {
	TokenStore
	DeviceStore
	CommandStore
	ActionStore

	Close() error
}

// Event is a lifecycle notification emitted by the registry and the command queue.
type Event struct {
	Type      string        `json:"type"`
	DeviceID  string        `json:"deviceId"`
	CommandID string        `json:"commandId,omitempty"`
	Status    CommandStatus `json:"status,omitempty"`
	At        time.Time     `json:"at"`
}

// Event types.
const (
	EventDeviceRegistered   = "device.registered"
	EventDeviceReconnected  = "device.reconnected"
	EventDeviceReactivated  = "device.reactivated"
	EventDeviceDeregistered = "device.deregistered"
	EventDeviceTimedOut     = "device.timed_out"
	EventCommandQueued      = "command.queued"
	EventCommandSent        = "command.sent"
	EventCommandCompleted   = "command.completed"
	EventCommandFailed      = "command.failed"
)

// EventPublisher delivers lifecycle events. Publishing is best-effort;
// callers log failures and carry on.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}
