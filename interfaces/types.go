package interfaces

import (
	"encoding/json"
	"slices"
	"time"
)

// AuthorizationToken is a one-time registration credential.
// A token is valid iff it is unused and not yet expired.
type AuthorizationToken struct {
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"isUsed"`
	IssuedBy  string    `json:"createdBy"`
}

// IsValid reports whether the token can still be consumed at the given time.
func (t *AuthorizationToken) IsValid(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// Device is the identity record of a provisioned device.
type Device struct {
	// ID is the server-generated internal identifier.
	ID string `json:"id"`

	// DeviceID is the caller-supplied, globally unique device identifier.
	DeviceID string `json:"deviceId"`

	DeviceType string `json:"deviceType"`

	// PublicKey is the device-owned RSA public key in PEM format.
	PublicKey string `json:"-"`

	// SessionKey is the hex-encoded symmetric key issued on Register/Reconnect.
	SessionKey string `json:"-"`

	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	IsActive     bool           `json:"isActive"`
	RegisteredAt time.Time      `json:"registeredAt"`
	LastSeen     time.Time      `json:"lastSeen"`
}

// HasCapability reports whether the device advertises the named operation.
func (d *Device) HasCapability(name string) bool {
	return slices.Contains(d.Capabilities, name)
}

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandSent      CommandStatus = "sent"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s CommandStatus) IsTerminal() bool {
	return s == CommandCompleted || s == CommandFailed
}

// Command is a unit of work queued for a single device.
// Status only advances pending -> sent -> completed|failed.
type Command struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId"`
	DeviceType string          `json:"deviceType,omitempty"`
	Name       string          `json:"name"`
	Params     map[string]any  `json:"params"`
	Status     CommandStatus   `json:"status"`
	Result     json.RawMessage `json:"result"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// ParamType enumerates the value types an action parameter can declare.
type ParamType string

const (
	ParamNumber  ParamType = "number"
	ParamInteger ParamType = "integer"
	ParamString  ParamType = "string"
	ParamBoolean ParamType = "boolean"
)

// ParamSpec describes one parameter of an action.
type ParamSpec struct {
	Name     string    `json:"name" yaml:"name"`
	Type     ParamType `json:"type" yaml:"type"`
	Required bool      `json:"required" yaml:"required"`
}

// ActionParameter is the capability schema for a named operation.
// Parameters are ordered as declared.
type ActionParameter struct {
	Name        string      `json:"action" yaml:"name"`
	Parameters  []ParamSpec `json:"parameters" yaml:"parameters"`
	Description string      `json:"description" yaml:"description"`
}

// CommandFilter narrows command listings. Zero values mean no restriction.
type CommandFilter struct {
	DeviceID string
	Limit    int
}
