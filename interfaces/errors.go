package interfaces

import "errors"

// Registration token errors.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token expired")
	ErrTokenAlreadyUsed = errors.New("token already used")
)

// Device errors.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceInactive = errors.New("device inactive")

	// ErrAuthFailed is returned on a public key mismatch during reconnect
	// or when a session envelope fails to authenticate.
	ErrAuthFailed = errors.New("authentication failed")
)

// Command errors.
var (
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrInvalidParams         = errors.New("invalid params")
	ErrCommandNotFound       = errors.New("command not found")

	// ErrCommandNotDelivered is returned when a result is reported for a
	// command that was never fetched by the device.
	ErrCommandNotDelivered = errors.New("command not delivered")

	// ErrCommandFinalized is returned when a terminal command receives a
	// report with a different terminal status.
	ErrCommandFinalized = errors.New("command already finalized")
)

var (
	// ErrDecrypt covers malformed envelopes, bad padding or tag, and key-size mismatch.
	ErrDecrypt = errors.New("decrypt error")

	// ErrStore wraps failures of the underlying persistence layer.
	ErrStore = errors.New("store error")
)
