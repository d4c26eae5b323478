// Package interfaces defines core interfaces and types for the device relay
// system, separating interface definitions from implementations.
//
// # Domain Types
//
//   - AuthorizationToken: one-time registration credential with a 24h lifetime
//   - Device: identity, capabilities, session key and liveness of a provisioned device
//   - Command: unit of work moving pending -> sent -> completed|failed
//   - ActionParameter: typed parameter schema used to admit commands
//
// # Store Interfaces
//
// TokenStore, DeviceStore, CommandStore and ActionStore are combined into Store.
// Two operations must be atomic in every implementation: TokenStore.ConsumeToken
// and CommandStore.ClaimPending.
//
// # Storage Interfaces
//
// StorageBackend holds named blobs of key material (file, S3, Vault).
// StorageLocation is the parsed form of a key storage URI.
//
// # Error Types
//
// Sentinel errors cover the relay taxonomy (ErrInvalidToken, ErrDeviceNotFound,
// ErrDecrypt, ErrStore, ...) and storage failures (ErrContentNotFound,
// ErrBackendUnavailable, ErrInvalidLocationURI). Callers classify with errors.Is.
package interfaces
