// Package clients provides Go clients for the relay HTTP API.
//
// DeviceClient performs the device side of the protocol: it seals its
// registration to the server key, decrypts the session grant with its own RSA
// key, and exchanges session-encrypted heartbeats, pending commands and
// results. OperatorClient logs in with the admin key and drives token
// issuance, command execution, listings and unsealing.
package clients
