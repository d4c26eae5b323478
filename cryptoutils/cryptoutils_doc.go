// Package cryptoutils implements the two message-exchange layers of the device
// relay protocol, plus key helpers.
//
// # Bootstrap Layer
//
// Used only for registration. The device generates a random AES key, encrypts the
// JSON payload with AES-CBC and PKCS#7 padding under a random 16-byte IV, and wraps
// the AES key with the server RSA public key using OAEP (SHA-256 for both the
// digest and MGF1). The envelope is transmitted as
//
//	{"encrypted_key": "<b64>", "iv": "<b64>", "ciphertext": "<b64>"}
//
// The server answers a registering or reconnecting device by encrypting the small
// JSON response directly with the device public key (RSA-OAEP, SHA-256).
//
// # Session Layer
//
// All later traffic uses the per-device session key: 32 random bytes, hex-encoded.
// Payloads are sealed with AES-256-GCM under a fresh 12-byte nonce:
//
//	{"iv": "<b64 nonce>", "ciphertext": "<b64>", "tag": "<b64 16-byte tag>"}
//
// Unwrap fails with interfaces.ErrDecrypt on a tag mismatch, a malformed field or
// a key that does not decode to 32 bytes. No plaintext is returned with an error.
//
// # Key Sealing
//
// SealWithPassphrase protects the server private key at rest with an Argon2id
// derived AES-256-GCM key.
package cryptoutils
