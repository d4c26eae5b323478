// Package main (cmd/httpserver) runs the device relay server.
//
// Devices register with a single-use token sealed to the server's RSA key,
// receive a session key, and from then on exchange session-encrypted
// heartbeats, pending commands and results. Operators log in with the admin
// key and queue commands, inspect devices and issue registration tokens.
//
// Settings come from an optional config file (--config), RELAY_* environment
// variables and flags, in increasing order of precedence. The only required
// setting is admin-key-hash, produced by 'operator hash-key'.
//
// The server private key lives in one or more key-storage locations (file://,
// s3:// or vault://; several locations are written redundantly). It is
// generated on first start. It can be sealed at rest two ways:
//
//   - key-passphrase: the passphrase is part of the configuration.
//   - key-unseal-threshold: the server starts sealed, serving only login and
//     /admin/unseal/*, until that many operators submit escrow shares of the
//     passphrase (see 'operator escrow split' and 'operator unseal submit').
//
// State is kept in memory by default; set database-url to a postgres:// or
// mysql:// URL for persistence, and redis-url to keep registration tokens in
// Redis. Lifecycle events are logged and, with kafka-brokers, published to
// Kafka.
//
// Example:
//
//	export RELAY_ADMIN_KEY_HASH=$(operator hash-key "$ADMIN_KEY")
//	httpserver --listen-addr 0.0.0.0:8080 --key-storage file:///var/lib/relay/keys \
//	  --database-url postgres://relay@db/relay --heartbeat-timeout 60s
package main
