/*
Package api holds the wire types and server configuration of the device relay.

The HTTP surface is split across subpackages:

1. devicehandler - endpoints called by devices: server key, registration,
   reconnection, heartbeat, deregistration, command polling and result reports
2. operatorhandler - operator-only endpoints: token issuance, command
   execution, device and command listings, action schemas
3. auth - admin-key login and Bearer token verification for operators
4. unsealhandler - collection of escrow shares when the server key is sealed
5. clients - Go clients for both sides of the protocol

# Protocol

Registration uses the server's RSA key: a device seals its registration
payload in a bootstrap envelope (RSA-OAEP wrapped AES-CBC key) and receives its
session key encrypted to its own public key. All later device traffic that
carries a payload uses an AES-256-GCM session envelope under that key.

A registration token buys exactly one registration call. Commands move
pending, sent, then completed or failed; the poll that returns a command is the
one that marks it sent.
*/
package api
