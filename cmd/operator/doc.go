// Package main (cmd/operator) is the operator command line for the device relay.
//
// Every command except hash-key and escrow talks to a relay (--relay-url) and
// authenticates with either a session token (--token, RELAY_OPERATOR_TOKEN)
// or the admin key (--admin-key, RELAY_ADMIN_KEY).
//
//	operator hash-key "$ADMIN_KEY"               # value for admin-key-hash
//	export RELAY_OPERATOR_TOKEN=$(operator login)
//	operator token issue                         # single-use registration token
//	operator devices --all
//	operator execute --device dev-1 --wait 30s add num1=2 num2=3
//	operator define-actions --file actions.yaml
//
// Escrow of the key-sealing passphrase:
//
//	operator escrow split --passphrase "$P" --shares 5 --threshold 3 --out-dir shares/
//	operator unseal status
//	operator unseal submit shares/share-1.txt
package main
