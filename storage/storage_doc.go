// Package storage persists the relay's key material by name.
//
// The server RSA key pair must survive restarts: devices encrypt their
// session keys to the public key they fetched at registration. Backends:
//
//	file:///var/lib/device-relay/keys
//	s3://[KEY:SECRET@]bucket/prefix?region=eu-west-1&endpoint=minio:9000&sse=aws:kms&kms-key-id=alias/relay
//	vault://vault.internal:8200/secret/device-relay?token=...&tls=false&kv=1
//
// OpenURIs turns the configured key-storage URIs into one backend. With more
// than one URI the result is a ReplicatedBackend:
//
//	backend, err := storage.OpenURIs(cfg.KeyStorage, logger)
//	if err != nil {
//	    return err
//	}
//	pem, err := backend.Fetch(ctx, "server_public_key.pem")
//
// Object names are flat; the file backend rejects names with path separators.
package storage
