package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/device-relay-backend/interfaces"
)

type opener func(loc interfaces.StorageLocation, log *slog.Logger) (interfaces.StorageBackend, error)

var openers = map[string]opener{
	"file":  openFile,
	"s3":    openS3,
	"vault": openVault,
}

// Open builds the backend for a single location.
func Open(loc interfaces.StorageLocation, log *slog.Logger) (interfaces.StorageBackend, error) {
	open, ok := openers[loc.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
	return open(loc, log)
}

// OpenURIs parses uris and returns one backend for them. A single location
// is returned as is; several are combined into a ReplicatedBackend in the
// given order. Any malformed URI fails the whole call.
func OpenURIs(uris []string, log *slog.Logger) (interfaces.StorageBackend, error) {
	if len(uris) == 0 {
		return nil, errors.New("no key storage locations configured")
	}

	backends := make([]interfaces.StorageBackend, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.ParseStorageLocation(uri)
		if err != nil {
			return nil, err
		}
		backend, err := Open(loc, log)
		if err != nil {
			return nil, fmt.Errorf("key storage %s: %w", loc.Redacted(), err)
		}
		log.Debug("opened key storage", "location", loc.Redacted(), "backend", backend.Name())
		backends = append(backends, backend)
	}

	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewReplicatedBackend(backends, log), nil
}

// openFile accepts file:///abs/dir and file://./rel/dir.
func openFile(loc interfaces.StorageLocation, log *slog.Logger) (interfaces.StorageBackend, error) {
	dir := loc.Path
	if loc.Host != "" {
		dir = loc.Host + "/" + strings.TrimPrefix(dir, "/")
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: file location has no directory", interfaces.ErrInvalidLocationURI)
	}
	return NewFileBackend(dir, log)
}

// openS3 accepts s3://[KEY:SECRET@]bucket/prefix?region=..&endpoint=..&sse=..&kms-key-id=..
func openS3(loc interfaces.StorageLocation, log *slog.Logger) (interfaces.StorageBackend, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: s3 location has no bucket", interfaces.ErrInvalidLocationURI)
	}
	opts := S3Options{
		Bucket:   loc.Host,
		Prefix:   loc.Path,
		Region:   loc.Param("region"),
		Endpoint: loc.Param("endpoint"),
		SSE:      loc.Param("sse"),
		KMSKeyID: loc.Param("kms-key-id"),
	}
	if loc.Auth != "" {
		opts.AccessKey, opts.SecretKey, _ = strings.Cut(loc.Auth, ":")
	}
	return NewS3Backend(opts, log)
}

// openVault accepts vault://host:port/mount[/path]?token=..&tls=false&kv=1
func openVault(loc interfaces.StorageLocation, log *slog.Logger) (interfaces.StorageBackend, error) {
	mount, dir, _ := strings.Cut(strings.Trim(loc.Path, "/"), "/")
	if loc.Host == "" || mount == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if tls := loc.Param("tls"); tls == "false" || tls == "0" {
		scheme = "http"
	}
	return NewVaultBackend(VaultOptions{
		Address:   scheme + "://" + loc.Host,
		Mount:     mount,
		Dir:       dir,
		Token:     loc.Param("token"),
		KVVersion: loc.Param("kv"),
	}, log)
}
