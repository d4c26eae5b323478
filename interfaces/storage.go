package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrContentNotFound means the backend is reachable but holds nothing under the name.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable means the backend could not be reached or refused the operation.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned for malformed key storage URIs and unknown schemes.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend keeps named blobs of key material, such as the relay's
// server key pair. Names are flat (no path separators).
type StorageBackend interface {
	// Fetch returns the blob stored under name, or ErrContentNotFound.
	Fetch(ctx context.Context, name string) ([]byte, error)

	// Store replaces whatever is stored under name.
	Store(ctx context.Context, name string, data []byte) error

	Available(ctx context.Context) bool

	// Name is a short label used in logs.
	Name() string

	// LocationURI identifies the backend without credentials.
	LocationURI() string
}

// StorageLocation is a parsed key storage URI of the form
// scheme://[user[:password]@]host[:port][/path][?params].
type StorageLocation struct {
	Scheme string
	Host   string
	Path   string
	Query  url.Values

	// Auth is the userinfo part, e.g. S3 "ACCESS_KEY:SECRET_KEY".
	Auth string

	raw string
}

// storageSchemes are the schemes a StorageLocation may carry.
var storageSchemes = map[string]bool{"file": true, "s3": true, "vault": true}

// ParseStorageLocation parses and validates a key storage URI.
func ParseStorageLocation(uri string) (StorageLocation, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return StorageLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if !storageSchemes[scheme] {
		return StorageLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, u.Scheme)
	}

	loc := StorageLocation{
		Scheme: scheme,
		Host:   u.Host,
		Path:   u.Path,
		Query:  u.Query(),
		raw:    uri,
	}
	if u.User != nil {
		loc.Auth = u.User.String()
	}
	return loc, nil
}

func (l StorageLocation) String() string { return l.raw }

// Param returns the query parameter name, or "" when it is absent.
func (l StorageLocation) Param(name string) string {
	return l.Query.Get(name)
}

// Redacted returns the URI with userinfo and the token parameter masked,
// suitable for logs.
func (l StorageLocation) Redacted() string {
	out := l.raw
	if l.Auth != "" {
		out = strings.Replace(out, l.Auth+"@", "***@", 1)
	}
	if token := l.Param("token"); token != "" {
		out = strings.Replace(out, "token="+url.QueryEscape(token), "token=***", 1)
		out = strings.Replace(out, "token="+token, "token=***", 1)
	}
	return out
}
