package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/ruteri/device-relay-backend/interfaces"
)

// VaultOptions describes a Vault KV location.
type VaultOptions struct {
	// Address including scheme, e.g. https://vault.internal:8200.
	Address string
	Mount   string
	// Dir is the secret directory inside the mount; objects are Dir/<name>.
	Dir string
	// Token falls back to VAULT_TOKEN when empty.
	Token string
	// KVVersion is "1" or "2"; empty means 2.
	KVVersion string
}

// contentField is the single field each object secret carries.
const contentField = "content"

// VaultBackend keeps each object as a Vault KV secret with one "content"
// field. KV v2 writes create a new secret version.
type VaultBackend struct {
	client *vault.Client
	opts   VaultOptions
	get    func(ctx context.Context, p string) (*vault.KVSecret, error)
	put    func(ctx context.Context, p string, data map[string]interface{}) error
	log    *slog.Logger
}

func NewVaultBackend(opts VaultOptions, log *slog.Logger) (*VaultBackend, error) {
	opts.Mount = strings.Trim(opts.Mount, "/")
	opts.Dir = strings.Trim(opts.Dir, "/")
	if opts.Mount == "" {
		return nil, fmt.Errorf("%w: vault mount is required", interfaces.ErrInvalidLocationURI)
	}

	cfg := vault.DefaultConfig()
	cfg.Address = opts.Address
	cfg.Timeout = 30 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	b := &VaultBackend{client: client, opts: opts, log: log}
	switch opts.KVVersion {
	case "", "2":
		kv := client.KVv2(opts.Mount)
		b.get = kv.Get
		b.put = func(ctx context.Context, p string, data map[string]interface{}) error {
			_, err := kv.Put(ctx, p, data)
			return err
		}
	case "1":
		kv := client.KVv1(opts.Mount)
		b.get = kv.Get
		b.put = kv.Put
	default:
		return nil, fmt.Errorf("%w: unsupported vault kv version %q", interfaces.ErrInvalidLocationURI, opts.KVVersion)
	}
	return b, nil
}

func (b *VaultBackend) secretPath(name string) string {
	return path.Join(b.opts.Dir, name)
}

func (b *VaultBackend) Fetch(ctx context.Context, name string) ([]byte, error) {
	p := b.secretPath(name)
	secret, err := b.get(ctx, p)
	if errors.Is(err, vault.ErrSecretNotFound) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("vault read failed", "mount", b.opts.Mount, "path", p, "err", err)
		return nil, fmt.Errorf("%w: vault read %s: %v", interfaces.ErrBackendUnavailable, p, err)
	}
	// A deleted KV v2 version reads back without data.
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrContentNotFound
	}
	content, ok := secret.Data[contentField].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret %s has no %q field", p, contentField)
	}
	return []byte(content), nil
}

func (b *VaultBackend) Store(ctx context.Context, name string, data []byte) error {
	p := b.secretPath(name)
	if err := b.put(ctx, p, map[string]interface{}{contentField: string(data)}); err != nil {
		b.log.Error("vault write failed", "mount", b.opts.Mount, "path", p, "err", err)
		return fmt.Errorf("%w: vault write %s: %v", interfaces.ErrBackendUnavailable, p, err)
	}
	b.log.Info("stored key material in vault", "mount", b.opts.Mount, "path", p)
	return nil
}

// Available requires Vault to be initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(ctx)
	if err != nil {
		b.log.Debug("vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		b.log.Debug("vault not ready", "initialized", health.Initialized, "sealed", health.Sealed)
		return false
	}
	return true
}

func (b *VaultBackend) Name() string {
	return "vault-" + b.opts.Mount + "-" + strings.ReplaceAll(b.opts.Dir, "/", "-")
}

func (b *VaultBackend) LocationURI() string {
	host := strings.TrimPrefix(strings.TrimPrefix(b.opts.Address, "https://"), "http://")
	return "vault://" + path.Join(host, b.opts.Mount, b.opts.Dir)
}
