package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/device-relay-backend/interfaces"
)

// ReplicatedBackend keeps the same objects in several backends.
//
// Backends are consulted in order. Fetch returns the first copy found and
// copies it back into every earlier backend that reported it missing, so a
// freshly added or wiped replica converges on the next read. Store writes to
// every available backend and succeeds if at least one write does.
type ReplicatedBackend struct {
	replicas []interfaces.StorageBackend
	log      *slog.Logger
}

func NewReplicatedBackend(replicas []interfaces.StorageBackend, log *slog.Logger) *ReplicatedBackend {
	if log == nil {
		log = slog.Default()
	}
	return &ReplicatedBackend{replicas: replicas, log: log}
}

func (r *ReplicatedBackend) Fetch(ctx context.Context, name string) ([]byte, error) {
	var (
		missing []interfaces.StorageBackend
		errs    []error
	)

	for _, replica := range r.replicas {
		if !replica.Available(ctx) {
			errs = append(errs, fmt.Errorf("%s: %w", replica.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := replica.Fetch(ctx, name)
		switch {
		case err == nil:
			r.repair(ctx, name, data, missing)
			return data, nil
		case errors.Is(err, interfaces.ErrContentNotFound):
			missing = append(missing, replica)
		default:
			r.log.Warn("replica fetch failed", "backend", replica.Name(), "object", name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", replica.Name(), err))
		}
	}

	if len(missing) > 0 && len(errs) == 0 {
		return nil, interfaces.ErrContentNotFound
	}
	if len(missing) > 0 {
		// Some replica answered authoritatively but others could not be asked.
		r.log.Warn("object missing from reachable replicas, others failed", "object", name, "err", errors.Join(errs...))
		return nil, interfaces.ErrContentNotFound
	}
	return nil, fmt.Errorf("%w: no replica could serve %s: %w", interfaces.ErrBackendUnavailable, name, errors.Join(errs...))
}

// repair writes data into replicas that reported it missing. Failures are
// logged only; the read has already succeeded.
func (r *ReplicatedBackend) repair(ctx context.Context, name string, data []byte, missing []interfaces.StorageBackend) {
	for _, replica := range missing {
		if err := replica.Store(ctx, name, data); err != nil {
			r.log.Warn("read repair failed", "backend", replica.Name(), "object", name, "err", err)
			continue
		}
		r.log.Info("read repair restored object", "backend", replica.Name(), "object", name)
	}
}

func (r *ReplicatedBackend) Store(ctx context.Context, name string, data []byte) error {
	var (
		stored int
		errs   []error
	)
	for _, replica := range r.replicas {
		if !replica.Available(ctx) {
			errs = append(errs, fmt.Errorf("%s: %w", replica.Name(), interfaces.ErrBackendUnavailable))
			continue
		}
		if err := replica.Store(ctx, name, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", replica.Name(), err))
			continue
		}
		stored++
	}

	if stored == 0 {
		return fmt.Errorf("%w: no replica accepted %s: %w", interfaces.ErrBackendUnavailable, name, errors.Join(errs...))
	}
	if len(errs) > 0 {
		r.log.Warn("object stored on a subset of replicas",
			"object", name,
			slog.Int("stored", stored),
			slog.Int("replicas", len(r.replicas)),
			"err", errors.Join(errs...))
	}
	return nil
}

// Available reports whether any replica is reachable.
func (r *ReplicatedBackend) Available(ctx context.Context) bool {
	for _, replica := range r.replicas {
		if replica.Available(ctx) {
			return true
		}
	}
	return false
}

func (r *ReplicatedBackend) Name() string {
	return fmt.Sprintf("replicated-%d", len(r.replicas))
}

func (r *ReplicatedBackend) LocationURI() string {
	uris := make([]string, len(r.replicas))
	for i, replica := range r.replicas {
		uris[i] = replica.LocationURI()
	}
	return "replicated:[" + strings.Join(uris, ",") + "]"
}
