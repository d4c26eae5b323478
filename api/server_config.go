package api

import (
	"log/slog"
	"time"
)

// HTTPServerConfig configures the relay's HTTP listener and its metrics listener.
type HTTPServerConfig struct {
	// ListenAddr serves the device and operator APIs.
	ListenAddr string

	// MetricsAddr serves /metrics. Empty disables the metrics listener; the
	// collectors are still registered so handlers can record into them.
	MetricsAddr string

	// MetricsNamespace prefixes every relay collector. Defaults to common.PackageName.
	MetricsNamespace string

	EnablePprof bool

	Log *slog.Logger

	// DrainDuration is how long /drain keeps reporting not-ready before it
	// logs that load balancers should have stopped routing to us.
	DrainDuration time.Duration

	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
}
