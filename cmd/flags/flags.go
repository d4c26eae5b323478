// Package flags holds the CLI flags shared by the relay binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-relay-backend/api"
	"github.com/ruteri/device-relay-backend/common"
	"github.com/urfave/cli/v2"
)

const (
	categoryLogging = "Logging"
	categoryServer  = "HTTP server"
)

var (
	// RelayURLFlag points the operator and device CLIs at a running relay.
	RelayURLFlag = &cli.StringFlag{
		Name:    "relay-url",
		Value:   "http://127.0.0.1:8080",
		Usage:   "base URL of the relay server",
		EnvVars: []string{"RELAY_URL"},
	}

	ConfigFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML, JSON or TOML config file; RELAY_* environment variables and flags override it",
	}

	LogJsonFlag    = &cli.BoolFlag{Name: "log-json", Usage: "log as JSON", Category: categoryLogging}
	LogDebugFlag   = &cli.BoolFlag{Name: "log-debug", Usage: "include debug messages", Category: categoryLogging}
	LogUidFlag     = &cli.BoolFlag{Name: "log-uid", Usage: "tag every message with a random per-process uid", Category: categoryLogging}
	LogServiceFlag = &cli.StringFlag{Name: "log-service", Value: "device-relay", Usage: "value of the 'service' log attribute", Category: categoryLogging}

	PprofFlag        = &cli.BoolFlag{Name: "pprof", Usage: "serve pprof under /debug", Category: categoryServer}
	DrainSecondsFlag = &cli.Int64Flag{Name: "drain-seconds", Value: 45, Usage: "how long /drain waits before reporting the instance safe to stop", Category: categoryServer}
)

// LogFlags configure SetupLogger.
var LogFlags = []cli.Flag{LogJsonFlag, LogDebugFlag, LogUidFlag, LogServiceFlag}

// CommonFlags are LogFlags plus the flags read by ServerConfig.
var CommonFlags = append([]cli.Flag{PprofFlag, DrainSecondsFlag}, LogFlags...)

func SetupLogger(cCtx *cli.Context) *slog.Logger {
	log := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})
	if cCtx.Bool(LogUidFlag.Name) {
		log = log.With("uid", uuid.NewString())
	}
	return log
}

// ServerConfig combines the listen addresses with the shared server flags.
func ServerConfig(cCtx *cli.Context, log *slog.Logger, listenAddr, metricsAddr string) *api.HTTPServerConfig {
	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		MetricsNamespace:         common.PackageName,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		Log:                      log,
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}
