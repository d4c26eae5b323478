package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ruteri/device-relay-backend/api/auth"
	"github.com/ruteri/device-relay-backend/api/devicehandler"
	"github.com/ruteri/device-relay-backend/api/operatorhandler"
	"github.com/ruteri/device-relay-backend/api/unsealhandler"
	"github.com/ruteri/device-relay-backend/cmd/flags"
	"github.com/ruteri/device-relay-backend/commands"
	"github.com/ruteri/device-relay-backend/config"
	"github.com/ruteri/device-relay-backend/datastore"
	"github.com/ruteri/device-relay-backend/events"
	"github.com/ruteri/device-relay-backend/httpserver"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/ruteri/device-relay-backend/kms"
	"github.com/ruteri/device-relay-backend/monitor"
	"github.com/ruteri/device-relay-backend/registry"
	"github.com/ruteri/device-relay-backend/storage"
	"github.com/ruteri/device-relay-backend/tokens"
	"github.com/urfave/cli/v2"
)

// Every flag here maps one-to-one onto a config key and only overrides the
// config file and environment when set explicitly.
var serverFlags = []cli.Flag{
	flags.ConfigFileFlag,
	&cli.StringFlag{Name: "listen-addr", Usage: "address to listen on for the API (default 127.0.0.1:8080)"},
	&cli.StringFlag{Name: "metrics-addr", Usage: "address to listen on for Prometheus metrics, empty to disable (default 127.0.0.1:8090)"},
	&cli.StringFlag{Name: "database-url", Usage: "memory://, postgres://... or mysql://... (default memory://)"},
	&cli.StringFlag{Name: "redis-url", Usage: "keep registration tokens in Redis, e.g. redis://localhost:6379/0"},
	&cli.IntFlag{Name: "max-conns", Usage: "maximum open database connections"},
	&cli.StringSliceFlag{Name: "key-storage", Usage: "server key storage locations (file://, s3://, vault://), repeatable"},
	&cli.StringFlag{Name: "key-passphrase", Usage: "passphrase sealing the server private key at rest"},
	&cli.IntFlag{Name: "key-unseal-threshold", Usage: "start sealed and wait for this many escrow shares of the key passphrase"},
	&cli.DurationFlag{Name: "key-unseal-timeout", Usage: "how long to wait for escrow shares"},
	&cli.DurationFlag{Name: "token-ttl", Usage: "registration token lifetime"},
	&cli.DurationFlag{Name: "heartbeat-timeout", Usage: "mark devices inactive after this long without contact"},
	&cli.DurationFlag{Name: "sweep-interval", Usage: "how often to look for timed out devices"},
	&cli.StringFlag{Name: "actions-file", Usage: "YAML file with action parameter schemas"},
	&cli.StringFlag{Name: "admin-key-hash", Usage: "bcrypt hash of the operator admin key (see 'operator hash-key')"},
	&cli.StringFlag{Name: "jwt-secret", Usage: "HMAC secret for operator sessions, random per process when empty"},
	&cli.DurationFlag{Name: "jwt-ttl", Usage: "operator session lifetime"},
	&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "publish lifecycle events to these Kafka brokers"},
	&cli.StringFlag{Name: "kafka-topic", Usage: "Kafka topic for lifecycle events"},
}

func main() {
	app := &cli.App{
		Name:   "relay-server",
		Usage:  "Serve the device command relay API",
		Flags:  append(serverFlags, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func overridesFrom(cCtx *cli.Context) map[string]any {
	overrides := map[string]any{}
	for _, key := range config.Keys() {
		if !cCtx.IsSet(key) {
			continue
		}
		switch key {
		case "key-storage", "kafka-brokers":
			overrides[key] = cCtx.StringSlice(key)
		default:
			overrides[key] = cCtx.Value(key)
		}
	}
	return overrides
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := config.Load(cCtx.String(flags.ConfigFileFlag.Name), overridesFrom(cCtx))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "err", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := datastore.Open(ctx, datastore.Options{
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		MaxConns:    cfg.MaxConns,
	}, logger)
	if err != nil {
		logger.Error("Failed to open datastore", "err", err)
		return err
	}
	defer store.Close()

	keyBackend, err := storage.OpenURIs(cfg.KeyStorage, logger)
	if err != nil {
		logger.Error("Failed to configure key storage", "err", err)
		return err
	}

	authenticator, err := newAuthenticator(cfg, logger)
	if err != nil {
		logger.Error("Failed to configure operator authentication", "err", err)
		return err
	}

	server, err := httpserver.New(flags.ServerConfig(cCtx, logger, cfg.ListenAddr, cfg.MetricsAddr), authenticator)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	defer server.Shutdown()

	var keys *kms.ServerKeyStore
	if cfg.KeyUnsealThreshold > 0 {
		keys, err = unseal(ctx, cfg, server, authenticator, keyBackend, logger)
	} else {
		keys, err = kms.NewServerKeyStore(ctx, keyBackend, []byte(cfg.KeyPassphrase), logger)
		if err == nil {
			server.RunInBackground()
		}
	}
	if err != nil {
		logger.Error("Failed to load server key", "err", err)
		return err
	}

	publisher, closePublisher, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Error("Failed to configure event publishing", "err", err)
		return err
	}
	defer closePublisher()

	recorder := server.Metrics()

	actions := commands.NewActions()
	if cfg.ActionsFile != "" {
		n, err := actions.LoadActionSchemasFile(cfg.ActionsFile)
		if err != nil {
			logger.Error("Failed to load action schemas", "file", cfg.ActionsFile, "err", err)
			return err
		}
		logger.Info("Loaded action schemas", "file", cfg.ActionsFile, "count", n)
	}

	authority := tokens.NewAuthority(store, logger, tokens.WithTTL(cfg.TokenTTL))
	devices := registry.NewRegistry(registry.Config{
		Store:   store,
		Tokens:  authority,
		Events:  publisher,
		Metrics: recorder,
		Log:     logger,
	})
	queue := commands.NewQueue(commands.Config{
		Store:   store,
		Actions: actions,
		Events:  publisher,
		Metrics: recorder,
		Log:     logger,
	})
	sweeper := monitor.New(monitor.Config{
		Store:   store,
		Events:  publisher,
		Metrics: recorder,
		Log:     logger,
	})

	server.Mount(
		devicehandler.NewHandler(keys, devices, queue, logger),
		operatorhandler.NewHandler(operatorhandler.Config{
			Tokens:       authority,
			Devices:      devices,
			Commands:     queue,
			Sweeper:      sweeper,
			SweepTimeout: cfg.HeartbeatTimeout,
			Authenticate: authenticator.Middleware,
			Log:          logger,
		}),
	)

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		sweeper.Run(ctx, cfg.SweepInterval, cfg.HeartbeatTimeout)
	}()

	logger.Info("Relay is running", "listenAddr", cfg.ListenAddr, "heartbeatTimeout", cfg.HeartbeatTimeout)
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	server.Shutdown()
	<-monitorDone
	logger.Info("Server shutdown complete")
	return nil
}

func newAuthenticator(cfg *config.Config, logger *slog.Logger) (*auth.Authenticator, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		logger.Warn("jwt-secret not set, operator sessions will not survive a restart")
		var err error
		if secret, err = auth.RandomSecret(); err != nil {
			return nil, err
		}
	}
	return auth.NewAuthenticator(cfg.AdminKeyHash, secret, logger, auth.WithTTL(cfg.JWTTTL))
}

// unseal serves only login and the unseal endpoints until operators have
// submitted enough escrow shares to open the server key.
func unseal(ctx context.Context, cfg *config.Config, server *httpserver.Server, authenticator *auth.Authenticator, backend interfaces.StorageBackend, logger *slog.Logger) (*kms.ServerKeyStore, error) {
	if err := kms.RequireSealedServerKey(ctx, backend); err != nil {
		return nil, err
	}

	var keys *kms.ServerKeyStore
	handler, err := unsealhandler.NewHandler(cfg.KeyUnsealThreshold, func(ctx context.Context, passphrase []byte) error {
		opened, err := kms.OpenSealedServerKeyStore(ctx, backend, passphrase, logger)
		if err != nil {
			return err
		}
		keys = opened
		return nil
	}, authenticator.Middleware, logger)
	if err != nil {
		return nil, err
	}

	server.Mount(handler)
	logger.Info("Starting server sealed, waiting for escrow shares", "threshold", cfg.KeyUnsealThreshold, "timeout", cfg.KeyUnsealTimeout)
	server.RunInBackground()

	waitCtx, cancel := context.WithTimeout(ctx, cfg.KeyUnsealTimeout)
	defer cancel()
	if _, err := handler.WaitForUnseal(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no quorum of escrow shares within %s", cfg.KeyUnsealTimeout)
		}
		return nil, err
	}
	return keys, nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (interfaces.EventPublisher, func(), error) {
	logPublisher := events.NewLogPublisher(logger)
	if len(cfg.KafkaBrokers) == 0 {
		return logPublisher, func() {}, nil
	}

	kafka, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Publishing lifecycle events to Kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)

	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- kafka.Close() }()
		select {
		case err := <-done:
			if err != nil {
				logger.Warn("Failed to close Kafka writer", "err", err)
			}
		case <-closeCtx.Done():
			logger.Warn("Timed out flushing Kafka writer")
		}
	}
	return events.Multi{logPublisher, kafka}, closeFn, nil
}
