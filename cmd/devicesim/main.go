// Command devicesim runs simulated arithmetic devices against a relay.
//
// Each device registers with its own single-use token, either taken from
// --token or issued on the fly with the operator admin key, then polls for
// commands until interrupted. With --state-dir, identities survive restarts
// and devices reconnect instead of registering again.
//
//	devicesim --relay-url http://127.0.0.1:8080 --admin-key $KEY --count 6
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ruteri/device-relay-backend/api/clients"
	"github.com/ruteri/device-relay-backend/cmd/flags"
	"github.com/ruteri/device-relay-backend/devicesim"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var simFlags = []cli.Flag{
	flags.RelayURLFlag,
	&cli.IntFlag{Name: "count", Value: 6, Usage: "number of devices to simulate"},
	&cli.StringSliceFlag{Name: "type", Usage: "device types to cycle through (default: all)"},
	&cli.StringSliceFlag{Name: "token", Usage: "registration tokens, one per new device"},
	&cli.StringFlag{Name: "admin-key", EnvVars: []string{"RELAY_ADMIN_KEY"}, Usage: "issue registration tokens with this admin key when --token runs out"},
	&cli.StringFlag{Name: "state-dir", Usage: "persist device identities here"},
	&cli.DurationFlag{Name: "poll-interval", Value: 5 * time.Second},
	&cli.DurationFlag{Name: "heartbeat-interval", Value: 30 * time.Second},
	&cli.DurationFlag{Name: "start-stagger", Value: time.Second, Usage: "delay between starting devices"},
	&cli.BoolFlag{Name: "deregister-on-exit", Value: true},
}

func main() {
	app := &cli.App{
		Name:   "devicesim",
		Usage:  "Simulate arithmetic devices polling a relay for commands",
		Flags:  append(simFlags, flags.LogFlags...),
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// tokenSource serves the given tokens first, then issues new ones through
// the operator API when an admin key is configured.
func tokenSource(relayURL string, given []string, adminKey string) devicesim.TokenSource {
	var mu sync.Mutex
	var operator *clients.OperatorClient
	return func(ctx context.Context) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(given) > 0 {
			token := given[0]
			given = given[1:]
			return token, nil
		}
		if adminKey == "" {
			return "", errors.New("out of registration tokens, pass more --token or --admin-key")
		}
		if operator == nil {
			operator = clients.NewOperatorClient(relayURL, nil)
			if _, err := operator.Login(ctx, adminKey, "devicesim"); err != nil {
				operator = nil
				return "", err
			}
		}
		resp, err := operator.GenerateToken(ctx)
		if err != nil {
			return "", err
		}
		return resp.Token, nil
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	types := cCtx.StringSlice("type")
	if len(types) == 0 {
		types = devicesim.DeviceTypes()
	}
	relayURL := cCtx.String(flags.RelayURLFlag.Name)
	tokens := tokenSource(relayURL, cCtx.StringSlice("token"), cCtx.String("admin-key"))
	var identities *devicesim.IdentityStore
	if dir := cCtx.String("state-dir"); dir != "" {
		identities = &devicesim.IdentityStore{Dir: dir}
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cCtx.Int("count"); i++ {
		deviceType := types[i%len(types)]
		device, err := devicesim.NewDevice(devicesim.Config{
			RelayURL:          relayURL,
			DeviceType:        deviceType,
			Slot:              fmt.Sprintf("%s-%d", deviceType, i),
			Identities:        identities,
			Tokens:            tokens,
			PollInterval:      cCtx.Duration("poll-interval"),
			HeartbeatInterval: cCtx.Duration("heartbeat-interval"),
			DeregisterOnExit:  cCtx.Bool("deregister-on-exit"),
			Log:               logger,
		})
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return device.Run(ctx) })
		logger.Info("started simulated device", "deviceId", device.ID(), "deviceType", deviceType)

		select {
		case <-ctx.Done():
		case <-time.After(cCtx.Duration("start-stagger")):
		}
	}

	err := g.Wait()
	logger.Info("all devices stopped")
	return err
}
