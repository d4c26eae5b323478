package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/ruteri/device-relay-backend/api/auth"
	"github.com/ruteri/device-relay-backend/api/clients"
	"github.com/ruteri/device-relay-backend/cmd/flags"
	"github.com/ruteri/device-relay-backend/commands"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/ruteri/device-relay-backend/kms"
	"github.com/urfave/cli/v2"
)

var flagAdminKey *cli.StringFlag = &cli.StringFlag{
	Name:    "admin-key",
	EnvVars: []string{"RELAY_ADMIN_KEY"},
	Usage:   "admin key used to log in when no session token is given",
}
var flagOperatorName *cli.StringFlag = &cli.StringFlag{
	Name:    "operator",
	EnvVars: []string{"USER"},
	Usage:   "operator name recorded on issued tokens and audit logs",
}
var flagSessionToken *cli.StringFlag = &cli.StringFlag{
	Name:    "token",
	EnvVars: []string{"RELAY_OPERATOR_TOKEN"},
	Usage:   "operator session token from 'login'",
}
var flagTimeout *cli.DurationFlag = &cli.DurationFlag{
	Name:  "timeout",
	Value: 30 * time.Second,
	Usage: "overall request timeout",
}

var flagDevice *cli.StringFlag = &cli.StringFlag{
	Name:     "device",
	Required: true,
	Usage:    "target device id",
}
var flagWait *cli.DurationFlag = &cli.DurationFlag{
	Name:  "wait",
	Usage: "poll for the command result for up to this long",
}
var flagShares *cli.IntFlag = &cli.IntFlag{
	Name:  "shares",
	Value: 3,
	Usage: "number of escrow shares to produce",
}
var flagThreshold *cli.IntFlag = &cli.IntFlag{
	Name:  "threshold",
	Value: 2,
	Usage: "shares required to reconstruct the passphrase",
}
var flagPassphrase *cli.StringFlag = &cli.StringFlag{
	Name:     "passphrase",
	Required: true,
	EnvVars:  []string{"RELAY_KEY_PASSPHRASE"},
	Usage:    "key-sealing passphrase to split",
}
var flagOutDir *cli.StringFlag = &cli.StringFlag{
	Name:  "out-dir",
	Usage: "write each share to <out-dir>/share-<n>.txt instead of stdout",
}

func main() {
	app := &cli.App{
		Name:  "relay-operator",
		Usage: "Operate a device relay: issue registration tokens, run commands, unseal the server key",
		Flags: []cli.Flag{
			flags.RelayURLFlag,
			flagAdminKey,
			flagOperatorName,
			flagSessionToken,
			flagTimeout,
		},
		Commands: []*cli.Command{
			{
				Name:      "hash-key",
				Usage:     "print the bcrypt hash of an admin key for the server's admin-key-hash setting",
				ArgsUsage: "<admin-key>",
				Action: func(cCtx *cli.Context) error {
					key := cCtx.Args().First()
					if key == "" {
						key = cCtx.String(flagAdminKey.Name)
					}
					if key == "" {
						return errors.New("admin key is required")
					}
					hash, err := auth.HashAdminKey(key)
					if err != nil {
						return err
					}
					fmt.Println(hash)
					return nil
				},
			},
			{
				Name:  "login",
				Usage: "print a session token to export as RELAY_OPERATOR_TOKEN",
				Action: func(cCtx *cli.Context) error {
					ctx, cancel := requestContext(cCtx)
					defer cancel()
					client := clients.NewOperatorClient(cCtx.String(flags.RelayURLFlag.Name), nil)
					expiresAt, err := client.Login(ctx, cCtx.String(flagAdminKey.Name), cCtx.String(flagOperatorName.Name))
					if err != nil {
						return err
					}
					fmt.Fprintf(os.Stderr, "token valid until %s\n", expiresAt.Format(time.RFC3339))
					fmt.Println(client.Token())
					return nil
				},
			},
			{
				Name:  "token",
				Usage: "manage device registration tokens",
				Subcommands: []*cli.Command{
					{
						Name:  "issue",
						Usage: "issue a single-use registration token",
						Action: withClient(func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error {
							resp, err := client.GenerateToken(ctx)
							if err != nil {
								return err
							}
							return printJSON(resp)
						}),
					},
					{
						Name:  "list",
						Usage: "list unused, unexpired tokens",
						Action: withClient(func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error {
							resp, err := client.ListTokens(ctx)
							if err != nil {
								return err
							}
							return printJSON(resp)
						}),
					},
				},
			},
			{
				Name:      "execute",
				Usage:     "queue a command for a device",
				ArgsUsage: "<command> [name=value ...]",
				Flags:     []cli.Flag{flagDevice, flagWait},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error {
					if cCtx.NArg() == 0 {
						return errors.New("command name is required")
					}
					params, err := parseParams(cCtx.Args().Tail())
					if err != nil {
						return err
					}
					commandID, err := client.Execute(ctx, cCtx.String(flagDevice.Name), cCtx.Args().First(), params)
					if err != nil {
						return err
					}
					wait := cCtx.Duration(flagWait.Name)
					if wait <= 0 {
						fmt.Println(commandID)
						return nil
					}

					waitCtx, cancel := context.WithTimeout(context.Background(), wait)
					defer cancel()
					record, err := client.WaitForCommand(waitCtx, commandID, 500*time.Millisecond)
					if err != nil && record == nil {
						return err
					}
					return printJSON(record)
				}),
			},
			{
				Name:      "command",
				Usage:     "show one command, or the most recent commands",
				ArgsUsage: "[command-id]",
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error {
					if id := cCtx.Args().First(); id != "" {
						record, err := client.Command(ctx, id)
						if err != nil {
							return err
						}
						return printJSON(record)
					}
					resp, err := client.Commands(ctx)
					if err != nil {
						return err
					}
					return printJSON(resp)
				}),
			},
			{
				Name:  "devices",
				Usage: "list devices",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "all", Usage: "include inactive devices"}},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error {
					resp, err := client.Devices(ctx, cCtx.Bool("all"))
					if err != nil {
						return err
					}
					return printJSON(resp)
				}),
			},
			{
				Name:      "action",
				Usage:     "show the parameter schema of an action",
				ArgsUsage: "<name>",
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error {
					resp, err := client.ActionParameters(ctx, cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(resp)
				}),
			},
			{
				Name:  "define-actions",
				Usage: "upload every action in a YAML schema file",
				Flags: []cli.Flag{&cli.StringFlag{Name: "file", Required: true, Usage: "YAML file with an 'actions' list"}},
				Action: withClient(func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error {
					// Loading into a registry validates the file before anything is sent.
					actions := commands.NewActions()
					builtin := actions.Names()
					if _, err := actions.LoadActionSchemasFile(cCtx.String("file")); err != nil {
						return err
					}
					for _, name := range actions.Names() {
						action, _ := actions.Lookup(name)
						if slices.Contains(builtin, name) && reflect.DeepEqual(action, builtinAction(name)) {
							continue
						}
						if _, err := client.DefineAction(ctx, action); err != nil {
							return fmt.Errorf("could not define %s: %w", name, err)
						}
						fmt.Println("defined", name)
					}
					return nil
				}),
			},
			{
				Name:  "escrow",
				Usage: "split the key-sealing passphrase into shares",
				Subcommands: []*cli.Command{
					{
						Name:  "split",
						Flags: []cli.Flag{flagPassphrase, flagShares, flagThreshold, flagOutDir},
						Action: func(cCtx *cli.Context) error {
							shares, err := kms.SplitPassphrase([]byte(cCtx.String(flagPassphrase.Name)), cCtx.Int(flagShares.Name), cCtx.Int(flagThreshold.Name))
							if err != nil {
								return err
							}
							outDir := cCtx.String(flagOutDir.Name)
							if outDir == "" {
								for _, share := range shares {
									fmt.Println(share)
								}
								return nil
							}
							if err := os.MkdirAll(outDir, 0o700); err != nil {
								return err
							}
							for i, share := range shares {
								path := filepath.Join(outDir, fmt.Sprintf("share-%d.txt", i+1))
								if err := os.WriteFile(path, []byte(share+"\n"), 0o600); err != nil {
									return err
								}
								fmt.Println(path)
							}
							return nil
						},
					},
					{
						Name:      "combine",
						Usage:     "reconstruct the passphrase locally from share files",
						ArgsUsage: "<share-file> ...",
						Action: func(cCtx *cli.Context) error {
							shares, err := readShares(cCtx.Args().Slice())
							if err != nil {
								return err
							}
							passphrase, err := kms.CombineShares(shares)
							if err != nil {
								return err
							}
							fmt.Println(string(passphrase))
							return nil
						},
					},
				},
			},
			{
				Name:  "unseal",
				Usage: "submit escrow shares to a sealed relay",
				Subcommands: []*cli.Command{
					{
						Name: "status",
						Action: withClient(func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error {
							resp, err := client.UnsealStatus(ctx)
							if err != nil {
								return err
							}
							return printJSON(resp)
						}),
					},
					{
						Name:      "submit",
						ArgsUsage: "<share-file>",
						Action: withClient(func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error {
							shares, err := readShares(cCtx.Args().Slice())
							if err != nil {
								return err
							}
							if len(shares) != 1 {
								return errors.New("submit exactly one share file")
							}
							resp, err := client.SubmitShare(ctx, shares[0])
							if err != nil {
								return err
							}
							return printJSON(resp)
						}),
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func requestContext(cCtx *cli.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cCtx.Context, cCtx.Duration(flagTimeout.Name))
}

// withClient authenticates with the session token if given, otherwise by
// logging in with the admin key.
func withClient(fn func(ctx context.Context, cCtx *cli.Context, client *clients.OperatorClient) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		ctx, cancel := requestContext(cCtx)
		defer cancel()

		client := clients.NewOperatorClient(cCtx.String(flags.RelayURLFlag.Name), nil)
		if token := cCtx.String(flagSessionToken.Name); token != "" {
			client.SetToken(token, time.Time{})
		} else {
			adminKey := cCtx.String(flagAdminKey.Name)
			if adminKey == "" {
				return errors.New("set --token or --admin-key")
			}
			if _, err := client.Login(ctx, adminKey, cCtx.String(flagOperatorName.Name)); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
		}
		return fn(ctx, cCtx, client)
	}
}

// parseParams turns name=value pairs into command params. Values are decoded
// as JSON when possible so numbers and booleans keep their type.
func parseParams(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", arg)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[name] = value
	}
	return params, nil
}

func readShares(paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, errors.New("no share files given")
	}
	shares := make([]string, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		shares = append(shares, strings.TrimSpace(string(data)))
	}
	return shares, nil
}

func builtinAction(name string) interfaces.ActionParameter {
	action, _ := commands.NewActions().Lookup(name)
	return action
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
