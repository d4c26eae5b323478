package clients

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/device-relay-backend/api"
	"github.com/ruteri/device-relay-backend/api/auth"
	"github.com/ruteri/device-relay-backend/api/devicehandler"
	"github.com/ruteri/device-relay-backend/api/operatorhandler"
	"github.com/ruteri/device-relay-backend/commands"
	"github.com/ruteri/device-relay-backend/cryptoutils"
	"github.com/ruteri/device-relay-backend/datastore"
	"github.com/ruteri/device-relay-backend/httpserver"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/ruteri/device-relay-backend/kms"
	"github.com/ruteri/device-relay-backend/monitor"
	"github.com/ruteri/device-relay-backend/registry"
	"github.com/ruteri/device-relay-backend/storage"
	"github.com/ruteri/device-relay-backend/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "correct horse battery staple"

func startRelay(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	backend, err := storage.NewFileBackend(t.TempDir(), logger)
	require.NoError(t, err)
	keys, err := kms.NewServerKeyStore(ctx, backend, nil, logger)
	require.NoError(t, err)

	hash, err := auth.HashAdminKey(adminKey)
	require.NoError(t, err)
	secret, err := auth.RandomSecret()
	require.NoError(t, err)
	authenticator, err := auth.NewAuthenticator(hash, secret, logger)
	require.NoError(t, err)

	srv, err := httpserver.New(&api.HTTPServerConfig{Log: logger, MetricsNamespace: "clients_test"}, authenticator)
	require.NoError(t, err)

	store := datastore.NewMemoryStore()
	authority := tokens.NewAuthority(store, logger)
	devices := registry.NewRegistry(registry.Config{Store: store, Tokens: authority, Metrics: srv.Metrics(), Log: logger})
	queue := commands.NewQueue(commands.Config{Store: store, Metrics: srv.Metrics(), Log: logger})
	srv.Mount(
		devicehandler.NewHandler(keys, devices, queue, logger),
		operatorhandler.NewHandler(operatorhandler.Config{
			Tokens:       authority,
			Devices:      devices,
			Commands:     queue,
			Sweeper:      monitor.New(monitor.Config{Store: store, Log: logger}),
			SweepTimeout: time.Minute,
			Authenticate: authenticator.Middleware,
			Log:          logger,
		}),
	)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func newDevice(t *testing.T, baseURL, deviceID string) *DeviceClient {
	t.Helper()
	privPEM, _, err := cryptoutils.GenerateRSAKeyPair()
	require.NoError(t, err)
	key, err := privPEM.Parse()
	require.NoError(t, err)
	device, err := NewDeviceClient(baseURL, deviceID, key, nil)
	require.NoError(t, err)
	return device
}

func TestDeviceAndOperatorRoundTrip(t *testing.T) {
	baseURL := startRelay(t)
	ctx := context.Background()

	operator := NewOperatorClient(baseURL, nil)
	_, err := operator.Login(ctx, adminKey, "alice")
	require.NoError(t, err)

	issued, err := operator.GenerateToken(ctx)
	require.NoError(t, err)

	device := newDevice(t, baseURL, "calc-1")
	grant, err := device.Register(ctx, issued.Token, []string{"add", "multiply"}, map[string]any{"type": "calculator"})
	require.NoError(t, err)
	assert.Equal(t, "Device registered successfully", grant.Message)
	assert.NotEmpty(t, device.SessionKey())

	hb, err := device.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, hb.Active)

	commandID, err := operator.Execute(ctx, "calc-1", "add", map[string]any{"num1": 2, "num2": 3})
	require.NoError(t, err)

	pending, err := device.PendingCommands(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, commandID, pending[0].ID)
	assert.Equal(t, "add", pending[0].Name)

	require.NoError(t, device.Report(ctx, commandID, api.CommandResult{Status: "success", Result: 5}))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	record, err := operator.WaitForCommand(waitCtx, commandID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "completed", record.Status)
	assert.JSONEq(t, `{"status":"success","result":5}`, string(record.Result))

	devices, err := operator.Devices(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, devices.Count)
	assert.Equal(t, "calculator", devices.Devices[0].DeviceType)

	caps, err := operator.Capabilities(ctx, "calc-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"add", "multiply"}, caps)

	firstKey := device.SessionKey()
	_, err = device.Reconnect(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, firstKey, device.SessionKey())

	require.NoError(t, device.Deregister(ctx))
	assert.Empty(t, device.SessionKey())
	_, err = device.Heartbeat(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestErrorsCarryStatus(t *testing.T) {
	baseURL := startRelay(t)
	ctx := context.Background()

	operator := NewOperatorClient(baseURL, nil)
	_, err := operator.GenerateToken(ctx)
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	_, err = operator.Login(ctx, "wrong", "")
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)

	device := newDevice(t, baseURL, "dev-x")
	_, err = device.Register(ctx, "not-a-token", []string{"add"}, nil)
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)
	assert.Equal(t, "Invalid token", statusErr.Message)

	_, err = device.Reconnect(ctx)
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
}

func TestActionParameters(t *testing.T) {
	baseURL := startRelay(t)
	ctx := context.Background()

	operator := NewOperatorClient(baseURL, nil)
	_, err := operator.Login(ctx, adminKey, "")
	require.NoError(t, err)

	defined, err := operator.DefineAction(ctx, interfaces.ActionParameter{
		Name:       "sqrt",
		Parameters: []interfaces.ParamSpec{{Name: "num1", Type: interfaces.ParamNumber, Required: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Execute sqrt operation", defined.Description)

	got, err := operator.ActionParameters(ctx, "sqrt")
	require.NoError(t, err)
	assert.Equal(t, defined.Parameters, got.Parameters)
}
