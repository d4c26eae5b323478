package clients

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ruteri/device-relay-backend/api"
	"github.com/ruteri/device-relay-backend/cryptoutils"
)

// ErrNoSession is returned by calls that need a session key before Register
// or Reconnect succeeded.
var ErrNoSession = errors.New("no session key, register or reconnect first")

// DeviceClient speaks the device side of the relay protocol.
type DeviceClient struct {
	t         transport
	deviceID  string
	key       *rsa.PrivateKey
	publicPEM cryptoutils.PublicKeyPEM

	mu         sync.RWMutex
	sessionKey cryptoutils.SessionKey
}

func NewDeviceClient(baseURL, deviceID string, key *rsa.PrivateKey, httpClient *http.Client) (*DeviceClient, error) {
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}
	_, publicPEM, err := cryptoutils.MarshalRSAKeyPair(key)
	if err != nil {
		return nil, err
	}
	return &DeviceClient{
		t:         newTransport(baseURL, httpClient),
		deviceID:  deviceID,
		key:       key,
		publicPEM: publicPEM,
	}, nil
}

func (c *DeviceClient) DeviceID() string { return c.deviceID }

func (c *DeviceClient) PublicKeyPEM() cryptoutils.PublicKeyPEM { return c.publicPEM }

// SessionKey returns the current session key, empty before registration.
func (c *DeviceClient) SessionKey() cryptoutils.SessionKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionKey
}

func (c *DeviceClient) session() (cryptoutils.SessionKey, error) {
	key := c.SessionKey()
	if key == "" {
		return "", ErrNoSession
	}
	return key, nil
}

func (c *DeviceClient) devicePath(suffix string) string {
	return "/devices/" + url.PathEscape(c.deviceID) + suffix
}

// ServerKey fetches the relay's RSA public key.
func (c *DeviceClient) ServerKey(ctx context.Context) (*rsa.PublicKey, error) {
	var resp api.ServerKeyResponse
	if err := c.t.do(ctx, http.MethodGet, "/server-key", "", nil, &resp); err != nil {
		return nil, err
	}
	return cryptoutils.PublicKeyPEM(resp.PublicKey).Parse()
}

// Register seals the registration payload to the server key, spends token and
// stores the granted session key.
func (c *DeviceClient) Register(ctx context.Context, token string, operations []string, metadata map[string]any) (*api.SessionGrant, error) {
	serverKey, err := c.ServerKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not fetch server key: %w", err)
	}

	payload, err := json.Marshal(api.RegistrationPayload{
		DeviceInfo: api.DeviceInfo{
			DeviceID:   c.deviceID,
			PublicKey:  string(c.publicPEM),
			Metadata:   metadata,
			Operations: operations,
		},
		AuthToken: token,
	})
	if err != nil {
		return nil, err
	}
	envelope, err := cryptoutils.SealBootstrap(serverKey, payload)
	if err != nil {
		return nil, err
	}

	var resp api.EncryptedResponse
	if err := c.t.do(ctx, http.MethodPost, "/register-device", "", api.RegisterRequest{Data: envelope}, &resp); err != nil {
		return nil, err
	}
	return c.acceptGrant(resp)
}

// Reconnect obtains a fresh session key for an already registered device.
func (c *DeviceClient) Reconnect(ctx context.Context) (*api.SessionGrant, error) {
	var resp api.EncryptedResponse
	req := api.ReconnectRequest{DeviceID: c.deviceID, PublicKey: string(c.publicPEM)}
	if err := c.t.do(ctx, http.MethodPost, c.devicePath("/reconnect"), "", req, &resp); err != nil {
		return nil, err
	}
	return c.acceptGrant(resp)
}

func (c *DeviceClient) acceptGrant(resp api.EncryptedResponse) (*api.SessionGrant, error) {
	plaintext, err := cryptoutils.DecryptFromServer(c.key, resp.Data)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt session grant: %w", err)
	}
	var grant api.SessionGrant
	if err := json.Unmarshal(plaintext, &grant); err != nil {
		return nil, fmt.Errorf("could not decode session grant: %w", err)
	}
	if _, err := cryptoutils.SessionKey(grant.SessionKey).Bytes(); err != nil {
		return nil, fmt.Errorf("server granted an unusable session key: %w", err)
	}

	c.mu.Lock()
	c.sessionKey = cryptoutils.SessionKey(grant.SessionKey)
	c.mu.Unlock()
	return &grant, nil
}

func (c *DeviceClient) wrap(v any) (*cryptoutils.SessionEnvelope, error) {
	key, err := c.session()
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return cryptoutils.Wrap(plaintext, key)
}

// Heartbeat sends an authenticated heartbeat.
func (c *DeviceClient) Heartbeat(ctx context.Context) (*api.HeartbeatResponse, error) {
	envelope, err := c.wrap(api.HeartbeatPayload{Timestamp: time.Now().Unix()})
	if err != nil {
		return nil, err
	}
	var resp api.HeartbeatResponse
	if err := c.t.do(ctx, http.MethodPost, c.devicePath("/heartbeat"), "", api.SessionRequest{Data: envelope}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PendingCommands claims and decrypts the commands queued for this device.
// Claimed commands are not delivered again.
func (c *DeviceClient) PendingCommands(ctx context.Context) ([]api.PendingCommand, error) {
	key, err := c.session()
	if err != nil {
		return nil, err
	}
	var resp api.PendingCommandsResponse
	if err := c.t.do(ctx, http.MethodGet, c.devicePath("/pending-commands"), "", nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, errors.New("pending commands response has no data")
	}

	plaintext, err := cryptoutils.Unwrap(resp.Data, key)
	if err != nil {
		return nil, fmt.Errorf("could not decrypt pending commands: %w", err)
	}
	var pending api.PendingCommands
	if err := json.Unmarshal(plaintext, &pending); err != nil {
		return nil, err
	}
	return pending.Commands, nil
}

// Report sends the outcome of a delivered command.
func (c *DeviceClient) Report(ctx context.Context, commandID string, result api.CommandResult) error {
	envelope, err := c.wrap(result)
	if err != nil {
		return err
	}
	req := api.CommandUpdateRequest{DeviceID: c.deviceID, Data: envelope}
	return c.t.do(ctx, http.MethodPost, "/commands/"+url.PathEscape(commandID)+"/update", "", req, nil)
}

// Deregister marks the device inactive and forgets the session key.
func (c *DeviceClient) Deregister(ctx context.Context) error {
	var req api.SessionRequest
	if key := c.SessionKey(); key != "" {
		envelope, err := c.wrap(api.StatusResponse{Status: "deregister"})
		if err != nil {
			return err
		}
		req.Data = envelope
	}
	if err := c.t.do(ctx, http.MethodPost, c.devicePath("/deregister"), "", req, nil); err != nil {
		return err
	}

	c.mu.Lock()
	c.sessionKey = ""
	c.mu.Unlock()
	return nil
}
