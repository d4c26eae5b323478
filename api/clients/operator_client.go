package clients

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ruteri/device-relay-backend/api"
	"github.com/ruteri/device-relay-backend/api/auth"
	"github.com/ruteri/device-relay-backend/interfaces"
)

// OperatorClient calls the operator API. Login must succeed before any other
// call, except when a bearer token is supplied with SetToken.
type OperatorClient struct {
	t transport

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func NewOperatorClient(baseURL string, httpClient *http.Client) *OperatorClient {
	return &OperatorClient{t: newTransport(baseURL, httpClient)}
}

// Login exchanges the admin key for a session token.
func (c *OperatorClient) Login(ctx context.Context, adminKey, operator string) (time.Time, error) {
	var resp auth.LoginResponse
	if err := c.t.do(ctx, http.MethodPost, "/admin/login", "", auth.LoginRequest{AdminKey: adminKey, Operator: operator}, &resp); err != nil {
		return time.Time{}, err
	}
	c.SetToken(resp.Token, resp.ExpiresAt)
	return resp.ExpiresAt, nil
}

func (c *OperatorClient) SetToken(token string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.expiresAt = expiresAt
}

func (c *OperatorClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *OperatorClient) call(ctx context.Context, method, path string, body, out any) error {
	return c.t.do(ctx, method, path, c.Token(), body, out)
}

func (c *OperatorClient) GenerateToken(ctx context.Context) (*api.GenerateTokenResponse, error) {
	var resp api.GenerateTokenResponse
	if err := c.call(ctx, http.MethodPost, "/admin/generate-token", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OperatorClient) ListTokens(ctx context.Context) (*api.TokenListResponse, error) {
	var resp api.TokenListResponse
	if err := c.call(ctx, http.MethodGet, "/admin/tokens", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Execute queues a command and returns its id.
func (c *OperatorClient) Execute(ctx context.Context, deviceID, command string, params map[string]any) (string, error) {
	var resp api.ExecuteCommandResponse
	req := api.ExecuteCommandRequest{DeviceID: deviceID, Command: command, Params: params}
	if err := c.call(ctx, http.MethodPost, "/execute-command", req, &resp); err != nil {
		return "", err
	}
	return resp.CommandID, nil
}

func (c *OperatorClient) Command(ctx context.Context, commandID string) (*api.CommandRecord, error) {
	var resp api.CommandRecord
	if err := c.call(ctx, http.MethodGet, "/commands/"+url.PathEscape(commandID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForCommand polls until the command reaches a terminal status or ctx ends.
func (c *OperatorClient) WaitForCommand(ctx context.Context, commandID string, interval time.Duration) (*api.CommandRecord, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		record, err := c.Command(ctx, commandID)
		if err != nil {
			return nil, err
		}
		if interfaces.CommandStatus(record.Status).IsTerminal() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return record, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *OperatorClient) Commands(ctx context.Context) (*api.CommandListResponse, error) {
	var resp api.CommandListResponse
	if err := c.call(ctx, http.MethodGet, "/commands", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OperatorClient) DeviceCommands(ctx context.Context, deviceID string) (*api.CommandListResponse, error) {
	var resp api.CommandListResponse
	if err := c.call(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID)+"/commands", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Devices lists active devices, or every device after a liveness sweep when all is set.
func (c *OperatorClient) Devices(ctx context.Context, all bool) (*api.DeviceListResponse, error) {
	path := "/devices"
	if all {
		path = "/devices/all"
	}
	var resp api.DeviceListResponse
	if err := c.call(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OperatorClient) Capabilities(ctx context.Context, deviceID string) ([]string, error) {
	var resp api.CapabilitiesResponse
	if err := c.call(ctx, http.MethodGet, "/devices/"+url.PathEscape(deviceID)+"/capabilities", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Capabilities, nil
}

func (c *OperatorClient) ActionParameters(ctx context.Context, name string) (*api.ActionParametersResponse, error) {
	var resp api.ActionParametersResponse
	if err := c.call(ctx, http.MethodGet, "/actions/"+url.PathEscape(name)+"/parameters", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OperatorClient) DefineAction(ctx context.Context, action interfaces.ActionParameter) (*api.ActionParametersResponse, error) {
	var resp api.ActionParametersResponse
	if err := c.call(ctx, http.MethodPut, "/actions/"+url.PathEscape(action.Name)+"/parameters", action, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OperatorClient) UnsealStatus(ctx context.Context) (*api.UnsealStatusResponse, error) {
	var resp api.UnsealStatusResponse
	if err := c.call(ctx, http.MethodGet, "/admin/unseal/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *OperatorClient) SubmitShare(ctx context.Context, share string) (*api.UnsealStatusResponse, error) {
	var resp api.UnsealStatusResponse
	if err := c.call(ctx, http.MethodPost, "/admin/unseal/share", api.UnsealShareRequest{Share: share}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
