package datastore

import (
	"context"
	"encoding/json"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ruteri/device-relay-backend/interfaces"
)

// MemoryStore is an in-process interfaces.Store.
type MemoryStore struct {
	mu       sync.Mutex
	tokens   map[string]*interfaces.AuthorizationToken
	devices  map[string]*interfaces.Device
	commands map[string]*interfaces.Command
	// commandOrder holds command ids in insertion order.
	commandOrder []string
	actions      map[string]*interfaces.ActionParameter
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:   make(map[string]*interfaces.AuthorizationToken),
		devices:  make(map[string]*interfaces.Device),
		commands: make(map[string]*interfaces.Command),
		actions:  make(map[string]*interfaces.ActionParameter),
	}
}

func (s *MemoryStore) CreateToken(ctx context.Context, token *interfaces.AuthorizationToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *token
	s.tokens[token.Token] = &t
	return nil
}

func (s *MemoryStore) ConsumeToken(ctx context.Context, token string, now time.Time) (*interfaces.AuthorizationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tokens[token]
	if !ok || token == "" {
		return nil, interfaces.ErrInvalidToken
	}
	if err := classifyToken(stored, now); err != nil {
		return nil, err
	}

	stored.Used = true
	t := *stored
	return &t, nil
}

func (s *MemoryStore) ListActiveTokens(ctx context.Context, now time.Time) ([]interfaces.AuthorizationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tokens []interfaces.AuthorizationToken
	for _, t := range s.tokens {
		if t.IsValid(now) {
			tokens = append(tokens, *t)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].CreatedAt.After(tokens[j].CreatedAt)
	})
	return tokens, nil
}

func copyDevice(d *interfaces.Device) *interfaces.Device {
	c := *d
	c.Capabilities = slices.Clone(d.Capabilities)
	c.Metadata = maps.Clone(d.Metadata)
	return &c
}

func (s *MemoryStore) UpsertDevice(ctx context.Context, device *interfaces.Device) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := copyDevice(device)
	existing, ok := s.devices[device.DeviceID]
	if ok {
		d.ID = existing.ID
		d.RegisteredAt = existing.RegisteredAt
	}
	s.devices[device.DeviceID] = d

	device.ID = d.ID
	device.RegisteredAt = d.RegisteredAt
	return !ok, nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, deviceID string) (*interfaces.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, interfaces.ErrDeviceNotFound
	}
	return copyDevice(d), nil
}

func (s *MemoryStore) UpdateDevice(ctx context.Context, deviceID string, fn func(*interfaces.Device) error) (*interfaces.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[deviceID]
	if !ok {
		return nil, interfaces.ErrDeviceNotFound
	}

	updated := copyDevice(d)
	if err := fn(updated); err != nil {
		return nil, err
	}
	updated.ID = d.ID
	updated.DeviceID = d.DeviceID
	s.devices[deviceID] = updated
	return copyDevice(updated), nil
}

func (s *MemoryStore) ListDevices(ctx context.Context, activeOnly bool) ([]interfaces.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]interfaces.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if activeOnly && !d.IsActive {
			continue
		}
		devices = append(devices, *copyDevice(d))
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].RegisteredAt.Before(devices[j].RegisteredAt)
	})
	return devices, nil
}

func (s *MemoryStore) DeactivateStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, d := range s.devices {
		if d.IsActive && d.LastSeen.Before(cutoff) {
			d.IsActive = false
			ids = append(ids, d.DeviceID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func copyCommand(c *interfaces.Command) *interfaces.Command {
	cp := *c
	cp.Params = maps.Clone(c.Params)
	cp.Result = slices.Clone(c.Result)
	return &cp
}

func (s *MemoryStore) CreateCommand(ctx context.Context, cmd *interfaces.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.commands[cmd.ID] = copyCommand(cmd)
	s.commandOrder = append(s.commandOrder, cmd.ID)
	return nil
}

func (s *MemoryStore) GetCommand(ctx context.Context, commandID string) (*interfaces.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[commandID]
	if !ok {
		return nil, interfaces.ErrCommandNotFound
	}
	return copyCommand(c), nil
}

func (s *MemoryStore) ClaimPending(ctx context.Context, deviceID string, now time.Time) ([]interfaces.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := []interfaces.Command{}
	for _, id := range s.commandOrder {
		c := s.commands[id]
		if c.DeviceID != deviceID || c.Status != interfaces.CommandPending {
			continue
		}
		c.Status = interfaces.CommandSent
		c.UpdatedAt = now
		claimed = append(claimed, *copyCommand(c))
	}
	return claimed, nil
}

func (s *MemoryStore) FinishCommand(ctx context.Context, deviceID, commandID string, status interfaces.CommandStatus, result json.RawMessage, now time.Time) (*interfaces.Command, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[commandID]
	if !ok || c.DeviceID != deviceID {
		return nil, false, interfaces.ErrCommandNotFound
	}
	if err := checkFinish(c.Status, status); err != nil {
		return nil, false, err
	}
	if c.Status == status {
		return copyCommand(c), false, nil
	}

	c.Status = status
	c.Result = slices.Clone(result)
	c.UpdatedAt = now
	return copyCommand(c), true, nil
}

func (s *MemoryStore) ListCommands(ctx context.Context, filter interfaces.CommandFilter) ([]interfaces.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	commands := []interfaces.Command{}
	for i := len(s.commandOrder) - 1; i >= 0; i-- {
		c := s.commands[s.commandOrder[i]]
		if filter.DeviceID != "" && c.DeviceID != filter.DeviceID {
			continue
		}
		commands = append(commands, *copyCommand(c))
		if filter.Limit > 0 && len(commands) == filter.Limit {
			break
		}
	}
	return commands, nil
}

func (s *MemoryStore) GetAction(ctx context.Context, name string) (*interfaces.ActionParameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[name]
	if !ok {
		return nil, nil
	}
	cp := *a
	cp.Parameters = slices.Clone(a.Parameters)
	return &cp, nil
}

func (s *MemoryStore) PutAction(ctx context.Context, action *interfaces.ActionParameter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *action
	cp.Parameters = slices.Clone(action.Parameters)
	s.actions[action.Name] = &cp
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
