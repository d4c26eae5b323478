package devicesim

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/ruteri/device-relay-backend/cryptoutils"
)

// Identity is what a simulated device keeps across restarts.
type Identity struct {
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	PrivateKey string `json:"privateKey"`
	// Registered is set once the relay accepted the device, after which it
	// reconnects instead of spending a registration token.
	Registered bool `json:"registered"`
}

// NewIdentity creates a fresh device id and RSA-2048 key.
func NewIdentity(deviceType string) (*Identity, error) {
	privPEM, _, err := cryptoutils.GenerateRSAKeyPair()
	if err != nil {
		return nil, err
	}
	return &Identity{
		DeviceID:   uuid.NewString(),
		DeviceType: deviceType,
		PrivateKey: string(privPEM),
	}, nil
}

// IdentityStore persists identities as JSON files in a directory. A nil or
// zero-value store keeps nothing.
type IdentityStore struct {
	Dir string
}

func (s *IdentityStore) path(slot string) string {
	return filepath.Join(s.Dir, slot+".json")
}

// Load returns the identity saved under slot, or (nil, nil) when there is none.
func (s *IdentityStore) Load(slot string) (*Identity, error) {
	if s == nil || s.Dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(s.path(slot))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("corrupt identity %s: %w", s.path(slot), err)
	}
	return &id, nil
}

func (s *IdentityStore) Save(slot string, id *Identity) error {
	if s == nil || s.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(slot) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(slot))
}
