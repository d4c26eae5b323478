package kms

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hashicorp/vault/shamir"
)

// SplitPassphrase splits the key-sealing passphrase into hex-encoded Shamir
// shares so no single operator can unseal the server key alone.
func SplitPassphrase(passphrase []byte, shares, threshold int) ([]string, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if shares < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	parts, err := shamir.Split(passphrase, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split passphrase: %w", err)
	}

	encoded := make([]string, len(parts))
	for i, part := range parts {
		encoded[i] = hex.EncodeToString(part)
	}
	return encoded, nil
}

// CombineShares reconstructs a passphrase from hex-encoded shares.
// Fewer shares than the split threshold yield a wrong passphrase, not an error,
// which surfaces when the sealed key fails to open.
func CombineShares(shares []string) ([]byte, error) {
	parts := make([][]byte, 0, len(shares))
	for _, share := range shares {
		part, err := hex.DecodeString(strings.TrimSpace(share))
		if err != nil {
			return nil, fmt.Errorf("invalid share encoding: %w", err)
		}
		parts = append(parts, part)
	}

	secret, err := shamir.Combine(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to combine shares: %w", err)
	}
	return secret, nil
}

// ShareCollector accumulates escrow shares until the threshold is met.
type ShareCollector struct {
	mu        sync.Mutex
	threshold int
	received  map[string][]byte
	secret    []byte
}

// NewShareCollector creates a collector that unlocks after threshold distinct shares.
func NewShareCollector(threshold int) *ShareCollector {
	return &ShareCollector{
		threshold: threshold,
		received:  make(map[string][]byte),
	}
}

// Submit adds a share and reports whether the passphrase has been reconstructed.
func (c *ShareCollector) Submit(share string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.secret != nil {
		return true, nil
	}

	share = strings.TrimSpace(share)
	part, err := hex.DecodeString(share)
	if err != nil {
		return false, fmt.Errorf("invalid share encoding: %w", err)
	}
	c.received[share] = part

	if len(c.received) < c.threshold {
		return false, nil
	}

	parts := make([][]byte, 0, len(c.received))
	for _, p := range c.received {
		parts = append(parts, p)
	}
	secret, err := shamir.Combine(parts)
	if err != nil {
		delete(c.received, share)
		return false, fmt.Errorf("failed to combine shares: %w", err)
	}
	c.secret = secret

	for k := range c.received {
		wipeBytes(c.received[k])
	}
	c.received = make(map[string][]byte)
	return true, nil
}

// Passphrase returns the reconstructed passphrase, or nil while locked.
func (c *ShareCollector) Passphrase() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.secret)
}

// Received returns how many distinct shares are held while locked.
func (c *ShareCollector) Received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

// Reset discards collected shares and any reconstructed passphrase, e.g. after
// the passphrase failed to open the key it was collected for.
func (c *ShareCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.received {
		wipeBytes(c.received[k])
	}
	c.received = make(map[string][]byte)
	wipeBytes(c.secret)
	c.secret = nil
}

// Securely wipe data from memory
func wipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
