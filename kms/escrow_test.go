package kms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAndCombinePassphrase(t *testing.T) {
	passphrase := []byte("relay-sealing-passphrase")

	shares, err := SplitPassphrase(passphrase, 5, 3)
	require.NoError(t, err)
	assert.Len(t, shares, 5)

	recovered, err := CombineShares([]string{shares[4], shares[0], shares[2]})
	require.NoError(t, err)
	assert.Equal(t, passphrase, recovered)

	partial, err := CombineShares(shares[:2])
	require.NoError(t, err)
	assert.NotEqual(t, passphrase, partial)

	_, err = CombineShares([]string{"zz", shares[0]})
	assert.Error(t, err)
}

func TestSplitPassphrase_InvalidParameters(t *testing.T) {
	_, err := SplitPassphrase([]byte("secret"), 5, 1)
	assert.Error(t, err, "Should fail when threshold < 2")

	_, err = SplitPassphrase([]byte("secret"), 2, 3)
	assert.Error(t, err, "Should fail when threshold > total shares")

	_, err = SplitPassphrase(nil, 5, 3)
	assert.Error(t, err, "Should fail with empty passphrase")
}

func TestShareCollector(t *testing.T) {
	passphrase := []byte("relay-sealing-passphrase")
	shares, err := SplitPassphrase(passphrase, 4, 3)
	require.NoError(t, err)

	collector := NewShareCollector(3)
	assert.Nil(t, collector.Passphrase())

	unlocked, err := collector.Submit(shares[1])
	require.NoError(t, err)
	assert.False(t, unlocked)

	// Resubmitting the same share does not count twice.
	unlocked, err = collector.Submit(shares[1])
	require.NoError(t, err)
	assert.False(t, unlocked)

	_, err = collector.Submit("not-hex")
	assert.Error(t, err)

	unlocked, err = collector.Submit(shares[2])
	require.NoError(t, err)
	assert.False(t, unlocked)

	unlocked, err = collector.Submit(shares[3])
	require.NoError(t, err)
	assert.True(t, unlocked)
	assert.Equal(t, passphrase, collector.Passphrase())

	unlocked, err = collector.Submit(shares[0])
	require.NoError(t, err)
	assert.True(t, unlocked)
}

func TestShareCollector_Reset(t *testing.T) {
	shares, err := SplitPassphrase([]byte("another passphrase"), 3, 2)
	require.NoError(t, err)

	collector := NewShareCollector(2)
	_, err = collector.Submit(shares[0])
	require.NoError(t, err)
	assert.Equal(t, 1, collector.Received())

	collector.Reset()
	assert.Zero(t, collector.Received())

	_, err = collector.Submit(shares[1])
	require.NoError(t, err)
	unlocked, err := collector.Submit(shares[2])
	require.NoError(t, err)
	require.True(t, unlocked)

	collector.Reset()
	assert.Nil(t, collector.Passphrase())
}
