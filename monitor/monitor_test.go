package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/device-relay-backend/datastore"
	"github.com/ruteri/device-relay-backend/interfaces"
	"github.com/ruteri/device-relay-backend/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event interfaces.Event) error {
	return m.Called(ctx, event).Error(0)
}

type countingRecorder struct {
	deactivated int
}

func (r *countingRecorder) Registration(string)    {}
func (r *countingRecorder) CommandEnqueued(string) {}
func (r *countingRecorder) CommandReported(string) {}
func (r *countingRecorder) DevicesDeactivated(n int) {
	r.deactivated += n
}

func addDevice(t *testing.T, store *datastore.MemoryStore, id string, active bool, lastSeen time.Time) {
	t.Helper()
	_, err := store.UpsertDevice(context.Background(), &interfaces.Device{
		ID:           id,
		DeviceID:     id,
		IsActive:     active,
		Capabilities: []string{},
		RegisteredAt: lastSeen,
		LastSeen:     lastSeen,
	})
	require.NoError(t, err)
}

func TestSweep(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := datastore.NewMemoryStore()
	publisher := &MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e interfaces.Event) bool {
		return e.Type == interfaces.EventDeviceTimedOut && e.DeviceID == "stale"
	})).Return(errors.New("broker down")).Once()
	recorder := &countingRecorder{}

	m := New(Config{
		Store:   store,
		Events:  publisher,
		Metrics: recorder,
		Now:     func() time.Time { return now },
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	addDevice(t, store, "fresh", true, now.Add(-30*time.Second))
	addDevice(t, store, "stale", true, now.Add(-90*time.Second))
	addDevice(t, store, "gone", false, now.Add(-time.Hour))

	n, err := m.Sweep(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, recorder.deactivated)
	publisher.AssertExpectations(t)

	stale, err := store.GetDevice(context.Background(), "stale")
	require.NoError(t, err)
	assert.False(t, stale.IsActive)

	fresh, err := store.GetDevice(context.Background(), "fresh")
	require.NoError(t, err)
	assert.True(t, fresh.IsActive)

	gone, err := store.GetDevice(context.Background(), "gone")
	require.NoError(t, err)
	assert.False(t, gone.IsActive, "sweep never reactivates")

	n, err = m.Sweep(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = m.Sweep(context.Background(), 0)
	assert.Error(t, err)
}

// racingStore refreshes one device right before the stale update runs, the
// way a heartbeat landing mid-sweep would.
type racingStore struct {
	*datastore.MemoryStore
	refresh string
	at      time.Time
}

func (s *racingStore) DeactivateStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	_, err := s.UpdateDevice(ctx, s.refresh, func(d *interfaces.Device) error {
		d.LastSeen = s.at
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.MemoryStore.DeactivateStale(ctx, cutoff)
}

func TestSweep_HeartbeatDuringSweep(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	inner := datastore.NewMemoryStore()
	addDevice(t, inner, "a", true, now.Add(-2*time.Minute))
	addDevice(t, inner, "b", true, now.Add(-2*time.Minute))

	publisher := &MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e interfaces.Event) bool {
		return e.Type == interfaces.EventDeviceTimedOut && e.DeviceID == "b"
	})).Return(nil).Once()
	recorder := &countingRecorder{}

	m := New(Config{
		Store:   &racingStore{MemoryStore: inner, refresh: "a", at: now},
		Events:  publisher,
		Metrics: recorder,
		Now:     func() time.Time { return now },
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	n, err := m.Sweep(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, recorder.deactivated)
	publisher.AssertExpectations(t)
	publisher.AssertNumberOfCalls(t, "Publish", 1)

	a, err := inner.GetDevice(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, a.IsActive)
	b, err := inner.GetDevice(context.Background(), "b")
	require.NoError(t, err)
	assert.False(t, b.IsActive)
}

func TestHeartbeatSweepHeartbeat(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := datastore.NewMemoryStore()
	addDevice(t, store, "calc-1", true, now)

	publisher := &MockPublisher{}
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	reg := registry.NewRegistry(registry.Config{Store: store, Events: publisher, Now: clock, Log: logger})
	m := New(Config{Store: store, Events: publisher, Now: clock, Log: logger})

	now = now.Add(30 * time.Second)
	_, err := reg.Heartbeat(ctx, "calc-1", nil)
	require.NoError(t, err)

	n, err := m.Sweep(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "a fresh heartbeat keeps the device active")

	now = now.Add(2 * time.Minute)
	n, err = m.Sweep(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	device, err := reg.Heartbeat(ctx, "calc-1", nil)
	require.NoError(t, err)
	assert.True(t, device.IsActive)
	assert.Equal(t, now, device.LastSeen)

	var types []string
	for _, call := range publisher.Calls {
		types = append(types, call.Arguments.Get(1).(interfaces.Event).Type)
	}
	assert.Equal(t, []string{interfaces.EventDeviceTimedOut, interfaces.EventDeviceReactivated}, types)
}

func TestRun(t *testing.T) {
	store := datastore.NewMemoryStore()
	addDevice(t, store, "stale", true, time.Now().Add(-time.Hour))

	m := New(Config{Store: store, Log: slog.New(slog.NewTextHandler(io.Discard, nil))})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		d, err := store.GetDevice(context.Background(), "stale")
		return err == nil && !d.IsActive
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
