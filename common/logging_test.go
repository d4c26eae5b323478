package common

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetupLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	log := SetupLogger(&LoggingOpts{Debug: true, JSON: true, Service: "relay", Version: "test"})
	assert.True(t, log.Enabled(context.Background(), slog.LevelDebug))
	assert.Same(t, log, slog.Default())

	log = SetupLogger(&LoggingOpts{})
	assert.False(t, log.Enabled(context.Background(), slog.LevelDebug))
}
