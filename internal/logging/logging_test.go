package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pms-org/pms-trade-capture/internal/config"
	"github.com/pms-org/pms-trade-capture/internal/logging"
)

func TestNewBuildsProductionJSONLoggerByDefault(t *testing.T) {
	log, err := logging.New(config.LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, log)
	defer log.Sync()
}

func TestNewBuildsConsoleLogger(t *testing.T) {
	log, err := logging.New(config.LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, log)
	defer log.Sync()
}

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := logging.New(config.LogConfig{Level: "not-a-level", Format: "json"})
	assert.Error(t, err)
}
