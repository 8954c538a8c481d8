package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mnemo-ai/mnemo/config"
)

func TestInit_Disabled(t *testing.T) {
	logger := zaptest.NewLogger(t)

	providers, err := Init(config.TelemetryConfig{Enabled: false}, logger)
	require.NoError(t, err)
	require.NotNil(t, providers)
	assert.Nil(t, providers.tp)
	assert.Nil(t, providers.mp)
}

func TestShutdown_NoopProviders(t *testing.T) {
	logger := zaptest.NewLogger(t)

	providers, err := Init(config.TelemetryConfig{Enabled: false}, logger)
	require.NoError(t, err)
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestShutdown_NilReceiver(t *testing.T) {
	var providers *Providers
	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestBuildVersion(t *testing.T) {
	assert.NotEmpty(t, buildVersion())
}
