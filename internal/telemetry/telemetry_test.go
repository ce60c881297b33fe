package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nhb-labs/loanbridge/internal/telemetry"
)

func TestInitRequiresServiceName(t *testing.T) {
	_, err := telemetry.Init(context.Background(), telemetry.Config{})
	require.Error(t, err)
}

func TestInitWithoutEndpointIsANoop(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{ServiceName: "loanbridge"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitWithEndpointConstructsProviderWithoutDialing(t *testing.T) {
	shutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "loanbridge",
		Environment: "test",
		Endpoint:    "127.0.0.1:4318",
		Insecure:    true,
	})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}
