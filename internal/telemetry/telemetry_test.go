package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "switchboard", "test", false)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))
}

func TestScopeAccessors(t *testing.T) {
	require.NotNil(t, Tracer(ScopeHTTP))
	require.NotNil(t, Meter(ScopeRecorder))
	require.NotEqual(t, ScopeHTTP, ScopeRecorder)
}
