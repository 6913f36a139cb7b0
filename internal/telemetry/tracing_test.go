package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TraceConfig{ServiceName: "test"}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingRejectsUnknownExporter(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "jaeger"}, nil)
	assert.Error(t, err)
}

func TestSetupTracingOTLPRequiresEndpoint(t *testing.T) {
	_, err := SetupTracing(context.Background(), TraceConfig{Exporter: "otlp"}, nil)
	assert.Error(t, err)
}
