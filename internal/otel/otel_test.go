package otel

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"
)

func TestSetupOTelSDK_Disabled(t *testing.T) {
	shutdown, err := SetupOTelSDK(context.Background(), "runnerctl-test", Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewResource_MatchesSDKSchema(t *testing.T) {
	res, err := newResource("runnerctl-test")
	require.NoError(t, err)

	assert.Equal(t, resource.Default().SchemaURL(), res.SchemaURL())
	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "runnerctl-test", name.AsString())
}

func TestSetupOTelSDK_PrometheusRegistry(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	shutdown, err := SetupOTelSDK(ctx, "runnerctl-test", Config{Prometheus: reg})
	require.NoError(t, err)
	defer shutdown(ctx)

	counter, err := otel.Meter("test").Int64Counter("runnerctl.test.events")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if strings.Contains(mf.GetName(), "test_events") || strings.Contains(mf.GetName(), "test.events") {
			found = true
			require.NotEmpty(t, mf.GetMetric())
			assert.Equal(t, float64(3), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "counter not exported to the registry")
}
