package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization = Bearer x ,broken,=empty, tenant=ops")
	require.Equal(t, map[string]string{"authorization": "Bearer x", "tenant": "ops"}, got)
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "operatord"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestSamplerRatio(t *testing.T) {
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
	require.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	require.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
}
