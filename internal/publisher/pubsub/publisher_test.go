package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
)

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}

func TestAttributeCarrierRoundTrip(t *testing.T) {
	t.Parallel()

	carrier := attributeCarrier{}
	var _ propagation.TextMapCarrier = carrier

	carrier.Set("traceparent", "00-abc-def-01")
	require.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	require.ElementsMatch(t, []string{"traceparent"}, carrier.Keys())

	propagation.TraceContext{}.Inject(context.Background(), carrier)
	require.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
}
