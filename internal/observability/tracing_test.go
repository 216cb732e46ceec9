package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func TestTracerWithoutProvider(t *testing.T) {
	_, span := Tracer().Start(t.Context(), "noop")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestTracerProviderExportsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	tp, err := InitTracerProvider(context.Background(), &buf, "test", zap.NewNop())
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "Sweep")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ShutdownTracerProvider(context.Background(), tp, zap.NewNop())
	assert.Contains(t, buf.String(), `"Name":"Sweep"`)
	assert.Contains(t, buf.String(), "attachvault")
}
