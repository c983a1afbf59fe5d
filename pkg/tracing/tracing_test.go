package tracing

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"
)

func TestW3CTraceparentNoSpan(t *testing.T) {
	assert.Empty(t, W3CTraceparent(context.Background()))
}

func TestW3CTraceparentRoundTrip(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	header := W3CTraceparent(ctx)
	require.NotEmpty(t, header)

	traceID, spanID, flags, valid := ParseTraceparent(header)
	require.True(t, valid)
	sc := span.SpanContext()
	assert.Equal(t, sc.TraceID().String(), traceID)
	assert.Equal(t, sc.SpanID().String(), spanID)
	assert.Equal(t, byte(sc.TraceFlags()), flags)
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	ids := strings.Repeat("0", 32) + "-" + strings.Repeat("0", 16)
	for _, header := range []string{
		"",
		"00-" + ids,
		"01-" + ids + "-01",
		"00-" + ids + "-zz",
		"00-" + ids + "-01-extra",
	} {
		_, _, _, valid := ParseTraceparent(header)
		assert.False(t, valid, "header %q", header)
	}
}

func TestInjectTraceparent(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	req, err := http.NewRequest(http.MethodPost, "http://localhost/embeddings/", nil)
	require.NoError(t, err)
	InjectTraceparent(ctx, req)
	assert.Equal(t, W3CTraceparent(ctx), req.Header.Get("traceparent"))

	bare, err := http.NewRequest(http.MethodGet, "http://localhost/health", nil)
	require.NoError(t, err)
	InjectTraceparent(context.Background(), bare)
	assert.Empty(t, bare.Header.Get("traceparent"))
}

func TestInitializeDisabled(t *testing.T) {
	require.NoError(t, Initialize(Config{Enabled: false}, zaptest.NewLogger(t)))

	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.Empty(t, W3CTraceparent(ctx))

	assert.NoError(t, Shutdown(context.Background()))
}

// Runs last: Initialize with Enabled true installs the global provider.
func TestInitializeEnabled(t *testing.T) {
	cfg := Config{
		Enabled:      true,
		ServiceName:  "openviking-test",
		OTLPEndpoint: "localhost:14317",
		SampleRatio:  0.5,
	}
	require.NoError(t, Initialize(cfg, zaptest.NewLogger(t)))

	_, span := StartSpan(context.Background(), "probe")
	assert.True(t, span.SpanContext().IsValid())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Shutdown(ctx))
	span.End()
	assert.NoError(t, Shutdown(ctx))
}
