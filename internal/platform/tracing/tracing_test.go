package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/phrazzld/data-retrieval/internal/config"
	"github.com/phrazzld/data-retrieval/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetupDisabled(t *testing.T) {
	log, _ := logger.GetTestLogger(t)
	var buf bytes.Buffer

	shutdown, err := setup(config.TracingConfig{}, &buf, log)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	assert.Empty(t, buf.String())
}

func TestSetupExportsSpans(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	log, _ := logger.GetTestLogger(t)
	var buf bytes.Buffer

	shutdown, err := setup(config.TracingConfig{Enabled: true, ServiceName: "retrieval-test"}, &buf, log)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "command.process")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "command.process")
	assert.Contains(t, buf.String(), "retrieval-test")
}
