package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	ctx := context.Background()
	shutdown, err := Init(ctx, Config{
		Exporter:    ExporterStdout,
		ServiceName: "mapcollector-test",
		Writer:      &buf,
	})
	require.NoError(t, err)

	_, span := Tracer().Start(ctx, "ingest.sourcemap")
	RecordError(span, errors.New("boom"))
	span.End()

	require.NoError(t, shutdown(ctx))
	require.Contains(t, buf.String(), "ingest.sourcemap")
	require.Contains(t, buf.String(), "boom")
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	t.Parallel()

	_, err := Init(context.Background(), Config{Exporter: "zipkin", ServiceName: "x"})
	require.ErrorContains(t, err, "unknown trace exporter")
}

func TestRecordErrorIgnoresNil(t *testing.T) {
	t.Parallel()

	_, span := Tracer().Start(context.Background(), "noop")
	RecordError(span, nil)
	span.End()
}
