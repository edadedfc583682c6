package telemetry

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer_ExportsSpansOnShutdown(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	shutdown, err := InitTracer("intake-live-test", &buf, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("InitTracer: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "bootstrap")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"Name": "bootstrap"`) {
		t.Fatalf("span not exported: %s", out)
	}
	if !strings.Contains(out, "intake-live-test") {
		t.Fatalf("service name missing: %s", out)
	}
}
