package tribunal

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestTick_CreatesSpans(t *testing.T) {
	// Not parallel: swaps the global OTel tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	rnd := &fixedRand{f: 0.5}
	g, m := newTestGenerator(t, rnd)
	startGenerator(t, g)
	m.Advance(2 * DefaultInterval)

	rnd.panic = true
	m.Advance(DefaultInterval)

	var ticks []tracetest.SpanStub
	for _, s := range exporter.GetSpans() {
		if s.Name == "tribunal.tick" {
			ticks = append(ticks, s)
		}
	}
	if len(ticks) != 3 {
		t.Fatalf("tribunal.tick spans = %d, want 3", len(ticks))
	}

	for i, s := range ticks[:2] {
		attrs := make(map[string]any)
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if v := attrs["overwatch.tribunal.agent"]; v != string(Script[i].Agent) {
			t.Errorf("span %d agent = %v, want %s", i, v, Script[i].Agent)
		}
		if v := attrs["overwatch.tribunal.script_index"]; v != int64(i) {
			t.Errorf("span %d script_index = %v, want %d", i, v, i)
		}
		if v := attrs["overwatch.tribunal.consensus"]; v != InitialConsensus {
			t.Errorf("span %d consensus = %v, want %v", i, v, InitialConsensus)
		}
	}

	if ticks[2].Status.Code != codes.Error {
		t.Errorf("faulted tick span status = %v, want Error", ticks[2].Status.Code)
	}
}
