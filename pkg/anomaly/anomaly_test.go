package anomaly

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
)

func newTestEngine(t *testing.T, mc MetricConfig) (*Engine, *[]events.IncidentCreated) {
	t.Helper()
	bus := eventbus.New(logr.Discard(), eventbus.NewNopMetrics())
	engine, err := NewEngine(bus, Config{Metrics: []MetricConfig{mc}, MaxIncidentsPerMinute: 100})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	var fired []events.IncidentCreated
	bus.Subscribe(events.TypeIncidentCreated, func(_ context.Context, e eventbus.Event) error {
		fired = append(fired, e.Payload.(events.IncidentCreated))
		return nil
	})
	return engine, &fired
}

func TestEngine_ScenarioFour_ZScoreAnomaly(t *testing.T) {
	engine, fired := newTestEngine(t, MetricConfig{
		ID: "latency", MetricRegex: ".", ValueRegex: ".",
		Method: MethodZScore, Direction: DirectionBoth,
		Sensitivity: 2.0, MinTrainingSamples: 5, TrainingWindowSize: 50, Severity: "warning",
	})

	for i := 0; i < 10; i++ {
		engine.IngestValue(context.Background(), "latency", 50)
	}
	engine.IngestValue(context.Background(), "latency", 100)

	if len(*fired) != 1 {
		t.Fatalf("got %d incidents, want 1", len(*fired))
	}
	inc := (*fired)[0]
	if inc.Severity != "warning" {
		t.Fatalf("got severity %q, want warning", inc.Severity)
	}
	if inc.Context["method"] != "zscore" {
		t.Fatalf("got method %v, want zscore", inc.Context["method"])
	}
	score := inc.Context["deviationScore"].(float64)
	if math.Abs(score-50) > 0.01 {
		t.Fatalf("got deviationScore %v, want ~50", score)
	}
}

func TestEngine_NoFireBeforeMinTrainingSamples(t *testing.T) {
	engine, fired := newTestEngine(t, MetricConfig{
		ID: "m", MetricRegex: ".", ValueRegex: ".",
		Method: MethodZScore, MinTrainingSamples: 5, TrainingWindowSize: 50,
	})

	for i := 0; i < 4; i++ {
		engine.IngestValue(context.Background(), "m", 1000)
	}
	if len(*fired) != 0 {
		t.Fatalf("got %d incidents before warm-up complete, want 0", len(*fired))
	}
}

func TestEngine_ConstantWindowValueEqualToMeanIsNotAnomaly(t *testing.T) {
	engine, fired := newTestEngine(t, MetricConfig{
		ID: "m", MetricRegex: ".", ValueRegex: ".",
		Method: MethodZScore, MinTrainingSamples: 5, TrainingWindowSize: 50, Sensitivity: 2,
	})
	for i := 0; i < 6; i++ {
		engine.IngestValue(context.Background(), "m", 42)
	}
	if len(*fired) != 0 {
		t.Fatalf("got %d incidents, want 0 for a value equal to the training mean", len(*fired))
	}
}

func TestEngine_DirectionHighNeverFiresBelowLowerBound(t *testing.T) {
	engine, fired := newTestEngine(t, MetricConfig{
		ID: "m", MetricRegex: ".", ValueRegex: ".",
		Method: MethodZScore, Direction: DirectionHigh, MinTrainingSamples: 5, TrainingWindowSize: 50, Sensitivity: 1,
	})
	for i := 0; i < 10; i++ {
		engine.IngestValue(context.Background(), "m", 50)
	}
	engine.IngestValue(context.Background(), "m", 0) // far below
	if len(*fired) != 0 {
		t.Fatalf("direction=high fired on a low value: %d incidents", len(*fired))
	}
}

func TestEngine_DirectionLowNeverFiresAboveUpperBound(t *testing.T) {
	engine, fired := newTestEngine(t, MetricConfig{
		ID: "m", MetricRegex: ".", ValueRegex: ".",
		Method: MethodZScore, Direction: DirectionLow, MinTrainingSamples: 5, TrainingWindowSize: 50, Sensitivity: 1,
	})
	for i := 0; i < 10; i++ {
		engine.IngestValue(context.Background(), "m", 50)
	}
	engine.IngestValue(context.Background(), "m", 1000) // far above
	if len(*fired) != 0 {
		t.Fatalf("direction=low fired on a high value: %d incidents", len(*fired))
	}
}

func TestEngine_WindowTrimsToTrainingWindowSize(t *testing.T) {
	engine, _ := newTestEngine(t, MetricConfig{
		ID: "m", MetricRegex: ".", ValueRegex: ".",
		Method: MethodZScore, MinTrainingSamples: 2, TrainingWindowSize: 5,
	})
	for i := 0; i < 20; i++ {
		engine.IngestValue(context.Background(), "m", float64(i))
	}
	if engine.WindowSize("m") != 5 {
		t.Fatalf("got window size %d, want 5", engine.WindowSize("m"))
	}
}

func TestEngine_CooldownSuppressesRepeatFires(t *testing.T) {
	engine, fired := newTestEngine(t, MetricConfig{
		ID: "m", MetricRegex: ".", ValueRegex: ".",
		Method: MethodZScore, MinTrainingSamples: 5, TrainingWindowSize: 50, Sensitivity: 1, CooldownMs: 10000,
	})
	for i := 0; i < 10; i++ {
		engine.IngestValue(context.Background(), "m", 50)
	}
	engine.IngestValue(context.Background(), "m", 500)
	engine.IngestValue(context.Background(), "m", 500)

	if len(*fired) != 1 {
		t.Fatalf("got %d incidents, want 1 (second suppressed by cooldown)", len(*fired))
	}
}

func TestEngine_GlobalRateLimitCaps(t *testing.T) {
	bus := eventbus.New(logr.Discard(), eventbus.NewNopMetrics())
	engine, err := NewEngine(bus, Config{
		Metrics: []MetricConfig{{
			ID: "a", MetricRegex: ".", ValueRegex: ".", Method: MethodZScore,
			MinTrainingSamples: 5, TrainingWindowSize: 50, Sensitivity: 1,
		}, {
			ID: "b", MetricRegex: ".", ValueRegex: ".", Method: MethodZScore,
			MinTrainingSamples: 5, TrainingWindowSize: 50, Sensitivity: 1,
		}},
		MaxIncidentsPerMinute: 1,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	var fired int
	bus.Subscribe(events.TypeIncidentCreated, func(_ context.Context, e eventbus.Event) error {
		fired++
		return nil
	})

	for i := 0; i < 10; i++ {
		engine.IngestValue(context.Background(), "a", 50)
		engine.IngestValue(context.Background(), "b", 50)
	}
	engine.IngestValue(context.Background(), "a", 500)
	engine.IngestValue(context.Background(), "b", 500)

	if fired > 1 {
		t.Fatalf("got %d incidents, want at most 1 under global rate limit", fired)
	}
}

func TestEngine_InvalidPatternFailsAtConstruction(t *testing.T) {
	bus := eventbus.New(logr.Discard(), eventbus.NewNopMetrics())
	_, err := NewEngine(bus, Config{Metrics: []MetricConfig{{ID: "m", MetricRegex: "(", ValueRegex: "."}}})
	if err == nil {
		t.Fatal("expected unparsable metric regex to fail at construction")
	}
}

func TestDetectMAD_MedianBasedDeviation(t *testing.T) {
	window := []float64{1, 2, 3, 4, 5, 100}
	res := detectMAD(window, 4, 2.0)
	if res.Expected != 3.5 {
		t.Fatalf("got median %v, want 3.5", res.Expected)
	}
}

func TestDetectIQR_ClampsNegativeDeviationToZero(t *testing.T) {
	window := []float64{10, 20, 30, 40, 50}
	res := detectIQR(window, 30, 1.5)
	if res.DeviationScore < 0 {
		t.Fatalf("got negative deviation score %v, want >= 0", res.DeviationScore)
	}
}

func TestIngest_ExtractsValueViaRegexAndDropsUnparsable(t *testing.T) {
	engine, fired := newTestEngine(t, MetricConfig{
		ID: "latency", MetricRegex: `latency=`, ValueRegex: `latency=(\S+)`,
		Method: MethodZScore, MinTrainingSamples: 3, TrainingWindowSize: 20, Sensitivity: 1,
	})
	ctx := context.Background()
	engine.Ingest(ctx, "request ok latency=10")
	engine.Ingest(ctx, "request ok latency=10")
	engine.Ingest(ctx, "request ok latency=10")
	engine.Ingest(ctx, "request ok latency=notanumber") // dropped
	engine.Ingest(ctx, "request ok latency=500")

	if engine.WindowSize("latency") != 4 {
		t.Fatalf("got window size %d, want 4 (unparsable sample dropped)", engine.WindowSize("latency"))
	}
	if len(*fired) != 1 {
		t.Fatalf("got %d incidents, want 1", len(*fired))
	}
}

func TestEWMA_InitializesOnFirstSample(t *testing.T) {
	state := &metricState{}
	m := &MetricConfig{EWMAAlpha: 0.3, TrainingWindowSize: 10}
	engine := &Engine{}
	engine.appendSample(state, m, 42)

	if state.ewmaValue != 42 || state.ewmaVariance != 0 {
		t.Fatalf("got ewma=%v variance=%v, want 42, 0 on first sample", state.ewmaValue, state.ewmaVariance)
	}
}

func TestEngine_CooldownExpiresAfterConfiguredDuration(t *testing.T) {
	engine, fired := newTestEngine(t, MetricConfig{
		ID: "m", MetricRegex: ".", ValueRegex: ".",
		Method: MethodZScore, MinTrainingSamples: 5, TrainingWindowSize: 50, Sensitivity: 1, CooldownMs: 20,
	})
	for i := 0; i < 10; i++ {
		engine.IngestValue(context.Background(), "m", 50)
	}
	engine.IngestValue(context.Background(), "m", 500)
	time.Sleep(30 * time.Millisecond)
	engine.IngestValue(context.Background(), "m", 500)

	if len(*fired) != 2 {
		t.Fatalf("got %d incidents, want 2 (cooldown elapsed before second)", len(*fired))
	}
}
