package detector

import (
	"context"
	"testing"

	"github.com/go-logr/logr"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
)

// TestEngine_ScenarioOne_RegexDetectionAndStorage grounds spec scenario 1.
func TestEngine_ScenarioOne_RegexDetectionAndStorage(t *testing.T) {
	bus := eventbus.New(logr.Discard(), eventbus.NewNopMetrics())
	engine, err := NewEngine(bus, []Rule{{Pattern: "ERROR", Severity: "critical", Title: "Error Detected"}})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	var created []events.IncidentCreated
	bus.Subscribe(events.TypeIncidentCreated, func(_ context.Context, e eventbus.Event) error {
		created = append(created, e.Payload.(events.IncidentCreated))
		return nil
	})

	engine.Ingest(context.Background(), "app", "2024-01-01 12:00:00 ERROR: Connection refused to database")

	if len(created) != 1 {
		t.Fatalf("got %d incident.created events, want exactly 1", len(created))
	}
	if created[0].Severity != "critical" || created[0].Title != "Error Detected" {
		t.Fatalf("got %+v, want severity=critical title='Error Detected'", created[0])
	}
}

func TestEngine_NoMatchEmitsNothing(t *testing.T) {
	bus := eventbus.New(logr.Discard(), eventbus.NewNopMetrics())
	engine, _ := NewEngine(bus, []Rule{{Pattern: "ERROR", Severity: "critical", Title: "x"}})

	var count int
	bus.Subscribe(events.TypeIncidentCreated, func(_ context.Context, e eventbus.Event) error {
		count++
		return nil
	})

	engine.Ingest(context.Background(), "app", "2024-01-01 12:00:00 INFO: all good")
	if count != 0 {
		t.Fatalf("got %d incidents for a non-matching line, want 0", count)
	}
}

func TestEngine_FirstMatchingRuleWins(t *testing.T) {
	bus := eventbus.New(logr.Discard(), eventbus.NewNopMetrics())
	engine, _ := NewEngine(bus, []Rule{
		{Pattern: "ERROR", Severity: "critical", Title: "first"},
		{Pattern: "Connection", Severity: "warning", Title: "second"},
	})

	var created events.IncidentCreated
	bus.Subscribe(events.TypeIncidentCreated, func(_ context.Context, e eventbus.Event) error {
		created = e.Payload.(events.IncidentCreated)
		return nil
	})

	engine.Ingest(context.Background(), "app", "ERROR: Connection refused")
	if created.Title != "first" {
		t.Fatalf("got title %q, want 'first' (first matching rule wins)", created.Title)
	}
}

func TestNewEngine_InvalidPatternFailsAtConstruction(t *testing.T) {
	bus := eventbus.New(logr.Discard(), eventbus.NewNopMetrics())
	_, err := NewEngine(bus, []Rule{{Pattern: "("}})
	if err == nil {
		t.Fatal("expected an unparsable pattern to fail at construction")
	}
}
