// Package detector implements RegexDetector (SPEC_FULL.md's minimal
// reference Detector module, grounded on end-to-end scenario 1): a
// Detector that matches log.ingested lines against configured patterns
// and emits incident.created.
package detector

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
	"github.com/jordigilh/opskernel/pkg/module"
)

// Rule is one pattern → incident template (spec scenario 1: "{pattern,
// severity, title}").
type Rule struct {
	Pattern  string
	Severity string
	Title    string

	compiled *regexp.Regexp
}

func (r *Rule) compile() error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("invalid detector pattern %q: %w", r.Pattern, err)
	}
	r.compiled = re
	return nil
}

// Engine matches ingested log lines against its configured Rules,
// first-match-wins, and emits incident.created for each match.
type Engine struct {
	mu    sync.Mutex
	rules []Rule
	bus   *eventbus.Bus
	idN   uint64
}

// NewEngine compiles every rule's pattern up front — an unparsable
// pattern fails construction, never a later log line (mirrors the
// anomaly/escalation "fail at init, not at runtime" convention).
func NewEngine(bus *eventbus.Bus, rules []Rule) (*Engine, error) {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		r := r
		if err := r.compile(); err != nil {
			return nil, err
		}
		compiled[i] = r
	}
	return &Engine{bus: bus, rules: compiled}, nil
}

// Ingest tests line against every rule in order and emits incident.created
// for the first match (spec scenario 1).
func (e *Engine) Ingest(ctx context.Context, source, line string) {
	e.mu.Lock()
	var matched *Rule
	for i := range e.rules {
		if e.rules[i].compiled.MatchString(line) {
			matched = &e.rules[i]
			break
		}
	}
	if matched == nil {
		e.mu.Unlock()
		return
	}
	e.idN++
	id := e.idN
	e.mu.Unlock()

	now := time.Now()
	e.bus.Publish(ctx, eventbus.Event{
		Type: events.TypeIncidentCreated, Source: "regex-detector", Timestamp: now,
		Payload: events.IncidentCreated{
			IncidentID:  fmt.Sprintf("INC-RX-%d", id),
			Title:       matched.Title,
			Description: line,
			Severity:    matched.Severity,
			DetectedBy:  "regex-detector",
			DetectedAt:  now,
			Context:     map[string]interface{}{"source": source, "line": line, "pattern": matched.Pattern},
		},
	})
}

// Module adapts Engine to the pkg/module.Module lifecycle contract.
type Module struct {
	id     string
	engine *Engine
	sub    eventbus.Handle
	health module.Health
}

func NewModule(id string) *Module {
	return &Module{id: id}
}

func (m *Module) Manifest() module.Manifest {
	return module.Manifest{ID: m.id, Name: "Regex Detector", Version: "1.0.0", Type: module.TypeDetector}
}

func (m *Module) Initialize(_ context.Context, mctx *module.Context) error {
	rules, _ := mctx.Config["rules"].([]Rule)
	engine, err := NewEngine(mctx.Bus, rules)
	if err != nil {
		return err
	}
	m.engine = engine

	m.sub = mctx.Bus.Subscribe(events.TypeLogIngested, func(ctx context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.LogIngested)
		if !ok {
			return nil
		}
		m.engine.Ingest(ctx, p.Source, p.Line)
		return nil
	})
	m.health = module.Health{Status: module.HealthHealthy, LastCheck: time.Now()}
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }

func (m *Module) Stop(_ context.Context) error {
	if m.sub != nil {
		m.sub.Unsubscribe()
	}
	return nil
}

func (m *Module) Destroy(_ context.Context) error { return nil }

func (m *Module) Health() module.Health {
	m.health.LastCheck = time.Now()
	return m.health
}

func (m *Module) Engine() *Engine { return m.engine }
