package dedup

import (
	"context"
	"time"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
	"github.com/jordigilh/opskernel/pkg/module"
	"github.com/jordigilh/opskernel/pkg/shared/jsonvalue"
)

// Module adapts an Engine to the pkg/module.Module lifecycle contract,
// subscribing to incident.created and running the periodic expiry sweep
// (spec §9 "Timer pattern": created in start(), cancelled in stop()).
type Module struct {
	id     string
	engine *Engine
	handle eventbus.Handle
	stopCh chan struct{}
	health module.Health
}

// NewModule creates an unconfigured dedup Module; Initialize wires it to
// the shared bus via the module Context.
func NewModule(id string) *Module {
	return &Module{id: id}
}

func (m *Module) Manifest() module.Manifest {
	return module.Manifest{ID: m.id, Name: "Deduplication Engine", Version: "1.0.0", Type: module.TypeEnricher}
}

func (m *Module) Initialize(_ context.Context, mctx *module.Context) error {
	cfg := DefaultConfig()
	if fields, ok := mctx.Config["fields"].([]string); ok {
		cfg.Fields = fields
	}
	if windowMs, ok := mctx.Config["windowMs"].(int); ok {
		cfg.Window = time.Duration(windowMs) * time.Millisecond
	}
	if maxFP, ok := mctx.Config["maxFingerprints"].(int); ok {
		cfg.MaxFingerprints = maxFP
	}
	if emitSuppressed, ok := mctx.Config["emitSuppressed"].(bool); ok {
		cfg.EmitSuppressed = emitSuppressed
	}

	m.engine = NewEngine(mctx.Bus, cfg)
	m.handle = mctx.Bus.Subscribe(events.TypeIncidentCreated, func(ctx context.Context, e eventbus.Event) error {
		payload, ok := e.Payload.(events.IncidentCreated)
		if !ok {
			return nil
		}
		lookup := jsonvalue.Map{
			"title":      payload.Title,
			"severity":   payload.Severity,
			"detectedBy": payload.DetectedBy,
			"context":    payload.Context,
		}
		m.engine.OnIncidentCreated(ctx, payload.IncidentID, lookup)
		return nil
	})
	m.health = module.Health{Status: module.HealthHealthy, LastCheck: time.Now()}
	return nil
}

func (m *Module) Start(_ context.Context) error {
	m.stopCh = make(chan struct{})
	interval := m.engine.SweepInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.engine.Sweep()
			case <-m.stopCh:
				return
			}
		}
	}()
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	if m.handle != nil {
		m.handle.Unsubscribe()
	}
	return nil
}

func (m *Module) Destroy(_ context.Context) error { return nil }

func (m *Module) Health() module.Health {
	m.health.LastCheck = time.Now()
	return m.health
}

// Engine exposes the underlying engine for direct test access and
// operational introspection (stats, size).
func (m *Module) Engine() *Engine { return m.engine }
