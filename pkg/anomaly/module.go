package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
	"github.com/jordigilh/opskernel/pkg/module"
)

// Module adapts an Engine to the pkg/module.Module lifecycle contract,
// consuming log.ingested.
type Module struct {
	id     string
	engine *Engine
	handle eventbus.Handle
	health module.Health
}

func NewModule(id string) *Module {
	return &Module{id: id}
}

// configSchema is validated (validator/v10) before Initialize runs.
type configSchema struct {
	MaxIncidentsPerMinute int `json:"maxIncidentsPerMinute" validate:"omitempty,gt=0"`
}

func (m *Module) Manifest() module.Manifest {
	return module.Manifest{
		ID: m.id, Name: "Anomaly Detection Engine", Version: "1.0.0", Type: module.TypeDetector,
		ConfigSchema: &configSchema{},
	}
}

func (m *Module) Initialize(_ context.Context, mctx *module.Context) error {
	metricsRaw, _ := mctx.Config["metrics"].([]MetricConfig)
	cfg := Config{Metrics: metricsRaw}
	if rate, ok := mctx.Config["maxIncidentsPerMinute"].(int); ok {
		cfg.MaxIncidentsPerMinute = rate
	}

	engine, err := NewEngine(mctx.Bus, cfg)
	if err != nil {
		return fmt.Errorf("compile anomaly metric patterns: %w", err)
	}
	m.engine = engine

	m.handle = mctx.Bus.Subscribe(events.TypeLogIngested, func(ctx context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.LogIngested)
		if !ok {
			return nil
		}
		m.engine.Ingest(ctx, p.Line)
		return nil
	})
	m.health = module.Health{Status: module.HealthHealthy, LastCheck: time.Now()}
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }

func (m *Module) Stop(_ context.Context) error {
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

func (m *Module) Engine() *Engine { return m.engine }
