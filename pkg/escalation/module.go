package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
	"github.com/jordigilh/opskernel/pkg/module"
)

// Module adapts an Engine to the pkg/module.Module lifecycle contract.
type Module struct {
	id          string
	engine      *Engine
	createdSub  eventbus.Handle
	updatedSub  eventbus.Handle
	stopCh      chan struct{}
	health      module.Health
}

func NewModule(id string) *Module {
	return &Module{id: id}
}

func (m *Module) Manifest() module.Manifest {
	return module.Manifest{ID: m.id, Name: "Escalation Engine", Version: "1.0.0", Type: module.TypeAction}
}

func (m *Module) Initialize(_ context.Context, mctx *module.Context) error {
	cfg := DefaultConfig()
	if policies, ok := mctx.Config["policies"].([]Policy); ok {
		cfg.Policies = policies
	}
	if interval, ok := mctx.Config["checkIntervalMs"].(int); ok {
		cfg.CheckInterval = time.Duration(interval) * time.Millisecond
	}

	engine, err := NewEngine(mctx.Bus, cfg)
	if err != nil {
		return fmt.Errorf("compile escalation policies: %w", err)
	}
	m.engine = engine

	m.createdSub = mctx.Bus.Subscribe(events.TypeIncidentCreated, func(_ context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.IncidentCreated)
		if !ok {
			return nil
		}
		m.engine.OnIncidentCreated(p.IncidentID, p.Severity, p.Title)
		return nil
	})
	m.updatedSub = mctx.Bus.Subscribe(events.TypeIncidentUpdated, func(_ context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.IncidentUpdated)
		if !ok {
			return nil
		}
		newValue, _ := p.NewValue.(string)
		m.engine.OnIncidentUpdated(p.IncidentID, p.Field, newValue)
		return nil
	})
	m.health = module.Health{Status: module.HealthHealthy, LastCheck: time.Now()}
	return nil
}

func (m *Module) Start(ctx context.Context) error {
	m.stopCh = make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.engine.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.engine.Sweep(ctx)
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
	if m.createdSub != nil {
		m.createdSub.Unsubscribe()
	}
	if m.updatedSub != nil {
		m.updatedSub.Unsubscribe()
	}
	return nil
}

func (m *Module) Destroy(_ context.Context) error { return nil }

func (m *Module) Health() module.Health {
	m.health.LastCheck = time.Now()
	return m.health
}

func (m *Module) Engine() *Engine { return m.engine }
