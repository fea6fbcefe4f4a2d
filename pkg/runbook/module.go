package runbook

import (
	"context"
	"time"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
	"github.com/jordigilh/opskernel/pkg/module"
)

// Module adapts an Engine to the pkg/module.Module lifecycle contract,
// consuming enrichment.completed of type ai-summary.
type Module struct {
	id     string
	engine *Engine
	sub    eventbus.Handle
	health module.Health

	pendingExecutor Executor
	pendingRunbooks []Runbook
}

// NewModule builds a Module. executor and runbooks are supplied by the
// wiring layer since, unlike Dedup/Escalation/Anomaly, the Orchestrator
// needs the Approval Gate and a step executor at construction time.
func NewModule(id string, executor Executor, runbooks []Runbook) *Module {
	return &Module{id: id, pendingExecutor: executor, pendingRunbooks: runbooks}
}

// configSchema is validated (validator/v10) before Initialize runs.
type configSchema struct {
	MaxConcurrentRunbooks int   `json:"maxConcurrentRunbooks" validate:"omitempty,gt=0"`
	MaxRunbookHistory     int   `json:"maxRunbookHistory" validate:"omitempty,gt=0"`
	CooldownMs            int64 `json:"cooldownMs" validate:"omitempty,gte=0"`
}

func (m *Module) Manifest() module.Manifest {
	return module.Manifest{
		ID: m.id, Name: "Runbook Orchestrator", Version: "1.0.0", Type: module.TypeAction,
		ConfigSchema: &configSchema{},
	}
}

func (m *Module) Initialize(_ context.Context, mctx *module.Context) error {
	cfg := DefaultConfig()
	if auto, ok := mctx.Config["autoExecute"].(bool); ok {
		cfg.AutoExecute = auto
	}
	if perStep, ok := mctx.Config["requireApprovalPerStep"].(bool); ok {
		cfg.RequireApprovalPerStep = perStep
	}
	if max, ok := mctx.Config["maxConcurrentRunbooks"].(int); ok {
		cfg.MaxConcurrentRunbooks = max
	}
	if hist, ok := mctx.Config["maxRunbookHistory"].(int); ok {
		cfg.MaxRunbookHistory = hist
	}
	if cooldown, ok := mctx.Config["cooldownMs"].(int64); ok {
		cfg.CooldownMs = cooldown
	}
	if filter, ok := mctx.Config["severityFilter"].([]string); ok {
		cfg.SeverityFilter = filter
	}

	m.engine = NewEngine(mctx.Bus, mctx.ApprovalGate, m.pendingExecutor, m.pendingRunbooks, cfg)
	m.sub = mctx.Bus.Subscribe(events.TypeEnrichmentCompleted, func(ctx context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.EnrichmentCompleted)
		if !ok {
			return nil
		}
		severity, _ := p.Data["severity"].(string)
		m.engine.OnEnrichmentCompleted(ctx, p.IncidentID, p.EnrichmentType, severity, p.Data)
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
	m.engine.Unsubscribe()
	return nil
}

func (m *Module) Destroy(_ context.Context) error { return nil }

func (m *Module) Health() module.Health {
	m.health.LastCheck = time.Now()
	m.health.Details = map[string]interface{}{"activeExecutions": m.engine.ActiveCount()}
	return m.health
}

func (m *Module) Engine() *Engine { return m.engine }
