// Package safeaction implements SafeAction (SPEC_FULL.md's minimal
// Action module, grounded on end-to-end scenario 5): an Action module
// that proposes a gated action for a matching incident, waits for
// action.approved with a token that validates against the Approval
// Gate's authoritative record, executes it through a sandboxed Executor,
// and emits action.executed for the Audit Log.
package safeaction

import (
	"context"
	"sync"
	"time"

	"github.com/jordigilh/opskernel/pkg/approval"
	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
	"github.com/jordigilh/opskernel/pkg/module"
)

// Executor performs one approved action. Implemented by
// pkg/executor.SimulatedExecutor in this core (sandboxed/simulated —
// GLOSSARY "Sandbox mode").
type Executor interface {
	Execute(ctx context.Context, actionType string, params map[string]interface{}) (output interface{}, err error)
}

// Trigger maps an incident condition to an action proposal.
type Trigger struct {
	Severity   string // empty = any
	ActionType string
	Params     map[string]interface{}
}

// Engine is the SafeAction module's engine: incident.created →
// RequestApproval → (on action.approved with a valid token) → execute
// → action.executed.
type Engine struct {
	mu       sync.Mutex
	triggers []Trigger
	pending  map[string]Trigger // requestID -> trigger, awaiting approval

	bus      *eventbus.Bus
	gate     *approval.Gate
	executor Executor
}

func NewEngine(bus *eventbus.Bus, gate *approval.Gate, executor Executor, triggers []Trigger) *Engine {
	return &Engine{
		triggers: triggers, pending: make(map[string]Trigger),
		bus: bus, gate: gate, executor: executor,
	}
}

// OnIncidentCreated proposes an approval for the first trigger whose
// severity matches (empty severity matches anything).
func (e *Engine) OnIncidentCreated(ctx context.Context, incidentID, severity string) {
	e.mu.Lock()
	var matched *Trigger
	for i := range e.triggers {
		if e.triggers[i].Severity == "" || e.triggers[i].Severity == severity {
			matched = &e.triggers[i]
			break
		}
	}
	e.mu.Unlock()
	if matched == nil {
		return
	}

	req, err := e.gate.RequestApproval(ctx, approval.RequestParams{
		ActionType:  matched.ActionType,
		Description: "SafeAction proposal for incident " + incidentID,
		RequestedBy: "safe-action",
		Metadata:    map[string]interface{}{"incidentId": incidentID},
	})
	if err != nil {
		return
	}
	e.mu.Lock()
	e.pending[req.ID] = *matched
	e.mu.Unlock()
}

// OnActionApproved validates the token (non-negotiable) before
// executing — a forged token must never reach Execute (spec scenario 5).
func (e *Engine) OnActionApproved(ctx context.Context, req *approval.Request, tok *approval.Token) {
	e.mu.Lock()
	trigger, ok := e.pending[req.ID]
	if ok {
		delete(e.pending, req.ID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if !e.gate.ValidateToken(ctx, tok) {
		return
	}

	output, err := e.executor.Execute(ctx, trigger.ActionType, trigger.Params)
	now := time.Now()
	result := events.ResultSuccess
	if err != nil {
		result = events.ResultFailure
		output = err.Error()
	}
	e.bus.Publish(ctx, eventbus.Event{
		Type: events.TypeActionExecuted, Source: "safe-action", Timestamp: now,
		Payload: events.ActionExecuted{
			RequestID: req.ID, TokenID: tok.ID, ActionType: trigger.ActionType,
			Result: result, Output: output, ExecutedBy: tok.ApprovedBy, ExecutedAt: now,
		},
	})
}

// Module adapts Engine to the pkg/module.Module lifecycle contract.
type Module struct {
	id       string
	engine   *Engine
	executor Executor
	triggers []Trigger

	createdSub  eventbus.Handle
	approvedSub eventbus.Handle
	health      module.Health
}

func NewModule(id string, executor Executor, triggers []Trigger) *Module {
	return &Module{id: id, executor: executor, triggers: triggers}
}

func (m *Module) Manifest() module.Manifest {
	return module.Manifest{ID: m.id, Name: "Safe Action", Version: "1.0.0", Type: module.TypeAction}
}

func (m *Module) Initialize(_ context.Context, mctx *module.Context) error {
	m.engine = NewEngine(mctx.Bus, mctx.ApprovalGate, m.executor, m.triggers)

	m.createdSub = mctx.Bus.Subscribe(events.TypeIncidentCreated, func(ctx context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.IncidentCreated)
		if !ok {
			return nil
		}
		m.engine.OnIncidentCreated(ctx, p.IncidentID, p.Severity)
		return nil
	})
	m.approvedSub = mctx.Bus.Subscribe(events.TypeActionApproved, func(ctx context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.ActionApproved)
		if !ok {
			return nil
		}
		req, ok := p.Request.(*approval.Request)
		if !ok {
			return nil
		}
		tok, ok := p.Token.(*approval.Token)
		if !ok {
			return nil
		}
		m.engine.OnActionApproved(ctx, req, tok)
		return nil
	})
	m.health = module.Health{Status: module.HealthHealthy, LastCheck: time.Now()}
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }

func (m *Module) Stop(_ context.Context) error {
	if m.createdSub != nil {
		m.createdSub.Unsubscribe()
	}
	if m.approvedSub != nil {
		m.approvedSub.Unsubscribe()
	}
	return nil
}

func (m *Module) Destroy(_ context.Context) error { return nil }

func (m *Module) Health() module.Health {
	m.health.LastCheck = time.Now()
	return m.health
}

func (m *Module) Engine() *Engine { return m.engine }
