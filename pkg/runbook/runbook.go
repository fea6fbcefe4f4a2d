// Package runbook implements the Runbook Orchestrator (spec §4.7): a
// stepwise execution state machine triggered by an ai-summary
// enrichment, coordinating with the Approval Gate at runbook or
// per-step granularity and executing steps through a sandboxed Executor.
package runbook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordigilh/opskernel/pkg/approval"
	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
)

// tracer wraps each runbook step execution in a span (SPEC_FULL.md
// "Observability"), alongside eventbus.Publish and the approval Gate's
// requestApproval/approve/validateToken.
var tracer = otel.Tracer("github.com/jordigilh/opskernel/pkg/runbook")

// ExecutionStatus is the RunbookExecution state machine (spec §4.7).
type ExecutionStatus string

const (
	ExecProposed        ExecutionStatus = "proposed"
	ExecAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecRunning          ExecutionStatus = "running"
	ExecCompleted        ExecutionStatus = "completed"
	ExecFailed           ExecutionStatus = "failed"
	ExecCancelled        ExecutionStatus = "cancelled"
)

// StepStatus is the RunbookStep state machine (spec §4.7).
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepExecuting        StepStatus = "executing"
	StepCompleted        StepStatus = "completed"
	StepFailed           StepStatus = "failed"
	StepSkipped          StepStatus = "skipped"
)

// StepDef is one declared step in a Runbook definition.
type StepDef struct {
	Name       string
	ActionType string
	Params     map[string]interface{}
}

// Runbook is a named, ordered sequence of remediation steps (GLOSSARY).
type Runbook struct {
	ID    string
	Name  string
	Steps []StepDef
}

// Step is the per-execution runtime state of one StepDef.
type Step struct {
	StepDef
	Status            StepStatus
	StartedAt         time.Time
	CompletedAt       time.Time
	Output            interface{}
	ApprovalRequestID string
	TokenID           string
}

// Execution is a RunbookExecution (spec §3/§4.7).
type Execution struct {
	ID          string
	RunbookID   string
	IncidentID  string
	Status      ExecutionStatus
	Steps       []Step
	CurrentStep int
	StartedAt   time.Time
	CompletedAt time.Time

	approvalRequestID string // whole-runbook approval, empty once resolved
}

// Executor performs one step's action — sandboxed/simulated in this
// core (GLOSSARY "Sandbox mode"); real executors plug in via a future
// tool registry.
type Executor interface {
	Execute(ctx context.Context, step StepDef) (output interface{}, err error)
}

// Config tunes one Engine instance (spec §4.7 "Entry gates"/"Mode selection").
type Config struct {
	AutoExecute            bool
	RequireApprovalPerStep bool
	MaxConcurrentRunbooks  int
	MaxRunbookHistory      int
	SeverityFilter         []string // empty = no filter
	CooldownMs             int64
}

func DefaultConfig() Config {
	return Config{MaxConcurrentRunbooks: 5, MaxRunbookHistory: 100, CooldownMs: 60_000}
}

type approvalRef struct {
	executionID string
	stepIndex   int // -1 = whole-runbook approval
}

// Engine is the Runbook Orchestrator.
type Engine struct {
	mu sync.Mutex

	cfg      Config
	runbooks map[string]Runbook
	active   map[string]*Execution
	history  []*Execution
	cooldowns map[string]time.Time
	approvalIdx map[string]approvalRef

	bus      *eventbus.Bus
	gate     *approval.Gate
	executor Executor

	approvedSub eventbus.Handle
	deniedSub   eventbus.Handle
	idN         uint64
}

func NewEngine(bus *eventbus.Bus, gate *approval.Gate, executor Executor, runbooks []Runbook, cfg Config) *Engine {
	if cfg.MaxConcurrentRunbooks <= 0 {
		cfg.MaxConcurrentRunbooks = 5
	}
	if cfg.MaxRunbookHistory <= 0 {
		cfg.MaxRunbookHistory = 100
	}
	rbs := make(map[string]Runbook, len(runbooks))
	for _, rb := range runbooks {
		rbs[rb.ID] = rb
	}
	e := &Engine{
		cfg: cfg, runbooks: rbs,
		active:      make(map[string]*Execution),
		cooldowns:   make(map[string]time.Time),
		approvalIdx: make(map[string]approvalRef),
		bus:         bus, gate: gate, executor: executor,
	}
	e.approvedSub = bus.Subscribe(events.TypeActionApproved, e.onApproved)
	e.deniedSub = bus.Subscribe(events.TypeActionDenied, e.onDenied)
	return e
}

func (e *Engine) Unsubscribe() {
	if e.approvedSub != nil {
		e.approvedSub.Unsubscribe()
	}
	if e.deniedSub != nil {
		e.deniedSub.Unsubscribe()
	}
}

// OnEnrichmentCompleted applies the entry gates (spec §4.7) and, if the
// incident clears them, starts a new Execution.
func (e *Engine) OnEnrichmentCompleted(ctx context.Context, incidentID, enrichmentType string, severity string, data map[string]interface{}) {
	if enrichmentType != "ai-summary" {
		return
	}
	runbookIDs := extractRunbookIDs(data)
	if len(runbookIDs) == 0 {
		return
	}

	e.mu.Lock()
	if len(e.cfg.SeverityFilter) > 0 && severity != "" && !contains(e.cfg.SeverityFilter, severity) {
		e.mu.Unlock()
		return
	}
	if until, ok := e.cooldowns[incidentID]; ok && time.Now().Sub(until) < time.Duration(e.cfg.CooldownMs)*time.Millisecond {
		e.mu.Unlock()
		return
	}
	if len(e.active) >= e.cfg.MaxConcurrentRunbooks {
		e.mu.Unlock()
		return
	}

	rb, ok := e.runbooks[runbookIDs[0]]
	if !ok {
		e.mu.Unlock()
		return
	}

	e.idN++
	execID := fmt.Sprintf("RBEX-%d", e.idN)
	steps := make([]Step, len(rb.Steps))
	for i, sd := range rb.Steps {
		steps[i] = Step{StepDef: sd, Status: StepPending}
	}
	exec := &Execution{
		ID: execID, RunbookID: rb.ID, IncidentID: incidentID,
		Status: ExecProposed, Steps: steps, StartedAt: time.Now(),
	}
	e.active[execID] = exec
	e.mu.Unlock()

	e.bus.Publish(ctx, eventbus.Event{
		Type: events.TypeRunbookStarted, Source: "runbook-orchestrator", Timestamp: exec.StartedAt,
		Payload: events.RunbookStarted{
			ExecutionID: execID, RunbookID: rb.ID, IncidentID: incidentID,
			TotalSteps: len(steps), StartedAt: exec.StartedAt,
		},
	})

	if e.cfg.AutoExecute {
		e.mu.Lock()
		exec.Status = ExecRunning
		e.mu.Unlock()
		e.advance(ctx, exec, "", "")
		return
	}

	e.mu.Lock()
	exec.Status = ExecAwaitingApproval
	e.mu.Unlock()
	req, err := e.gate.RequestApproval(ctx, approval.RequestParams{
		ActionType:  "runbook.execute",
		Description: fmt.Sprintf("Execute runbook %q for incident %s", rb.ID, incidentID),
		RequestedBy: "runbook-orchestrator",
		Metadata:    map[string]interface{}{"executionId": execID, "runbookId": rb.ID, "incidentId": incidentID},
	})
	if err != nil {
		return
	}
	e.mu.Lock()
	exec.approvalRequestID = req.ID
	e.approvalIdx[req.ID] = approvalRef{executionID: execID, stepIndex: -1}
	e.mu.Unlock()
}

func (e *Engine) onApproved(ctx context.Context, ev eventbus.Event) error {
	p, ok := ev.Payload.(events.ActionApproved)
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

	e.mu.Lock()
	ref, tracked := e.approvalIdx[req.ID]
	if !tracked {
		e.mu.Unlock()
		return nil
	}
	exec, ok := e.active[ref.executionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	// Non-negotiable: ignore the approval if the token does not validate
	// (spec §4.7 "validate the token (non-negotiable: ignore if invalid)").
	if !e.gate.ValidateToken(ctx, tok) {
		return nil
	}
	e.mu.Lock()
	delete(e.approvalIdx, req.ID)
	e.mu.Unlock()

	if ref.stepIndex == -1 {
		e.mu.Lock()
		exec.Status = ExecRunning
		e.mu.Unlock()
		// Thread the validated whole-runbook token through every step this
		// approval covers, so action.executed carries the real token
		// instead of the zero-approval placeholder (spec §9).
		e.advance(ctx, exec, req.ID, tok.ID)
		return nil
	}

	e.executeStep(ctx, exec, ref.stepIndex, req.ID, tok.ID)
	e.advance(ctx, exec, "", "")
	return nil
}

func (e *Engine) onDenied(_ context.Context, ev eventbus.Event) error {
	p, ok := ev.Payload.(events.ActionDenied)
	if !ok {
		return nil
	}
	req, ok := p.Request.(*approval.Request)
	if !ok {
		return nil
	}

	e.mu.Lock()
	ref, tracked := e.approvalIdx[req.ID]
	if !tracked {
		e.mu.Unlock()
		return nil
	}
	delete(e.approvalIdx, req.ID)
	exec, ok := e.active[ref.executionID]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if ref.stepIndex == -1 {
		e.mu.Lock()
		exec.Status = ExecCancelled
		e.mu.Unlock()
		e.complete(context.Background(), exec)
		return nil
	}

	e.mu.Lock()
	exec.Steps[ref.stepIndex].Status = StepSkipped
	e.mu.Unlock()
	e.advance(context.Background(), exec, "", "")
	return nil
}

// advance picks the next non-terminal step and either executes it
// directly or proposes its approval, per the configured mode (spec
// §4.7 "Advance loop"). Once any step has failed, no further step is
// run or proposed and the execution completes as failed.
// requestID/tokenID are the whole-runbook
// approval that authorized this advance pass, threaded through every
// step it executes directly; empty means no such approval exists (the
// AutoExecute/zero-approval case), and executeStep falls back to the
// "runbook-step" placeholder.
func (e *Engine) advance(ctx context.Context, exec *Execution, requestID, tokenID string) {
	e.mu.Lock()
	idx := nextPendingIndex(exec.Steps)
	for _, s := range exec.Steps {
		if s.Status == StepFailed {
			idx = -1
			break
		}
	}
	if idx == -1 {
		e.mu.Unlock()
		e.complete(ctx, exec)
		return
	}
	requireApproval := e.cfg.RequireApprovalPerStep && !e.cfg.AutoExecute
	e.mu.Unlock()

	if requireApproval {
		e.mu.Lock()
		alreadyProposed := exec.Steps[idx].Status == StepAwaitingApproval
		e.mu.Unlock()
		if alreadyProposed {
			return
		}
		e.proposeStep(ctx, exec, idx)
		return
	}

	if tokenID == "" {
		tokenID = "runbook-step"
	}
	e.executeStep(ctx, exec, idx, requestID, tokenID)
	e.advance(ctx, exec, requestID, tokenID)
}

func (e *Engine) proposeStep(ctx context.Context, exec *Execution, idx int) {
	e.mu.Lock()
	step := exec.Steps[idx]
	exec.Steps[idx].Status = StepAwaitingApproval
	e.mu.Unlock()

	req, err := e.gate.RequestApproval(ctx, approval.RequestParams{
		ActionType:  step.ActionType,
		Description: fmt.Sprintf("Runbook step %q (%s) for execution %s", step.Name, step.ActionType, exec.ID),
		RequestedBy: "runbook-orchestrator",
		Metadata:    map[string]interface{}{"executionId": exec.ID, "stepIndex": idx},
	})
	if err != nil {
		return
	}
	e.mu.Lock()
	exec.Steps[idx].ApprovalRequestID = req.ID
	e.approvalIdx[req.ID] = approvalRef{executionID: exec.ID, stepIndex: idx}
	e.mu.Unlock()
}

// executeStep runs one step's action and emits runbook.stepCompleted +
// action.executed (spec §4.7 "Step execution"). requestID/tokenID carry
// whichever approval authorized this step — the whole-runbook approval's
// token when one gated the execution, the step's own token when per-step
// approval was required, or the "runbook-step" placeholder for a true
// zero-approval AutoExecute run (spec §9's documented compromise).
func (e *Engine) executeStep(ctx context.Context, exec *Execution, idx int, requestID, tokenID string) {
	ctx, span := tracer.Start(ctx, "runbook.executeStep", trace.WithAttributes(
		attribute.String("correlation.id", exec.IncidentID),
		attribute.String("execution.id", exec.ID),
		attribute.Int("step.index", idx),
	))
	defer span.End()

	e.mu.Lock()
	step := &exec.Steps[idx]
	step.Status = StepExecuting
	step.StartedAt = time.Now()
	step.TokenID = tokenID
	e.mu.Unlock()

	output, err := e.executor.Execute(ctx, step.StepDef)

	e.mu.Lock()
	now := time.Now()
	step.CompletedAt = now
	step.Output = output
	result := events.ResultSuccess
	if err != nil {
		step.Status = StepFailed
		result = events.ResultFailure
		step.Output = err.Error()
	} else {
		step.Status = StepCompleted
	}
	name := step.Name
	finalOutput := step.Output
	e.mu.Unlock()

	e.bus.Publish(ctx, eventbus.Event{
		Type: events.TypeRunbookStepDone, Source: "runbook-orchestrator", Timestamp: now,
		Payload: events.RunbookStepCompleted{
			ExecutionID: exec.ID, StepIndex: idx, StepName: name,
			Result: result, Output: finalOutput, CompletedAt: now,
		},
	})
	e.bus.Publish(ctx, eventbus.Event{
		Type: events.TypeActionExecuted, Source: "runbook-orchestrator", Timestamp: now,
		Payload: events.ActionExecuted{
			RequestID: requestID, TokenID: tokenID, ActionType: "runbook.step",
			Result: result, Output: finalOutput, ExecutedBy: "runbook-orchestrator", ExecutedAt: now,
		},
	})
}

// complete finalizes exec once all steps are terminal (spec §4.7
// "Completion"): status completed if no step failed, else failed
// (cancellation from onDenied bypasses this and is finalized directly).
func (e *Engine) complete(ctx context.Context, exec *Execution) {
	e.mu.Lock()
	if exec.Status != ExecCancelled {
		failed := false
		completedCount := 0
		for _, s := range exec.Steps {
			if s.Status == StepFailed {
				failed = true
			}
			if s.Status == StepCompleted {
				completedCount++
			}
		}
		if failed {
			exec.Status = ExecFailed
		} else {
			exec.Status = ExecCompleted
		}
	}
	exec.CompletedAt = time.Now()
	e.cooldowns[exec.IncidentID] = exec.CompletedAt
	delete(e.active, exec.ID)
	e.history = append(e.history, exec)
	if len(e.history) > e.cfg.MaxRunbookHistory {
		e.history = e.history[len(e.history)-e.cfg.MaxRunbookHistory:]
	}

	completedSteps := 0
	for _, s := range exec.Steps {
		if s.Status == StepCompleted {
			completedSteps++
		}
	}
	status := exec.Status
	total := len(exec.Steps)
	completedAt := exec.CompletedAt
	e.mu.Unlock()

	e.bus.Publish(ctx, eventbus.Event{
		Type: events.TypeRunbookCompleted, Source: "runbook-orchestrator", Timestamp: completedAt,
		Payload: events.RunbookCompleted{
			ExecutionID: exec.ID, IncidentID: exec.IncidentID, Status: string(status),
			CompletedSteps: completedSteps, TotalSteps: total, CompletedAt: completedAt,
		},
	})
}

func nextPendingIndex(steps []Step) int {
	for i, s := range steps {
		if s.Status == StepPending || s.Status == StepAwaitingApproval {
			return i
		}
	}
	return -1
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func extractRunbookIDs(data map[string]interface{}) []string {
	raw, ok := data["suggestedRunbooks"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// ActiveCount returns the number of in-flight executions.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// History returns a snapshot of completed executions.
func (e *Engine) History() []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Execution, len(e.history))
	for i, ex := range e.history {
		out[i] = *ex
	}
	return out
}

// Get returns a snapshot of an active or historical execution.
func (e *Engine) Get(executionID string) (Execution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ex, ok := e.active[executionID]; ok {
		return *ex, true
	}
	for _, ex := range e.history {
		if ex.ID == executionID {
			return *ex, true
		}
	}
	return Execution{}, false
}
