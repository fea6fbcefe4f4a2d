package runbook

import (
	"context"
	"testing"

	"github.com/go-logr/logr"

	"github.com/jordigilh/opskernel/pkg/approval"
	"github.com/jordigilh/opskernel/pkg/audit"
	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
)

type fakeExecutor struct {
	fail map[string]bool
}

func (f *fakeExecutor) Execute(_ context.Context, step StepDef) (interface{}, error) {
	if f.fail != nil && f.fail[step.Name] {
		return nil, errStepFailed
	}
	return map[string]interface{}{"ran": step.Name}, nil
}

var errStepFailed = fmtErrorf("simulated step failure")

func fmtErrorf(msg string) error { return &simpleErr{msg} }

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }

func threeStepRunbook() Runbook {
	return Runbook{
		ID:   "restart-service",
		Name: "Restart Service",
		Steps: []StepDef{
			{Name: "drain", ActionType: "service.drain"},
			{Name: "restart", ActionType: "service.restart"},
			{Name: "verify", ActionType: "service.verify"},
		},
	}
}

func newTestEngine(t *testing.T, cfg Config, rbs []Runbook, exec Executor) (*Engine, *eventbus.Bus, *approval.Gate) {
	t.Helper()
	bus := eventbus.New(logr.Discard(), eventbus.NewNopMetrics())
	gate := approval.NewGate(bus, audit.NewMemoryLog(1000), approval.DefaultConfig(), approval.NewNopMetrics())
	engine := NewEngine(bus, gate, exec, rbs, cfg)
	return engine, bus, gate
}

// TestEngine_ScenarioSix_ThreeStepPerStepApproval grounds spec scenario 6.
func TestEngine_ScenarioSix_ThreeStepPerStepApproval(t *testing.T) {
	engine, bus, gate := newTestEngine(t, Config{
		RequireApprovalPerStep: true, MaxConcurrentRunbooks: 5, MaxRunbookHistory: 10,
	}, []Runbook{threeStepRunbook()}, &fakeExecutor{})

	var proposedIDs []string
	bus.Subscribe(events.TypeActionProposed, func(_ context.Context, e eventbus.Event) error {
		req := e.Payload.(*approval.Request)
		proposedIDs = append(proposedIDs, req.ID)
		return nil
	})
	var stepDones int
	bus.Subscribe(events.TypeRunbookStepDone, func(_ context.Context, e eventbus.Event) error {
		stepDones++
		return nil
	})
	var completed events.RunbookCompleted
	bus.Subscribe(events.TypeRunbookCompleted, func(_ context.Context, e eventbus.Event) error {
		completed = e.Payload.(events.RunbookCompleted)
		return nil
	})

	ctx := context.Background()
	engine.OnEnrichmentCompleted(ctx, "INC-1", "ai-summary", "critical", map[string]interface{}{
		"suggestedRunbooks": []string{"restart-service"},
	})

	if len(proposedIDs) != 1 {
		t.Fatalf("got %d proposals after start, want 1 (whole-runbook)", len(proposedIDs))
	}

	// Approve whole-runbook, then each step approval as it becomes outstanding.
	for i := 0; i < 4; i++ {
		if len(proposedIDs) <= i {
			t.Fatalf("expected proposal #%d to exist before approving it", i)
		}
		if _, err := gate.Approve(ctx, proposedIDs[i], "oncall-admin"); err != nil {
			t.Fatalf("approve #%d: %v", i, err)
		}
	}

	if len(proposedIDs) != 4 {
		t.Fatalf("got %d total approval requests, want 4 (1 runbook + 3 steps)", len(proposedIDs))
	}
	if stepDones != 3 {
		t.Fatalf("got %d runbook.stepCompleted events, want 3", stepDones)
	}
	if completed.CompletedSteps != 3 || completed.Status != string(ExecCompleted) {
		t.Fatalf("got completed=%+v, want CompletedSteps=3 Status=completed", completed)
	}
	if engine.ActiveCount() != 0 {
		t.Fatalf("got %d active executions after completion, want 0", engine.ActiveCount())
	}
}

func TestEngine_AutoExecuteSkipsAllApprovals(t *testing.T) {
	engine, bus, _ := newTestEngine(t, Config{AutoExecute: true, MaxConcurrentRunbooks: 5, MaxRunbookHistory: 10},
		[]Runbook{threeStepRunbook()}, &fakeExecutor{})

	var proposed int
	bus.Subscribe(events.TypeActionProposed, func(_ context.Context, e eventbus.Event) error {
		proposed++
		return nil
	})
	var completed events.RunbookCompleted
	bus.Subscribe(events.TypeRunbookCompleted, func(_ context.Context, e eventbus.Event) error {
		completed = e.Payload.(events.RunbookCompleted)
		return nil
	})

	engine.OnEnrichmentCompleted(context.Background(), "INC-1", "ai-summary", "", map[string]interface{}{
		"suggestedRunbooks": []string{"restart-service"},
	})

	if proposed != 0 {
		t.Fatalf("got %d approval proposals under autoExecute, want 0", proposed)
	}
	if completed.CompletedSteps != 3 {
		t.Fatalf("got completedSteps=%d, want 3", completed.CompletedSteps)
	}
}

func TestEngine_NoStepsExecuteBeforeWholeRunbookApproval(t *testing.T) {
	engine, _, _ := newTestEngine(t, Config{MaxConcurrentRunbooks: 5, MaxRunbookHistory: 10},
		[]Runbook{threeStepRunbook()}, &fakeExecutor{})

	engine.OnEnrichmentCompleted(context.Background(), "INC-1", "ai-summary", "", map[string]interface{}{
		"suggestedRunbooks": []string{"restart-service"},
	})

	exec, ok := engine.Get("RBEX-1")
	if !ok {
		t.Fatal("expected an execution to be tracked")
	}
	for _, s := range exec.Steps {
		if s.Status != StepPending {
			t.Fatalf("got step status %q before runbook approval, want pending", s.Status)
		}
	}
}

func TestEngine_DropsWhenNotAISummaryOrNoRunbooks(t *testing.T) {
	engine, _, _ := newTestEngine(t, Config{MaxConcurrentRunbooks: 5, MaxRunbookHistory: 10},
		[]Runbook{threeStepRunbook()}, &fakeExecutor{})

	engine.OnEnrichmentCompleted(context.Background(), "INC-1", "dedup_occurrence", "", map[string]interface{}{
		"suggestedRunbooks": []string{"restart-service"},
	})
	engine.OnEnrichmentCompleted(context.Background(), "INC-2", "ai-summary", "", map[string]interface{}{})

	if engine.ActiveCount() != 0 {
		t.Fatalf("got %d active executions, want 0 (wrong type / no runbooks)", engine.ActiveCount())
	}
}

func TestEngine_DropsWhenAtMaxConcurrentRunbooks(t *testing.T) {
	engine, _, _ := newTestEngine(t, Config{AutoExecute: false, MaxConcurrentRunbooks: 1, MaxRunbookHistory: 10},
		[]Runbook{threeStepRunbook()}, &fakeExecutor{})

	engine.OnEnrichmentCompleted(context.Background(), "INC-1", "ai-summary", "", map[string]interface{}{
		"suggestedRunbooks": []string{"restart-service"},
	})
	engine.OnEnrichmentCompleted(context.Background(), "INC-2", "ai-summary", "", map[string]interface{}{
		"suggestedRunbooks": []string{"restart-service"},
	})

	if engine.ActiveCount() != 1 {
		t.Fatalf("got %d active executions, want 1 (second dropped at capacity)", engine.ActiveCount())
	}
}

func TestEngine_StepFailureFailsRunbookAndStopsAdvancing(t *testing.T) {
	engine, bus, gate := newTestEngine(t, Config{RequireApprovalPerStep: true, MaxConcurrentRunbooks: 5, MaxRunbookHistory: 10},
		[]Runbook{threeStepRunbook()}, &fakeExecutor{fail: map[string]bool{"restart": true}})

	var proposedIDs []string
	bus.Subscribe(events.TypeActionProposed, func(_ context.Context, e eventbus.Event) error {
		proposedIDs = append(proposedIDs, e.Payload.(*approval.Request).ID)
		return nil
	})
	var stepDones int
	bus.Subscribe(events.TypeRunbookStepDone, func(_ context.Context, e eventbus.Event) error {
		stepDones++
		return nil
	})
	var completed events.RunbookCompleted
	bus.Subscribe(events.TypeRunbookCompleted, func(_ context.Context, e eventbus.Event) error {
		completed = e.Payload.(events.RunbookCompleted)
		return nil
	})

	ctx := context.Background()
	engine.OnEnrichmentCompleted(ctx, "INC-1", "ai-summary", "", map[string]interface{}{
		"suggestedRunbooks": []string{"restart-service"},
	})
	// Approve runbook, drain (succeeds), restart (fails) — verify step must
	// never be proposed.
	gate.Approve(ctx, proposedIDs[0], "oncall-admin")
	gate.Approve(ctx, proposedIDs[1], "oncall-admin")
	gate.Approve(ctx, proposedIDs[2], "oncall-admin")

	if len(proposedIDs) != 3 {
		t.Fatalf("got %d proposals, want 3 (runbook + drain + restart; verify must never be proposed)", len(proposedIDs))
	}
	if stepDones != 2 {
		t.Fatalf("got %d stepCompleted events, want 2 (drain, restart)", stepDones)
	}
	if completed.Status != string(ExecFailed) {
		t.Fatalf("got status %q, want failed", completed.Status)
	}
}

// TestEngine_WholeRunbookApprovalTokenThreadsThroughEveryStep guards
// against the whole-runbook approval's real token being discarded in
// favor of the zero-approval placeholder once execution fans out across
// steps that need no approval of their own.
func TestEngine_WholeRunbookApprovalTokenThreadsThroughEveryStep(t *testing.T) {
	engine, bus, gate := newTestEngine(t, Config{MaxConcurrentRunbooks: 5, MaxRunbookHistory: 10},
		[]Runbook{threeStepRunbook()}, &fakeExecutor{})

	var proposedIDs []string
	bus.Subscribe(events.TypeActionProposed, func(_ context.Context, e eventbus.Event) error {
		proposedIDs = append(proposedIDs, e.Payload.(*approval.Request).ID)
		return nil
	})
	var executedTokens []string
	bus.Subscribe(events.TypeActionExecuted, func(_ context.Context, e eventbus.Event) error {
		executedTokens = append(executedTokens, e.Payload.(events.ActionExecuted).TokenID)
		return nil
	})

	ctx := context.Background()
	engine.OnEnrichmentCompleted(ctx, "INC-1", "ai-summary", "", map[string]interface{}{
		"suggestedRunbooks": []string{"restart-service"},
	})
	if len(proposedIDs) != 1 {
		t.Fatalf("got %d proposals, want 1 (whole-runbook only)", len(proposedIDs))
	}

	tok, err := gate.Approve(ctx, proposedIDs[0], "oncall-admin")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}

	exec, ok := engine.Get("RBEX-1")
	if !ok || exec.Status != ExecCompleted {
		t.Fatalf("got exec=%+v ok=%v, want ExecCompleted", exec, ok)
	}
	for _, s := range exec.Steps {
		if s.TokenID != tok.ID {
			t.Fatalf("got step %q TokenID=%q, want the whole-runbook approval token %q", s.Name, s.TokenID, tok.ID)
		}
	}
	if len(executedTokens) != 3 {
		t.Fatalf("got %d action.executed events, want 3", len(executedTokens))
	}
	for _, id := range executedTokens {
		if id != tok.ID {
			t.Fatalf("got action.executed TokenID=%q, want %q", id, tok.ID)
		}
	}
}

func TestEngine_ForgedTokenIsIgnored(t *testing.T) {
	engine, bus, gate := newTestEngine(t, Config{MaxConcurrentRunbooks: 5, MaxRunbookHistory: 10},
		[]Runbook{threeStepRunbook()}, &fakeExecutor{})

	var proposedIDs []string
	bus.Subscribe(events.TypeActionProposed, func(_ context.Context, e eventbus.Event) error {
		proposedIDs = append(proposedIDs, e.Payload.(*approval.Request).ID)
		return nil
	})

	ctx := context.Background()
	engine.OnEnrichmentCompleted(ctx, "INC-1", "ai-summary", "", map[string]interface{}{
		"suggestedRunbooks": []string{"restart-service"},
	})

	req, _ := gate.Get(proposedIDs[0])
	_ = req
	bus.Publish(ctx, eventbus.Event{
		Type: events.TypeActionApproved,
		Payload: events.ActionApproved{
			Request: &approval.Request{ID: proposedIDs[0]},
			Token:   &approval.Token{ID: "forged"},
		},
	})

	exec, _ := engine.Get("RBEX-1")
	if exec.Status == ExecRunning || exec.Status == ExecCompleted {
		t.Fatalf("got status %q after a forged token, want it to remain gated", exec.Status)
	}
}
