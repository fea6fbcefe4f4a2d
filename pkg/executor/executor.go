// Package executor implements the sandboxed tool registry (SPEC
// "Resilience around pluggable execution"): a SimulatedExecutor that
// logs the action it would have taken and returns a synthetic result,
// wrapped per-tool in a github.com/sony/gobreaker circuit breaker that
// opens after five consecutive failures of that tool, so further calls
// fail fast; a single slow call is not timed out.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"

	"github.com/jordigilh/opskernel/pkg/runbook"
	"github.com/jordigilh/opskernel/pkg/safeaction"
)

// Tool is one registered sandboxed action. Real executors (Kubernetes,
// CloudWatch, Slack) are explicitly out-of-scope external collaborators
// (SPEC_FULL.md DOMAIN STACK); this core only ships the simulated one.
type Tool func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// SimulatedExecutor is the sandboxed step executor (GLOSSARY "Sandbox
// mode"): it never performs a real side effect, only logs the intended
// action and returns a synthetic success/failure, with each registered
// action type wrapped in its own circuit breaker.
type SimulatedExecutor struct {
	logger   logr.Logger
	tools    map[string]Tool
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewSimulatedExecutor(logger logr.Logger) *SimulatedExecutor {
	return &SimulatedExecutor{
		logger:   logger,
		tools:    make(map[string]Tool),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Register binds actionType to tool, each guarded by its own breaker so
// one failing action type cannot trip another's.
func (s *SimulatedExecutor) Register(actionType string, tool Tool) {
	s.tools[actionType] = tool
	s.breakers[actionType] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        actionType,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// Execute implements runbook.Executor. Unregistered action types fall
// back to a default simulated success (sandbox mode, no hard failure for
// demo/test runbooks referencing ad hoc action types).
func (s *SimulatedExecutor) Execute(ctx context.Context, step runbook.StepDef) (interface{}, error) {
	return s.run(ctx, step.ActionType, step.Params)
}

// AsSafeActionExecutor adapts the SimulatedExecutor to pkg/safeaction's
// plain actionType+params Executor shape, which intentionally carries no
// dependency on pkg/runbook's StepDef.
func (s *SimulatedExecutor) AsSafeActionExecutor() safeaction.Executor {
	return safeActionAdapter{s}
}

type safeActionAdapter struct{ s *SimulatedExecutor }

func (a safeActionAdapter) Execute(ctx context.Context, actionType string, params map[string]interface{}) (interface{}, error) {
	return a.s.run(ctx, actionType, params)
}

func (s *SimulatedExecutor) run(ctx context.Context, actionType string, params map[string]interface{}) (interface{}, error) {
	tool, ok := s.tools[actionType]
	if !ok {
		s.logger.Info("simulated execution (unregistered action type)", "actionType", actionType, "params", params)
		return map[string]interface{}{"simulated": true, "actionType": actionType}, nil
	}

	breaker := s.breakers[actionType]
	result, err := breaker.Execute(func() (interface{}, error) {
		s.logger.Info("simulated execution", "actionType", actionType, "params", params)
		return tool(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("simulated execution of %q: %w", actionType, err)
	}
	return result, nil
}
