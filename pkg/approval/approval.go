// Package approval implements the CORE's Approval Gate (spec §4.3): the
// non-negotiable safety kernel where proposals become short-lived
// tokens that are the only key unlocking execution. Every state
// transition is recorded to the Audit Log.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/jordigilh/opskernel/internal/errors"
	"github.com/jordigilh/opskernel/pkg/audit"
	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
)

// tracer wraps requestApproval/approve/validateToken in spans per
// SPEC_FULL.md's "Observability" section.
var tracer = otel.Tracer("github.com/jordigilh/opskernel/pkg/approval")

// Status is the ApprovalRequest state machine: pending -> {approved,
// denied, expired}, each terminal except pending.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Request is the ApprovalRequest entity (spec §3).
type Request struct {
	ID          string
	ActionType  string
	Description string
	Reasoning   string
	RequestedBy string
	Metadata    map[string]interface{}
	CreatedAt   time.Time
	Status      Status
}

// Token is the ApprovalToken entity. Validation NEVER trusts fields on a
// caller-supplied Token other than ID — it is used strictly as a lookup
// key into the gate's authoritative table (spec §3, "Tokens must never
// be forgeable").
type Token struct {
	ID         string
	RequestID  string
	ApprovedBy string
	ApprovedAt time.Time
	ExpiresAt  time.Time
}

// internalToken is the gate's own authoritative record, including the
// consumed flag that a caller-supplied Token can never carry.
type internalToken struct {
	Token
	consumed bool
}

// RequestParams is the input to RequestApproval.
type RequestParams struct {
	ActionType  string
	Description string
	Reasoning   string
	RequestedBy string
	Metadata    map[string]interface{}
}

// Gate is the Approval Gate: the single authoritative owner of the
// request and token tables (spec §3 Ownership).
type Gate struct {
	mu       sync.Mutex
	requests map[string]*Request
	tokens   map[string]*internalToken

	requestTTL time.Duration
	tokenTTL   time.Duration

	bus     *eventbus.Bus
	audit   audit.Log
	metrics *Metrics
}

// Config carries the gate's TTL defaults (spec §4.3: tokenTTL default
// 15 minutes).
type Config struct {
	RequestTTL time.Duration
	TokenTTL   time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{RequestTTL: 30 * time.Minute, TokenTTL: 15 * time.Minute}
}

// NewGate creates an Approval Gate publishing proposal/approval/denial
// events on bus and recording every transition to log.
func NewGate(bus *eventbus.Bus, log audit.Log, cfg Config, metrics *Metrics) *Gate {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 30 * time.Minute
	}
	return &Gate{
		requests:   make(map[string]*Request),
		tokens:     make(map[string]*internalToken),
		requestTTL: cfg.RequestTTL,
		tokenTTL:   cfg.TokenTTL,
		bus:        bus,
		audit:      log,
		metrics:    metrics,
	}
}

// RequestApproval creates a pending request, records approval.requested,
// and publishes action.proposed.
func (g *Gate) RequestApproval(ctx context.Context, params RequestParams) (*Request, error) {
	ctx, span := tracer.Start(ctx, "approval.requestApproval", trace.WithAttributes(
		attribute.String("action.type", params.ActionType),
	))
	defer span.End()

	req := &Request{
		ID:          uuid.NewString(),
		ActionType:  params.ActionType,
		Description: params.Description,
		Reasoning:   params.Reasoning,
		RequestedBy: params.RequestedBy,
		Metadata:    params.Metadata,
		CreatedAt:   time.Now(),
		Status:      StatusPending,
	}

	g.mu.Lock()
	g.requests[req.ID] = req
	g.mu.Unlock()

	g.metrics.ObserveRequested()
	_, _ = g.audit.Record(ctx, "approval.requested", params.RequestedBy, req.ID, map[string]interface{}{
		"actionType": req.ActionType,
	})
	g.bus.Publish(ctx, eventbus.Event{
		Type:      events.TypeActionProposed,
		Source:    "approval-gate",
		Timestamp: time.Now(),
		Payload:   req,
	})
	return req, nil
}

// Approve transitions a pending request to approved and mints a token.
func (g *Gate) Approve(ctx context.Context, requestID, approver string) (*Token, error) {
	ctx, span := tracer.Start(ctx, "approval.approve", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.String("approved.by", approver),
	))
	defer span.End()

	g.mu.Lock()
	req, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return nil, apperrors.NewUnknownRequestError(requestID)
	}
	if req.Status != StatusPending {
		g.mu.Unlock()
		return nil, apperrors.NewNotPendingError(requestID, string(req.Status))
	}

	now := time.Now()
	req.Status = StatusApproved
	tok := &internalToken{Token: Token{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		ApprovedBy: approver,
		ApprovedAt: now,
		ExpiresAt:  now.Add(g.tokenTTL),
	}}
	g.tokens[tok.ID] = tok
	public := tok.Token
	g.mu.Unlock()

	g.metrics.ObserveApproved()
	_, _ = g.audit.Record(ctx, "approval.approved", approver, requestID, map[string]interface{}{
		"tokenId": public.ID,
	})
	g.bus.Publish(ctx, eventbus.Event{
		Type:      events.TypeActionApproved,
		Source:    "approval-gate",
		Timestamp: now,
		Payload:   events.ActionApproved{Request: req, Token: &public},
	})
	return &public, nil
}

// Deny transitions a pending request to denied.
func (g *Gate) Deny(ctx context.Context, requestID, approver, reason string) error {
	g.mu.Lock()
	req, ok := g.requests[requestID]
	if !ok {
		g.mu.Unlock()
		return apperrors.NewUnknownRequestError(requestID)
	}
	if req.Status != StatusPending {
		g.mu.Unlock()
		return apperrors.NewNotPendingError(requestID, string(req.Status))
	}
	req.Status = StatusDenied
	g.mu.Unlock()

	g.metrics.ObserveDenied()
	_, _ = g.audit.Record(ctx, "approval.denied", approver, requestID, map[string]interface{}{
		"reason": reason,
	})
	g.bus.Publish(ctx, eventbus.Event{
		Type:      events.TypeActionDenied,
		Source:    "approval-gate",
		Timestamp: time.Now(),
		Payload:   events.ActionDenied{Request: req, Reason: reason},
	})
	return nil
}

// ValidateToken reports whether token is genuine and currently usable.
// It looks up ONLY token.ID in the gate's table; every other field on
// the argument is ignored for trust purposes (spec §4.3 "Token
// validation MUST NOT trust any field of the passed-in object other
// than as a lookup key").
func (g *Gate) ValidateToken(ctx context.Context, token *Token) bool {
	tokenID := ""
	if token != nil {
		tokenID = token.ID
	}
	ctx, span := tracer.Start(ctx, "approval.validateToken", trace.WithAttributes(
		attribute.String("token.id", tokenID),
	))
	defer span.End()

	if token == nil {
		return false
	}
	g.mu.Lock()
	record, ok := g.tokens[token.ID]
	if !ok {
		g.mu.Unlock()
		g.metrics.ObserveTokenRejected()
		_, _ = g.audit.Record(ctx, "token.rejected", "", token.ID, map[string]interface{}{
			"reason": "unknown token id",
		})
		return false
	}
	req, reqOK := g.requests[record.RequestID]
	valid := reqOK && req.Status == StatusApproved && time.Now().Before(record.ExpiresAt) && !record.consumed
	g.mu.Unlock()

	if !valid {
		g.metrics.ObserveTokenRejected()
		_, _ = g.audit.Record(ctx, "token.rejected", "", record.RequestID, map[string]interface{}{
			"tokenId": record.ID,
		})
	}
	return valid
}

// ConsumeToken marks a token one-shot-used. Executors that require
// single-use semantics call this explicitly; the default is
// reusable-within-TTL (spec §9 "Single-use vs reusable tokens").
func (g *Gate) ConsumeToken(ctx context.Context, tokenID string) error {
	g.mu.Lock()
	record, ok := g.tokens[tokenID]
	if !ok {
		g.mu.Unlock()
		return apperrors.NewTokenInvalidError(tokenID)
	}
	record.consumed = true
	g.mu.Unlock()

	_, _ = g.audit.Record(ctx, "token.consumed", "", tokenID, nil)
	return nil
}

// ExpireSweep transitions any pending request older than requestTTL to
// expired and is directly callable by tests (spec §9 "Timer pattern").
func (g *Gate) ExpireSweep(ctx context.Context) int {
	now := time.Now()
	var expired []*Request

	g.mu.Lock()
	for _, req := range g.requests {
		if req.Status == StatusPending && now.Sub(req.CreatedAt) >= g.requestTTL {
			req.Status = StatusExpired
			expired = append(expired, req)
		}
	}
	g.mu.Unlock()

	for _, req := range expired {
		g.metrics.ObserveExpired()
		_, _ = g.audit.Record(ctx, "approval.expired", "", req.ID, nil)
	}
	return len(expired)
}

// Get returns a snapshot copy of a request by id, for callers that need
// to inspect state without mutating the gate's table.
func (g *Gate) Get(requestID string) (Request, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[requestID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}
