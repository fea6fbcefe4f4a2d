// Package events defines the CORE's wire-observable event taxonomy (spec
// §6): the dotted event-type constants and the payload shape each
// producer attaches to pkg/eventbus.Event.Payload. Handlers type-assert
// the payload they expect; the bus itself stays payload-agnostic.
package events

import "time"

// Event type constants, dotted strings per spec §6.
const (
	TypeLogIngested         = "log.ingested"
	TypeIncidentCreated     = "incident.created"
	TypeIncidentUpdated     = "incident.updated"
	TypeIncidentSuppressed  = "incident.suppressed"
	TypeIncidentEscalated   = "incident.escalated"
	TypeEnrichmentCompleted = "enrichment.completed"
	TypeActionProposed      = "action.proposed"
	TypeActionApproved      = "action.approved"
	TypeActionDenied        = "action.denied"
	TypeActionExecuted      = "action.executed"
	TypeRunbookStarted      = "runbook.started"
	TypeRunbookStepDone     = "runbook.stepCompleted"
	TypeRunbookCompleted    = "runbook.completed"
)

// LogIngested is the Connector-produced payload for log.ingested.
type LogIngested struct {
	Source     string
	Line       string
	LineNumber int
	IngestedAt time.Time
	Metadata   map[string]interface{}
}

// IncidentCreated is the Detector-produced payload for incident.created.
type IncidentCreated struct {
	IncidentID  string
	Title       string
	Description string
	Severity    string
	DetectedBy  string
	SourceEvent interface{}
	DetectedAt  time.Time
	Context     map[string]interface{}
}

// IncidentUpdated is the Incident Store's payload for incident.updated.
type IncidentUpdated struct {
	IncidentID string
	Field      string
	OldValue   interface{}
	NewValue   interface{}
	UpdatedBy  string
	UpdatedAt  time.Time
}

// IncidentSuppressed is the Dedup engine's payload for incident.suppressed.
type IncidentSuppressed struct {
	SuppressedIncidentID string
	OriginalIncidentID   string
	Fingerprint          string
	Occurrences          int
	WindowMs             int64
}

// IncidentEscalated is the Escalation engine's payload for incident.escalated.
type IncidentEscalated struct {
	IncidentID string
	PolicyID   string
	Level      int
	Notify     []string
	ElapsedMs  int64
	Severity   string
	Title      string
}

// EnrichmentCompleted is any Enricher's payload for enrichment.completed.
type EnrichmentCompleted struct {
	IncidentID     string
	EnricherModule string
	EnrichmentType string
	Data           map[string]interface{}
	CompletedAt    time.Time
}

// ActionApproved is the Approval Gate's payload for action.approved.
// Request and Token are left as interface{} to avoid an import cycle
// with pkg/approval; handlers type-assert to *approval.Request /
// *approval.Token.
type ActionApproved struct {
	Request interface{}
	Token   interface{}
}

// ActionDenied is the Approval Gate's payload for action.denied.
type ActionDenied struct {
	Request interface{}
	Reason  string
}

// ActionExecuted is an Action module's payload for action.executed —
// the Audit Log's primary execution record.
type ActionExecuted struct {
	RequestID  string
	TokenID    string
	ActionType string
	Result     string // "success" or "failure"
	Output     interface{}
	ExecutedBy string
	ExecutedAt time.Time
}

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// RunbookStarted is the Runbook Orchestrator's payload for runbook.started.
type RunbookStarted struct {
	ExecutionID string
	RunbookID   string
	IncidentID  string
	TotalSteps  int
	StartedAt   time.Time
}

// RunbookStepCompleted is the Runbook Orchestrator's payload for
// runbook.stepCompleted.
type RunbookStepCompleted struct {
	ExecutionID string
	StepIndex   int
	StepName    string
	Result      string
	Output      interface{}
	CompletedAt time.Time
}

// RunbookCompleted is the Runbook Orchestrator's payload for
// runbook.completed.
type RunbookCompleted struct {
	ExecutionID    string
	IncidentID     string
	Status         string
	CompletedSteps int
	TotalSteps     int
	CompletedAt    time.Time
}
