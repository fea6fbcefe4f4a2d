// Package module implements the CORE's Module contract and dependency-
// ordered Lifecycle Manager (spec §4.2): Kahn's-algorithm topological
// startup/shutdown of pluggable components sharing one Context.
package module

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"github.com/jordigilh/opskernel/pkg/approval"
	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/storage"
)

// Type enumerates the module categories the spec recognizes.
type Type string

const (
	TypeConnector    Type = "Connector"
	TypeDetector     Type = "Detector"
	TypeEnricher     Type = "Enricher"
	TypeAction       Type = "Action"
	TypeNotifier     Type = "Notifier"
	TypeUIExtension  Type = "UIExtension"
	TypeOpenClawTool Type = "OpenClawTool"
)

// Manifest declares a module's identity, category, dependency edges, and
// an optional config validation hook. ConfigSchema, when non-nil, is a
// pointer to a zero-value struct carrying `json` and `validate` tags
// (github.com/go-playground/validator/v10) describing the shape Config
// must decode into; the Lifecycle Manager validates against it before
// Initialize is called (spec §4.2).
type Manifest struct {
	ID           string
	Name         string
	Version      string
	Type         Type
	Dependencies []string
	ConfigSchema interface{}
}

// HealthStatus enumerates the three health states a module can report.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Health is the synchronous health-probe result every module returns.
type Health struct {
	Status    HealthStatus
	Message   string
	Details   map[string]interface{}
	LastCheck time.Time
}

// Context is handed to every module at initialize() — moduleId, its
// already-validated config, the shared event bus, its namespaced
// storage, a scoped logger, and the Approval Gate reference (spec §4.2
// "Context passed to modules").
type Context struct {
	ModuleID      string
	Config        map[string]interface{}
	Bus           *eventbus.Bus
	Storage       storage.Store
	Logger        logr.Logger
	ApprovalGate  *approval.Gate
}

// Module is the four-verb lifecycle contract every pluggable component
// implements.
type Module interface {
	Manifest() Manifest
	Initialize(ctx context.Context, mctx *Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
	Health() Health
}
