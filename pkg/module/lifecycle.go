package module

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/jordigilh/opskernel/internal/errors"
	"github.com/jordigilh/opskernel/pkg/approval"
	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/shared/logging"
	"github.com/jordigilh/opskernel/pkg/storage"
)

// validate is the struct validator used to check each module's config
// against its declared ConfigSchema, once, before Initialize (spec §4.2).
var validate = validator.New()

// validateModuleConfig decodes raw into a fresh instance of the same
// type schema points to, then validates it with struct tags. A nil
// schema means the module declares no config shape to check.
func validateModuleConfig(schema interface{}, raw map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	schemaType := reflect.TypeOf(schema)
	if schemaType.Kind() != reflect.Ptr {
		return apperrors.New(apperrors.ErrorTypeValidation, "ConfigSchema must be a pointer to a struct")
	}
	instance := reflect.New(schemaType.Elem()).Interface()

	body, err := json.Marshal(raw)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "encode module config")
	}
	if err := json.Unmarshal(body, instance); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "decode module config")
	}
	if err := validate.Struct(instance); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "module config failed validation")
	}
	return nil
}

// Manager topologically orders and drives the lifecycle of a fixed set
// of modules (spec §4.2 "Startup"/"Shutdown").
type Manager struct {
	bus          *eventbus.Bus
	store        storage.Store
	approvalGate *approval.Gate
	logger       logr.Logger

	modules map[string]Module
	order   []string   // topological order, computed at Start
	tiers   [][]string // order grouped into dependency tiers, computed at Start
	started []string   // modules that completed Initialize, in start order
	configs map[string]map[string]interface{}
}

// NewManager creates a Lifecycle Manager wired to the shared CORE
// context dependencies (spec §2's dependency order: Storage → Logger →
// Audit Log → Event Bus → Approval Gate → Module Context → Lifecycle
// Manager).
func NewManager(bus *eventbus.Bus, store storage.Store, gate *approval.Gate, logger logr.Logger) *Manager {
	return &Manager{
		bus:          bus,
		store:        store,
		approvalGate: gate,
		logger:       logger,
		modules:      make(map[string]Module),
		configs:      make(map[string]map[string]interface{}),
	}
}

// Register adds a module with its raw configuration, which Start
// validates against the module's ConfigSchema before Initialize. Must
// be called before Start.
func (m *Manager) Register(mod Module, config map[string]interface{}) {
	manifest := mod.Manifest()
	m.modules[manifest.ID] = mod
	m.configs[manifest.ID] = config
}

// topoTiers runs Kahn's algorithm over the registered modules' declared
// dependencies, but instead of flattening into one order it keeps each
// BFS layer separate: every tier holds modules with no dependency
// relationship to one another, so Stop can run a tier's modules
// concurrently (spec §4.2; SPEC_FULL.md's errgroup-backed parallel
// shutdown). Returns apperrors with ErrorTypeCycle if a cycle is present.
func (m *Manager) topoTiers() ([][]string, error) {
	inDegree := make(map[string]int, len(m.modules))
	dependents := make(map[string][]string)

	for id := range m.modules {
		inDegree[id] = 0
	}
	for id, mod := range m.modules {
		for _, dep := range mod.Manifest().Dependencies {
			if _, ok := m.modules[dep]; !ok {
				return nil, apperrors.New(apperrors.ErrorTypeValidation, fmt.Sprintf("module %q declares unknown dependency %q", id, dep))
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sortStrings(frontier)

	var tiers [][]string
	total := 0
	for len(frontier) > 0 {
		tiers = append(tiers, frontier)
		total += len(frontier)

		var next []string
		for _, id := range frontier {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sortStrings(next)
		frontier = next
	}

	if total != len(m.modules) {
		return nil, apperrors.New(apperrors.ErrorTypeCycle, "module dependency cycle detected")
	}
	return tiers, nil
}

// topoSort flattens topoTiers into a single dependencies-first order, for
// callers (Start) that only need a sequential pass.
func (m *Manager) topoSort() ([]string, error) {
	tiers, err := m.topoTiers()
	if err != nil {
		return nil, err
	}
	var order []string
	for _, tier := range tiers {
		order = append(order, tier...)
	}
	return order, nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Start topologically sorts the registered modules, then initializes
// each in dependency order followed by starting each in the same order.
// An Initialize failure destroys already-initialized modules in reverse
// order before returning the error.
func (m *Manager) Start(ctx context.Context) error {
	tiers, err := m.topoTiers()
	if err != nil {
		return err
	}
	m.tiers = tiers
	var order []string
	for _, tier := range tiers {
		order = append(order, tier...)
	}
	m.order = order

	for _, id := range order {
		mod := m.modules[id]
		if err := validateModuleConfig(mod.Manifest().ConfigSchema, m.configs[id]); err != nil {
			m.destroyReverse(ctx, m.started)
			m.started = nil
			return fmt.Errorf("validate config for module %q: %w", id, err)
		}
		mctx := &Context{
			ModuleID:     id,
			Config:       m.configs[id],
			Bus:          m.bus,
			Storage:      storage.NewNamespaced(m.store, id),
			Logger:       m.logger.WithValues(logging.NewFields().Component("module").Custom("moduleId", id).ToKeysAndValues()...),
			ApprovalGate: m.approvalGate,
		}
		if err := mod.Initialize(ctx, mctx); err != nil {
			m.destroyReverse(ctx, m.started)
			m.started = nil
			return fmt.Errorf("initialize module %q: %w", id, err)
		}
		m.started = append(m.started, id)
	}

	for _, id := range order {
		if err := m.modules[id].Start(ctx); err != nil {
			return fmt.Errorf("start module %q: %w", id, err)
		}
	}
	return nil
}

func (m *Manager) destroyReverse(ctx context.Context, ids []string) {
	for i := len(ids) - 1; i >= 0; i-- {
		if err := m.modules[ids[i]].Destroy(ctx); err != nil {
			m.logger.Error(err, "failed to destroy module during startup rollback", "moduleId", ids[i])
		}
	}
}

// Stop drives stop() then destroy() over every registered module, tier
// by tier in reverse dependency order. Modules within a tier have no
// dependency relationship to each other, so each tier's Stop/Destroy
// calls run concurrently via errgroup; the Manager still waits for a
// whole tier to finish before moving to the next, since an earlier
// tier's modules may depend on the one being stopped. Failures in one
// module do not prevent others from stopping; all failures are
// aggregated and returned.
func (m *Manager) Stop(ctx context.Context) error {
	tiers := m.tiers
	if tiers == nil {
		computed, err := m.topoTiers()
		if err == nil {
			tiers = computed
		} else {
			var ids []string
			for id := range m.modules {
				ids = append(ids, id)
			}
			sortStrings(ids)
			for _, id := range ids {
				tiers = append(tiers, []string{id})
			}
		}
	}

	var mu sync.Mutex
	var errs []error
	for i := len(tiers) - 1; i >= 0; i-- {
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range tiers[i] {
			id := id
			g.Go(func() error {
				mod := m.modules[id]
				if err := mod.Stop(gctx); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("stop module %q: %w", id, err))
					mu.Unlock()
				}
				if err := mod.Destroy(gctx); err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("destroy module %q: %w", id, err))
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait() // per-module failures are collected in errs, never short-circuited
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Health returns the current Health report of every registered module,
// keyed by module id.
func (m *Manager) Health() map[string]Health {
	out := make(map[string]Health, len(m.modules))
	for id, mod := range m.modules {
		out[id] = mod.Health()
	}
	return out
}
