package incident

import (
	"context"
	"time"

	"github.com/jordigilh/opskernel/pkg/module"
)

// Module adapts a Store to the pkg/module.Module lifecycle contract. Its
// manifest type is Enricher (spec §3 "Ownership": the Incident Store
// consumes incident.created alongside Dedup and the AI Summary enricher).
type Module struct {
	id     string
	store  *Store
	health module.Health
}

func NewModule(id string) *Module {
	return &Module{id: id}
}

func (m *Module) Manifest() module.Manifest {
	return module.Manifest{ID: m.id, Name: "Incident Store", Version: "1.0.0", Type: module.TypeEnricher}
}

func (m *Module) Initialize(ctx context.Context, mctx *module.Context) error {
	m.store = NewStore(mctx.Storage, mctx.Bus)
	if err := m.store.Load(ctx); err != nil {
		return err
	}
	m.store.Subscribe()
	m.health = module.Health{Status: module.HealthHealthy, LastCheck: time.Now()}
	return nil
}

func (m *Module) Start(_ context.Context) error { return nil }

func (m *Module) Stop(_ context.Context) error {
	m.store.Unsubscribe()
	return nil
}

func (m *Module) Destroy(_ context.Context) error { return nil }

func (m *Module) Health() module.Health {
	m.health.LastCheck = time.Now()
	m.health.Details = map[string]interface{}{"incidentCount": m.store.Count()}
	return m.health
}

// Store returns the underlying Incident Store for direct use by other
// in-process components (e.g. OpenClaw tools, per spec §9 "explicit
// dependency injection, not... mutual back-reference").
func (m *Module) Store() *Store { return m.store }
