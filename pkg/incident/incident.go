// Package incident implements the Incident Store (spec §3 "Incident",
// §6 event taxonomy): the exclusive owner of the incidents collection,
// consuming incident.created/incident.suppressed/incident.escalated and
// enrichment.completed to build each Incident's timeline, and exposing
// the only query path other components may use to read incidents.
package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
	"github.com/jordigilh/opskernel/pkg/storage"
)

// Status is the Incident state machine (spec §3): open → acknowledged →
// resolved/closed, closed terminal.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
	StatusClosed       Status = "closed"
)

var validTransitions = map[Status]map[Status]bool{
	StatusOpen:         {StatusAcknowledged: true, StatusResolved: true, StatusClosed: true},
	StatusAcknowledged: {StatusResolved: true, StatusClosed: true},
	StatusResolved:     {StatusClosed: true},
	StatusClosed:       {},
}

// TimelineEntry is one append-only event in an Incident's history.
type TimelineEntry struct {
	At      time.Time              `json:"at"`
	Kind    string                 `json:"kind"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Incident is the CORE's central domain entity (spec §3).
type Incident struct {
	IncidentID  string                 `json:"incidentId"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Severity    string                 `json:"severity"`
	DetectedBy  string                 `json:"detectedBy"`
	DetectedAt  time.Time              `json:"detectedAt"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Status      Status                 `json:"status"`
	Timeline    []TimelineEntry        `json:"timeline"`
	Enrichments map[string]interface{} `json:"enrichments,omitempty"`
}

// Query filters Store.List results.
type Query struct {
	Status   Status
	Severity string
	Limit    int
}

// Store is the Incident Store: exclusive owner of the incidents
// collection (spec §3 "Ownership" — accessed by others only through
// these public operations, never by direct storage access).
type Store struct {
	mu      sync.RWMutex
	backing storage.Store
	bus     *eventbus.Bus
	cache   map[string]*Incident
	order   []string // insertion order, for deterministic List

	createdSub     eventbus.Handle
	suppressedSub  eventbus.Handle
	escalatedSub   eventbus.Handle
	enrichmentSub  eventbus.Handle
}

const collection = "incidents"

func NewStore(backing storage.Store, bus *eventbus.Bus) *Store {
	return &Store{backing: backing, bus: bus, cache: make(map[string]*Incident)}
}

// Subscribe wires the Store to the bus events that mutate incidents. It
// is separate from construction so tests can drive Create/Update directly.
func (s *Store) Subscribe() {
	s.createdSub = s.bus.Subscribe(events.TypeIncidentCreated, func(ctx context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.IncidentCreated)
		if !ok {
			return nil
		}
		_, err := s.Create(ctx, p)
		return err
	})
	s.suppressedSub = s.bus.Subscribe(events.TypeIncidentSuppressed, func(ctx context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.IncidentSuppressed)
		if !ok {
			return nil
		}
		return s.appendTimeline(ctx, p.OriginalIncidentID, "suppressed_duplicate", map[string]interface{}{
			"suppressedIncidentId": p.SuppressedIncidentID,
			"occurrences":          p.Occurrences,
		})
	})
	s.escalatedSub = s.bus.Subscribe(events.TypeIncidentEscalated, func(ctx context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.IncidentEscalated)
		if !ok {
			return nil
		}
		return s.appendTimeline(ctx, p.IncidentID, "escalated", map[string]interface{}{
			"policyId": p.PolicyID,
			"level":    p.Level,
			"notify":   p.Notify,
		})
	})
	s.enrichmentSub = s.bus.Subscribe(events.TypeEnrichmentCompleted, func(ctx context.Context, e eventbus.Event) error {
		p, ok := e.Payload.(events.EnrichmentCompleted)
		if !ok {
			return nil
		}
		return s.applyEnrichment(ctx, p)
	})
}

func (s *Store) Unsubscribe() {
	for _, h := range []eventbus.Handle{s.createdSub, s.suppressedSub, s.escalatedSub, s.enrichmentSub} {
		if h != nil {
			h.Unsubscribe()
		}
	}
}

// Create inserts a new Incident with status open (spec §3 lifecycle
// start). Idempotent on a repeated incidentId: returns the existing one.
func (s *Store) Create(ctx context.Context, p events.IncidentCreated) (*Incident, error) {
	s.mu.Lock()
	if existing, ok := s.cache[p.IncidentID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	inc := &Incident{
		IncidentID:  p.IncidentID,
		Title:       p.Title,
		Description: p.Description,
		Severity:    p.Severity,
		DetectedBy:  p.DetectedBy,
		DetectedAt:  p.DetectedAt,
		Context:     p.Context,
		Status:      StatusOpen,
		Timeline: []TimelineEntry{
			{At: p.DetectedAt, Kind: "created", Details: map[string]interface{}{"detectedBy": p.DetectedBy}},
		},
		Enrichments: map[string]interface{}{},
	}
	s.cache[p.IncidentID] = inc
	s.order = append(s.order, p.IncidentID)
	s.mu.Unlock()

	return inc, s.persist(ctx, inc)
}

// UpdateStatus transitions status, enforcing the state machine, appends
// a timeline entry, and publishes incident.updated (spec §6 table).
func (s *Store) UpdateStatus(ctx context.Context, incidentID string, newStatus Status, updatedBy string) error {
	s.mu.Lock()
	inc, ok := s.cache[incidentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("incident %q not found", incidentID)
	}
	old := inc.Status
	if !validTransitions[old][newStatus] {
		s.mu.Unlock()
		return fmt.Errorf("invalid status transition %s -> %s for incident %q", old, newStatus, incidentID)
	}
	now := time.Now()
	inc.Status = newStatus
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		At: now, Kind: "status_changed",
		Details: map[string]interface{}{"from": string(old), "to": string(newStatus), "updatedBy": updatedBy},
	})
	s.mu.Unlock()

	if err := s.persist(ctx, inc); err != nil {
		return err
	}
	s.bus.Publish(ctx, eventbus.Event{
		Type: events.TypeIncidentUpdated, Source: "incident-store", Timestamp: now,
		Payload: events.IncidentUpdated{
			IncidentID: incidentID, Field: "status", OldValue: string(old), NewValue: string(newStatus),
			UpdatedBy: updatedBy, UpdatedAt: now,
		},
	})
	return nil
}

func (s *Store) appendTimeline(ctx context.Context, incidentID, kind string, details map[string]interface{}) error {
	s.mu.Lock()
	inc, ok := s.cache[incidentID]
	if !ok {
		s.mu.Unlock()
		return nil // unknown incident, nothing to enrich — not an error per spec's cooperative model
	}
	inc.Timeline = append(inc.Timeline, TimelineEntry{At: time.Now(), Kind: kind, Details: details})
	s.mu.Unlock()
	return s.persist(ctx, inc)
}

func (s *Store) applyEnrichment(ctx context.Context, p events.EnrichmentCompleted) error {
	s.mu.Lock()
	inc, ok := s.cache[p.IncidentID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	inc.Enrichments[p.EnricherModule] = p.Data
	inc.Timeline = append(inc.Timeline, TimelineEntry{
		At: p.CompletedAt, Kind: "enrichment", Details: map[string]interface{}{
			"enricherModule": p.EnricherModule, "enrichmentType": p.EnrichmentType,
		},
	})
	s.mu.Unlock()
	return s.persist(ctx, inc)
}

// Get returns a defensive copy of the tracked Incident.
func (s *Store) Get(incidentID string) (Incident, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.cache[incidentID]
	if !ok {
		return Incident{}, false
	}
	return cloneIncident(inc), true
}

// List returns incidents matching q in creation order, newest last; a
// positive Limit keeps only the Limit most recently created matches.
func (s *Store) List(q Query) []Incident {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Incident, 0, len(s.order))
	for _, id := range s.order {
		inc, ok := s.cache[id]
		if !ok {
			continue
		}
		if q.Status != "" && inc.Status != q.Status {
			continue
		}
		if q.Severity != "" && inc.Severity != q.Severity {
			continue
		}
		out = append(out, cloneIncident(inc))
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func cloneIncident(inc *Incident) Incident {
	cp := *inc
	cp.Timeline = append([]TimelineEntry(nil), inc.Timeline...)
	ctxCopy := make(map[string]interface{}, len(inc.Context))
	for k, v := range inc.Context {
		ctxCopy[k] = v
	}
	cp.Context = ctxCopy
	enrichCopy := make(map[string]interface{}, len(inc.Enrichments))
	for k, v := range inc.Enrichments {
		enrichCopy[k] = v
	}
	cp.Enrichments = enrichCopy
	return cp
}

func (s *Store) persist(ctx context.Context, inc *Incident) error {
	if s.backing == nil {
		return nil
	}
	data, err := json.Marshal(inc)
	if err != nil {
		return fmt.Errorf("marshal incident %q: %w", inc.IncidentID, err)
	}
	return s.backing.Set(ctx, collection, inc.IncidentID, data)
}

// Load restores the cache from backing storage (e.g. after restart with
// a persistent backend). Module.Initialize calls it on every start; an
// empty backing store restores nothing.
func (s *Store) Load(ctx context.Context) error {
	if s.backing == nil {
		return nil
	}
	keys, err := s.backing.List(ctx, collection)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		data, ok, err := s.backing.Get(ctx, collection, key)
		if err != nil || !ok {
			continue
		}
		var inc Incident
		if err := json.Unmarshal(data, &inc); err != nil {
			continue
		}
		cp := inc
		s.cache[key] = &cp
		if _, exists := indexOf(s.order, key); !exists {
			s.order = append(s.order, key)
		}
	}
	return nil
}

func indexOf(xs []string, v string) (int, bool) {
	for i, x := range xs {
		if x == v {
			return i, true
		}
	}
	return -1, false
}
