// Package dedup implements the Deduplication/Suppression Engine (spec
// §4.4): fingerprint-window suppression with occurrence counting and
// LRU capacity eviction.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
	"github.com/jordigilh/opskernel/pkg/shared/jsonvalue"
)

// Config tunes one Engine instance.
type Config struct {
	Fields          []string      // default {title, severity, detectedBy}
	Window          time.Duration // windowMs
	MaxFingerprints int
	EmitSuppressed  bool
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Fields:          []string{"title", "severity", "detectedBy"},
		Window:          5 * time.Minute,
		MaxFingerprints: 10000,
		EmitSuppressed:  true,
	}
}

// entry is the FingerprintEntry domain object (spec §3).
type entry struct {
	fingerprint        string
	originalIncidentID string
	occurrences        int
	firstSeenAt        time.Time
	lastSeenAt         time.Time
}

// Stats exposes the running totals the end-to-end test scenarios assert on.
type Stats struct {
	TotalPassed     int
	TotalSuppressed int
}

// Engine is the Deduplication/Suppression Engine.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	stats   Stats

	bus *eventbus.Bus
}

// NewEngine creates a dedup Engine publishing suppression/enrichment
// events on bus.
func NewEngine(bus *eventbus.Bus, cfg Config) *Engine {
	if cfg.Fields == nil {
		cfg.Fields = DefaultConfig().Fields
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.MaxFingerprints <= 0 {
		cfg.MaxFingerprints = DefaultConfig().MaxFingerprints
	}
	return &Engine{bus: bus, cfg: cfg, entries: make(map[string]*entry)}
}

// Fingerprint computes the SHA-256 hex digest of the configured fields,
// in configured order, as "field=value|field=value|..." (spec §4.4). A
// bare field name is not a valid jq path on its own (that's a zero-arity
// function call in jq syntax) — each field is looked up as ".<field>",
// the same dotted-path convention jsonvalue.FieldOrEmpty uses, so a
// field can also reach into a nested value (e.g. "context.pod").
func Fingerprint(fields []string, context jsonvalue.Map) string {
	parts := make([]string, len(fields))
	for i, f := range fields {
		v, _ := jsonvalue.LookupString(context, "."+f)
		parts[i] = fmt.Sprintf("%s=%s", f, v)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// OnIncidentCreated runs the spec §4.4 "Algorithm on receive" against
// incident, keyed by its title/severity/detectedBy/context fields.
func (e *Engine) OnIncidentCreated(ctx context.Context, incidentID string, lookup jsonvalue.Map) {
	fp := Fingerprint(e.cfg.Fields, lookup)
	now := time.Now()

	e.mu.Lock()
	existing, ok := e.entries[fp]
	if ok && now.Sub(existing.lastSeenAt) < e.cfg.Window {
		existing.occurrences++
		existing.lastSeenAt = now
		occurrences := existing.occurrences
		originalID := existing.originalIncidentID
		e.stats.TotalSuppressed++
		e.mu.Unlock()

		e.bus.Publish(ctx, eventbus.Event{
			Type:      events.TypeEnrichmentCompleted,
			Source:    "dedup-engine",
			Timestamp: now,
			Payload: events.EnrichmentCompleted{
				IncidentID:     originalID,
				EnricherModule: "dedup-engine",
				EnrichmentType: "dedup_occurrence",
				Data:           map[string]interface{}{"occurrences": occurrences},
				CompletedAt:    now,
			},
		})
		if e.cfg.EmitSuppressed {
			e.bus.Publish(ctx, eventbus.Event{
				Type:      events.TypeIncidentSuppressed,
				Source:    "dedup-engine",
				Timestamp: now,
				Payload: events.IncidentSuppressed{
					SuppressedIncidentID: incidentID,
					OriginalIncidentID:   originalID,
					Fingerprint:          fp,
					Occurrences:          occurrences,
					WindowMs:             e.cfg.Window.Milliseconds(),
				},
			})
		}
		return
	}

	if len(e.entries) >= e.cfg.MaxFingerprints {
		e.evictLRU()
	}
	e.entries[fp] = &entry{
		fingerprint:        fp,
		originalIncidentID: incidentID,
		occurrences:        1,
		firstSeenAt:        now,
		lastSeenAt:         now,
	}
	e.stats.TotalPassed++
	e.mu.Unlock()
}

// evictLRU removes the entry with the smallest lastSeenAt. Caller holds e.mu.
func (e *Engine) evictLRU() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, v := range e.entries {
		if first || v.lastSeenAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = v.lastSeenAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(e.entries, oldestKey)
	}
}

// Sweep removes entries whose window has elapsed (spec §4.4 "Expiry
// sweep"). Exposed directly so tests don't depend on real time.
func (e *Engine) Sweep() int {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for k, v := range e.entries {
		if now.Sub(v.lastSeenAt) >= e.cfg.Window {
			delete(e.entries, k)
			removed++
		}
	}
	return removed
}

// SweepInterval is min(windowMs/2, 60s) per spec §4.4.
func (e *Engine) SweepInterval() time.Duration {
	half := e.cfg.Window / 2
	if half > 60*time.Second {
		return 60 * time.Second
	}
	return half
}

// Stats returns a snapshot of the running totals.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Size returns the current fingerprint table size.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}
