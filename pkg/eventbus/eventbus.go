// Package eventbus implements the CORE's typed, in-process publish/subscribe
// bus (spec §4.1). Handlers for a single publish are invoked in registration
// order and awaited together via golang.org/x/sync/errgroup; a handler's
// failure is isolated, logged to a bounded diagnostic ring, and never
// surfaced to the publisher. Registration and revocation are synchronized;
// the set of handlers invoked for a publish is exactly the set registered
// at the moment the publish begins — a handler registered mid-dispatch
// never observes that in-flight event.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// tracer wraps every publish in a span (SPEC_FULL.md "Observability"),
// propagating correlationId as an attribute. With no SDK configured the
// global TracerProvider is a no-op — this stays ambient instrumentation
// scaffolding, not a hard dependency on a running collector.
var tracer = otel.Tracer("github.com/jordigilh/opskernel/pkg/eventbus")

// Event is the CORE's immutable, wire-observable record. Payload carries a
// type-specific struct per spec.md §9 ("eventually-typed payloads").
type Event struct {
	Type          string
	Source        string
	Timestamp     time.Time
	CorrelationID string
	Payload       interface{}
}

// Handler processes one Event. A returned error is isolated by the bus: it
// is logged and never prevents sibling handlers from running or the
// publish from resolving.
type Handler func(ctx context.Context, event Event) error

// Handle is the cancellable subscription handle returned by Subscribe and
// SubscribeOnce. Unsubscribe is idempotent.
type Handle interface {
	ID() string
	Unsubscribe()
}

// HandlerError is one isolated handler failure, retained in the bus's
// bounded diagnostic ring — this is the only place a handler error is
// ever surfaced; it is never returned from Publish.
type HandlerError struct {
	SubscriptionID string
	EventType      string
	Err            error
	OccurredAt     time.Time
}

type subscription struct {
	id        string
	eventType string
	handler   Handler
}

const diagnosticRingSize = 256

// Bus is the CORE's typed pub/sub implementation.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscription // eventType -> ordered registrations
	byID map[string]string          // subscription id -> eventType, for O(1) lookup on revoke

	diagMu sync.Mutex
	diag   []HandlerError

	logger  logr.Logger
	metrics *Metrics
}

// New creates an empty, ready-to-use Bus.
func New(logger logr.Logger, metrics *Metrics) *Bus {
	if metrics == nil {
		metrics = NewNopMetrics()
	}
	return &Bus{
		subs:    make(map[string][]*subscription),
		byID:    make(map[string]string),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers handler for eventType and returns a cancellable handle.
func (b *Bus) Subscribe(eventType string, handler Handler) Handle {
	sub := &subscription{id: uuid.NewString(), eventType: eventType, handler: handler}
	b.register(sub)
	return &subscriptionHandle{bus: b, id: sub.id}
}

// SubscribeOnce registers a handler that revokes itself before its first
// delivery, so the handler body can never be re-entered by its own event.
func (b *Bus) SubscribeOnce(eventType string, handler Handler) Handle {
	id := uuid.NewString()
	sub := &subscription{
		id:        id,
		eventType: eventType,
		handler: func(ctx context.Context, event Event) error {
			b.unsubscribe(id)
			return handler(ctx, event)
		},
	}
	b.register(sub)
	return &subscriptionHandle{bus: b, id: id}
}

func (b *Bus) register(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.eventType] = append(b.subs[sub.eventType], sub)
	b.byID[sub.id] = sub.eventType
}

// Unsubscribe revokes the subscription with the given id. Idempotent: a
// second call (or a call with an unknown id) is a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.unsubscribe(id)
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	eventType, ok := b.byID[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	list := b.subs[eventType]
	for i, s := range list {
		if s.id == id {
			b.subs[eventType] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[eventType]) == 0 {
		delete(b.subs, eventType)
	}
}

// UnsubscribeAll revokes every subscription, or only those for eventType
// when one is given.
func (b *Bus) UnsubscribeAll(eventType ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(eventType) == 0 {
		b.subs = make(map[string][]*subscription)
		b.byID = make(map[string]string)
		return
	}
	for _, t := range eventType {
		for _, s := range b.subs[t] {
			delete(b.byID, s.id)
		}
		delete(b.subs, t)
	}
}

// ListenerCount returns the number of subscriptions for eventType, or the
// total across all types when no argument is given.
func (b *Bus) ListenerCount(eventType ...string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(eventType) == 0 {
		total := 0
		for _, list := range b.subs {
			total += len(list)
		}
		return total
	}
	return len(b.subs[eventType[0]])
}

// Publish delivers event to the snapshot of handlers registered for its
// type at the moment Publish is called, and returns once every one of
// them has settled (succeeded, failed, or panicked). A handler's failure
// never prevents its siblings from running and never causes Publish to
// report an error to the caller.
func (b *Bus) Publish(ctx context.Context, event Event) {
	ctx, span := tracer.Start(ctx, "eventbus.publish", trace.WithAttributes(
		attribute.String("event.type", event.Type),
		attribute.String("correlation.id", event.CorrelationID),
	))
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	live := b.subs[event.Type]
	snapshot := make([]*subscription, len(live))
	copy(snapshot, live)
	b.mu.RUnlock()

	b.metrics.ObservePublish(event.Type, len(snapshot))
	if len(snapshot) == 0 {
		return
	}

	// Handlers for one publish are invoked in registration order and
	// awaited together. errgroup.Group gives the uniform "await everything,
	// never let one failure cancel the rest" shape even though, for a
	// single publish, dispatch is sequential by construction so that
	// registration order is also observed invocation order; distinct
	// publishes may still run concurrently against each other since
	// Publish itself holds no lock across dispatch.
	var eg errgroup.Group
	eg.Go(func() error {
		for _, sub := range snapshot {
			b.dispatch(ctx, sub, event)
		}
		return nil
	})
	_ = eg.Wait()
}

func (b *Bus) dispatch(ctx context.Context, sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.isolate(sub, event, fmt.Errorf("handler panic: %v", r))
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.isolate(sub, event, err)
	}
}

func (b *Bus) isolate(sub *subscription, event Event, err error) {
	b.metrics.ObserveHandlerError(event.Type)
	b.logger.Error(err, "event handler failed",
		"subscriptionId", sub.id, "eventType", event.Type, "correlationId", event.CorrelationID)

	b.diagMu.Lock()
	defer b.diagMu.Unlock()
	b.diag = append(b.diag, HandlerError{
		SubscriptionID: sub.id,
		EventType:      event.Type,
		Err:            err,
		OccurredAt:     time.Now(),
	})
	if len(b.diag) > diagnosticRingSize {
		b.diag = b.diag[len(b.diag)-diagnosticRingSize:]
	}
}

// Diagnostics returns a snapshot of recently isolated handler errors.
func (b *Bus) Diagnostics() []HandlerError {
	b.diagMu.Lock()
	defer b.diagMu.Unlock()
	out := make([]HandlerError, len(b.diag))
	copy(out, b.diag)
	return out
}

type subscriptionHandle struct {
	bus *Bus
	id  string
}

func (h *subscriptionHandle) ID() string {
	return h.id
}

func (h *subscriptionHandle) Unsubscribe() {
	h.bus.unsubscribe(h.id)
}
