package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestEventBus(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Event Bus Suite")
}

var _ = Describe("Bus", func() {
	var bus *Bus

	BeforeEach(func() {
		bus = New(logr.Discard(), nil)
	})

	It("invokes every handler registered before publish begins exactly once", func() {
		var calls int32
		bus.Subscribe("incident.created", func(ctx context.Context, e Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
		bus.Subscribe("incident.created", func(ctx context.Context, e Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})

		bus.Publish(context.Background(), Event{Type: "incident.created"})

		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(2)))
	})

	It("does not deliver to handlers registered during the in-flight publish", func() {
		var lateCalled bool
		var wg sync.WaitGroup
		wg.Add(1)
		bus.Subscribe("incident.created", func(ctx context.Context, e Event) error {
			defer wg.Done()
			bus.Subscribe("incident.created", func(ctx context.Context, e Event) error {
				lateCalled = true
				return nil
			})
			return nil
		})

		bus.Publish(context.Background(), Event{Type: "incident.created"})
		wg.Wait()

		Expect(lateCalled).To(BeFalse())
		Expect(bus.ListenerCount("incident.created")).To(Equal(2))
	})

	It("isolates a failing handler without blocking its siblings or the publish", func() {
		var secondCalled bool
		bus.Subscribe("log.ingested", func(ctx context.Context, e Event) error {
			return errors.New("boom")
		})
		bus.Subscribe("log.ingested", func(ctx context.Context, e Event) error {
			secondCalled = true
			return nil
		})

		Expect(func() {
			bus.Publish(context.Background(), Event{Type: "log.ingested"})
		}).NotTo(Panic())

		Expect(secondCalled).To(BeTrue())
		Expect(bus.Diagnostics()).To(HaveLen(1))
	})

	It("isolates a panicking handler", func() {
		bus.Subscribe("log.ingested", func(ctx context.Context, e Event) error {
			panic("handler exploded")
		})

		Expect(func() {
			bus.Publish(context.Background(), Event{Type: "log.ingested"})
		}).NotTo(Panic())
		Expect(bus.Diagnostics()).To(HaveLen(1))
	})

	It("resolves publish normally even when every handler fails", func() {
		bus.Subscribe("x", func(ctx context.Context, e Event) error { return errors.New("a") })
		bus.Subscribe("x", func(ctx context.Context, e Event) error { return errors.New("b") })

		done := make(chan struct{})
		go func() {
			bus.Publish(context.Background(), Event{Type: "x"})
			close(done)
		}()

		Eventually(done, time.Second).Should(BeClosed())
	})

	It("delivers exactly one event to a subscribeOnce handler regardless of publish count", func() {
		var calls int32
		bus.SubscribeOnce("incident.created", func(ctx context.Context, e Event) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})

		bus.Publish(context.Background(), Event{Type: "incident.created"})
		bus.Publish(context.Background(), Event{Type: "incident.created"})
		bus.Publish(context.Background(), Event{Type: "incident.created"})

		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
		Expect(bus.ListenerCount("incident.created")).To(Equal(0))
	})

	It("never invokes a handler after Unsubscribe returns", func() {
		var called bool
		handle := bus.Subscribe("incident.created", func(ctx context.Context, e Event) error {
			called = true
			return nil
		})

		handle.Unsubscribe()
		bus.Publish(context.Background(), Event{Type: "incident.created"})

		Expect(called).To(BeFalse())
	})

	It("treats Unsubscribe as idempotent", func() {
		handle := bus.Subscribe("incident.created", func(ctx context.Context, e Event) error { return nil })
		handle.Unsubscribe()

		Expect(func() { handle.Unsubscribe() }).NotTo(Panic())
	})

	It("reports listener counts overall and per type", func() {
		bus.Subscribe("a", func(ctx context.Context, e Event) error { return nil })
		bus.Subscribe("a", func(ctx context.Context, e Event) error { return nil })
		bus.Subscribe("b", func(ctx context.Context, e Event) error { return nil })

		Expect(bus.ListenerCount("a")).To(Equal(2))
		Expect(bus.ListenerCount("b")).To(Equal(1))
		Expect(bus.ListenerCount()).To(Equal(3))
	})

	It("supports unsubscribing all handlers of one type without touching others", func() {
		bus.Subscribe("a", func(ctx context.Context, e Event) error { return nil })
		bus.Subscribe("b", func(ctx context.Context, e Event) error { return nil })

		bus.UnsubscribeAll("a")

		Expect(bus.ListenerCount("a")).To(Equal(0))
		Expect(bus.ListenerCount("b")).To(Equal(1))
	})

	It("invokes handlers in registration order", func() {
		var mu sync.Mutex
		var order []int
		for i := 0; i < 5; i++ {
			i := i
			bus.Subscribe("ordered", func(ctx context.Context, e Event) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}

		bus.Publish(context.Background(), Event{Type: "ordered"})

		mu.Lock()
		defer mu.Unlock()
		Expect(order).To(Equal([]int{0, 1, 2, 3, 4}))
	})
})
