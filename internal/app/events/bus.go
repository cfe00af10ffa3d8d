package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"liveRelay/internal/domain"
	"liveRelay/internal/logging"
	"liveRelay/internal/metrics"
)

// Handler reacts to one event. A returned error is reported by the bus and
// never stops delivery to the other handlers.
type Handler func(ctx context.Context, ev domain.Event) error

type subscription struct {
	id      int
	handler Handler
}

// Bus dispatches events synchronously, on the publishing goroutine, to every
// handler registered for the event's kind, in registration order.
//
// The per-kind handler slices are copy-on-write: Subscribe and unsubscribe
// swap in a fresh slice, so Publish only holds the read lock long enough to
// grab the current one.
type Bus struct {
	mu        sync.RWMutex
	subs      map[domain.EventKind][]subscription
	nextSubID int

	logger  *slog.Logger
	metrics *metrics.Metrics

	failMu   sync.Mutex
	failures map[domain.EventKind]uint64
}

type BusOption func(*Bus)

func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

func WithMetrics(m *metrics.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:     make(map[domain.EventKind][]subscription),
		failures: make(map[domain.EventKind]uint64),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrDefault(b.logger)
	return b
}

// Subscribe registers h for kind. The returned func removes it; calling it
// more than once is harmless.
func (b *Bus) Subscribe(kind domain.EventKind, h Handler) func() {
	if h == nil {
		return func() {}
	}

	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	current := b.subs[kind]
	next := make([]subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, subscription{id: id, handler: h})
	b.subs[kind] = next
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(kind, id) })
	}
}

func (b *Bus) unsubscribe(kind domain.EventKind, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs[kind]
	next := make([]subscription, 0, len(current))
	for _, sub := range current {
		if sub.id != id {
			next = append(next, sub)
		}
	}
	if len(next) == 0 {
		delete(b.subs, kind)
		return
	}
	b.subs[kind] = next
}

// Publish runs every handler registered for ev.Kind() before returning.
// Handlers added after this call starts do not see ev. A handler may publish
// further events; those are dispatched immediately (depth first).
func (b *Bus) Publish(ctx context.Context, ev domain.Event) {
	if ev == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	kind := ev.Kind()

	b.mu.RLock()
	handlers := b.subs[kind]
	b.mu.RUnlock()

	b.metrics.EventPublished(kind.String())

	for _, sub := range handlers {
		b.dispatch(ctx, kind, sub.handler, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, kind domain.EventKind, h Handler, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.recordFailure(kind, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := h(ctx, ev); err != nil {
		b.recordFailure(kind, err)
	}
}

func (b *Bus) recordFailure(kind domain.EventKind, err error) {
	b.failMu.Lock()
	b.failures[kind]++
	total := b.failures[kind]
	b.failMu.Unlock()

	b.metrics.HandlerFailed(kind.String())
	b.logger.Error("events: handler failed", "kind", kind.String(), "error", err, "failures", total)
}

// Handlers reports how many handlers are registered for kind.
func (b *Bus) Handlers(kind domain.EventKind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Failures reports how many handler invocations for kind have failed.
func (b *Bus) Failures(kind domain.EventKind) uint64 {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	return b.failures[kind]
}

// On registers a handler typed to one event variant. T must be one of the
// value types declared in domain (ChatMessage, NewFollow, ...).
func On[T domain.Event](b *Bus, fn func(ctx context.Context, ev T) error) func() {
	var zero T
	kind := zero.Kind()
	return b.Subscribe(kind, func(ctx context.Context, ev domain.Event) error {
		typed, ok := ev.(T)
		if !ok {
			return fmt.Errorf("events: unexpected %T for kind %s", ev, kind)
		}
		return fn(ctx, typed)
	})
}

var _ domain.EventPublisher = (*Bus)(nil)
