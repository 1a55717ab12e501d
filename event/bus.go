// Package event delivers domain events to in-process subscribers and to
// external sinks.
//
// Delivery guarantees are deliberately weak: order is preserved per
// (tenant, topic) and nothing else. Handlers must not block for long;
// publication on one (tenant, topic) key is serialized through them.
package event

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/sentinelsec/sentinel"
)

// Sink receives events bound for an external system.
type Sink interface {
	Publish(ctx context.Context, ev sentinel.Event) error
}

// Handler is an in-process subscriber.
type Handler func(ctx context.Context, ev sentinel.Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	topic    map[string][]Handler
	all      []Handler
	orderMu  sync.Mutex
	ordering map[orderKey]*sync.Mutex
}

type orderKey struct {
	tenant uuid.UUID
	topic  string
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		topic:    make(map[string][]Handler),
		ordering: make(map[orderKey]*sync.Mutex),
	}
}

// Subscribe registers h for one topic, or for every topic if topic is
// empty. Subscriptions cannot be removed.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		b.all = append(b.all, h)
		return
	}
	b.topic[topic] = append(b.topic[topic], h)
}

// Forward attaches a sink as a subscriber for every topic. Sink errors are
// logged and do not affect other subscribers.
func (b *Bus) Forward(s Sink) {
	b.Subscribe("", func(ctx context.Context, ev sentinel.Event) {
		if err := s.Publish(ctx, ev); err != nil {
			zlog.Warn(ctx).
				Str("topic", ev.Payload.Topic()).
				Stringer("tenant", ev.TenantID).
				Err(err).
				Msg("event sink publish failed")
		}
	})
}

func (b *Bus) keylock(k orderKey) *sync.Mutex {
	b.orderMu.Lock()
	defer b.orderMu.Unlock()
	m, ok := b.ordering[k]
	if !ok {
		m = new(sync.Mutex)
		b.ordering[k] = m
	}
	return m
}

// Publish delivers the event to every matching subscriber, serialized per
// (tenant, topic) so subscribers observe a consistent order for each key.
func (b *Bus) Publish(ctx context.Context, ev sentinel.Event) {
	topic := ev.Payload.Topic()
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.all)+len(b.topic[topic]))
	hs = append(hs, b.topic[topic]...)
	hs = append(hs, b.all...)
	b.mu.RUnlock()
	if len(hs) == 0 {
		return
	}
	m := b.keylock(orderKey{tenant: ev.TenantID, topic: topic})
	m.Lock()
	defer m.Unlock()
	for _, h := range hs {
		h(ctx, ev)
	}
}
