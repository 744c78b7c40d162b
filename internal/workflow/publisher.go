package workflow

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Publisher persists events and fans them out to subscribers, with
// publisher isolation: a subscriber's panic or any downstream failure never
// prevents persistence or other subscribers from observing the event, and
// never propagates into the caller (the executor driving a run).
//
// Internally this keeps the teacher's SSE Broadcaster's mutex-guarded map of
// live subscribers, but delivery is a synchronous callback call on the
// publishing goroutine: a slow callback delays the publisher, and no event
// is dropped. It is generalized from one broadcaster per HTTP-facing run to
// a single process-wide publisher whose durable history lives in the
// injected EventStore rather than only in memory.
type Publisher struct {
	store EventStore

	mu   sync.Mutex
	subs map[string]Subscription
}

// NewPublisher constructs a Publisher backed by the given event store.
func NewPublisher(store EventStore) *Publisher {
	return &Publisher{store: store, subs: make(map[string]Subscription)}
}

// Subscribe registers a subscription and returns an unsubscribe function
// that removes it in O(n).
func (p *Publisher) Subscribe(sub Subscription) (unsubscribe func()) {
	p.mu.Lock()
	p.subs[sub.ID] = sub
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, sub.ID)
		p.mu.Unlock()
	}
}

// PublishEvent persists ev and synchronously invokes every matching live
// subscriber's callback, isolating each callback's failure (including a
// panic) so it can never affect persistence, other subscribers, or the
// caller.
func (p *Publisher) PublishEvent(ctx context.Context, ev Event) (Event, error) {
	persisted, err := p.store.Append(ctx, ev)
	if err != nil {
		return Event{}, err
	}

	p.mu.Lock()
	matching := make([]Subscription, 0, len(p.subs))
	for _, sub := range p.subs {
		if sub.matches(persisted) {
			matching = append(matching, sub)
		}
	}
	p.mu.Unlock()

	for _, sub := range matching {
		p.deliverIsolated(sub, persisted)
	}
	return persisted, nil
}

// deliverIsolated invokes sub.Callback, recovering any panic so one bad
// subscriber can never take down the publish path or the run it's
// observing. Errors are logged, never returned — subscriptions are
// observational.
func (p *Publisher) deliverIsolated(sub Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().
				Str("component", "publisher").
				Str("subscriptionId", sub.ID).
				Interface("panic", r).
				Msg("subscriber callback panicked; isolated")
		}
	}()
	sub.Callback(ev)
}

// GetEventsByRun returns the persisted events for a run, in publish order.
func (p *Publisher) GetEventsByRun(ctx context.Context, scope, runID string) ([]Event, error) {
	return p.store.ListByRun(ctx, scope, runID)
}

// GetEventsByScope returns the persisted events for a scope, optionally
// narrowed by event type.
func (p *Publisher) GetEventsByScope(ctx context.Context, scope string, types []EventType) ([]Event, error) {
	return p.store.ListByScope(ctx, scope, types)
}
