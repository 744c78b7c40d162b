package workflow

import (
	"context"
	"testing"
)

func TestPublisher_PanickingSubscriberDoesNotStopOtherDeliveries(t *testing.T) {
	p := NewPublisher(NewMemEventStore())
	ctx := context.Background()

	var sawPanicking, sawSecond bool
	p.Subscribe(Subscription{
		ID:    "panicker",
		Scope: "tenant-a",
		Callback: func(Event) {
			sawPanicking = true
			panic("subscriber exploded")
		},
	})
	p.Subscribe(Subscription{
		ID:    "observer",
		Scope: "tenant-a",
		Callback: func(Event) {
			sawSecond = true
		},
	})

	ev, err := p.PublishEvent(ctx, Event{ID: NewID(), Type: EventRunCreated, Scope: "tenant-a", RunID: "run-1"})
	if err != nil {
		t.Fatalf("expected PublishEvent to succeed despite a panicking subscriber, got %v", err)
	}
	if ev.ID == "" {
		t.Fatalf("expected the persisted event to be returned")
	}
	if !sawPanicking {
		t.Fatalf("expected the panicking subscriber to have been invoked")
	}
	if !sawSecond {
		t.Fatalf("expected the second subscriber to still receive the event after the first panicked")
	}

	persisted, listErr := p.GetEventsByRun(ctx, "tenant-a", "run-1")
	if listErr != nil {
		t.Fatalf("unexpected error listing events: %v", listErr)
	}
	if len(persisted) != 1 {
		t.Fatalf("expected the event to be durably persisted despite the panic, got %d events", len(persisted))
	}
}

func TestPublisher_UnsubscribeStopsDelivery(t *testing.T) {
	p := NewPublisher(NewMemEventStore())
	ctx := context.Background()

	var calls int
	unsubscribe := p.Subscribe(Subscription{
		ID:    "sub",
		Scope: "tenant-a",
		Callback: func(Event) {
			calls++
		},
	})
	unsubscribe()

	if _, err := p.PublishEvent(ctx, Event{ID: NewID(), Type: EventRunCreated, Scope: "tenant-a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no callback invocation after unsubscribe, got %d", calls)
	}
}

func TestPublisher_ScopeAndTypeFiltering(t *testing.T) {
	p := NewPublisher(NewMemEventStore())
	ctx := context.Background()

	var otherScope, wrongType int
	p.Subscribe(Subscription{ID: "scoped", Scope: "tenant-b", Callback: func(Event) { otherScope++ }})
	p.Subscribe(Subscription{ID: "typed", EventTypes: []EventType{EventRunFailed}, Callback: func(Event) { wrongType++ }})

	if _, err := p.PublishEvent(ctx, Event{ID: NewID(), Type: EventRunCreated, Scope: "tenant-a"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if otherScope != 0 {
		t.Fatalf("expected a scope-mismatched subscriber not to be invoked")
	}
	if wrongType != 0 {
		t.Fatalf("expected a type-mismatched subscriber not to be invoked")
	}
}
