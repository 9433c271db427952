package events

import (
	"sync"
	"testing"
)

func TestBus_FanOutOrder(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []string
	bus.Subscribe(func(event any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "first")
	})
	bus.Subscribe(func(event any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "second")
	})

	bus.Publish(UserFlaggedEvent{UserID: 1, Reason: "RATE_LIMITED"})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("delivery = %v", got)
	}
}

func TestBus_TypedDelivery(t *testing.T) {
	bus := NewBus()

	var results []BookingResultEvent
	bus.Subscribe(func(event any) {
		if e, ok := event.(BookingResultEvent); ok {
			results = append(results, e)
		}
	})

	bus.Publish(SyncEvent{})
	bus.Publish(BookingResultEvent{UserID: 1, Outcome: "SUCCESS", ReservationID: 42})

	if len(results) != 1 || results[0].ReservationID != 42 {
		t.Fatalf("results = %+v", results)
	}
}
