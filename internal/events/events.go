// Package events carries typed notifications between the booking
// pipeline and its observers (operator log today, chat notifier later).
package events

import (
	"log"
	"sync"
	"time"
)

// WindowStartEvent fires when a release window begins scanning.
type WindowStartEvent struct {
	WindowKey     string
	ReleaseAt     time.Time
	Subscriptions int
}

// SlotsDiscoveredEvent fires when a scan probe returns inventory.
type SlotsDiscoveredEvent struct {
	VenueID    string
	TargetDate string
	PartySize  int
	Slots      int
}

// ProxyRateLimitedEvent fires when a scan proxy catches a 429.
type ProxyRateLimitedEvent struct {
	ProxyID int64
	Until   time.Time
}

// WindowEndEvent fires when a window's scan loop finishes.
type WindowEndEvent struct {
	WindowKey  string
	Requests   int
	SlotsFound int
	Errors     int
}

// BookingResultEvent fires once per finished booking processor.
type BookingResultEvent struct {
	UserID        int64
	RestaurantID  int64
	TargetDate    string
	SlotTime      string
	Outcome       string
	ReservationID int64
}

// UserFlaggedEvent fires when a user is sidelined mid-window.
type UserFlaggedEvent struct {
	UserID int64
	Reason string
}

// SyncEvent fires after every successful store sync.
type SyncEvent struct {
	At time.Time
}

// Bus is a synchronous fan-out of events to registered observers.
// Publish never blocks on slow observers beyond their own handler; an
// observer that needs to be async should buffer internally.
type Bus struct {
	mu        sync.RWMutex
	observers []func(event any)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers an observer for all events.
func (b *Bus) Subscribe(fn func(event any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, fn)
}

// Publish delivers an event to every observer in registration order.
func (b *Bus) Publish(event any) {
	b.mu.RLock()
	observers := b.observers
	b.mu.RUnlock()
	for _, fn := range observers {
		fn(event)
	}
}

// LogObserver is a Bus observer that renders events to the process log.
func LogObserver(event any) {
	switch e := event.(type) {
	case WindowStartEvent:
		log.Printf("[events] window %s started: %d subscriptions, release %s",
			e.WindowKey, e.Subscriptions, e.ReleaseAt.Format(time.RFC3339))
	case SlotsDiscoveredEvent:
		log.Printf("[events] slots discovered venue=%s date=%s party=%d count=%d",
			e.VenueID, e.TargetDate, e.PartySize, e.Slots)
	case ProxyRateLimitedEvent:
		log.Printf("[events] proxy %d rate limited until %s", e.ProxyID, e.Until.Format(time.RFC3339))
	case WindowEndEvent:
		log.Printf("[events] window %s ended: requests=%d slots=%d errors=%d",
			e.WindowKey, e.Requests, e.SlotsFound, e.Errors)
	case BookingResultEvent:
		log.Printf("[events] booking user=%d restaurant=%d date=%s slot=%s outcome=%s",
			e.UserID, e.RestaurantID, e.TargetDate, e.SlotTime, e.Outcome)
	case UserFlaggedEvent:
		log.Printf("[events] user %d flagged: %s", e.UserID, e.Reason)
	case SyncEvent:
		log.Printf("[events] store synced at %s", e.At.Format(time.RFC3339))
	}
}
