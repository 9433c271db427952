package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rchung29/tablesniper/internal/bookingapi"
	"github.com/rchung29/tablesniper/internal/model"
)

type fakeReservationAPI struct {
	mu       sync.Mutex
	byToken  map[string][]bookingapi.UpcomingReservation
	errToken map[string]error

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	delay       time.Duration
}

func (f *fakeReservationAPI) GetUpcomingReservations(_ context.Context, authToken, _ string) ([]bookingapi.UpcomingReservation, error) {
	cur := f.inFlight.Add(1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.inFlight.Add(-1)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errToken[authToken]; err != nil {
		return nil, err
	}
	return f.byToken[authToken], nil
}

type errorSink struct {
	mu     sync.Mutex
	errors []model.BookingError
}

func (s *errorSink) RecordBookingError(e model.BookingError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
}

func TestFetch_BuildsExclusions(t *testing.T) {
	api := &fakeReservationAPI{
		byToken: map[string][]bookingapi.UpcomingReservation{
			"tok-1": {{Day: "2025-12-20", VenueID: "v1", VenueName: "Carbone", Time: "19:00:00"}},
		},
	}
	f := New(Config{API: api})

	ex := f.Fetch(context.Background(), []model.User{
		{ID: 1, AuthToken: "tok-1"},
		{ID: 2, AuthToken: "tok-2"},
	})

	if !ex.HasReservationOn(1, "2025-12-20") {
		t.Fatal("known reservation not excluded")
	}
	if ex.HasReservationOn(1, "2025-12-21") {
		t.Fatal("wrong day excluded")
	}
	if ex.HasReservationOn(2, "2025-12-20") {
		t.Fatal("user without reservations excluded")
	}
}

func TestFetch_ExclusionCoversEveryVenue(t *testing.T) {
	api := &fakeReservationAPI{
		byToken: map[string][]bookingapi.UpcomingReservation{
			"tok-1": {{Day: "2025-12-20", VenueID: "some_other_venue", Time: "20:00:00"}},
		},
	}
	f := New(Config{API: api})

	ex := f.Fetch(context.Background(), []model.User{{ID: 1, AuthToken: "tok-1"}})

	// A reservation anywhere on the date blocks the whole date; the
	// venue being sniped does not have to match the one already held.
	if !ex.HasReservationOn(1, "2025-12-20") {
		t.Fatal("same-day reservation at another venue must still exclude")
	}
}

func TestFetch_FailuresFailOpen(t *testing.T) {
	api := &fakeReservationAPI{
		errToken: map[string]error{"tok-1": errors.New("upstream down")},
	}
	sink := &errorSink{}
	f := New(Config{API: api, Errors: sink})

	ex := f.Fetch(context.Background(), []model.User{{ID: 1, AuthToken: "tok-1"}})

	if ex.HasReservationOn(1, "2025-12-20") {
		t.Fatal("failed fetch must not exclude the user")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errors) != 1 || sink.errors[0].Stage != "prefetch" {
		t.Fatalf("errors = %+v", sink.errors)
	}
}

func TestFetch_BoundedConcurrency(t *testing.T) {
	api := &fakeReservationAPI{delay: 20 * time.Millisecond}
	f := New(Config{API: api, Concurrency: 3})

	users := make([]model.User, 10)
	for i := range users {
		users[i] = model.User{ID: int64(i + 1), AuthToken: "tok"}
	}
	f.Fetch(context.Background(), users)

	if max := api.maxInFlight.Load(); max > 3 {
		t.Fatalf("max in-flight = %d, want <= 3", max)
	}
}
