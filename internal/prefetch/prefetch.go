// Package prefetch pulls each window user's upcoming reservations just
// before scanning starts, so the pipeline never books a table the user
// already holds.
package prefetch

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rchung29/tablesniper/internal/bookingapi"
	"github.com/rchung29/tablesniper/internal/model"
)

// DefaultConcurrency bounds parallel reservation fetches.
const DefaultConcurrency = 5

// ReservationAPI is the one upstream call the prefetcher needs.
type ReservationAPI interface {
	GetUpcomingReservations(ctx context.Context, authToken, proxyURL string) ([]bookingapi.UpcomingReservation, error)
}

// ProxyRotation supplies scan proxies.
type ProxyRotation interface {
	Next() (model.Proxy, bool)
}

// ErrorSink records prefetch failures. Satisfied by the store.
type ErrorSink interface {
	RecordBookingError(model.BookingError)
}

// Exclusions holds the prefetched reservation days per user. Any
// reservation on a date blocks that user for the whole date, no matter
// which venue holds it. Lookups fail open: a user whose fetch failed is
// never excluded, because skipping a live subscriber over a prefetch
// hiccup is the worse mistake.
type Exclusions struct {
	mu   sync.RWMutex
	held map[int64]map[string]bool // user id -> local date
}

// NewExclusions returns an empty exclusion set.
func NewExclusions() *Exclusions {
	return &Exclusions{held: make(map[int64]map[string]bool)}
}

func (e *Exclusions) add(userID int64, day string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.held[userID]
	if set == nil {
		set = make(map[string]bool)
		e.held[userID] = set
	}
	set[day] = true
}

// HasReservationOn reports whether the user already holds any
// reservation on the given local date.
func (e *Exclusions) HasReservationOn(userID int64, day string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.held[userID][day]
}

// Size returns the number of users with at least one known reservation.
func (e *Exclusions) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.held)
}

// Config configures a Fetcher.
type Config struct {
	API      ReservationAPI
	Rotation ProxyRotation
	Errors   ErrorSink

	Concurrency int

	// Now is injectable for tests.
	Now func() time.Time
}

// Fetcher fans out reservation fetches under a worker limit.
type Fetcher struct {
	cfg Config
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Fetcher{cfg: cfg}
}

// Fetch pulls upcoming reservations for every user in parallel, bounded
// by the configured concurrency. Failures are logged and recorded; the
// affected user simply contributes no exclusions.
func (f *Fetcher) Fetch(ctx context.Context, users []model.User) *Exclusions {
	exclusions := NewExclusions()
	if len(users) == 0 {
		return exclusions
	}

	sem := make(chan struct{}, f.cfg.Concurrency)
	var wg sync.WaitGroup
	var failures sync.Map

	for _, user := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(user model.User) {
			defer wg.Done()
			defer func() { <-sem }()

			proxyURL := ""
			if f.cfg.Rotation != nil {
				if proxy, ok := f.cfg.Rotation.Next(); ok {
					proxyURL = proxy.URL
				}
			}

			reservations, err := f.cfg.API.GetUpcomingReservations(ctx, user.AuthToken, proxyURL)
			if err != nil {
				failures.Store(user.ID, err)
				if f.cfg.Errors != nil {
					f.cfg.Errors.RecordBookingError(model.BookingError{
						UserID:      user.ID,
						Stage:       "prefetch",
						Message:     err.Error(),
						CreatedAtNs: f.cfg.Now().UnixNano(),
					})
				}
				return
			}
			for _, r := range reservations {
				exclusions.add(user.ID, r.Day)
			}
		}(user)
	}
	wg.Wait()

	failed := 0
	failures.Range(func(_, _ any) bool { failed++; return true })
	log.Printf("[prefetch] fetched reservations for %d users (%d failed, fail open)", len(users)-failed, failed)
	return exclusions
}
