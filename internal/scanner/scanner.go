// Package scanner polls the find endpoint around a release window and
// pushes discovered slots into the booking pipeline. Venues are probed
// in parallel, party sizes for one venue sequentially, through the
// datacenter proxy rotation.
package scanner

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rchung29/tablesniper/internal/bookingapi"
	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/scheduler"
)

const (
	// DefaultInterval is the poll cadence during a window.
	DefaultInterval = time.Second
	// DefaultOverrun is how long polling continues past the release
	// instant.
	DefaultOverrun = 120 * time.Second
	// DefaultRateLimitHold is how long a 429'd datacenter proxy sits out.
	DefaultRateLimitHold = 15 * time.Minute
)

// SlotFinder is the one upstream call the scanner needs.
type SlotFinder interface {
	FindSlots(ctx context.Context, authToken, proxyURL, venueID, day string, partySize int) ([]bookingapi.Slot, error)
}

// ProxyRotation supplies scan proxies and accepts rate-limit marks.
type ProxyRotation interface {
	Next() (model.Proxy, bool)
	MarkRateLimited(proxyID int64, hold time.Duration)
}

// Target is one (venue, date, party size) probe. AuthToken belongs to a
// representative subscriber; the find endpoint accepts any valid token.
type Target struct {
	Restaurant model.Restaurant
	TargetDate string
	PartySize  int
	AuthToken  string
}

// TargetsFromWindow flattens a release window into deduplicated scan
// targets, grouped by venue.
func TargetsFromWindow(w scheduler.ReleaseWindow) map[string][]Target {
	type key struct {
		venueID    string
		targetDate string
		partySize  int
	}
	seen := make(map[key]bool)
	byVenue := make(map[string][]Target)
	for _, e := range w.Entries {
		k := key{e.Subscription.Restaurant.VenueID, e.TargetDate, e.Subscription.PartySize}
		if seen[k] {
			continue
		}
		seen[k] = true
		byVenue[k.venueID] = append(byVenue[k.venueID], Target{
			Restaurant: e.Subscription.Restaurant,
			TargetDate: e.TargetDate,
			PartySize:  e.Subscription.PartySize,
			AuthToken:  e.Subscription.User.AuthToken,
		})
	}
	for venue := range byVenue {
		targets := byVenue[venue]
		sort.Slice(targets, func(i, j int) bool { return targets[i].PartySize < targets[j].PartySize })
	}
	return byVenue
}

// Stats summarizes one scan run.
type Stats struct {
	Ticks      int
	Requests   int
	Errors     int
	SlotsFound int
}

// Config configures a Scanner.
type Config struct {
	Finder   SlotFinder
	Rotation ProxyRotation

	Interval      time.Duration
	Overrun       time.Duration
	RateLimitHold time.Duration

	// OnSlots fires whenever a probe returns a non-empty slot list.
	OnSlots func(restaurant model.Restaurant, targetDate string, partySize int, slots []bookingapi.Slot)

	// OnProxyRateLimited lets the store persist a 429 hold.
	OnProxyRateLimited func(proxyID int64, until time.Time)

	// Now is injectable for tests.
	Now func() time.Time
}

// Scanner runs the polling loop for release windows.
type Scanner struct {
	cfg Config
}

// New creates a Scanner, filling zero config values with defaults.
func New(cfg Config) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Overrun <= 0 {
		cfg.Overrun = DefaultOverrun
	}
	if cfg.RateLimitHold <= 0 {
		cfg.RateLimitHold = DefaultRateLimitHold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scanner{cfg: cfg}
}

// Run polls every interval from now until release plus overrun, or
// until ctx ends. It keeps polling after pushing slots; late inventory
// shows up well after the first batch.
func (s *Scanner) Run(ctx context.Context, w scheduler.ReleaseWindow) Stats {
	byVenue := TargetsFromWindow(w)
	deadline := w.ReleaseAt.Add(s.cfg.Overrun)

	log.Printf("[scanner] window %s: scanning %d venues until %s",
		w.Key, len(byVenue), deadline.Format(time.RFC3339))

	var stats Stats
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if s.cfg.Now().After(deadline) {
			log.Printf("[scanner] window %s done: ticks=%d requests=%d errors=%d slots=%d",
				w.Key, stats.Ticks, stats.Requests, stats.Errors, stats.SlotsFound)
			return stats
		}

		stats.Ticks++
		s.tick(ctx, byVenue, &stats)

		select {
		case <-ctx.Done():
			return stats
		case <-ticker.C:
		}
	}
}

// tick probes all venues in parallel, party sizes sequentially.
func (s *Scanner) tick(ctx context.Context, byVenue map[string][]Target, stats *Stats) {
	var mu sync.Mutex
	var wg sync.WaitGroup

	for venue, targets := range byVenue {
		wg.Add(1)
		go func(venue string, targets []Target) {
			defer wg.Done()
			var requests, errors, found int
			for _, tgt := range targets {
				req, errd, slots := s.probe(ctx, tgt)
				requests += req
				errors += errd
				found += slots
			}
			mu.Lock()
			stats.Requests += requests
			stats.Errors += errors
			stats.SlotsFound += found
			mu.Unlock()
		}(venue, targets)
	}
	wg.Wait()
}

func (s *Scanner) probe(ctx context.Context, tgt Target) (requests, errors, found int) {
	proxy, ok := s.cfg.Rotation.Next()
	proxyURL := ""
	if ok {
		proxyURL = proxy.URL
	}

	slots, err := s.cfg.Finder.FindSlots(ctx, tgt.AuthToken, proxyURL,
		tgt.Restaurant.VenueID, tgt.TargetDate, tgt.PartySize)
	requests = 1
	if err != nil {
		errors = 1
		if bookingapi.Classify(err) == bookingapi.KindRateLimited && ok {
			until := s.cfg.Now().Add(s.cfg.RateLimitHold)
			s.cfg.Rotation.MarkRateLimited(proxy.ID, s.cfg.RateLimitHold)
			if s.cfg.OnProxyRateLimited != nil {
				s.cfg.OnProxyRateLimited(proxy.ID, until)
			}
			log.Printf("[scanner] proxy %d rate limited, held out until %s", proxy.ID, until.Format(time.RFC3339))
		}
		return requests, errors, 0
	}

	if len(slots) > 0 {
		found = len(slots)
		if s.cfg.OnSlots != nil {
			s.cfg.OnSlots(tgt.Restaurant, tgt.TargetDate, tgt.PartySize, slots)
		}
	}
	return requests, errors, found
}
