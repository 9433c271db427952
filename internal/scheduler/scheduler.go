// Package scheduler computes upcoming release windows and fires them.
// Subscriptions sharing a release time and zone are grouped into one
// window; a one-shot timer armed at scan start (release minus lead)
// hands the window to the booking pipeline.
package scheduler

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/timewin"
)

// DefaultLead is how far before the release instant scanning begins.
const DefaultLead = 45 * time.Second

// Entry is one subscription resolved against a concrete target date.
type Entry struct {
	Subscription model.FullSubscription
	TargetDate   string
	Weekday      int
}

// ReleaseWindow is one upcoming release event with every subscription
// that targets it.
type ReleaseWindow struct {
	ID        string
	Key       string // guard key: "HH:MM-YYYY-MM-DD" in the release zone
	ReleaseAt time.Time
	ScanStart time.Time
	Entries   []Entry
}

// CalculateReleaseWindows groups full subscriptions by release time and
// zone, resolves each subscription's target date against the next
// release instant, applies the day filter, and drops windows with no
// surviving entries. Results are sorted by release time.
func CalculateReleaseWindows(subs []model.FullSubscription, now time.Time, lead time.Duration) ([]ReleaseWindow, error) {
	if lead <= 0 {
		lead = DefaultLead
	}

	groups := make(map[string][]model.FullSubscription)
	for _, sub := range subs {
		key := sub.Restaurant.ReleaseTime + "|" + sub.Restaurant.ReleaseTZ
		groups[key] = append(groups[key], sub)
	}

	var windows []ReleaseWindow
	for _, group := range groups {
		rest := group[0].Restaurant
		loc, err := timewin.LoadZone(rest.ReleaseTZ)
		if err != nil {
			return nil, err
		}
		releaseAt, err := timewin.NextReleaseAt(rest.ReleaseTime, loc, now)
		if err != nil {
			return nil, fmt.Errorf("release time for venue %s: %w", rest.VenueID, err)
		}

		var entries []Entry
		for _, sub := range group {
			// Slots open for the release day plus the venue's horizon.
			targetDate := timewin.TargetDate(releaseAt, sub.Restaurant.DaysInAdvance, loc)
			weekday, err := timewin.WeekdayOf(targetDate)
			if err != nil {
				return nil, err
			}
			if !timewin.DayFilterPasses(sub.BookingPrefs, weekday) {
				continue
			}
			entries = append(entries, Entry{Subscription: sub, TargetDate: targetDate, Weekday: weekday})
		}
		if len(entries) == 0 {
			continue
		}

		windows = append(windows, ReleaseWindow{
			ID:        uuid.NewString(),
			Key:       rest.ReleaseTime + "-" + releaseAt.In(loc).Format(timewin.DateLayout),
			ReleaseAt: releaseAt,
			ScanStart: releaseAt.Add(-lead),
			Entries:   entries,
		})
	}

	sort.Slice(windows, func(i, j int) bool {
		return windows[i].ReleaseAt.Before(windows[j].ReleaseAt)
	})
	return windows, nil
}

// SubscriptionSource provides the current full-subscription view.
type SubscriptionSource interface {
	FullSubscriptions() []model.FullSubscription
}

// Config configures a Scheduler.
type Config struct {
	Source SubscriptionSource
	Lead   time.Duration

	// OnWindowStart fires in a timer goroutine at scan start.
	OnWindowStart func(ReleaseWindow)

	// Now is injectable for tests.
	Now func() time.Time
}

// Scheduler arms one-shot timers for upcoming release windows. A guard
// map keyed by release time and date makes each window fire at most
// once, no matter how often Recompute runs.
type Scheduler struct {
	source        SubscriptionSource
	lead          time.Duration
	onWindowStart func(ReleaseWindow)
	now           func() time.Time

	mu      sync.Mutex
	armed   map[string]*time.Timer
	fired   map[string]time.Time
	windows []ReleaseWindow
}

// New creates a Scheduler; call Recompute to arm the first timers.
func New(cfg Config) *Scheduler {
	s := &Scheduler{
		source:        cfg.Source,
		lead:          cfg.Lead,
		onWindowStart: cfg.OnWindowStart,
		now:           cfg.Now,
		armed:         make(map[string]*time.Timer),
		fired:         make(map[string]time.Time),
	}
	if s.lead <= 0 {
		s.lead = DefaultLead
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Recompute recalculates upcoming windows and arms timers for any
// window whose scan start lies within the next 24 hours. Already armed
// or already fired window keys are skipped.
func (s *Scheduler) Recompute() error {
	now := s.now()
	windows, err := CalculateReleaseWindows(s.source.FullSubscriptions(), now, s.lead)
	if err != nil {
		return fmt.Errorf("recompute windows: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows = windows
	s.pruneFiredLocked(now)

	armedNow := 0
	for _, w := range windows {
		if _, ok := s.armed[w.Key]; ok {
			continue
		}
		if _, ok := s.fired[w.Key]; ok {
			continue
		}
		delay := w.ScanStart.Sub(now)
		if delay <= 0 || delay > 24*time.Hour {
			continue
		}

		window := w
		s.armed[w.Key] = time.AfterFunc(delay, func() { s.fire(window) })
		armedNow++
	}

	if armedNow > 0 {
		log.Printf("[scheduler] armed %d release windows (%d upcoming total)", armedNow, len(windows))
	}
	return nil
}

func (s *Scheduler) fire(w ReleaseWindow) {
	s.mu.Lock()
	delete(s.armed, w.Key)
	s.fired[w.Key] = s.now()
	s.mu.Unlock()

	log.Printf("[scheduler] release window %s: %d subscriptions, release at %s",
		w.Key, len(w.Entries), w.ReleaseAt.Format(time.RFC3339))
	if s.onWindowStart != nil {
		s.onWindowStart(w)
	}
}

// pruneFiredLocked drops fired guards older than a day so tomorrow's
// window with the same clock time can arm.
func (s *Scheduler) pruneFiredLocked(now time.Time) {
	for key, at := range s.fired {
		if now.Sub(at) > 24*time.Hour {
			delete(s.fired, key)
		}
	}
}

// Stop cancels every armed timer.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, timer := range s.armed {
		timer.Stop()
		delete(s.armed, key)
	}
}

// NextReleaseTimes returns the release instants of the last computed
// windows, soonest first.
func (s *Scheduler) NextReleaseTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, 0, len(s.windows))
	for _, w := range s.windows {
		out = append(out, w.ReleaseAt)
	}
	return out
}

// NearRelease reports whether now falls within [release-before,
// release+after] of any computed release instant. The store's sync
// blackout and the passive monitor's pause both ride on this.
func (s *Scheduler) NearRelease(now time.Time, before, after time.Duration) bool {
	for _, release := range s.NextReleaseTimes() {
		if !now.Before(release.Add(-before)) && !now.After(release.Add(after)) {
			return true
		}
	}
	return false
}

// ArmedCount returns the number of currently armed timers.
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}
