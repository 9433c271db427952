// Package passive watches venue calendars for cancellations outside
// release windows. It is deliberately slow traffic: paced venue polls,
// a TTL cache in front of the calendar endpoint, and a hard pause
// around every release window so it never competes with the sniper
// path.
package passive

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/rchung29/tablesniper/internal/bookingapi"
	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/scheduler"
	"github.com/rchung29/tablesniper/internal/timewin"
)

const (
	// DefaultSweep is the pause between full calendar sweeps.
	DefaultSweep = time.Minute
	// DefaultPacing spaces consecutive venue polls inside one sweep.
	DefaultPacing = 500 * time.Millisecond
	// DefaultBlackoutMargin pauses the monitor this long on both sides
	// of every release instant.
	DefaultBlackoutMargin = 5 * time.Minute
	// DefaultCalendarTTL is how long a calendar response stays fresh.
	DefaultCalendarTTL = 5 * time.Minute

	calendarCacheSize = 4096
)

// CalendarAPI is the slice of the upstream client the monitor uses.
type CalendarAPI interface {
	GetCalendar(ctx context.Context, authToken, proxyURL, venueID string, partySize int, startDate, endDate string) ([]bookingapi.CalendarDay, error)
	FindSlots(ctx context.Context, authToken, proxyURL, venueID, day string, partySize int) ([]bookingapi.Slot, error)
}

// ReleaseGate reports proximity to release windows.
type ReleaseGate interface {
	NearRelease(now time.Time, before, after time.Duration) bool
}

// TargetSource provides the current passive-target view.
type TargetSource interface {
	FullPassiveTargets() []model.FullSubscription
}

// Dispatcher receives matched slots. Satisfied by the coordinator.
type Dispatcher interface {
	Dispatch(ctx context.Context, e scheduler.Entry, slots []bookingapi.Slot)
}

// ProxyRotation supplies scan proxies.
type ProxyRotation interface {
	Next() (model.Proxy, bool)
}

// Config configures a Monitor.
type Config struct {
	API        CalendarAPI
	Gate       ReleaseGate
	Source     TargetSource
	Dispatcher Dispatcher
	Rotation   ProxyRotation

	Sweep          time.Duration
	Pacing         time.Duration
	BlackoutMargin time.Duration
	CalendarTTL    time.Duration

	// Now is injectable for tests.
	Now func() time.Time
}

// Monitor runs the background calendar sweep.
type Monitor struct {
	cfg   Config
	cache otter.Cache[string, []bookingapi.CalendarDay]

	paused bool

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Monitor; Start launches the sweep loop.
func New(cfg Config) (*Monitor, error) {
	if cfg.Sweep <= 0 {
		cfg.Sweep = DefaultSweep
	}
	if cfg.Pacing <= 0 {
		cfg.Pacing = DefaultPacing
	}
	if cfg.BlackoutMargin <= 0 {
		cfg.BlackoutMargin = DefaultBlackoutMargin
	}
	if cfg.CalendarTTL <= 0 {
		cfg.CalendarTTL = DefaultCalendarTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cache, err := otter.MustBuilder[string, []bookingapi.CalendarDay](calendarCacheSize).
		Cost(func(_ string, _ []bookingapi.CalendarDay) uint32 { return 1 }).
		WithTTL(cfg.CalendarTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build calendar cache: %w", err)
	}

	return &Monitor{
		cfg:    cfg,
		cache:  cache,
		stopCh: make(chan struct{}),
	}, nil
}

// Start launches the sweep loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the sweep loop and releases the cache.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.cache.Close()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Sweep)
	defer ticker.Stop()

	for {
		m.SweepOnce(context.Background())
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce runs one full pass over the passive targets. Exported for
// tests and for a manual trigger.
func (m *Monitor) SweepOnce(ctx context.Context) {
	now := m.cfg.Now()
	if m.cfg.Gate != nil && m.cfg.Gate.NearRelease(now, m.cfg.BlackoutMargin, m.cfg.BlackoutMargin) {
		if !m.paused {
			log.Printf("[passive] paused: release window within %s", m.cfg.BlackoutMargin)
			m.paused = true
		}
		return
	}
	if m.paused {
		log.Printf("[passive] resumed")
		m.paused = false
	}

	targets := m.cfg.Source.FullPassiveTargets()
	if len(targets) == 0 {
		return
	}

	// One calendar poll serves every target on the same venue and party
	// size.
	type probe struct {
		venueID   string
		partySize int
	}
	grouped := make(map[probe][]model.FullSubscription)
	for _, t := range targets {
		p := probe{t.Restaurant.VenueID, t.PartySize}
		grouped[p] = append(grouped[p], t)
	}

	var sweepErrs []string
	first := true
	for p, group := range grouped {
		if !first {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(m.cfg.Pacing):
			}
		}
		first = false

		if err := m.pollVenue(ctx, now, p.venueID, p.partySize, group); err != nil {
			sweepErrs = append(sweepErrs, fmt.Sprintf("%s/%d: %v", p.venueID, p.partySize, err))
		}
	}
	if len(sweepErrs) > 0 {
		log.Printf("[passive] sweep errors (%d): %s", len(sweepErrs), strings.Join(sweepErrs, "; "))
	}
}

// pollVenue fetches the calendar for one (venue, party size) pair and
// dispatches slots for every available day a target wants.
func (m *Monitor) pollVenue(ctx context.Context, now time.Time, venueID string, partySize int, targets []model.FullSubscription) error {
	rest := targets[0].Restaurant
	loc, err := timewin.LoadZone(rest.ReleaseTZ)
	if err != nil {
		return err
	}
	start := timewin.TargetDate(now, 0, loc)
	end := timewin.TargetDate(now, rest.DaysInAdvance, loc)

	days, err := m.calendar(ctx, targets[0].User.AuthToken, venueID, partySize, start, end)
	if err != nil {
		return err
	}

	for _, day := range days {
		if day.Status != bookingapi.CalendarStatusAvailable {
			continue
		}
		weekday, err := timewin.WeekdayOf(day.Date)
		if err != nil {
			continue
		}

		var interested []model.FullSubscription
		for _, t := range targets {
			if timewin.DayFilterPasses(t.BookingPrefs, weekday) {
				interested = append(interested, t)
			}
		}
		if len(interested) == 0 {
			continue
		}

		proxyURL := m.nextProxyURL()
		slots, err := m.cfg.API.FindSlots(ctx, interested[0].User.AuthToken, proxyURL, venueID, day.Date, partySize)
		if err != nil {
			return fmt.Errorf("find %s: %w", day.Date, err)
		}
		if len(slots) == 0 {
			continue
		}

		for _, t := range interested {
			m.cfg.Dispatcher.Dispatch(ctx, scheduler.Entry{
				Subscription: t,
				TargetDate:   day.Date,
				Weekday:      weekday,
			}, slots)
		}
	}
	return nil
}

// calendar returns a cached calendar when fresh, polling otherwise.
func (m *Monitor) calendar(ctx context.Context, authToken, venueID string, partySize int, start, end string) ([]bookingapi.CalendarDay, error) {
	key := venueID + "|" + strconv.Itoa(partySize) + "|" + start + "|" + end
	if days, ok := m.cache.Get(key); ok {
		return days, nil
	}

	days, err := m.cfg.API.GetCalendar(ctx, authToken, m.nextProxyURL(), venueID, partySize, start, end)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, days)
	return days, nil
}

func (m *Monitor) nextProxyURL() string {
	if m.cfg.Rotation == nil {
		return ""
	}
	if proxy, ok := m.cfg.Rotation.Next(); ok {
		return proxy.URL
	}
	return ""
}
