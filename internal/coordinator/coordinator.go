// Package coordinator turns discovered slots into booking attempts. One
// processor runs per (user, restaurant, date); slots are arbitrated
// through the claim table so two users never race for the same seat.
package coordinator

import (
	"context"
	"errors"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rchung29/tablesniper/internal/bookingapi"
	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/scheduler"
	"github.com/rchung29/tablesniper/internal/timewin"
)

// DefaultWAFRetryLimit is how many WAF blocks a processor eats on one
// slot before moving on.
const DefaultWAFRetryLimit = 2

// errAllSlotsFailed is the terminal result of a processor that walked
// every candidate slot without booking one.
var errAllSlotsFailed = errors.New("all slots failed")

// BookingAPI is the slice of the upstream client the processor uses.
type BookingAPI interface {
	GetDetails(ctx context.Context, authToken, proxyURL, venueID, day string, partySize int, configID string) (*bookingapi.BookToken, error)
	Book(ctx context.Context, authToken, proxyURL, bookToken string, paymentMethodID int64) (*bookingapi.Confirmation, error)
}

// ProxyLease is the slice of the ISP pool the processor uses.
type ProxyLease interface {
	Acquire(ctx context.Context) (model.Proxy, error)
	Release(proxyID int64)
	MarkBad(proxyID int64)
}

// Recorder receives audit records. Satisfied by the store.
type Recorder interface {
	RecordBookingAttempt(model.BookingAttempt)
	RecordBookingError(model.BookingError)
}

// Result is the terminal outcome of one processor run.
type Result struct {
	Key           model.BookingKey
	Kind          bookingapi.Kind
	SlotTime      string
	ReservationID int64
	Err           error
}

// Config configures a Coordinator.
type Config struct {
	API      BookingAPI
	Pool     ProxyLease
	Recorder Recorder

	WAFRetryLimit int

	// DryRun stops processors right before the book call.
	DryRun bool

	// OnResult observes every processor outcome. Called from the
	// processor goroutine.
	OnResult func(Result)

	// Now is injectable for tests.
	Now func() time.Time
}

// Coordinator owns the claim table and the per-key processor registry.
type Coordinator struct {
	cfg    Config
	claims *ClaimTable

	mu        sync.Mutex
	entries   []scheduler.Entry
	active    map[model.BookingKey]bool
	succeeded map[model.BookingKey]bool
	flagged   map[int64]bookingapi.Kind // user id -> why they sat out
	exclude   func(userID int64, targetDate string) bool

	wg sync.WaitGroup
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.WAFRetryLimit <= 0 {
		cfg.WAFRetryLimit = DefaultWAFRetryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		cfg:       cfg,
		claims:    NewClaimTable(),
		active:    make(map[model.BookingKey]bool),
		succeeded: make(map[model.BookingKey]bool),
		flagged:   make(map[int64]bookingapi.Kind),
	}
}

// SetWindow installs the active release window's entries and clears
// per-window state. Successful bookings survive: a (user, restaurant,
// date) that already booked stays booked.
func (c *Coordinator) SetWindow(w scheduler.ReleaseWindow) {
	c.mu.Lock()
	c.entries = w.Entries
	c.flagged = make(map[int64]bookingapi.Kind)
	c.mu.Unlock()
	c.claims.Reset()
	log.Printf("[coordinator] window %s installed: %d entries", w.Key, len(w.Entries))
}

// SetExclusions installs the prefetched reservation check. Entries
// whose user already holds any reservation on the target date, at any
// venue, are dropped before a processor starts.
func (c *Coordinator) SetExclusions(fn func(userID int64, targetDate string) bool) {
	c.mu.Lock()
	c.exclude = fn
	c.mu.Unlock()
}

// OnSlotsDiscovered routes a scanner push to every matching entry of
// the installed window and spawns processors for the matches.
func (c *Coordinator) OnSlotsDiscovered(ctx context.Context, restaurant model.Restaurant, targetDate string, partySize int, slots []bookingapi.Slot) {
	c.mu.Lock()
	entries := make([]scheduler.Entry, 0, 2)
	for _, e := range c.entries {
		if e.Subscription.Restaurant.ID != restaurant.ID {
			continue
		}
		if e.TargetDate != targetDate || e.Subscription.PartySize != partySize {
			continue
		}
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		c.Dispatch(ctx, e, slots)
	}
}

// Dispatch filters slots against one entry's preferences and, if any
// survive, starts a processor for that entry. Used directly by the
// passive monitor and indirectly by OnSlotsDiscovered.
func (c *Coordinator) Dispatch(ctx context.Context, e scheduler.Entry, slots []bookingapi.Slot) {
	candidates := MatchSlots(e.Subscription.BookingPrefs, e.Weekday, slots)
	if len(candidates) == 0 {
		return
	}

	key := model.BookingKey{
		UserID:       e.Subscription.UserID,
		RestaurantID: e.Subscription.RestaurantID,
		TargetDate:   e.TargetDate,
	}

	c.mu.Lock()
	if c.active[key] || c.succeeded[key] || c.flagged[e.Subscription.UserID] != "" {
		c.mu.Unlock()
		return
	}
	if c.exclude != nil && c.exclude(key.UserID, e.TargetDate) {
		c.mu.Unlock()
		log.Printf("[coordinator] user %d already holds a reservation on %s, skipping",
			key.UserID, e.TargetDate)
		return
	}
	c.active[key] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runProcessor(ctx, key, e, candidates)
	}()
}

// Wait blocks until every in-flight processor returns.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Claims exposes the claim table for the passive monitor and tests.
func (c *Coordinator) Claims() *ClaimTable {
	return c.claims
}

// MatchSlots filters raw slots against booking preferences for one
// weekday: inside the effective wall-clock window, table type matching
// when the preference names any. Survivors come back sorted by time.
func MatchSlots(prefs model.BookingPrefs, weekday int, slots []bookingapi.Slot) []bookingapi.Slot {
	window, ok := timewin.WindowFor(prefs, weekday)
	if !ok {
		return nil
	}

	var out []bookingapi.Slot
	for _, slot := range slots {
		clock, err := timewin.SlotClock(slot.Time)
		if err != nil {
			continue
		}
		if !window.Contains(clock) {
			continue
		}
		if !tableTypeMatches(prefs.TableTypes, slot.TableType) {
			continue
		}
		out = append(out, slot)
	}

	sort.Slice(out, func(i, j int) bool {
		a, _ := timewin.SlotClock(out[i].Time)
		b, _ := timewin.SlotClock(out[j].Time)
		return a < b
	})
	return out
}

// tableTypeMatches is a case-insensitive substring match; an empty
// preference list accepts every table type.
func tableTypeMatches(wanted []string, got string) bool {
	if len(wanted) == 0 {
		return true
	}
	lower := strings.ToLower(got)
	for _, w := range wanted {
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// runProcessor walks the candidate slots for one booking key. It holds
// at most one claim and one proxy lease at any time.
func (c *Coordinator) runProcessor(ctx context.Context, key model.BookingKey, e scheduler.Entry, slots []bookingapi.Slot) {
	defer func() {
		c.mu.Lock()
		delete(c.active, key)
		c.mu.Unlock()
	}()

	user := e.Subscription.User
	venue := e.Subscription.Restaurant.VenueID
	retries := 0

	for i := 0; i < len(slots); {
		slot := slots[i]
		claimKey := model.ClaimKey{RestaurantID: key.RestaurantID, TargetDate: key.TargetDate, SlotTime: slot.Time}

		if !c.claims.TryClaim(claimKey, key) {
			i++
			retries = 0
			continue
		}

		proxy, err := c.cfg.Pool.Acquire(ctx)
		if err != nil {
			c.claims.Release(claimKey, key)
			c.recordError(key, "acquire_proxy", err)
			c.finish(Result{Key: key, Kind: bookingapi.KindNoProxy, SlotTime: slot.Time, Err: err})
			return
		}

		outcome, conf := c.attemptSlot(ctx, user, venue, key, e, slot, proxy)

		switch outcome {
		case bookingapi.KindSuccess:
			c.cfg.Pool.Release(proxy.ID)
			c.mu.Lock()
			c.succeeded[key] = true
			c.mu.Unlock()
			c.recordAttempt(key, slot, proxy.URL, model.AttemptSuccess, conf, "")
			log.Printf("[coordinator] booked user=%d venue=%s date=%s slot=%s",
				key.UserID, venue, key.TargetDate, slot.Time)
			c.finish(Result{Key: key, Kind: outcome, SlotTime: slot.Time, ReservationID: reservationID(conf)})
			return

		case bookingapi.KindWAFBlocked:
			// Burned proxy; the claim is kept so the retry targets the
			// same slot through a fresh proxy.
			c.cfg.Pool.MarkBad(proxy.ID)
			retries++
			if retries >= c.cfg.WAFRetryLimit {
				c.claims.Release(claimKey, key)
				c.recordAttempt(key, slot, proxy.URL, model.AttemptFailed, nil, "waf blocked")
				retries = 0
				i++
			}

		case bookingapi.KindSoldOut:
			// Keep the claim: a sold-out slot is dead for everyone, and
			// the claim stops other processors from burning proxies on it.
			c.cfg.Pool.Release(proxy.ID)
			c.recordAttempt(key, slot, proxy.URL, model.AttemptSoldOut, nil, "sold out")
			retries = 0
			i++

		case bookingapi.KindRateLimited:
			c.cfg.Pool.MarkBad(proxy.ID)
			c.claims.Release(claimKey, key)
			c.flagUser(key.UserID, outcome)
			c.recordAttempt(key, slot, proxy.URL, model.AttemptFailed, nil, "rate limited")
			c.finish(Result{Key: key, Kind: outcome, SlotTime: slot.Time})
			return

		case bookingapi.KindAuthFailed:
			c.cfg.Pool.Release(proxy.ID)
			c.claims.Release(claimKey, key)
			c.flagUser(key.UserID, outcome)
			c.recordAttempt(key, slot, proxy.URL, model.AttemptFailed, nil, "auth failed")
			c.finish(Result{Key: key, Kind: outcome, SlotTime: slot.Time})
			return

		default:
			c.cfg.Pool.Release(proxy.ID)
			c.claims.Release(claimKey, key)
			c.recordAttempt(key, slot, proxy.URL, model.AttemptFailed, nil, string(outcome))
			retries = 0
			i++
		}

		if ctx.Err() != nil {
			return
		}
	}

	c.finish(Result{Key: key, Kind: bookingapi.KindUnknown, Err: errAllSlotsFailed})
}

// attemptSlot runs details then book for one claimed slot and
// classifies the outcome.
func (c *Coordinator) attemptSlot(ctx context.Context, user model.User, venue string, key model.BookingKey, e scheduler.Entry, slot bookingapi.Slot, proxy model.Proxy) (bookingapi.Kind, *bookingapi.Confirmation) {
	token, err := c.cfg.API.GetDetails(ctx, user.AuthToken, proxy.URL, venue, key.TargetDate,
		e.Subscription.PartySize, slot.ConfigID)
	if err != nil {
		return bookingapi.Classify(err), nil
	}
	if token == nil || token.Value == "" {
		return bookingapi.KindNoBookToken, nil
	}

	if c.cfg.DryRun {
		log.Printf("[coordinator] dry run: would book user=%d venue=%s slot=%s", key.UserID, venue, slot.Time)
		return bookingapi.KindSuccess, nil
	}

	conf, err := c.cfg.API.Book(ctx, user.AuthToken, proxy.URL, token.Value, user.PaymentMethodID)
	if err != nil {
		return bookingapi.Classify(err), nil
	}
	return bookingapi.KindSuccess, conf
}

func (c *Coordinator) flagUser(userID int64, why bookingapi.Kind) {
	c.mu.Lock()
	c.flagged[userID] = why
	c.mu.Unlock()
	log.Printf("[coordinator] user %d sidelined for this window: %s", userID, why)
}

// Succeeded reports whether a booking key already completed.
func (c *Coordinator) Succeeded(key model.BookingKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.succeeded[key]
}

// FlaggedUsers returns the users sidelined in the current window.
func (c *Coordinator) FlaggedUsers() map[int64]bookingapi.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]bookingapi.Kind, len(c.flagged))
	for id, why := range c.flagged {
		out[id] = why
	}
	return out
}

func (c *Coordinator) finish(r Result) {
	if c.cfg.OnResult != nil {
		c.cfg.OnResult(r)
	}
}

func (c *Coordinator) recordAttempt(key model.BookingKey, slot bookingapi.Slot, proxyURL string, status model.AttemptStatus, conf *bookingapi.Confirmation, msg string) {
	if c.cfg.Recorder == nil {
		return
	}
	a := model.BookingAttempt{
		UserID:       key.UserID,
		RestaurantID: key.RestaurantID,
		TargetDate:   key.TargetDate,
		SlotTime:     slot.Time,
		Status:       status,
		ErrorMessage: msg,
		ProxyURL:     proxyURL,
		CreatedAtNs:  c.cfg.Now().UnixNano(),
	}
	if conf != nil {
		a.ReservationID = itoa64(conf.ReservationID)
	}
	c.cfg.Recorder.RecordBookingAttempt(a)
}

func (c *Coordinator) recordError(key model.BookingKey, stage string, err error) {
	if c.cfg.Recorder == nil {
		return
	}
	c.cfg.Recorder.RecordBookingError(model.BookingError{
		UserID:       key.UserID,
		RestaurantID: key.RestaurantID,
		TargetDate:   key.TargetDate,
		Stage:        stage,
		Message:      err.Error(),
		CreatedAtNs:  c.cfg.Now().UnixNano(),
	})
}

func reservationID(conf *bookingapi.Confirmation) int64 {
	if conf == nil {
		return 0
	}
	return conf.ReservationID
}

func itoa64(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}
