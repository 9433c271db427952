// Package store is the in-memory source of truth for domain data.
// Reads are served from an immutable snapshot swapped atomically;
// writes go through the persistence engine first (write-through) and
// then update the snapshot. Proxy runtime status lives in a concurrent
// map and is flushed in the background via dirty marks.
package store

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rchung29/tablesniper/internal/attemptlog"
	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/proxypool"
	"github.com/rchung29/tablesniper/internal/state"
)

// snapshot is the immutable read view. Never mutate a published
// snapshot; copy, modify, swap.
type snapshot struct {
	restaurants    map[int64]model.Restaurant
	users          map[int64]model.User
	subscriptions  []model.Subscription
	passiveTargets []model.PassiveTarget
	proxies        []model.Proxy
}

// Config configures a Store.
type Config struct {
	Engine *state.StateEngine
	Audit  *attemptlog.Service

	// Blackout reports whether a DB sync must be suppressed right now
	// (a release window is imminent). Nil means never.
	Blackout func(now time.Time) bool

	// Now is injectable for tests.
	Now func() time.Time
}

// Store holds domain data in memory with write-through persistence.
type Store struct {
	engine   *state.StateEngine
	audit    *attemptlog.Service
	blackout func(time.Time) bool
	now      func() time.Time

	snap        atomic.Pointer[snapshot]
	proxyStatus *xsync.Map[int64, model.ProxyStatus]

	mu       sync.Mutex // serializes snapshot writers and onSynced registration
	onSynced []func()
}

// New creates a Store with an empty snapshot; call Bootstrap to load.
func New(cfg Config) *Store {
	s := &Store{
		engine:      cfg.Engine,
		audit:       cfg.Audit,
		blackout:    cfg.Blackout,
		now:         cfg.Now,
		proxyStatus: xsync.NewMap[int64, model.ProxyStatus](),
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.snap.Store(&snapshot{
		restaurants: map[int64]model.Restaurant{},
		users:       map[int64]model.User{},
	})
	return s
}

// Bootstrap loads the snapshot from state.db and recovers proxy status
// from cache.db.
func (s *Store) Bootstrap() error {
	if err := s.reload(); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	statuses, err := s.engine.ListProxyStatus()
	if err != nil {
		return fmt.Errorf("bootstrap proxy status: %w", err)
	}
	for _, st := range statuses {
		s.proxyStatus.Store(st.ProxyID, st)
	}

	snap := s.snap.Load()
	log.Printf("[store] bootstrapped: restaurants=%d users=%d subscriptions=%d passive=%d proxies=%d",
		len(snap.restaurants), len(snap.users), len(snap.subscriptions), len(snap.passiveTargets), len(snap.proxies))
	return nil
}

// reload rebuilds the snapshot from the repos and swaps it in.
func (s *Store) reload() error {
	restaurants, err := s.engine.ListRestaurants()
	if err != nil {
		return fmt.Errorf("list restaurants: %w", err)
	}
	users, err := s.engine.ListUsers()
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	subs, err := s.engine.ListSubscriptions()
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	passive, err := s.engine.ListPassiveTargets()
	if err != nil {
		return fmt.Errorf("list passive targets: %w", err)
	}
	proxies, err := s.engine.ListProxies()
	if err != nil {
		return fmt.Errorf("list proxies: %w", err)
	}

	next := &snapshot{
		restaurants:    make(map[int64]model.Restaurant, len(restaurants)),
		users:          make(map[int64]model.User, len(users)),
		subscriptions:  subs,
		passiveTargets: passive,
		proxies:        proxies,
	}
	for _, r := range restaurants {
		next.restaurants[r.ID] = r
	}
	for _, u := range users {
		next.users[u.ID] = u
	}
	for i := range next.proxies {
		if ep, err := proxypool.ParseProxyURL(next.proxies[i].URL); err == nil {
			next.proxies[i].IdentityHash = ep.IdentityHash()
		}
	}

	s.snap.Store(next)
	return nil
}

// Sync refreshes the snapshot from the database unless a release window
// is imminent. Registered OnSynced callbacks fire after a successful
// refresh.
func (s *Store) Sync() error {
	if s.blackout != nil && s.blackout(s.now()) {
		log.Printf("[store] sync suppressed: release window imminent")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reload(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	for _, fn := range s.onSynced {
		fn()
	}
	return nil
}

// OnSynced registers a callback fired after every successful Sync.
func (s *Store) OnSynced(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSynced = append(s.onSynced, fn)
}

// --- read views ---

// RestaurantByID looks up a restaurant in the current snapshot.
func (s *Store) RestaurantByID(id int64) (model.Restaurant, bool) {
	r, ok := s.snap.Load().restaurants[id]
	return r, ok
}

// UserByID looks up a user in the current snapshot.
func (s *Store) UserByID(id int64) (model.User, bool) {
	u, ok := s.snap.Load().users[id]
	return u, ok
}

// Restaurants returns all restaurants in the current snapshot.
func (s *Store) Restaurants() []model.Restaurant {
	snap := s.snap.Load()
	out := make([]model.Restaurant, 0, len(snap.restaurants))
	for _, r := range snap.restaurants {
		out = append(out, r)
	}
	return out
}

// Proxies returns all proxies in the current snapshot.
func (s *Store) Proxies() []model.Proxy {
	return s.snap.Load().proxies
}

// FullSubscriptions joins enabled subscriptions with their user and
// restaurant. Subscriptions whose user has no auth token or payment
// method, or whose restaurant is disabled, are excluded.
func (s *Store) FullSubscriptions() []model.FullSubscription {
	snap := s.snap.Load()
	return joinFull(snap, snap.subscriptions, func(sub model.Subscription) (int64, int64, bool) {
		return sub.UserID, sub.RestaurantID, sub.Enabled
	})
}

// FullPassiveTargets joins enabled passive targets the same way
// FullSubscriptions joins subscriptions.
func (s *Store) FullPassiveTargets() []model.FullSubscription {
	snap := s.snap.Load()
	subs := make([]model.Subscription, len(snap.passiveTargets))
	for i, t := range snap.passiveTargets {
		subs[i] = model.Subscription{
			ID: t.ID, UserID: t.UserID, RestaurantID: t.RestaurantID,
			BookingPrefs: t.BookingPrefs, Enabled: t.Enabled,
			CreatedAtNs: t.CreatedAtNs, UpdatedAtNs: t.UpdatedAtNs,
		}
	}
	return joinFull(snap, subs, func(sub model.Subscription) (int64, int64, bool) {
		return sub.UserID, sub.RestaurantID, sub.Enabled
	})
}

func joinFull(snap *snapshot, subs []model.Subscription, key func(model.Subscription) (int64, int64, bool)) []model.FullSubscription {
	var out []model.FullSubscription
	for _, sub := range subs {
		userID, restID, enabled := key(sub)
		if !enabled {
			continue
		}
		user, ok := snap.users[userID]
		if !ok || user.AuthToken == "" || user.PaymentMethodID == 0 {
			continue
		}
		rest, ok := snap.restaurants[restID]
		if !ok || !rest.Enabled {
			continue
		}
		out = append(out, model.FullSubscription{Subscription: sub, User: user, Restaurant: rest})
	}
	return out
}

// --- write-through mutations ---

// UpsertRestaurant persists the restaurant and refreshes the snapshot.
func (s *Store) UpsertRestaurant(r model.Restaurant) (int64, error) {
	r.UpdatedAtNs = s.now().UnixNano()
	id, err := s.engine.UpsertRestaurant(r)
	if err != nil {
		return 0, fmt.Errorf("upsert restaurant: %w", err)
	}
	return id, s.refresh()
}

// UpsertUser persists the user and refreshes the snapshot.
func (s *Store) UpsertUser(u model.User) (int64, error) {
	u.UpdatedAtNs = s.now().UnixNano()
	id, err := s.engine.UpsertUser(u)
	if err != nil {
		return 0, fmt.Errorf("upsert user: %w", err)
	}
	return id, s.refresh()
}

// UpsertSubscription persists the subscription and refreshes the
// snapshot.
func (s *Store) UpsertSubscription(sub model.Subscription) (int64, error) {
	now := s.now().UnixNano()
	if sub.CreatedAtNs == 0 {
		sub.CreatedAtNs = now
	}
	sub.UpdatedAtNs = now
	id, err := s.engine.UpsertSubscription(sub)
	if err != nil {
		return 0, fmt.Errorf("upsert subscription: %w", err)
	}
	return id, s.refresh()
}

// DeleteSubscription removes the subscription and refreshes the
// snapshot.
func (s *Store) DeleteSubscription(id int64) error {
	if err := s.engine.DeleteSubscription(id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return s.refresh()
}

// UpsertPassiveTarget persists the passive target and refreshes the
// snapshot.
func (s *Store) UpsertPassiveTarget(t model.PassiveTarget) (int64, error) {
	now := s.now().UnixNano()
	if t.CreatedAtNs == 0 {
		t.CreatedAtNs = now
	}
	t.UpdatedAtNs = now
	id, err := s.engine.UpsertPassiveTarget(t)
	if err != nil {
		return 0, fmt.Errorf("upsert passive target: %w", err)
	}
	return id, s.refresh()
}

// DeletePassiveTarget removes the passive target and refreshes the
// snapshot.
func (s *Store) DeletePassiveTarget(id int64) error {
	if err := s.engine.DeletePassiveTarget(id); err != nil {
		return fmt.Errorf("delete passive target: %w", err)
	}
	return s.refresh()
}

// UpsertProxy persists the proxy and refreshes the snapshot.
func (s *Store) UpsertProxy(p model.Proxy) (int64, error) {
	p.UpdatedAtNs = s.now().UnixNano()
	id, err := s.engine.UpsertProxy(p)
	if err != nil {
		return 0, fmt.Errorf("upsert proxy: %w", err)
	}
	return id, s.refresh()
}

// refresh rebuilds the snapshot without the blackout gate; mutations
// are always reflected immediately.
func (s *Store) refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload()
}

// --- proxy runtime status (weak persist) ---

// MarkProxyUsed records a proxy use and marks the status dirty.
func (s *Store) MarkProxyUsed(proxyID int64, at time.Time) {
	s.proxyStatus.Compute(proxyID, func(old model.ProxyStatus, _ bool) (model.ProxyStatus, xsync.ComputeOp) {
		old.ProxyID = proxyID
		old.LastUsedNs = at.UnixNano()
		return old, xsync.UpdateOp
	})
	s.engine.MarkProxyStatus(proxyID)
}

// MarkProxyRateLimited puts a proxy on a rate-limit hold and marks the
// status dirty.
func (s *Store) MarkProxyRateLimited(proxyID int64, until time.Time) {
	s.proxyStatus.Compute(proxyID, func(old model.ProxyStatus, _ bool) (model.ProxyStatus, xsync.ComputeOp) {
		old.ProxyID = proxyID
		old.RateLimitedUntilNs = until.UnixNano()
		return old, xsync.UpdateOp
	})
	s.engine.MarkProxyStatus(proxyID)
	log.Printf("[store] proxy %d rate limited until %s", proxyID, until.Format(time.RFC3339))
}

// ProxyStatuses returns a copy of all tracked proxy statuses.
func (s *Store) ProxyStatuses() []model.ProxyStatus {
	var out []model.ProxyStatus
	s.proxyStatus.Range(func(_ int64, st model.ProxyStatus) bool {
		out = append(out, st)
		return true
	})
	return out
}

// CacheReaders returns the reader callbacks the flush worker uses to
// snapshot dirty proxy statuses at flush time.
func (s *Store) CacheReaders() state.CacheReaders {
	return state.CacheReaders{
		ReadProxyStatus: func(proxyID int64) *model.ProxyStatus {
			st, ok := s.proxyStatus.Load(proxyID)
			if !ok {
				return nil
			}
			return &st
		},
	}
}

// --- audit ---

// RecordBookingAttempt appends an attempt to the audit log.
func (s *Store) RecordBookingAttempt(a model.BookingAttempt) {
	if s.audit != nil {
		s.audit.EmitAttempt(a)
	}
}

// RecordBookingError appends an error to the audit log.
func (s *Store) RecordBookingError(e model.BookingError) {
	if s.audit != nil {
		s.audit.EmitError(e)
	}
}
