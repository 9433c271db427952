package coordinator

import (
	"context"
	"sync"
	"testing"

	"github.com/rchung29/tablesniper/internal/bookingapi"
	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/scheduler"
)

// fakeAPI scripts details/book responses per slot config id.
type fakeAPI struct {
	mu        sync.Mutex
	bookErrs  map[string][]error // config id -> errors returned in order
	bookCalls []string
	noToken   map[string]bool
}

func (f *fakeAPI) GetDetails(_ context.Context, _, _, _, _ string, _ int, configID string) (*bookingapi.BookToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noToken[configID] {
		return nil, nil
	}
	return &bookingapi.BookToken{Value: "bt-" + configID}, nil
}

func (f *fakeAPI) Book(_ context.Context, _, _ string, bookToken string, _ int64) (*bookingapi.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	configID := bookToken[len("bt-"):]
	f.bookCalls = append(f.bookCalls, configID)
	if errs := f.bookErrs[configID]; len(errs) > 0 {
		err := errs[0]
		f.bookErrs[configID] = errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &bookingapi.Confirmation{ReservationID: 42}, nil
}

func (f *fakeAPI) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bookCalls...)
}

// fakePool leases unlimited distinct proxies and counts lifecycle calls.
type fakePool struct {
	mu       sync.Mutex
	nextID   int64
	released []int64
	bad      []int64
	fail     bool
}

func (p *fakePool) Acquire(context.Context) (model.Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return model.Proxy{}, context.DeadlineExceeded
	}
	p.nextID++
	return model.Proxy{ID: p.nextID, URL: "http://proxy", Class: model.ProxyClassISP}, nil
}

func (p *fakePool) Release(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
}

func (p *fakePool) MarkBad(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bad = append(p.bad, id)
}

type recordingSink struct {
	mu       sync.Mutex
	attempts []model.BookingAttempt
	errors   []model.BookingError
}

func (r *recordingSink) RecordBookingAttempt(a model.BookingAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

func (r *recordingSink) RecordBookingError(e model.BookingError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
}

func (r *recordingSink) byStatus(status model.AttemptStatus) []model.BookingAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.BookingAttempt
	for _, a := range r.attempts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

func testEntry(userID int64, prefs model.BookingPrefs) scheduler.Entry {
	return scheduler.Entry{
		Subscription: model.FullSubscription{
			Subscription: model.Subscription{
				UserID: userID, RestaurantID: 1,
				BookingPrefs: prefs,
				Enabled:      true,
			},
			User:       model.User{ID: userID, AuthToken: "tok", PaymentMethodID: 7},
			Restaurant: model.Restaurant{ID: 1, VenueID: "v1", Enabled: true},
		},
		TargetDate: "2025-12-20",
		Weekday:    6,
	}
}

func eveningPrefs() model.BookingPrefs {
	return model.BookingPrefs{PartySize: 2, WindowStart: "18:00", WindowEnd: "21:00"}
}

func slots(ids ...string) []bookingapi.Slot {
	var out []bookingapi.Slot
	for i, id := range ids {
		out = append(out, bookingapi.Slot{ConfigID: id, Time: []string{"19:00:00", "19:30:00", "20:00:00"}[i%3]})
	}
	return out
}

func waf() error {
	return &bookingapi.APIError{Status: 500, RawBody: []byte("{}")}
}

func TestMatchSlots_WindowAndTableType(t *testing.T) {
	prefs := eveningPrefs()
	prefs.TableTypes = []string{"dining room"}

	raw := []bookingapi.Slot{
		{ConfigID: "late", Time: "22:00:00", TableType: "Dining Room"},
		{ConfigID: "bar", Time: "19:00:00", TableType: "Bar Seat"},
		{ConfigID: "ok2", Time: "20:00:00", TableType: "Main Dining Room"},
		{ConfigID: "ok1", Time: "2025-12-20 19:30:00", TableType: "Dining Room"},
	}

	got := MatchSlots(prefs, 6, raw)
	if len(got) != 2 {
		t.Fatalf("matched %d slots, want 2: %+v", len(got), got)
	}
	if got[0].ConfigID != "ok1" || got[1].ConfigID != "ok2" {
		t.Fatalf("order = %s, %s", got[0].ConfigID, got[1].ConfigID)
	}
}

func TestMatchSlots_DayConfigOverride(t *testing.T) {
	prefs := eveningPrefs()
	prefs.DayConfigs = []model.DayConfig{{Day: 6, Start: "12:00", End: "14:00"}}

	raw := []bookingapi.Slot{
		{ConfigID: "lunch", Time: "12:30:00"},
		{ConfigID: "dinner", Time: "19:00:00"},
	}
	got := MatchSlots(prefs, 6, raw)
	if len(got) != 1 || got[0].ConfigID != "lunch" {
		t.Fatalf("got %+v", got)
	}

	// Weekday without a day config entry is filtered out entirely.
	if got := MatchSlots(prefs, 3, raw); got != nil {
		t.Fatalf("weekday 3 should match nothing, got %+v", got)
	}
}

func TestProcessor_HappyPath(t *testing.T) {
	api := &fakeAPI{}
	pool := &fakePool{}
	sink := &recordingSink{}

	results := make(chan Result, 1)
	c := New(Config{
		API: api, Pool: pool, Recorder: sink,
		OnResult: func(r Result) { results <- r },
	})

	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), slots("s1", "s2"))
	c.Wait()

	r := <-results
	if r.Kind != bookingapi.KindSuccess || r.ReservationID != 42 {
		t.Fatalf("result = %+v", r)
	}
	if got := api.calls(); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("book calls = %v, want earliest slot only", got)
	}
	if len(pool.released) != 1 || len(pool.bad) != 0 {
		t.Fatalf("pool: released=%v bad=%v", pool.released, pool.bad)
	}
	if got := sink.byStatus(model.AttemptSuccess); len(got) != 1 || got[0].ReservationID != "42" {
		t.Fatalf("success attempts = %+v", got)
	}
	if !c.Succeeded(model.BookingKey{UserID: 1, RestaurantID: 1, TargetDate: "2025-12-20"}) {
		t.Fatal("succeeded set not updated")
	}
}

func TestProcessor_SucceededKeySkipsRedispatch(t *testing.T) {
	api := &fakeAPI{}
	c := New(Config{API: api, Pool: &fakePool{}, Recorder: &recordingSink{}})

	entry := testEntry(1, eveningPrefs())
	c.Dispatch(context.Background(), entry, slots("s1"))
	c.Wait()
	c.Dispatch(context.Background(), entry, slots("s2"))
	c.Wait()

	if got := api.calls(); len(got) != 1 {
		t.Fatalf("book calls = %v, want 1 (second dispatch skipped)", got)
	}
}

func TestProcessor_WAFRetrySameSlotThenAdvance(t *testing.T) {
	api := &fakeAPI{bookErrs: map[string][]error{
		"s1": {waf(), waf()}, // burns the retry budget
		"s2": {waf(), nil},   // one retry, then booked
	}}
	pool := &fakePool{}
	sink := &recordingSink{}

	results := make(chan Result, 1)
	c := New(Config{
		API: api, Pool: pool, Recorder: sink,
		OnResult: func(r Result) { results <- r },
	})

	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), slots("s1", "s2"))
	c.Wait()

	r := <-results
	if r.Kind != bookingapi.KindSuccess {
		t.Fatalf("result = %+v", r)
	}
	// s1 twice (retry on the same slot), then s2 twice.
	want := []string{"s1", "s1", "s2", "s2"}
	got := api.calls()
	if len(got) != len(want) {
		t.Fatalf("book calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("book calls = %v, want %v", got, want)
		}
	}
	// Three WAF hits burned three proxies; the fourth was released.
	if len(pool.bad) != 3 || len(pool.released) != 1 {
		t.Fatalf("pool: bad=%v released=%v", pool.bad, pool.released)
	}
	if got := sink.byStatus(model.AttemptFailed); len(got) != 1 {
		t.Fatalf("failed attempts = %+v, want the exhausted s1", got)
	}
}

func TestProcessor_SoldOutCascadeKeepsClaim(t *testing.T) {
	api := &fakeAPI{bookErrs: map[string][]error{
		"s1": {&bookingapi.APIError{Status: 412}},
	}}
	pool := &fakePool{}
	sink := &recordingSink{}

	results := make(chan Result, 1)
	c := New(Config{
		API: api, Pool: pool, Recorder: sink,
		OnResult: func(r Result) { results <- r },
	})

	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), slots("s1", "s2"))
	c.Wait()

	if r := <-results; r.Kind != bookingapi.KindSuccess {
		t.Fatalf("result = %+v", r)
	}
	if got := sink.byStatus(model.AttemptSoldOut); len(got) != 1 || got[0].SlotTime != "19:00:00" {
		t.Fatalf("sold out attempts = %+v", got)
	}
	// The sold-out slot's claim stays held so nobody retries it.
	owner, held := c.Claims().Owner(model.ClaimKey{RestaurantID: 1, TargetDate: "2025-12-20", SlotTime: "19:00:00"})
	if !held || owner.UserID != 1 {
		t.Fatalf("sold-out claim released: held=%v owner=%+v", held, owner)
	}
}

func TestProcessor_RateLimitedFlagsUser(t *testing.T) {
	api := &fakeAPI{bookErrs: map[string][]error{
		"s1": {&bookingapi.APIError{Status: 429}},
	}}
	pool := &fakePool{}

	results := make(chan Result, 1)
	c := New(Config{
		API: api, Pool: pool, Recorder: &recordingSink{},
		OnResult: func(r Result) { results <- r },
	})

	entry := testEntry(1, eveningPrefs())
	c.Dispatch(context.Background(), entry, slots("s1", "s2"))
	c.Wait()

	if r := <-results; r.Kind != bookingapi.KindRateLimited {
		t.Fatalf("result = %+v", r)
	}
	if len(pool.bad) != 1 {
		t.Fatalf("pool bad = %v", pool.bad)
	}
	if c.FlaggedUsers()[1] != bookingapi.KindRateLimited {
		t.Fatalf("flagged = %v", c.FlaggedUsers())
	}

	// Flagged users sit out the rest of the window.
	c.Dispatch(context.Background(), entry, slots("s2"))
	c.Wait()
	if got := api.calls(); len(got) != 1 {
		t.Fatalf("book calls = %v, want no call after flagging", got)
	}
}

func TestProcessor_AuthFailedFlagsUser(t *testing.T) {
	api := &fakeAPI{bookErrs: map[string][]error{
		"s1": {&bookingapi.APIError{Status: 401}},
	}}
	pool := &fakePool{}

	results := make(chan Result, 1)
	c := New(Config{
		API: api, Pool: pool, Recorder: &recordingSink{},
		OnResult: func(r Result) { results <- r },
	})

	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), slots("s1"))
	c.Wait()

	if r := <-results; r.Kind != bookingapi.KindAuthFailed {
		t.Fatalf("result = %+v", r)
	}
	// Auth failures release the proxy intact.
	if len(pool.bad) != 0 || len(pool.released) != 1 {
		t.Fatalf("pool: bad=%v released=%v", pool.bad, pool.released)
	}
}

func TestProcessor_TwoUserRaceOneSlot(t *testing.T) {
	api := &fakeAPI{}
	pool := &fakePool{}
	sink := &recordingSink{}

	var mu sync.Mutex
	var wins int
	c := New(Config{
		API: api, Pool: pool, Recorder: sink,
		OnResult: func(r Result) {
			if r.Kind == bookingapi.KindSuccess {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		},
	})

	one := slots("only")
	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), one)
	c.Dispatch(context.Background(), testEntry(2, eveningPrefs()), one)
	c.Wait()

	mu.Lock()
	defer mu.Unlock()
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if got := api.calls(); len(got) != 1 {
		t.Fatalf("book calls = %v, want 1", got)
	}
}

func TestDispatch_SameDayReservationSkipsProcessor(t *testing.T) {
	api := &fakeAPI{}
	c := New(Config{API: api, Pool: &fakePool{}, Recorder: &recordingSink{}})

	// The exclusion set knows user 1 already dines somewhere on the
	// target date; which venue holds that reservation is irrelevant.
	c.SetExclusions(func(userID int64, targetDate string) bool {
		return userID == 1 && targetDate == "2025-12-20"
	})

	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), slots("s1"))
	c.Dispatch(context.Background(), testEntry(2, eveningPrefs()), slots("s2"))
	c.Wait()

	if got := api.calls(); len(got) != 1 || got[0] != "s2" {
		t.Fatalf("book calls = %v, want only the unexcluded user", got)
	}
	if c.Succeeded(model.BookingKey{UserID: 1, RestaurantID: 1, TargetDate: "2025-12-20"}) {
		t.Fatal("excluded user must not book")
	}
}

func TestProcessor_AllSlotsExhausted(t *testing.T) {
	api := &fakeAPI{bookErrs: map[string][]error{
		"s1": {&bookingapi.APIError{Status: 500, RawBody: []byte(`{"error":"internal"}`)}},
		"s2": {&bookingapi.APIError{Status: 500, RawBody: []byte(`{"error":"internal"}`)}},
	}}

	results := make(chan Result, 1)
	c := New(Config{
		API: api, Pool: &fakePool{}, Recorder: &recordingSink{},
		OnResult: func(r Result) { results <- r },
	})

	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), slots("s1", "s2"))
	c.Wait()

	r := <-results
	if r.Kind != bookingapi.KindUnknown {
		t.Fatalf("result = %+v", r)
	}
	if r.Err == nil || r.Err.Error() != "all slots failed" {
		t.Fatalf("exhaustion err = %v", r.Err)
	}
}

func TestProcessor_NoProxyAvailable(t *testing.T) {
	pool := &fakePool{fail: true}
	sink := &recordingSink{}

	results := make(chan Result, 1)
	c := New(Config{
		API: &fakeAPI{}, Pool: pool, Recorder: sink,
		OnResult: func(r Result) { results <- r },
	})

	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), slots("s1"))
	c.Wait()

	if r := <-results; r.Kind != bookingapi.KindNoProxy {
		t.Fatalf("result = %+v", r)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errors) != 1 || sink.errors[0].Stage != "acquire_proxy" {
		t.Fatalf("errors = %+v", sink.errors)
	}
	// The claim must be freed for other processors.
	if _, held := c.Claims().Owner(model.ClaimKey{RestaurantID: 1, TargetDate: "2025-12-20", SlotTime: "19:00:00"}); held {
		t.Fatal("claim leaked after proxy acquire failure")
	}
}

func TestProcessor_NoBookToken(t *testing.T) {
	api := &fakeAPI{noToken: map[string]bool{"s1": true}}
	pool := &fakePool{}

	results := make(chan Result, 1)
	c := New(Config{
		API: api, Pool: pool, Recorder: &recordingSink{},
		OnResult: func(r Result) { results <- r },
	})

	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), slots("s1", "s2"))
	c.Wait()

	// s1 had no token; s2 books fine.
	if r := <-results; r.Kind != bookingapi.KindSuccess {
		t.Fatalf("result = %+v", r)
	}
	if got := api.calls(); len(got) != 1 || got[0] != "s2" {
		t.Fatalf("book calls = %v", got)
	}
}

func TestProcessor_DryRunSkipsBook(t *testing.T) {
	api := &fakeAPI{}

	results := make(chan Result, 1)
	c := New(Config{
		API: api, Pool: &fakePool{}, Recorder: &recordingSink{}, DryRun: true,
		OnResult: func(r Result) { results <- r },
	})

	c.Dispatch(context.Background(), testEntry(1, eveningPrefs()), slots("s1"))
	c.Wait()

	if r := <-results; r.Kind != bookingapi.KindSuccess {
		t.Fatalf("result = %+v", r)
	}
	if got := api.calls(); len(got) != 0 {
		t.Fatalf("book calls = %v, want none in dry run", got)
	}
}

func TestClaimTable(t *testing.T) {
	table := NewClaimTable()
	slot := model.ClaimKey{RestaurantID: 1, TargetDate: "2025-12-20", SlotTime: "19:00:00"}
	alice := model.BookingKey{UserID: 1, RestaurantID: 1, TargetDate: "2025-12-20"}
	bob := model.BookingKey{UserID: 2, RestaurantID: 1, TargetDate: "2025-12-20"}

	if !table.TryClaim(slot, alice) {
		t.Fatal("first claim failed")
	}
	if !table.TryClaim(slot, alice) {
		t.Fatal("re-claim by owner should be idempotent")
	}
	if table.TryClaim(slot, bob) {
		t.Fatal("claim stolen")
	}
	if table.Release(slot, bob) {
		t.Fatal("released someone else's claim")
	}
	if !table.Release(slot, alice) {
		t.Fatal("owner release failed")
	}
	if !table.TryClaim(slot, bob) {
		t.Fatal("claim not reusable after release")
	}
	table.Reset()
	if table.Size() != 0 {
		t.Fatalf("size after reset = %d", table.Size())
	}
}
