package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rchung29/tablesniper/internal/state"
	"github.com/rchung29/tablesniper/internal/store"
)

const sampleSeed = `
restaurants:
  - venue_id: venue-carbone
    name: Carbone
    days_in_advance: 30
    release_time: "10:00"
    release_tz: America/New_York
users:
  - chat_id: 100
    name: alice
    auth_token: tok-alice
    payment_method_id: 7
  - chat_id: 200
    name: bob
subscriptions:
  - user_chat_id: 100
    venue_id: venue-carbone
    party_size: 2
    window_start: "18:00"
    window_end: "21:00"
    table_types: [Dining Room]
    target_days: [5, 6]
passive_targets:
  - user_chat_id: 100
    venue_id: venue-carbone
    party_size: 4
    window_start: "19:00"
    window_end: "22:00"
    day_configs:
      - day: 6
        start: "12:00"
        end: "14:00"
proxies:
  - url: http://u:p@10.0.0.1:8080
    class: isp
  - url: http://u:p@10.0.0.2:8080
    class: datacenter
    enabled: false
`

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	engine, closer, err := state.PersistenceBootstrap(dir, dir)
	if err != nil {
		t.Fatalf("PersistenceBootstrap: %v", err)
	}
	t.Cleanup(func() { closer.Close() })

	s := store.New(store.Config{Engine: engine})
	if err := s.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return s
}

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path
}

func TestApply_ImportsEverything(t *testing.T) {
	s := newTestStore(t)

	f, err := Load(writeSeed(t, sampleSeed))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Apply(f, s); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	full := s.FullSubscriptions()
	if len(full) != 1 {
		t.Fatalf("full subscriptions = %d, want 1 (bob has no auth token)", len(full))
	}
	sub := full[0]
	if sub.User.Name != "alice" || sub.Restaurant.VenueID != "venue-carbone" {
		t.Fatalf("join = %+v", sub)
	}
	if len(sub.TargetDays) != 2 || sub.TableTypes[0] != "Dining Room" {
		t.Fatalf("prefs = %+v", sub.BookingPrefs)
	}

	passive := s.FullPassiveTargets()
	if len(passive) != 1 || len(passive[0].DayConfigs) != 1 {
		t.Fatalf("passive = %+v", passive)
	}

	proxies := s.Proxies()
	if len(proxies) != 2 {
		t.Fatalf("proxies = %d, want 2", len(proxies))
	}
	for _, p := range proxies {
		if p.URL == "http://u:p@10.0.0.2:8080" && p.Enabled {
			t.Fatal("explicit enabled: false ignored")
		}
		if p.URL == "http://u:p@10.0.0.1:8080" && !p.Enabled {
			t.Fatal("omitted enabled should default to true")
		}
	}
}

func TestApply_Idempotent(t *testing.T) {
	s := newTestStore(t)

	f, err := Load(writeSeed(t, sampleSeed))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Apply(f, s); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := Apply(f, s); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	if got := len(s.FullSubscriptions()); got != 1 {
		t.Fatalf("subscriptions after re-apply = %d", got)
	}
	if got := len(s.Proxies()); got != 2 {
		t.Fatalf("proxies after re-apply = %d", got)
	}
}

func TestApply_UnknownReference(t *testing.T) {
	s := newTestStore(t)

	f, err := Load(writeSeed(t, `
users:
  - chat_id: 100
    name: alice
subscriptions:
  - user_chat_id: 100
    venue_id: nowhere
    party_size: 2
    window_start: "18:00"
    window_end: "21:00"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Apply(f, s); err == nil {
		t.Fatal("expected unknown venue reference to fail")
	}
}
