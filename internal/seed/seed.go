// Package seed imports an operator-maintained YAML file into the
// store. Rows are keyed naturally (venue id, chat id, proxy URL), so
// re-running an import is idempotent.
package seed

import (
	"fmt"
	"log"
	"os"

	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/store"
	"gopkg.in/yaml.v3"
)

// File is the YAML seed document.
type File struct {
	Restaurants []RestaurantSeed `yaml:"restaurants"`
	Users       []UserSeed       `yaml:"users"`
	Subs        []PrefsSeed      `yaml:"subscriptions"`
	Passive     []PrefsSeed      `yaml:"passive_targets"`
	Proxies     []ProxySeed      `yaml:"proxies"`
}

// RestaurantSeed is one venue entry.
type RestaurantSeed struct {
	VenueID       string `yaml:"venue_id"`
	Name          string `yaml:"name"`
	DaysInAdvance int    `yaml:"days_in_advance"`
	ReleaseTime   string `yaml:"release_time"`
	ReleaseTZ     string `yaml:"release_tz"`
	Enabled       *bool  `yaml:"enabled"`
}

// UserSeed is one account entry.
type UserSeed struct {
	ChatID          int64  `yaml:"chat_id"`
	Name            string `yaml:"name"`
	AuthToken       string `yaml:"auth_token"`
	PaymentMethodID int64  `yaml:"payment_method_id"`
}

// PrefsSeed is one subscription or passive target, referencing its
// user and restaurant by natural key.
type PrefsSeed struct {
	UserChatID int64  `yaml:"user_chat_id"`
	VenueID    string `yaml:"venue_id"`

	PartySize   int             `yaml:"party_size"`
	WindowStart string          `yaml:"window_start"`
	WindowEnd   string          `yaml:"window_end"`
	TableTypes  []string        `yaml:"table_types"`
	DayConfigs  []DayConfigSeed `yaml:"day_configs"`
	TargetDays  []int           `yaml:"target_days"`
	Enabled     *bool           `yaml:"enabled"`
}

// DayConfigSeed is one per-weekday window override.
type DayConfigSeed struct {
	Day   int    `yaml:"day"`
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// ProxySeed is one egress proxy entry.
type ProxySeed struct {
	URL     string `yaml:"url"`
	Class   string `yaml:"class"`
	Enabled *bool  `yaml:"enabled"`
}

// Load parses a seed file from disk.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	return &f, nil
}

// Apply upserts everything in the seed file through the store. Natural
// keys (venue id, chat id) are resolved to row ids as it goes.
func Apply(f *File, s *store.Store) error {
	venueIDs := make(map[string]int64, len(f.Restaurants))
	for _, r := range f.Restaurants {
		id, err := s.UpsertRestaurant(model.Restaurant{
			VenueID:       r.VenueID,
			Name:          r.Name,
			DaysInAdvance: r.DaysInAdvance,
			ReleaseTime:   r.ReleaseTime,
			ReleaseTZ:     r.ReleaseTZ,
			Enabled:       enabled(r.Enabled),
		})
		if err != nil {
			return fmt.Errorf("seed restaurant %s: %w", r.VenueID, err)
		}
		venueIDs[r.VenueID] = id
	}

	chatIDs := make(map[int64]int64, len(f.Users))
	for _, u := range f.Users {
		id, err := s.UpsertUser(model.User{
			ChatID:          u.ChatID,
			Name:            u.Name,
			AuthToken:       u.AuthToken,
			PaymentMethodID: u.PaymentMethodID,
		})
		if err != nil {
			return fmt.Errorf("seed user %d: %w", u.ChatID, err)
		}
		chatIDs[u.ChatID] = id
	}

	for _, p := range f.Subs {
		userID, restID, prefs, err := resolvePrefs(p, chatIDs, venueIDs)
		if err != nil {
			return fmt.Errorf("seed subscription: %w", err)
		}
		if _, err := s.UpsertSubscription(model.Subscription{
			UserID: userID, RestaurantID: restID,
			BookingPrefs: prefs, Enabled: enabled(p.Enabled),
		}); err != nil {
			return fmt.Errorf("seed subscription for chat %d: %w", p.UserChatID, err)
		}
	}

	for _, p := range f.Passive {
		userID, restID, prefs, err := resolvePrefs(p, chatIDs, venueIDs)
		if err != nil {
			return fmt.Errorf("seed passive target: %w", err)
		}
		if _, err := s.UpsertPassiveTarget(model.PassiveTarget{
			UserID: userID, RestaurantID: restID,
			BookingPrefs: prefs, Enabled: enabled(p.Enabled),
		}); err != nil {
			return fmt.Errorf("seed passive target for chat %d: %w", p.UserChatID, err)
		}
	}

	for _, p := range f.Proxies {
		class := model.ProxyClass(p.Class)
		if class != model.ProxyClassISP && class != model.ProxyClassDatacenter {
			return fmt.Errorf("seed proxy %s: unknown class %q", p.URL, p.Class)
		}
		if _, err := s.UpsertProxy(model.Proxy{
			URL: p.URL, Class: class, Enabled: enabled(p.Enabled),
		}); err != nil {
			return fmt.Errorf("seed proxy %s: %w", p.URL, err)
		}
	}

	log.Printf("[seed] imported: restaurants=%d users=%d subscriptions=%d passive=%d proxies=%d",
		len(f.Restaurants), len(f.Users), len(f.Subs), len(f.Passive), len(f.Proxies))
	return nil
}

func resolvePrefs(p PrefsSeed, chatIDs map[int64]int64, venueIDs map[string]int64) (userID, restID int64, prefs model.BookingPrefs, err error) {
	userID, ok := chatIDs[p.UserChatID]
	if !ok {
		return 0, 0, prefs, fmt.Errorf("unknown user chat id %d", p.UserChatID)
	}
	restID, ok = venueIDs[p.VenueID]
	if !ok {
		return 0, 0, prefs, fmt.Errorf("unknown venue id %q", p.VenueID)
	}

	prefs = model.BookingPrefs{
		PartySize:   p.PartySize,
		WindowStart: p.WindowStart,
		WindowEnd:   p.WindowEnd,
		TableTypes:  p.TableTypes,
		TargetDays:  p.TargetDays,
	}
	for _, dc := range p.DayConfigs {
		prefs.DayConfigs = append(prefs.DayConfigs, model.DayConfig{Day: dc.Day, Start: dc.Start, End: dc.End})
	}
	return userID, restID, prefs, nil
}

// enabled defaults an omitted flag to true; seeds list live entries.
func enabled(v *bool) bool {
	return v == nil || *v
}
