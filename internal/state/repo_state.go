package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rchung29/tablesniper/internal/model"
)

// StateRepo wraps state.db and provides transactional CRUD for
// strong-persist data. All writes are serialized by an internal mutex.
type StateRepo struct {
	db *sql.DB
	mu sync.Mutex
}

func newStateRepo(db *sql.DB) *StateRepo {
	return &StateRepo{db: db}
}

// --- restaurants ---

// UpsertRestaurant inserts or updates a restaurant by venue_id and
// returns the row's id.
func (r *StateRepo) UpsertRestaurant(rest model.Restaurant) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO restaurants (venue_id, name, days_in_advance, release_time, release_tz, enabled, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(venue_id) DO UPDATE SET
			name            = excluded.name,
			days_in_advance = excluded.days_in_advance,
			release_time    = excluded.release_time,
			release_tz      = excluded.release_tz,
			enabled         = excluded.enabled,
			updated_at_ns   = excluded.updated_at_ns
	`, rest.VenueID, rest.Name, rest.DaysInAdvance, rest.ReleaseTime, rest.ReleaseTZ, rest.Enabled, rest.UpdatedAtNs)
	if err != nil {
		return 0, err
	}
	return r.rowID("SELECT id FROM restaurants WHERE venue_id = ?", rest.VenueID)
}

// ListRestaurants returns all restaurants (enabled and disabled; the
// store filters).
func (r *StateRepo) ListRestaurants() ([]model.Restaurant, error) {
	rows, err := r.db.Query(`SELECT id, venue_id, name, days_in_advance, release_time, release_tz, enabled, updated_at_ns FROM restaurants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Restaurant
	for rows.Next() {
		var rest model.Restaurant
		if err := rows.Scan(&rest.ID, &rest.VenueID, &rest.Name, &rest.DaysInAdvance,
			&rest.ReleaseTime, &rest.ReleaseTZ, &rest.Enabled, &rest.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, rest)
	}
	return result, rows.Err()
}

// --- users ---

// UpsertUser inserts or updates a user by chat_id and returns the id.
func (r *StateRepo) UpsertUser(u model.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO users (chat_id, name, auth_token, payment_method_id, updated_at_ns)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			name              = excluded.name,
			auth_token        = excluded.auth_token,
			payment_method_id = excluded.payment_method_id,
			updated_at_ns     = excluded.updated_at_ns
	`, u.ChatID, u.Name, u.AuthToken, u.PaymentMethodID, u.UpdatedAtNs)
	if err != nil {
		return 0, err
	}
	return r.rowID("SELECT id FROM users WHERE chat_id = ?", u.ChatID)
}

// ListUsers returns all users.
func (r *StateRepo) ListUsers() ([]model.User, error) {
	rows, err := r.db.Query(`SELECT id, chat_id, name, auth_token, payment_method_id, updated_at_ns FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.ChatID, &u.Name, &u.AuthToken, &u.PaymentMethodID, &u.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// --- subscriptions / passive targets ---

// UpsertSubscription inserts or updates by (user, restaurant, party
// size) and returns the id. A second identical upsert modifies in place.
func (r *StateRepo) UpsertSubscription(s model.Subscription) (int64, error) {
	return r.upsertPrefsRow("user_subscriptions", s.UserID, s.RestaurantID, s.BookingPrefs, s.Enabled, s.CreatedAtNs, s.UpdatedAtNs)
}

// DeleteSubscription removes a subscription by id.
func (r *StateRepo) DeleteSubscription(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec("DELETE FROM user_subscriptions WHERE id = ?", id)
	return err
}

// ListSubscriptions returns all subscriptions.
func (r *StateRepo) ListSubscriptions() ([]model.Subscription, error) {
	rows, err := r.queryPrefsRows("user_subscriptions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Subscription
	for rows.Next() {
		var s model.Subscription
		if err := scanPrefsRow(rows, &s.ID, &s.UserID, &s.RestaurantID, &s.BookingPrefs, &s.Enabled, &s.CreatedAtNs, &s.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// UpsertPassiveTarget inserts or updates a passive target.
func (r *StateRepo) UpsertPassiveTarget(t model.PassiveTarget) (int64, error) {
	return r.upsertPrefsRow("passive_targets", t.UserID, t.RestaurantID, t.BookingPrefs, t.Enabled, t.CreatedAtNs, t.UpdatedAtNs)
}

// DeletePassiveTarget removes a passive target by id.
func (r *StateRepo) DeletePassiveTarget(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec("DELETE FROM passive_targets WHERE id = ?", id)
	return err
}

// ListPassiveTargets returns all passive targets.
func (r *StateRepo) ListPassiveTargets() ([]model.PassiveTarget, error) {
	rows, err := r.queryPrefsRows("passive_targets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.PassiveTarget
	for rows.Next() {
		var t model.PassiveTarget
		if err := scanPrefsRow(rows, &t.ID, &t.UserID, &t.RestaurantID, &t.BookingPrefs, &t.Enabled, &t.CreatedAtNs, &t.UpdatedAtNs); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// --- proxies ---

// UpsertProxy inserts or updates a proxy by URL and returns the id.
func (r *StateRepo) UpsertProxy(p model.Proxy) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(`
		INSERT INTO proxies (url, class, enabled, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			class         = excluded.class,
			enabled       = excluded.enabled,
			updated_at_ns = excluded.updated_at_ns
	`, p.URL, string(p.Class), p.Enabled, p.UpdatedAtNs)
	if err != nil {
		return 0, err
	}
	return r.rowID("SELECT id FROM proxies WHERE url = ?", p.URL)
}

// ListProxies returns all proxies.
func (r *StateRepo) ListProxies() ([]model.Proxy, error) {
	rows, err := r.db.Query(`SELECT id, url, class, enabled, updated_at_ns FROM proxies`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.Proxy
	for rows.Next() {
		var p model.Proxy
		var class string
		if err := rows.Scan(&p.ID, &p.URL, &class, &p.Enabled, &p.UpdatedAtNs); err != nil {
			return nil, err
		}
		p.Class = model.ProxyClass(class)
		result = append(result, p)
	}
	return result, rows.Err()
}

// --- shared helpers ---

func (r *StateRepo) rowID(query string, args ...any) (int64, error) {
	var id int64
	if err := r.db.QueryRow(query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("resolve row id: %w", err)
	}
	return id, nil
}

func (r *StateRepo) upsertPrefsRow(table string, userID, restaurantID int64, prefs model.BookingPrefs, enabled bool, createdAtNs, updatedAtNs int64) (int64, error) {
	tableTypes, dayConfigs, targetDays, err := encodePrefs(prefs)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// created_at_ns is preserved on update.
	_, err = r.db.Exec(fmt.Sprintf(`
		INSERT INTO %s (user_id, restaurant_id, party_size, window_start, window_end,
		                table_types_json, day_configs_json, target_days_json, enabled,
		                created_at_ns, updated_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, restaurant_id, party_size) DO UPDATE SET
			window_start     = excluded.window_start,
			window_end       = excluded.window_end,
			table_types_json = excluded.table_types_json,
			day_configs_json = excluded.day_configs_json,
			target_days_json = excluded.target_days_json,
			enabled          = excluded.enabled,
			updated_at_ns    = excluded.updated_at_ns
	`, table), userID, restaurantID, prefs.PartySize, prefs.WindowStart, prefs.WindowEnd,
		tableTypes, dayConfigs, targetDays, enabled, createdAtNs, updatedAtNs)
	if err != nil {
		return 0, err
	}
	return r.rowID(fmt.Sprintf(
		"SELECT id FROM %s WHERE user_id = ? AND restaurant_id = ? AND party_size = ?", table),
		userID, restaurantID, prefs.PartySize)
}

func (r *StateRepo) queryPrefsRows(table string) (*sql.Rows, error) {
	return r.db.Query(fmt.Sprintf(`SELECT id, user_id, restaurant_id, party_size, window_start,
		window_end, table_types_json, day_configs_json, target_days_json, enabled,
		created_at_ns, updated_at_ns FROM %s`, table))
}

func scanPrefsRow(rows *sql.Rows, id, userID, restaurantID *int64, prefs *model.BookingPrefs, enabled *bool, createdAtNs, updatedAtNs *int64) error {
	var tableTypes, dayConfigs, targetDays string
	if err := rows.Scan(id, userID, restaurantID, &prefs.PartySize, &prefs.WindowStart,
		&prefs.WindowEnd, &tableTypes, &dayConfigs, &targetDays, enabled, createdAtNs, updatedAtNs); err != nil {
		return err
	}
	return decodePrefs(tableTypes, dayConfigs, targetDays, prefs)
}

func encodePrefs(prefs model.BookingPrefs) (tableTypes, dayConfigs, targetDays string, err error) {
	tt, err := marshalOrEmptyArray(prefs.TableTypes)
	if err != nil {
		return "", "", "", fmt.Errorf("encode table_types: %w", err)
	}
	dc, err := marshalOrEmptyArray(prefs.DayConfigs)
	if err != nil {
		return "", "", "", fmt.Errorf("encode day_configs: %w", err)
	}
	td, err := marshalOrEmptyArray(prefs.TargetDays)
	if err != nil {
		return "", "", "", fmt.Errorf("encode target_days: %w", err)
	}
	return tt, dc, td, nil
}

func decodePrefs(tableTypes, dayConfigs, targetDays string, prefs *model.BookingPrefs) error {
	if err := json.Unmarshal([]byte(tableTypes), &prefs.TableTypes); err != nil {
		return fmt.Errorf("decode table_types: %w", err)
	}
	if err := json.Unmarshal([]byte(dayConfigs), &prefs.DayConfigs); err != nil {
		return fmt.Errorf("decode day_configs: %w", err)
	}
	if err := json.Unmarshal([]byte(targetDays), &prefs.TargetDays); err != nil {
		return fmt.Errorf("decode target_days: %w", err)
	}
	return nil
}

func marshalOrEmptyArray(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}
