// Package model defines domain structs shared across the persistence layer.
package model

// ProxyClass partitions proxies into the two derived pools.
type ProxyClass string

const (
	// ProxyClassDatacenter proxies are rotated round-robin by the scanner
	// and the passive monitor.
	ProxyClassDatacenter ProxyClass = "datacenter"
	// ProxyClassISP proxies form the bounded booking pool.
	ProxyClassISP ProxyClass = "isp"
)

// Restaurant is a venue on the upstream reservation platform.
type Restaurant struct {
	ID            int64  `json:"id"`
	VenueID       string `json:"venue_id"`
	Name          string `json:"name"`
	DaysInAdvance int    `json:"days_in_advance"`
	ReleaseTime   string `json:"release_time"` // HH:MM, local to ReleaseTZ
	ReleaseTZ     string `json:"release_tz"`   // IANA name
	Enabled       bool   `json:"enabled"`
	UpdatedAtNs   int64  `json:"updated_at_ns"`
}

// User is a subscribed account. AuthToken and PaymentMethodID may be
// zero-valued while registration is incomplete; such users are excluded
// from the FullSubscription view.
type User struct {
	ID              int64  `json:"id"`
	ChatID          int64  `json:"chat_id"`
	Name            string `json:"name"`
	AuthToken       string `json:"auth_token"`
	PaymentMethodID int64  `json:"payment_method_id"`
	UpdatedAtNs     int64  `json:"updated_at_ns"`
}

// DayConfig overrides the global booking window on one weekday.
// Day uses 0=Sunday .. 6=Saturday throughout the system.
type DayConfig struct {
	Day   int    `json:"day"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// BookingPrefs carries the slot-matching preferences shared by
// subscriptions and passive targets.
type BookingPrefs struct {
	PartySize   int         `json:"party_size"`
	WindowStart string      `json:"window_start"` // HH:MM inclusive
	WindowEnd   string      `json:"window_end"`   // HH:MM inclusive; end<start wraps overnight
	TableTypes  []string    `json:"table_types,omitempty"`
	DayConfigs  []DayConfig `json:"day_configs,omitempty"`
	TargetDays  []int       `json:"target_days,omitempty"` // empty = any weekday
}

// Subscription joins a user and a restaurant with booking preferences.
// Uniqueness key: (UserID, RestaurantID, PartySize).
type Subscription struct {
	ID           int64 `json:"id"`
	UserID       int64 `json:"user_id"`
	RestaurantID int64 `json:"restaurant_id"`
	BookingPrefs
	Enabled     bool  `json:"enabled"`
	CreatedAtNs int64 `json:"created_at_ns"`
	UpdatedAtNs int64 `json:"updated_at_ns"`
}

// PassiveTarget is shape-compatible with Subscription but driven by
// calendar polling instead of release windows. The lifecycles are
// distinct, so it is a separate type on purpose.
type PassiveTarget struct {
	ID           int64 `json:"id"`
	UserID       int64 `json:"user_id"`
	RestaurantID int64 `json:"restaurant_id"`
	BookingPrefs
	Enabled     bool  `json:"enabled"`
	CreatedAtNs int64 `json:"created_at_ns"`
	UpdatedAtNs int64 `json:"updated_at_ns"`
}

// Proxy is an upstream-facing egress endpoint. Credentials live inside
// the URL; IdentityHash is derived from the canonicalized URL.
type Proxy struct {
	ID           int64      `json:"id"`
	URL          string     `json:"url"`
	Class        ProxyClass `json:"class"`
	Enabled      bool       `json:"enabled"`
	IdentityHash uint64     `json:"identity_hash"`
	UpdatedAtNs  int64      `json:"updated_at_ns"`
}

// ProxyStatus is the weak-persist runtime state of a proxy.
type ProxyStatus struct {
	ProxyID            int64 `json:"proxy_id"`
	LastUsedNs         int64 `json:"last_used_ns"`
	RateLimitedUntilNs int64 `json:"rate_limited_until_ns"`
}

// AttemptStatus is the terminal classification of a booking attempt.
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
	AttemptSoldOut AttemptStatus = "sold_out"
)

// BookingAttempt is an append-only audit record. Never read back.
type BookingAttempt struct {
	ID            string        `json:"id"`
	UserID        int64         `json:"user_id"`
	RestaurantID  int64         `json:"restaurant_id"`
	TargetDate    string        `json:"target_date"` // YYYY-MM-DD local
	SlotTime      string        `json:"slot_time"`
	Status        AttemptStatus `json:"status"`
	ReservationID string        `json:"reservation_id,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	ProxyURL      string        `json:"proxy_url,omitempty"`
	CreatedAtNs   int64         `json:"created_at_ns"`
}

// BookingError is an append-only error record for failures outside the
// attempt lifecycle (prefetch failures, scan errors worth keeping).
type BookingError struct {
	ID           string `json:"id"`
	UserID       int64  `json:"user_id"`
	RestaurantID int64  `json:"restaurant_id"`
	TargetDate   string `json:"target_date"`
	Stage        string `json:"stage"`
	Message      string `json:"message"`
	CreatedAtNs  int64  `json:"created_at_ns"`
}

// FullSubscription is the denormalized view the scheduler and
// coordinator operate on: subscription plus resolved user auth material
// and restaurant details.
type FullSubscription struct {
	Subscription
	User       User       `json:"user"`
	Restaurant Restaurant `json:"restaurant"`
}

// ClaimKey identifies one bookable slot for claim arbitration.
type ClaimKey struct {
	RestaurantID int64
	TargetDate   string
	SlotTime     string
}

// BookingKey identifies one (user, restaurant, date) booking intent.
// Used for both active processors and the successful-bookings set.
type BookingKey struct {
	UserID       int64
	RestaurantID int64
	TargetDate   string
}
