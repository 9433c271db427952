package state

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/rchung29/tablesniper/internal/model"
)

// CacheRepo wraps cache.db: weak-persist proxy status plus the
// append-only booking audit tables.
type CacheRepo struct {
	db *sql.DB
	mu sync.Mutex
}

func newCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{db: db}
}

// DB exposes the underlying handle for ad-hoc reads (tests, tooling).
func (r *CacheRepo) DB() *sql.DB {
	return r.db
}

// FlushOps carries one batch of dirty-set writes for FlushTx.
type FlushOps struct {
	UpsertProxyStatus []model.ProxyStatus
	DeleteProxyStatus []int64
}

// FlushTx executes all batch writes in a single transaction.
func (r *CacheRepo) FlushTx(ops FlushOps) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush tx: %w", err)
	}
	defer tx.Rollback()

	for _, ps := range ops.UpsertProxyStatus {
		if _, err := tx.Exec(`
			INSERT INTO proxy_status (proxy_id, last_used_ns, rate_limited_until_ns)
			VALUES (?, ?, ?)
			ON CONFLICT(proxy_id) DO UPDATE SET
				last_used_ns          = excluded.last_used_ns,
				rate_limited_until_ns = excluded.rate_limited_until_ns
		`, ps.ProxyID, ps.LastUsedNs, ps.RateLimitedUntilNs); err != nil {
			return fmt.Errorf("upsert proxy_status %d: %w", ps.ProxyID, err)
		}
	}
	for _, id := range ops.DeleteProxyStatus {
		if _, err := tx.Exec("DELETE FROM proxy_status WHERE proxy_id = ?", id); err != nil {
			return fmt.Errorf("delete proxy_status %d: %w", id, err)
		}
	}

	return tx.Commit()
}

// ListProxyStatus returns all proxy status rows for bootstrap recovery.
func (r *CacheRepo) ListProxyStatus() ([]model.ProxyStatus, error) {
	rows, err := r.db.Query(`SELECT proxy_id, last_used_ns, rate_limited_until_ns FROM proxy_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []model.ProxyStatus
	for rows.Next() {
		var ps model.ProxyStatus
		if err := rows.Scan(&ps.ProxyID, &ps.LastUsedNs, &ps.RateLimitedUntilNs); err != nil {
			return nil, err
		}
		result = append(result, ps)
	}
	return result, rows.Err()
}

// InsertBookingAttempts appends a batch of attempt records in one
// transaction. Returns the number inserted.
func (r *CacheRepo) InsertBookingAttempts(attempts []model.BookingAttempt) (int, error) {
	if len(attempts) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin attempts tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO booking_attempts (uid, user_id, restaurant_id, target_date, slot_time,
		                              status, reservation_id, error_message, proxy_url, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare attempts insert: %w", err)
	}
	defer stmt.Close()

	for _, a := range attempts {
		if _, err := stmt.Exec(a.ID, a.UserID, a.RestaurantID, a.TargetDate, a.SlotTime,
			string(a.Status), a.ReservationID, a.ErrorMessage, a.ProxyURL, a.CreatedAtNs); err != nil {
			return 0, fmt.Errorf("insert attempt %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(attempts), nil
}

// InsertBookingErrors appends a batch of error records in one
// transaction. Returns the number inserted.
func (r *CacheRepo) InsertBookingErrors(errs []model.BookingError) (int, error) {
	if len(errs) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin errors tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO booking_errors (uid, user_id, restaurant_id, target_date, stage, message, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare errors insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range errs {
		if _, err := stmt.Exec(e.ID, e.UserID, e.RestaurantID, e.TargetDate, e.Stage, e.Message, e.CreatedAtNs); err != nil {
			return 0, fmt.Errorf("insert error %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(errs), nil
}
