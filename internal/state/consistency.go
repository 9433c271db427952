package state

import (
	"database/sql"
	"fmt"
)

// RepairConsistency runs orphan cleanup on cache.db, cross-referencing
// state.db via ATTACH. All DELETEs execute in a single transaction so a
// crash cannot leave half-repaired state.
//
// Only proxy_status is repaired: a status row for a proxy that no
// longer exists in state.proxies is dead weight. The booking audit
// tables are append-only history and deliberately keep rows for
// entities that have since been deleted.
func RepairConsistency(stateDBPath string, cacheDB *sql.DB) error {
	attachSQL := fmt.Sprintf("ATTACH DATABASE %q AS state_db", stateDBPath)
	if _, err := cacheDB.Exec(attachSQL); err != nil {
		return fmt.Errorf("attach state_db: %w", err)
	}
	defer cacheDB.Exec("DETACH DATABASE state_db")

	tx, err := cacheDB.Begin()
	if err != nil {
		return fmt.Errorf("begin repair tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM proxy_status
		WHERE proxy_id NOT IN (SELECT id FROM state_db.proxies)`); err != nil {
		return fmt.Errorf("repair proxy_status: %w", err)
	}

	return tx.Commit()
}
