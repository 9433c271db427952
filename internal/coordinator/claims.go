package coordinator

import (
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rchung29/tablesniper/internal/model"
)

// ClaimTable arbitrates slots between concurrent booking processors.
// One slot, one owner: the first TryClaim wins and every later caller
// backs off to its next candidate slot.
type ClaimTable struct {
	claims *xsync.Map[model.ClaimKey, model.BookingKey]
}

// NewClaimTable creates an empty claim table.
func NewClaimTable() *ClaimTable {
	return &ClaimTable{claims: xsync.NewMap[model.ClaimKey, model.BookingKey]()}
}

// TryClaim atomically claims a slot for owner. Re-claiming a slot the
// owner already holds succeeds (idempotent); a slot held by anyone else
// fails.
func (t *ClaimTable) TryClaim(slot model.ClaimKey, owner model.BookingKey) bool {
	won := false
	t.claims.Compute(slot, func(current model.BookingKey, loaded bool) (model.BookingKey, xsync.ComputeOp) {
		if loaded {
			won = current == owner
			return current, xsync.CancelOp
		}
		won = true
		return owner, xsync.UpdateOp
	})
	return won
}

// Release frees a slot, but only when owner actually holds it. Returns
// true when a claim was removed.
func (t *ClaimTable) Release(slot model.ClaimKey, owner model.BookingKey) bool {
	released := false
	t.claims.Compute(slot, func(current model.BookingKey, loaded bool) (model.BookingKey, xsync.ComputeOp) {
		if loaded && current == owner {
			released = true
			return current, xsync.DeleteOp
		}
		return current, xsync.CancelOp
	})
	return released
}

// Owner reports the current holder of a slot.
func (t *ClaimTable) Owner(slot model.ClaimKey) (model.BookingKey, bool) {
	return t.claims.Load(slot)
}

// Size returns the number of held claims.
func (t *ClaimTable) Size() int {
	return t.claims.Size()
}

// Reset drops every claim. Runs at the start of each release window.
func (t *ClaimTable) Reset() {
	t.claims.Clear()
}
