package state

import (
	"fmt"
	"log"

	"github.com/rchung29/tablesniper/internal/model"
)

// CacheReaders provides callbacks for reading current in-memory values
// at flush time. If a reader returns nil for a proxy marked changed,
// the row is deleted instead (the status was dropped between mark and
// flush).
type CacheReaders struct {
	ReadProxyStatus func(proxyID int64) *model.ProxyStatus
}

// StateEngine is the single write entry point for all persistence
// operations. Strong-persist data (restaurants, users, subscriptions,
// proxies) goes through transactional writes to state.db. Weak-persist
// proxy status is marked dirty and batch-flushed to cache.db.
type StateEngine struct {
	*StateRepo
	*CacheRepo

	dirtyProxyStatus *proxyStatusDirty
}

func newStateEngine(stateRepo *StateRepo, cacheRepo *CacheRepo) *StateEngine {
	return &StateEngine{
		StateRepo:        stateRepo,
		CacheRepo:        cacheRepo,
		dirtyProxyStatus: newProxyStatusDirty(),
	}
}

// MarkProxyStatus marks a proxy's runtime status dirty for the next flush.
func (e *StateEngine) MarkProxyStatus(proxyID int64) {
	e.dirtyProxyStatus.MarkChanged(proxyID)
}

// MarkProxyStatusDelete marks a proxy's runtime status for deletion.
func (e *StateEngine) MarkProxyStatusDelete(proxyID int64) {
	e.dirtyProxyStatus.MarkRemoved(proxyID)
}

// DirtyCount returns the number of dirty entries awaiting flush.
func (e *StateEngine) DirtyCount() int {
	return e.dirtyProxyStatus.Len()
}

// FlushDirtySets drains the dirty sets, reads current values via
// readers, and batch-writes to cache.db in a single transaction. On
// failure, undrained entries are merged back.
func (e *StateEngine) FlushDirtySets(readers CacheReaders) error {
	drained := e.dirtyProxyStatus.Drain()
	if len(drained) == 0 {
		return nil
	}

	var upserts []model.ProxyStatus
	var deletes []int64
	for id, removed := range drained {
		if removed {
			deletes = append(deletes, id)
			continue
		}
		ps := readers.ReadProxyStatus(id)
		if ps == nil {
			deletes = append(deletes, id)
		} else {
			upserts = append(upserts, *ps)
		}
	}

	if err := e.CacheRepo.FlushTx(FlushOps{
		UpsertProxyStatus: upserts,
		DeleteProxyStatus: deletes,
	}); err != nil {
		e.dirtyProxyStatus.Requeue(drained)
		return fmt.Errorf("flush: %w", err)
	}

	log.Printf("[state] flushed dirty sets: proxy_status=%d", len(drained))
	return nil
}
