package state

import "sync"

// proxyStatusDirty accumulates proxy ids whose runtime status changed
// since the last flush. Only ids are stored; the status itself is read
// from memory when the flush runs, so a proxy marked a hundred times
// between flushes still costs one row write. The removed flag wins over
// plain change marks because it is always the later event.
type proxyStatusDirty struct {
	mu      sync.Mutex
	pending map[int64]bool // proxy id -> row is to be removed
}

func newProxyStatusDirty() *proxyStatusDirty {
	return &proxyStatusDirty{pending: make(map[int64]bool)}
}

// MarkChanged records that the proxy's status row needs rewriting.
func (d *proxyStatusDirty) MarkChanged(proxyID int64) {
	d.mu.Lock()
	d.pending[proxyID] = false
	d.mu.Unlock()
}

// MarkRemoved records that the proxy's status row must be deleted.
func (d *proxyStatusDirty) MarkRemoved(proxyID int64) {
	d.mu.Lock()
	d.pending[proxyID] = true
	d.mu.Unlock()
}

// Drain swaps the pending map for a fresh one and returns the old map
// as a stable batch. Marks arriving after Drain land in the new map.
func (d *proxyStatusDirty) Drain() map[int64]bool {
	d.mu.Lock()
	batch := d.pending
	d.pending = make(map[int64]bool, len(batch)/2)
	d.mu.Unlock()
	return batch
}

// Requeue puts a drained batch back after a failed flush. Proxies
// re-marked since the drain keep their newer mark.
func (d *proxyStatusDirty) Requeue(batch map[int64]bool) {
	d.mu.Lock()
	for id, removed := range batch {
		if _, exists := d.pending[id]; !exists {
			d.pending[id] = removed
		}
	}
	d.mu.Unlock()
}

// Len returns the number of proxies awaiting flush.
func (d *proxyStatusDirty) Len() int {
	d.mu.Lock()
	n := len(d.pending)
	d.mu.Unlock()
	return n
}
