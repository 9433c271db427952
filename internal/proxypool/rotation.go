package proxypool

import (
	"sync"
	"time"

	"github.com/rchung29/tablesniper/internal/model"
)

// DatacenterRotation hands out datacenter proxies round-robin for scan
// traffic. Leases are not exclusive; concurrent scans may share a
// proxy. Rate-limited proxies are skipped until their hold expires.
type DatacenterRotation struct {
	now func() time.Time

	mu             sync.Mutex
	proxies        []model.Proxy
	next           int
	rateLimitUntil map[int64]time.Time
}

// NewDatacenterRotation creates an empty rotation; call SetProxies to
// populate it. nowFn is injectable for tests (nil means time.Now).
func NewDatacenterRotation(nowFn func() time.Time) *DatacenterRotation {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &DatacenterRotation{
		now:            nowFn,
		rateLimitUntil: make(map[int64]time.Time),
	}
}

// SetProxies replaces rotation membership with the datacenter-class
// enabled proxies from the given set.
func (r *DatacenterRotation) SetProxies(proxies []model.Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.proxies = r.proxies[:0]
	keep := make(map[int64]bool)
	for _, p := range proxies {
		if p.Class != model.ProxyClassDatacenter || !p.Enabled {
			continue
		}
		r.proxies = append(r.proxies, p)
		keep[p.ID] = true
	}
	for id := range r.rateLimitUntil {
		if !keep[id] {
			delete(r.rateLimitUntil, id)
		}
	}
	if r.next >= len(r.proxies) {
		r.next = 0
	}
}

// Next returns the next proxy in rotation, skipping rate-limited ones.
// ok is false when every proxy is rate limited or the rotation is empty.
func (r *DatacenterRotation) Next() (model.Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.proxies)
	if n == 0 {
		return model.Proxy{}, false
	}

	now := r.now()
	for i := 0; i < n; i++ {
		p := r.proxies[r.next]
		r.next = (r.next + 1) % n
		if until, ok := r.rateLimitUntil[p.ID]; ok {
			if now.Before(until) {
				continue
			}
			delete(r.rateLimitUntil, p.ID)
		}
		return p, true
	}
	return model.Proxy{}, false
}

// MarkRateLimited removes a proxy from rotation until the hold expires.
func (r *DatacenterRotation) MarkRateLimited(proxyID int64, hold time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rateLimitUntil[proxyID] = r.now().Add(hold)
}

// Size returns the number of proxies in the rotation.
func (r *DatacenterRotation) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.proxies)
}
