package proxypool

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rchung29/tablesniper/internal/model"
)

// ErrNoProxyAvailable is returned when Acquire exhausts its wait budget
// without finding an eligible proxy.
var ErrNoProxyAvailable = errors.New("no proxy available")

const (
	// DefaultCooldown is how long a proxy sits out after MarkBad.
	DefaultCooldown = 5 * time.Minute
	// DefaultReuseDelay is the minimum spacing between uses of the same
	// proxy.
	DefaultReuseDelay = 2 * time.Second
	// DefaultAcquireTimeout bounds how long Acquire waits for a proxy.
	DefaultAcquireTimeout = 10 * time.Second
	// DefaultAcquirePoll is the re-check interval while waiting.
	DefaultAcquirePoll = 100 * time.Millisecond
)

// ISPPoolConfig configures an ISPPool. Zero values fall back to the
// package defaults.
type ISPPoolConfig struct {
	Cooldown       time.Duration
	ReuseDelay     time.Duration
	AcquireTimeout time.Duration
	AcquirePoll    time.Duration

	// Now is injectable for tests.
	Now func() time.Time

	// OnUsed fires (outside the pool lock) each time a proxy is leased,
	// so last-used can be persisted.
	OnUsed func(proxyID int64, usedAt time.Time)
}

// ISPPool hands out exclusive leases on ISP-class proxies. A proxy is
// eligible when it is not leased, not cooling down after MarkBad, and
// its last use is at least ReuseDelay in the past.
type ISPPool struct {
	cooldown       time.Duration
	reuseDelay     time.Duration
	acquireTimeout time.Duration
	acquirePoll    time.Duration
	now            func() time.Time
	onUsed         func(int64, time.Time)

	mu            sync.Mutex
	proxies       map[int64]model.Proxy
	inUse         map[int64]bool
	cooldownUntil map[int64]time.Time
	lastUsed      map[int64]time.Time
}

// NewISPPool creates an empty pool; call SetProxies to populate it.
func NewISPPool(cfg ISPPoolConfig) *ISPPool {
	p := &ISPPool{
		cooldown:       cfg.Cooldown,
		reuseDelay:     cfg.ReuseDelay,
		acquireTimeout: cfg.AcquireTimeout,
		acquirePoll:    cfg.AcquirePoll,
		now:            cfg.Now,
		onUsed:         cfg.OnUsed,
		proxies:        make(map[int64]model.Proxy),
		inUse:          make(map[int64]bool),
		cooldownUntil:  make(map[int64]time.Time),
		lastUsed:       make(map[int64]time.Time),
	}
	if p.cooldown <= 0 {
		p.cooldown = DefaultCooldown
	}
	if p.reuseDelay <= 0 {
		p.reuseDelay = DefaultReuseDelay
	}
	if p.acquireTimeout <= 0 {
		p.acquireTimeout = DefaultAcquireTimeout
	}
	if p.acquirePoll <= 0 {
		p.acquirePoll = DefaultAcquirePoll
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// SetProxies replaces pool membership. Lease and cooldown state for
// retained proxies is preserved; state for removed proxies is dropped.
func (p *ISPPool) SetProxies(proxies []model.Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[int64]model.Proxy, len(proxies))
	for _, pr := range proxies {
		if pr.Class != model.ProxyClassISP || !pr.Enabled {
			continue
		}
		next[pr.ID] = pr
	}

	for id := range p.inUse {
		if _, ok := next[id]; !ok {
			delete(p.inUse, id)
		}
	}
	for id := range p.cooldownUntil {
		if _, ok := next[id]; !ok {
			delete(p.cooldownUntil, id)
		}
	}
	for id := range p.lastUsed {
		if _, ok := next[id]; !ok {
			delete(p.lastUsed, id)
		}
	}
	p.proxies = next
}

// RestoreStatus seeds last-used and rate-limit state from persisted
// proxy status rows at startup.
func (p *ISPPool) RestoreStatus(statuses []model.ProxyStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, st := range statuses {
		if _, ok := p.proxies[st.ProxyID]; !ok {
			continue
		}
		if st.LastUsedNs > 0 {
			p.lastUsed[st.ProxyID] = time.Unix(0, st.LastUsedNs)
		}
		if st.RateLimitedUntilNs > 0 {
			until := time.Unix(0, st.RateLimitedUntilNs)
			if until.After(p.now()) {
				p.cooldownUntil[st.ProxyID] = until
			}
		}
	}
}

// Acquire leases an eligible proxy, polling until one frees up. It
// returns ErrNoProxyAvailable after the acquire timeout, or the context
// error if ctx ends first.
func (p *ISPPool) Acquire(ctx context.Context) (model.Proxy, error) {
	deadline := p.now().Add(p.acquireTimeout)

	for {
		if proxy, ok := p.tryAcquire(); ok {
			if p.onUsed != nil {
				p.onUsed(proxy.ID, p.now())
			}
			return proxy, nil
		}

		if !p.now().Before(deadline) {
			return model.Proxy{}, ErrNoProxyAvailable
		}

		select {
		case <-ctx.Done():
			return model.Proxy{}, ctx.Err()
		case <-time.After(p.acquirePoll):
		}
	}
}

// tryAcquire picks the least-recently-used eligible proxy.
func (p *ISPPool) tryAcquire() (model.Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []int64
	for id := range p.proxies {
		if p.inUse[id] {
			continue
		}
		if until, ok := p.cooldownUntil[id]; ok {
			if now.Before(until) {
				continue
			}
			delete(p.cooldownUntil, id)
		}
		if last, ok := p.lastUsed[id]; ok && now.Sub(last) < p.reuseDelay {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return model.Proxy{}, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		return p.lastUsed[candidates[i]].Before(p.lastUsed[candidates[j]])
	})

	id := candidates[0]
	p.inUse[id] = true
	p.lastUsed[id] = now
	return p.proxies[id], true
}

// Release returns a leased proxy to the pool.
func (p *ISPPool) Release(proxyID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[proxyID] {
		return
	}
	delete(p.inUse, proxyID)
	p.lastUsed[proxyID] = p.now()
}

// MarkBad releases the lease and puts the proxy on cooldown.
func (p *ISPPool) MarkBad(proxyID int64) {
	p.mu.Lock()
	until := p.now().Add(p.cooldown)
	delete(p.inUse, proxyID)
	p.cooldownUntil[proxyID] = until
	p.mu.Unlock()

	log.Printf("[proxypool] proxy %d marked bad, cooling down until %s", proxyID, until.Format(time.RFC3339))
}

// CooldownUntil reports when the proxy's cooldown ends, if any.
func (p *ISPPool) CooldownUntil(proxyID int64) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	until, ok := p.cooldownUntil[proxyID]
	return until, ok
}

// Reset clears all lease, cooldown, and spacing state. Called at the
// start of each release window so stale state never starves a window.
func (p *ISPPool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inUse = make(map[int64]bool)
	p.cooldownUntil = make(map[int64]time.Time)
	p.lastUsed = make(map[int64]time.Time)
}

// Stats returns a point-in-time view of the pool partition.
func (p *ISPPool) Stats() (total, leased, coolingDown int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	total = len(p.proxies)
	leased = len(p.inUse)
	for id, until := range p.cooldownUntil {
		if p.inUse[id] {
			continue
		}
		if now.Before(until) {
			coolingDown++
		}
	}
	return total, leased, coolingDown
}
