package proxypool

import (
	"testing"
	"time"

	"github.com/rchung29/tablesniper/internal/model"
)

func dcProxies(n int) []model.Proxy {
	var out []model.Proxy
	for i := 0; i < n; i++ {
		out = append(out, model.Proxy{
			ID:      int64(i + 1),
			Class:   model.ProxyClassDatacenter,
			Enabled: true,
		})
	}
	return out
}

func TestRotation_RoundRobin(t *testing.T) {
	rot := NewDatacenterRotation(nil)
	rot.SetProxies(dcProxies(3))

	var ids []int64
	for i := 0; i < 6; i++ {
		p, ok := rot.Next()
		if !ok {
			t.Fatal("rotation unexpectedly empty")
		}
		ids = append(ids, p.ID)
	}
	want := []int64{1, 2, 3, 1, 2, 3}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("rotation order = %v, want %v", ids, want)
		}
	}
}

func TestRotation_SkipsRateLimited(t *testing.T) {
	clock := newFakeClock()
	rot := NewDatacenterRotation(clock.Now)
	rot.SetProxies(dcProxies(2))

	rot.MarkRateLimited(1, 15*time.Minute)

	for i := 0; i < 3; i++ {
		p, ok := rot.Next()
		if !ok {
			t.Fatal("rotation unexpectedly empty")
		}
		if p.ID == 1 {
			t.Fatal("rate-limited proxy handed out")
		}
	}

	clock.Advance(16 * time.Minute)
	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		p, _ := rot.Next()
		seen[p.ID] = true
	}
	if !seen[1] {
		t.Fatal("proxy 1 not restored after hold expired")
	}
}

func TestRotation_AllRateLimited(t *testing.T) {
	clock := newFakeClock()
	rot := NewDatacenterRotation(clock.Now)
	rot.SetProxies(dcProxies(2))

	rot.MarkRateLimited(1, time.Minute)
	rot.MarkRateLimited(2, time.Minute)

	if _, ok := rot.Next(); ok {
		t.Fatal("expected no proxy while all are rate limited")
	}
}

func TestRotation_FiltersClassAndEnabled(t *testing.T) {
	rot := NewDatacenterRotation(nil)
	rot.SetProxies([]model.Proxy{
		{ID: 1, Class: model.ProxyClassDatacenter, Enabled: true},
		{ID: 2, Class: model.ProxyClassISP, Enabled: true},
		{ID: 3, Class: model.ProxyClassDatacenter, Enabled: false},
	})
	if rot.Size() != 1 {
		t.Fatalf("size = %d, want 1", rot.Size())
	}
}
