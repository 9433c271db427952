package attemptlog

import (
	"testing"
	"time"

	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/state"
)

func newTestService(t *testing.T, cfg ServiceConfig) (*Service, *state.StateEngine) {
	t.Helper()
	dir := t.TempDir()
	engine, closer, err := state.PersistenceBootstrap(dir, dir)
	if err != nil {
		t.Fatalf("PersistenceBootstrap: %v", err)
	}
	t.Cleanup(func() { closer.Close() })

	cfg.Repo = engine.CacheRepo
	return NewService(cfg), engine
}

func TestService_FlushOnStop(t *testing.T) {
	svc, engine := newTestService(t, ServiceConfig{
		FlushInterval: time.Hour, // only the stop path should flush
	})
	svc.Start()

	svc.EmitAttempt(model.BookingAttempt{
		UserID: 1, RestaurantID: 2,
		TargetDate: "2025-12-20", SlotTime: "19:30",
		Status: model.AttemptSuccess, ReservationID: "42",
	})
	svc.EmitAttempt(model.BookingAttempt{
		UserID: 3, RestaurantID: 2,
		TargetDate: "2025-12-20", SlotTime: "19:30",
		Status: model.AttemptFailed, ErrorMessage: "slot already claimed",
	})
	svc.EmitError(model.BookingError{
		UserID: 1, Stage: "prefetch", Message: "timeout",
	})

	svc.Stop()

	var attempts int
	if err := engine.CacheRepo.DB().QueryRow("SELECT COUNT(*) FROM booking_attempts").Scan(&attempts); err != nil {
		t.Fatalf("count attempts: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}

	var errs int
	if err := engine.CacheRepo.DB().QueryRow("SELECT COUNT(*) FROM booking_errors").Scan(&errs); err != nil {
		t.Fatalf("count errors: %v", err)
	}
	if errs != 1 {
		t.Fatalf("errors = %d, want 1", errs)
	}
}

func TestService_FillsIDAndTimestamp(t *testing.T) {
	svc, engine := newTestService(t, ServiceConfig{FlushInterval: time.Hour})
	svc.Start()

	svc.EmitAttempt(model.BookingAttempt{UserID: 1, Status: model.AttemptSoldOut})
	svc.Stop()

	var uid string
	var createdAt int64
	if err := engine.CacheRepo.DB().QueryRow("SELECT uid, created_at_ns FROM booking_attempts").Scan(&uid, &createdAt); err != nil {
		t.Fatalf("query: %v", err)
	}
	if uid == "" {
		t.Fatal("uid not filled")
	}
	if createdAt == 0 {
		t.Fatal("created_at_ns not filled")
	}
}

func TestService_OverflowDropsInsteadOfBlocking(t *testing.T) {
	svc, _ := newTestService(t, ServiceConfig{QueueSize: 1, FlushInterval: time.Hour})
	// Not started: the queue cannot drain, so the second emit must drop.

	done := make(chan struct{})
	go func() {
		svc.EmitAttempt(model.BookingAttempt{UserID: 1})
		svc.EmitAttempt(model.BookingAttempt{UserID: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on full queue")
	}
}
