// Package attemptlog is the async writer for the booking audit trail.
// Attempts and errors are write-only: the hot path enqueues without
// blocking and a background goroutine batch-inserts into cache.db.
package attemptlog

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/state"
)

// entry is the queue element: exactly one of Attempt or Err is set.
type entry struct {
	attempt *model.BookingAttempt
	err     *model.BookingError
}

// Service provides the async audit writer. Emit methods perform a
// non-blocking channel send (drops on overflow).
type Service struct {
	repo      *state.CacheRepo
	queue     chan entry
	batchSize int
	interval  time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// ServiceConfig configures the attempt log service.
type ServiceConfig struct {
	Repo          *state.CacheRepo
	QueueSize     int
	FlushBatch    int
	FlushInterval time.Duration
}

// NewService creates a new attempt log service.
func NewService(cfg ServiceConfig) *Service {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 4096
	}
	batchSize := cfg.FlushBatch
	if batchSize <= 0 {
		batchSize = 256
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Service{
		repo:      cfg.Repo,
		queue:     make(chan entry, queueSize),
		batchSize: batchSize,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop signals the flush loop to stop, drains remaining entries, and
// returns.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// EmitAttempt enqueues a booking attempt record. An empty ID is filled
// with a fresh UUID. Non-blocking; drops on overflow.
func (s *Service) EmitAttempt(a model.BookingAttempt) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAtNs == 0 {
		a.CreatedAtNs = time.Now().UnixNano()
	}
	select {
	case s.queue <- entry{attempt: &a}:
	default:
		// Queue full — drop rather than block the booking path.
	}
}

// EmitError enqueues a booking error record.
func (s *Service) EmitError(e model.BookingError) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAtNs == 0 {
		e.CreatedAtNs = time.Now().UnixNano()
	}
	select {
	case s.queue <- entry{err: &e}:
	default:
	}
}

func (s *Service) flushLoop() {
	defer s.wg.Done()

	batch := make([]entry, 0, s.batchSize)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}

		case <-s.stopCh:
			s.drainAndFlush(batch)
			return
		}
	}
}

func (s *Service) drainAndFlush(batch []entry) {
	for {
		select {
		case e := <-s.queue:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Service) flush(batch []entry) {
	var attempts []model.BookingAttempt
	var errs []model.BookingError
	for _, e := range batch {
		if e.attempt != nil {
			attempts = append(attempts, *e.attempt)
		}
		if e.err != nil {
			errs = append(errs, *e.err)
		}
	}

	if n, err := s.repo.InsertBookingAttempts(attempts); err != nil {
		log.Printf("[attemptlog] flush %d attempts failed: %v", len(attempts), err)
	} else if n > 0 {
		log.Printf("[attemptlog] flushed %d attempts", n)
	}
	if n, err := s.repo.InsertBookingErrors(errs); err != nil {
		log.Printf("[attemptlog] flush %d errors failed: %v", len(errs), err)
	} else if n > 0 {
		log.Printf("[attemptlog] flushed %d errors", n)
	}
}
