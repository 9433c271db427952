package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rchung29/tablesniper/internal/attemptlog"
	"github.com/rchung29/tablesniper/internal/bookingapi"
	"github.com/rchung29/tablesniper/internal/config"
	"github.com/rchung29/tablesniper/internal/coordinator"
	"github.com/rchung29/tablesniper/internal/events"
	"github.com/rchung29/tablesniper/internal/model"
	"github.com/rchung29/tablesniper/internal/passive"
	"github.com/rchung29/tablesniper/internal/prefetch"
	"github.com/rchung29/tablesniper/internal/proxypool"
	"github.com/rchung29/tablesniper/internal/scanner"
	"github.com/rchung29/tablesniper/internal/scheduler"
	"github.com/rchung29/tablesniper/internal/seed"
	"github.com/rchung29/tablesniper/internal/state"
	"github.com/rchung29/tablesniper/internal/store"
	"github.com/robfig/cron/v3"
)

type sniperApp struct {
	envCfg *config.EnvConfig

	audit       *attemptlog.Service
	store       *store.Store
	client      *bookingapi.Client
	ispPool     *proxypool.ISPPool
	rotation    *proxypool.DatacenterRotation
	bus         *events.Bus
	coord       *coordinator.Coordinator
	prefetcher  *prefetch.Fetcher
	scan        *scanner.Scanner
	sched       *scheduler.Scheduler
	passiveMon  *passive.Monitor
	flushWorker *state.CacheFlushWorker
	cron        *cron.Cron

	rootCtx context.Context
	cancel  context.CancelFunc
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}

	engine, dbCloser, err := state.PersistenceBootstrap(envCfg.StateDir, envCfg.CacheDir)
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence bootstrap complete")

	app, err := newSniperApp(envCfg, engine)
	if err != nil {
		_ = dbCloser.Close()
		return err
	}

	app.startBackgroundServices()
	waitForShutdown()
	app.shutdown()

	if err := dbCloser.Close(); err != nil {
		log.Printf("Persistence close error: %v", err)
	}
	return nil
}

func newSniperApp(envCfg *config.EnvConfig, engine *state.StateEngine) (*sniperApp, error) {
	app := &sniperApp{envCfg: envCfg}
	app.rootCtx, app.cancel = context.WithCancel(context.Background())

	// Phase 1: audit sink, then the store in front of the engine. The
	// store's blackout gate reads the scheduler through the app pointer;
	// the scheduler does not exist yet, so the closure nil-checks.
	app.audit = attemptlog.NewService(attemptlog.ServiceConfig{
		Repo:          engine.CacheRepo,
		QueueSize:     envCfg.AttemptLogQueueSize,
		FlushBatch:    envCfg.AttemptLogFlushBatch,
		FlushInterval: envCfg.AttemptLogFlushInterval,
	})

	app.store = store.New(store.Config{
		Engine: engine,
		Audit:  app.audit,
		Blackout: func(now time.Time) bool {
			return app.sched != nil && app.sched.NearRelease(now, envCfg.SyncBlackout, 0)
		},
	})
	if err := app.store.Bootstrap(); err != nil {
		return nil, err
	}

	if envCfg.SeedFile != "" {
		f, err := seed.Load(envCfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := seed.Apply(f, app.store); err != nil {
			return nil, fmt.Errorf("seed import: %w", err)
		}
	}

	// Phase 2: upstream client and the two proxy partitions, restored
	// from the persisted runtime status.
	app.client = bookingapi.NewClient(envCfg.APIBaseURL, envCfg.APIKey, envCfg.APISourceID)
	app.client.Timeout = envCfg.APIRequestTimeout

	app.ispPool = proxypool.NewISPPool(proxypool.ISPPoolConfig{
		Cooldown:       envCfg.ProxyCooldown,
		ReuseDelay:     envCfg.ProxyReuseDelay,
		AcquireTimeout: envCfg.ProxyAcquireTimeout,
		OnUsed:         app.store.MarkProxyUsed,
	})
	// The rotation stays empty unless scan proxying is enabled; an empty
	// rotation makes every scan request go direct.
	app.rotation = proxypool.NewDatacenterRotation(nil)

	proxies := app.store.Proxies()
	app.ispPool.SetProxies(proxies)
	if envCfg.UseProxies {
		app.rotation.SetProxies(proxies)
	}
	app.ispPool.RestoreStatus(app.store.ProxyStatuses())

	// Phase 3: event bus and the booking pipeline.
	app.bus = events.NewBus()
	app.bus.Subscribe(events.LogObserver)

	app.coord = coordinator.New(coordinator.Config{
		API:           app.client,
		Pool:          app.ispPool,
		Recorder:      app.store,
		WAFRetryLimit: envCfg.WAFRetryLimit,
		DryRun:        envCfg.DryRun,
		OnResult:      app.onBookingResult,
	})

	app.prefetcher = prefetch.New(prefetch.Config{
		API:         app.client,
		Rotation:    app.rotation,
		Errors:      app.store,
		Concurrency: envCfg.PrefetchConcurrency,
	})

	app.scan = scanner.New(scanner.Config{
		Finder:        app.client,
		Rotation:      app.rotation,
		Interval:      envCfg.ScanInterval,
		Overrun:       envCfg.ScanOverrun,
		RateLimitHold: envCfg.ScanRateLimitHold,
		OnSlots:       app.onSlotsDiscovered,
		OnProxyRateLimited: func(proxyID int64, until time.Time) {
			app.store.MarkProxyRateLimited(proxyID, until)
			app.bus.Publish(events.ProxyRateLimitedEvent{ProxyID: proxyID, Until: until})
		},
	})

	app.sched = scheduler.New(scheduler.Config{
		Source:        app.store,
		Lead:          envCfg.ScanLead,
		OnWindowStart: app.onWindowStart,
	})

	if envCfg.PassiveEnabled {
		mon, err := passive.New(passive.Config{
			API:            app.client,
			Gate:           app.sched,
			Source:         app.store,
			Dispatcher:     app.coord,
			Rotation:       app.rotation,
			Sweep:          envCfg.PassiveSweep,
			Pacing:         envCfg.PassivePacing,
			BlackoutMargin: envCfg.PassiveMargin,
			CalendarTTL:    envCfg.PassiveCalTTL,
		})
		if err != nil {
			return nil, err
		}
		app.passiveMon = mon
	}

	// Phase 4: background persistence and the cron surface. Every sync
	// repopulates the proxy partitions and rearms the scheduler.
	app.flushWorker = state.NewCacheFlushWorker(
		engine,
		app.store.CacheReaders(),
		envCfg.FlushThreshold,
		envCfg.FlushInterval,
		5*time.Second, // check tick
	)

	app.store.OnSynced(func() {
		proxies := app.store.Proxies()
		app.ispPool.SetProxies(proxies)
		if envCfg.UseProxies {
			app.rotation.SetProxies(proxies)
		}
		if err := app.sched.Recompute(); err != nil {
			log.Printf("Recompute after sync failed: %v", err)
		}
		app.bus.Publish(events.SyncEvent{At: time.Now()})
	})

	app.cron = cron.New()
	if _, err := app.cron.AddFunc(envCfg.SyncSchedule, func() {
		if err := app.store.Sync(); err != nil {
			log.Printf("Scheduled sync failed: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("sync schedule: %w", err)
	}
	if _, err := app.cron.AddFunc(envCfg.RecomputeSchedule, func() {
		if err := app.sched.Recompute(); err != nil {
			log.Printf("Scheduled recompute failed: %v", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("recompute schedule: %w", err)
	}

	return app, nil
}

func (a *sniperApp) startBackgroundServices() {
	a.flushWorker.Start()
	log.Println("Cache flush worker started")

	a.audit.Start()
	log.Println("Attempt log service started")

	if a.passiveMon != nil {
		a.passiveMon.Start()
		log.Println("Passive monitor started")
	}

	a.cron.Start()
	log.Println("Cron scheduler started")

	if err := a.sched.Recompute(); err != nil {
		log.Printf("Initial recompute failed: %v", err)
	} else {
		log.Printf("Initial recompute complete: %d windows armed", a.sched.ArmedCount())
	}
}

// onWindowStart runs the full lifecycle of one release window on the
// scheduler's timer goroutine: install the window, prefetch existing
// reservations, scan until overrun, then wait out the processors.
func (a *sniperApp) onWindowStart(w scheduler.ReleaseWindow) {
	a.bus.Publish(events.WindowStartEvent{
		WindowKey:     w.Key,
		ReleaseAt:     w.ReleaseAt,
		Subscriptions: len(w.Entries),
	})

	a.coord.SetWindow(w)
	a.ispPool.Reset()

	exclusions := a.prefetcher.Fetch(a.rootCtx, windowUsers(w))
	a.coord.SetExclusions(exclusions.HasReservationOn)

	stats := a.scan.Run(a.rootCtx, w)
	a.coord.Wait()

	a.bus.Publish(events.WindowEndEvent{
		WindowKey:  w.Key,
		Requests:   stats.Requests,
		SlotsFound: stats.SlotsFound,
		Errors:     stats.Errors,
	})
}

func (a *sniperApp) onSlotsDiscovered(restaurant model.Restaurant, targetDate string, partySize int, slots []bookingapi.Slot) {
	a.bus.Publish(events.SlotsDiscoveredEvent{
		VenueID:    restaurant.VenueID,
		TargetDate: targetDate,
		PartySize:  partySize,
		Slots:      len(slots),
	})
	a.coord.OnSlotsDiscovered(a.rootCtx, restaurant, targetDate, partySize, slots)
}

func (a *sniperApp) onBookingResult(r coordinator.Result) {
	a.bus.Publish(events.BookingResultEvent{
		UserID:        r.Key.UserID,
		RestaurantID:  r.Key.RestaurantID,
		TargetDate:    r.Key.TargetDate,
		SlotTime:      r.SlotTime,
		Outcome:       string(r.Kind),
		ReservationID: r.ReservationID,
	})
	if r.Kind == bookingapi.KindRateLimited || r.Kind == bookingapi.KindAuthFailed {
		a.bus.Publish(events.UserFlaggedEvent{UserID: r.Key.UserID, Reason: string(r.Kind)})
	}
}

// windowUsers collects the distinct users behind a window's entries.
func windowUsers(w scheduler.ReleaseWindow) []model.User {
	seen := make(map[int64]bool, len(w.Entries))
	var users []model.User
	for _, e := range w.Entries {
		user := e.Subscription.User
		if seen[user.ID] {
			continue
		}
		seen[user.ID] = true
		users = append(users, user)
	}
	return users
}

func waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	sig := <-quit
	log.Printf("Received signal %s, shutting down...", sig)
}

func (a *sniperApp) shutdown() {
	// Stop in order: event sources first, then sinks, then persistence.
	a.cron.Stop()
	log.Println("Cron scheduler stopped")

	a.sched.Stop()
	log.Println("Release scheduler stopped")

	if a.passiveMon != nil {
		a.passiveMon.Stop()
		log.Println("Passive monitor stopped")
	}

	a.cancel()
	a.coord.Wait()
	log.Println("Booking processors drained")

	a.flushWorker.Stop() // final cache flush before DB close
	log.Println("Cache flush worker stopped")

	a.audit.Stop()
	log.Println("Attempt log service stopped")
}
