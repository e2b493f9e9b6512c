/*
scheduler.go - Challenge maintenance scheduler

PURPOSE:
  Periodically deletes challenge tokens that expired more than a retention
  window ago. Expired tokens can never be redeemed, but keeping them for a
  while lets a late submission be answered "expired" or "already used"
  instead of "unknown".

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Each run is bounded by RunTimeout
  - Errors are logged; the next tick tries again

CONFIGURATION:
  - Interval:  How often to purge (default: 1 hour)
  - Retention: How long expired challenges are kept (default: 24 hours)
  - Enabled:   Whether scheduler is active (default: true)

USAGE:
  scheduler := NewMaintenanceScheduler(store, clock, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - attendance/store.go: ChallengePurger
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/care-attendance/attendance"
	"github.com/warp/care-attendance/logger"
)

const (
	DefaultPurgeInterval  = time.Hour
	DefaultPurgeRetention = 24 * time.Hour
	RunTimeout            = time.Minute
)

// MaintenanceScheduler purges stale challenges in the background.
type MaintenanceScheduler struct {
	Purger    attendance.ChallengePurger
	Clock     attendance.Clock
	Logger    *slog.Logger
	Interval  time.Duration
	Retention time.Duration
	Enabled   bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewMaintenanceScheduler creates a new scheduler.
func NewMaintenanceScheduler(purger attendance.ChallengePurger, clock attendance.Clock, log *slog.Logger) *MaintenanceScheduler {
	if clock == nil {
		clock = attendance.SystemClock{}
	}
	return &MaintenanceScheduler{
		Purger:    purger,
		Clock:     clock,
		Logger:    log,
		Interval:  DefaultPurgeInterval,
		Retention: DefaultPurgeRetention,
		Enabled:   true,
	}
}

// Start begins the scheduler.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	log := ms.log()
	if !ms.Enabled || ms.Purger == nil {
		log.Info("scheduler disabled, not starting")
		return
	}
	if ms.ticker != nil {
		return
	}
	if ms.Interval <= 0 {
		log.Warn("non-positive interval, not starting", "interval", ms.Interval.String())
		return
	}

	ms.ticker = time.NewTicker(ms.Interval)
	ms.stop = make(chan struct{})
	ms.wg.Add(1)

	go ms.run()

	log.Info("scheduler started", "interval", ms.Interval.String(), "retention", ms.Retention.String())
}

// Stop stops the scheduler and waits for a running purge to finish.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.ticker != nil {
		ms.ticker.Stop()
		close(ms.stop)
		ms.wg.Wait()
		ms.ticker = nil
		ms.log().Info("scheduler stopped")
	}
}

func (ms *MaintenanceScheduler) run() {
	defer ms.wg.Done()

	// Run immediately on start
	ms.RunOnce(context.Background())

	for {
		select {
		case <-ms.ticker.C:
			ms.RunOnce(context.Background())
		case <-ms.stop:
			return
		}
	}
}

// RunOnce purges challenges that expired before now minus Retention and
// returns how many were removed.
func (ms *MaintenanceScheduler) RunOnce(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, RunTimeout)
	defer cancel()

	cutoff := ms.Clock.Now().Add(-ms.Retention)
	n, err := ms.Purger.PurgeChallenges(ctx, cutoff)
	if err != nil {
		ms.log().Error("purge challenges failed", "error", err, "cutoff", cutoff)
		return n
	}
	if n > 0 {
		ms.log().Info("purged expired challenges", "count", n, "cutoff", cutoff)
	}
	return n
}

func (ms *MaintenanceScheduler) log() *slog.Logger {
	return logger.Service(context.Background(), ms.Logger, "maintenance", "PurgeChallenges")
}
