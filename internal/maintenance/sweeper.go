// Package maintenance runs periodic background sweeps: idle bucket
// eviction, scratch directory cleanup, and store statistics logging.
package maintenance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/threadloom/internal/config"
	"github.com/basket/threadloom/internal/scheduler"
	"github.com/basket/threadloom/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// scratchMaxAge is how long an orphaned scratch file may linger before
// a sweep removes it. Live transcodes finish well inside this.
const scratchMaxAge = time.Hour

// Config holds the dependencies for the sweeper.
type Config struct {
	App      config.Config
	Store    *store.Store
	Sched    *scheduler.Scheduler
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

// Sweeper fires a maintenance sweep whenever the configured cron
// schedule comes due.
type Sweeper struct {
	cfg      config.Config
	store    *store.Store
	sched    *scheduler.Scheduler
	logger   *slog.Logger
	interval time.Duration

	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper with the given config.
func NewSweeper(cfg Config) (*Sweeper, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	next, err := NextRunTime(cfg.App.MaintenanceCron, time.Now())
	if err != nil {
		return nil, err
	}
	return &Sweeper{
		cfg:      cfg.App,
		store:    cfg.Store,
		sched:    cfg.Sched,
		logger:   logger.With("component", "maintenance"),
		interval: interval,
		nextRun:  next,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance sweeper started",
		"cron", s.cfg.MaintenanceCron,
		"next_run", s.nextRun)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(s.nextRun) {
				continue
			}
			s.Sweep(ctx)
			next, err := NextRunTime(s.cfg.MaintenanceCron, now)
			if err != nil {
				s.logger.Error("failed to compute next sweep time",
					"cron", s.cfg.MaintenanceCron, "error", err)
				return
			}
			s.nextRun = next
		}
	}
}

// Sweep runs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	evicted := s.sched.EvictIdle(s.cfg.BucketIdleTTL())

	removed, err := s.sweepScratch()
	if err != nil {
		s.logger.Error("scratch sweep failed", "error", err)
	}

	count, err := s.store.EventCount(ctx)
	if err != nil {
		s.logger.Error("failed to read store stats", "error", err)
		return
	}
	s.logger.Info("maintenance sweep complete",
		"buckets_evicted", evicted,
		"scratch_removed", removed,
		"events_stored", count)
}

// sweepScratch removes scratch files older than scratchMaxAge. These
// only exist when a transcode crashed before its cleanup ran.
func (s *Sweeper) sweepScratch() (int, error) {
	entries, err := os.ReadDir(s.cfg.ScratchDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-scratchMaxAge)
	removed := 0
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.cfg.ScratchDir(), entry.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
