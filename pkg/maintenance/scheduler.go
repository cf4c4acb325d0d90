// Package maintenance runs the background housekeeping tasks: the
// fixed-interval identity-session sweep, scheduled model-cache refresh,
// and scheduled pruning of disabled keys.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mino-hq/mino/pkg/config"
	"mino-hq/mino/pkg/proxy"
	"mino-hq/mino/pkg/session"
	"mino-hq/mino/pkg/store"
)

// Scheduler owns the background task lifecycle. The session sweep runs on
// a plain ticker; the model refresh and key pruning run on cron schedules.
type Scheduler struct {
	cfg      config.MemoryConfig
	sessions *session.Tracker
	store    store.Store
	fetcher  *proxy.ModelFetcher
	registry *config.Registry

	cron   *cron.Cron
	mu     sync.Mutex
	stop   chan struct{}
	logger *slog.Logger

	running bool
}

// NewScheduler wires the housekeeping tasks.
func NewScheduler(cfg config.MemoryConfig, sessions *session.Tracker, st store.Store, fetcher *proxy.ModelFetcher, registry *config.Registry, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		sessions: sessions,
		store:    st,
		fetcher:  fetcher,
		registry: registry,
		cron:     cron.New(),
		stop:     make(chan struct{}),
		logger:   logger.With("component", "maintenance"),
	}
}

// Start launches the tasks. It returns immediately; tasks stop when the
// context is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	if s.cfg.ModelRefreshSchedule != "" {
		if _, err := cron.ParseStandard(s.cfg.ModelRefreshSchedule); err != nil {
			return fmt.Errorf("invalid model refresh schedule %q: %w", s.cfg.ModelRefreshSchedule, err)
		}
		if _, err := s.cron.AddFunc(s.cfg.ModelRefreshSchedule, func() {
			s.logger.Info("scheduled model cache refresh")
			s.fetcher.Refresh(ctx, s.registry)
		}); err != nil {
			return fmt.Errorf("failed to schedule model refresh: %w", err)
		}
	}

	if s.cfg.KeyPruneSchedule != "" {
		if _, err := cron.ParseStandard(s.cfg.KeyPruneSchedule); err != nil {
			return fmt.Errorf("invalid key prune schedule %q: %w", s.cfg.KeyPruneSchedule, err)
		}
		if _, err := s.cron.AddFunc(s.cfg.KeyPruneSchedule, func() {
			s.pruneKeys(ctx)
		}); err != nil {
			return fmt.Errorf("failed to schedule key pruning: %w", err)
		}
	}

	s.cron.Start()
	go s.sweepLoop()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.running = true
	s.logger.Info("maintenance started",
		"sweep_interval", s.cfg.SweepInterval,
		"model_refresh", s.cfg.ModelRefreshSchedule,
		"key_prune", s.cfg.KeyPruneSchedule)
	return nil
}

// Stop halts all tasks. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	s.cron.Stop()
	s.logger.Info("maintenance stopped")
}

// sweepLoop evicts idle sessions on a fixed interval.
func (s *Scheduler) sweepLoop() {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if evicted := s.sessions.Sweep(s.cfg.StaleThreshold); evicted > 0 {
				s.logger.Debug("stale sessions evicted", "count", evicted)
			}
		}
	}
}

func (s *Scheduler) pruneKeys(ctx context.Context) {
	pruned, err := s.store.PruneDisabledKeys(ctx)
	if err != nil {
		s.logger.Error("key pruning failed", "error", err)
		return
	}
	if pruned > 0 {
		s.logger.Info("disabled keys pruned", "count", pruned)
	}
}
