package services

import (
	"context"
	"log/slog"
	"time"

	"ticket-queue/models"
	"ticket-queue/monitoring"

	"k8s.io/utils/clock"
)

// Sweeper is the single background loop that expires abandoned active
// entries, optionally promotes heads of line, and refreshes depth metrics.
type Sweeper struct {
	entries       EntryStore
	status        *StatusService
	events        func() []string
	clock         clock.WithTicker
	interval      time.Duration
	activeTimeout time.Duration
	promoteHeads  bool
	monitor       *monitoring.Monitor
	logger        *slog.Logger
}

type SweeperOptions struct {
	// Events lists the events whose line is open, usually Scheduler.RunningEvents.
	Events        func() []string
	Clock         clock.WithTicker
	Interval      time.Duration
	ActiveTimeout time.Duration
	PromoteHeads  bool
	Monitor       *monitoring.Monitor
	Logger        *slog.Logger
}

func NewSweeper(entries EntryStore, statusService *StatusService, opts SweeperOptions) *Sweeper {
	s := &Sweeper{
		entries:       entries,
		status:        statusService,
		events:        opts.Events,
		clock:         opts.Clock,
		interval:      opts.Interval,
		activeTimeout: opts.ActiveTimeout,
		promoteHeads:  opts.PromoteHeads,
		monitor:       opts.Monitor,
		logger:        opts.Logger,
	}
	if s.events == nil {
		s.events = func() []string { return nil }
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.interval <= 0 {
		s.interval = 15 * time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Queue sweeper started", "interval", s.interval)

	for {
		select {
		case <-ticker.C():
			if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Queue sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("Queue sweeper stopping")
			return
		}
	}
}

// Sweep runs one pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	if s.activeTimeout > 0 {
		cutoff := s.clock.Now().Add(-s.activeTimeout)
		expired, err := s.entries.ExpireActiveBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		for _, eventID := range expired {
			s.logger.Info("Expired stale active entries", "eventID", eventID)
			s.monitor.TrackQueueOperation("expire", eventID, "success")
			s.status.notifyAdvanced(ctx, eventID)
		}
	}

	for _, eventID := range s.events() {
		if s.promoteHeads {
			if _, err := s.status.PromoteHead(ctx, eventID); err != nil {
				s.logger.Warn("Head promotion failed", "eventID", eventID, "error", err)
			}
		}

		counts, err := s.entries.CountByStatus(ctx, eventID)
		if err != nil {
			s.logger.Warn("Failed to count queue entries", "eventID", eventID, "error", err)
			continue
		}
		s.monitor.SetQueueLength(eventID, string(models.StatusWaiting), counts[models.StatusWaiting])
		s.monitor.SetQueueLength(eventID, string(models.StatusActive), counts[models.StatusActive])
	}
	return nil
}
