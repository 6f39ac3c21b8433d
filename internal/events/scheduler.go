package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type AggregateStore interface {
	RollupHour(ctx context.Context, hour time.Time) (int, error)
}

type BlockSweeper interface {
	DeactivateExpired(ctx context.Context, now time.Time) ([]models.Block, error)
}

type EventPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Runs the periodic maintenance jobs: hourly usage rollup, expired block
// sweep and event retention.
type Scheduler struct {
	aggregates AggregateStore
	blocks     BlockSweeper
	events     EventPruner
	recorder   *Recorder
	cfg        config.EventsConfig
	now        func() time.Time
	logger     zerolog.Logger

	// called after blocks were deactivated so cached lookups can be dropped
	onBlocksExpired func([]models.Block)

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

type SchedulerOption func(*Scheduler)

func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

func WithSchedulerLogger(logger zerolog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

func OnBlocksExpired(fn func([]models.Block)) SchedulerOption {
	return func(s *Scheduler) { s.onBlocksExpired = fn }
}

// recorder may be nil; when set, every swept block emits a block_changed event.
func NewScheduler(aggregates AggregateStore, blocks BlockSweeper, events EventPruner, recorder *Recorder, cfg config.EventsConfig, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		aggregates: aggregates,
		blocks:     blocks,
		events:     events,
		recorder:   recorder,
		cfg:        cfg,
		now:        time.Now,
		logger:     zerolog.Nop(),
		cron:       cron.New(cron.WithLocation(time.UTC)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registers every configured job and starts the cron loop. Jobs with an
// empty schedule are skipped. The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context)
	}{
		{"rollup", s.cfg.RollupSchedule, s.rollupPreviousHour},
		{"block_sweep", s.cfg.SweepSchedule, s.sweepBlocks},
		{"retention", s.cfg.RetentionSchedule, s.pruneEvents},
	}

	for _, job := range jobs {
		if job.schedule == "" {
			s.logger.Info().Str("job", job.name).Msg("no schedule configured, skipping job")
			continue
		}
		if _, err := cron.ParseStandard(job.schedule); err != nil {
			return fmt.Errorf("invalid %s schedule %q: %w", job.name, job.schedule, err)
		}

		run := job.run
		if _, err := s.cron.AddFunc(job.schedule, func() { run(ctx) }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	if len(s.cron.Entries()) == 0 {
		return nil
	}

	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.cron.Entries())).Msg("maintenance scheduler started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stops the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("maintenance scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Aggregates events of the hour containing t into usage_aggregates.
func (s *Scheduler) Rollup(ctx context.Context, hour time.Time) (int, error) {
	hour = hour.UTC().Truncate(time.Hour)

	n, err := s.aggregates.RollupHour(ctx, hour)
	if err != nil {
		return 0, fmt.Errorf("rollup of %s: %w", hour.Format(time.RFC3339), err)
	}

	s.logger.Info().Time("hour", hour).Int("rows", n).Msg("usage rollup completed")
	return n, nil
}

// Deactivates auto-remove blocks whose expiry has passed.
func (s *Scheduler) SweepBlocks(ctx context.Context) (int, error) {
	now := s.now().UTC()

	expired, err := s.blocks.DeactivateExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired blocks: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	for _, b := range expired {
		s.logger.Info().
			Str("block_id", b.ID.String()).
			Str("target_type", string(b.TargetType)).
			Str("target_id", b.TargetID).
			Msg("expired block removed")

		if s.recorder != nil {
			s.recorder.Record(models.Event{
				Type:   models.EventBlockChanged,
				Reason: string(b.Reason),
				Metadata: map[string]string{
					"action":      "expired",
					"block_id":    b.ID.String(),
					"target_type": string(b.TargetType),
					"target_id":   b.TargetID,
				},
				CreatedAt: now,
			})
		}
	}

	if s.onBlocksExpired != nil {
		s.onBlocksExpired(expired)
	}
	return len(expired), nil
}

// Deletes events older than the retention window.
func (s *Scheduler) PruneEvents(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	deleted, err := s.events.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return deleted, nil
}

func (s *Scheduler) rollupPreviousHour(ctx context.Context) {
	if _, err := s.Rollup(ctx, s.now().Add(-time.Hour)); err != nil {
		s.logger.Error().Err(err).Msg("scheduled rollup failed")
	}
}

func (s *Scheduler) sweepBlocks(ctx context.Context) {
	if _, err := s.SweepBlocks(ctx); err != nil {
		s.logger.Error().Err(err).Msg("scheduled block sweep failed")
	}
}

func (s *Scheduler) pruneEvents(ctx context.Context) {
	deleted, err := s.PruneEvents(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("scheduled event pruning failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("old events pruned")
	}
}
