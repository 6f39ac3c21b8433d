package events

import (
	"context"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *storage.Database {
	t.Helper()

	db, err := storage.NewDatabase(sqlite.Open("file::memory:"), zerolog.Nop())
	require.NoError(t, err)
	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newScheduler(db *storage.Database, rec *Recorder, cfg config.EventsConfig, opts ...SchedulerOption) *Scheduler {
	opts = append(opts, WithSchedulerClock(func() time.Time { return base }))
	return NewScheduler(
		repository.NewAggregateRepository(db),
		repository.NewBlockRepository(db),
		repository.NewEventRepository(db),
		rec,
		cfg,
		opts...,
	)
}

func TestScheduler_Start(t *testing.T) {
	tests := []struct {
		name        string
		cfg         config.EventsConfig
		wantRunning bool
		wantError   bool
	}{
		{"all jobs", config.Default().Events, true, false},
		{"only rollup", config.EventsConfig{RollupSchedule: "5 * * * *"}, true, false},
		{"nothing scheduled", config.EventsConfig{}, false, false},
		{"invalid schedule", config.EventsConfig{SweepSchedule: "every minute"}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newScheduler(newTestDB(t), nil, tt.cfg)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := s.Start(ctx)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantRunning, s.IsRunning())

			s.Stop()
			assert.False(t, s.IsRunning())
		})
	}
}

func TestScheduler_RollupIsRepeatable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, repository.NewEventRepository(db).CreateBatch(ctx, []models.Event{
		{Type: models.EventThrottle, TenantID: "acme", APIKeyID: "k1", Amount: 1, CreatedAt: base.Add(-50 * time.Minute)},
		{Type: models.EventThrottle, TenantID: "acme", APIKeyID: "k1", Amount: 1, CreatedAt: base.Add(-40 * time.Minute)},
	}))
	s := newScheduler(db, nil, config.EventsConfig{})

	n, err := s.Rollup(ctx, base.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.Rollup(ctx, base.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := repository.NewAggregateRepository(db).List(ctx, base.Add(-time.Hour), base, "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Count)
}

func TestScheduler_SweepBlocks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	blocks := repository.NewBlockRepository(db)

	past := base.Add(-time.Minute)
	expired := &models.Block{
		TargetType: ratelimit.TargetIP, TargetID: "10.0.0.9", Reason: models.BlockAbuseDetected,
		ExpiresAt: &past, AutoRemove: true, IsActive: true,
	}
	manual := &models.Block{
		TargetType: ratelimit.TargetIP, TargetID: "10.0.0.8", Reason: models.BlockManual,
		ExpiresAt: &past, IsActive: true,
	}
	require.NoError(t, blocks.Create(ctx, expired))
	require.NoError(t, blocks.Create(ctx, manual))

	w := &memoryWriter{}
	rec := NewRecorder(w, config.EventsConfig{BufferSize: 10, BatchSize: 10, FlushInterval: time.Hour})

	var invalidated int
	s := newScheduler(db, rec, config.EventsConfig{}, OnBlocksExpired(func(b []models.Block) { invalidated += len(b) }))

	n, err := s.SweepBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, invalidated)

	require.NoError(t, rec.Close(ctx))
	require.Equal(t, 1, w.total())
	assert.Equal(t, models.EventBlockChanged, w.batches[0][0].Type)
	assert.Equal(t, "expired", w.batches[0][0].Metadata["action"])

	stillActive, err := blocks.FindByID(ctx, manual.ID.String())
	require.NoError(t, err)
	assert.True(t, stillActive.IsActive)
}

func TestScheduler_PruneEvents(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, repository.NewEventRepository(db).CreateBatch(ctx, []models.Event{
		{Type: models.EventThrottle, CreatedAt: base.AddDate(0, 0, -40)},
		{Type: models.EventThrottle, CreatedAt: base.AddDate(0, 0, -1)},
	}))
	s := newScheduler(db, nil, config.EventsConfig{RetentionDays: 30})

	deleted, err := s.PruneEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	s = newScheduler(db, nil, config.EventsConfig{})
	deleted, err = s.PruneEvents(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}
