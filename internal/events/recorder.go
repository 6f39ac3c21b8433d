package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

type Writer interface {
	CreateBatch(ctx context.Context, events []models.Event) error
}

type Stats interface {
	EventsWritten(n int)
	EventDropped()
	EventsFailed(n int)
}

type nopStats struct{}

func (nopStats) EventsWritten(int) {}
func (nopStats) EventDropped()     {}
func (nopStats) EventsFailed(int)  {}

// Recorder persists events off the request path. Record never blocks: when
// the buffer is full the event is dropped and counted. Write failures are
// logged and never reach the caller.
type Recorder struct {
	writer        Writer
	ch            chan models.Event
	batchSize     int
	flushInterval time.Duration
	logger        zerolog.Logger
	stats         Stats
	now           func() time.Time

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

type Option func(*Recorder)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

func WithStats(stats Stats) Option {
	return func(r *Recorder) {
		if stats != nil {
			r.stats = stats
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Starts the background writer. Close must be called to flush it.
func NewRecorder(writer Writer, cfg config.EventsConfig, opts ...Option) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	r := &Recorder{
		writer:        writer,
		ch:            make(chan models.Event, cfg.BufferSize),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		logger:        zerolog.Nop(),
		stats:         nopStats{},
		now:           time.Now,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.run()
	return r
}

func (r *Recorder) Record(e models.Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.drop(e)
		return
	}

	select {
	case r.ch <- e:
	default:
		r.drop(e)
	}
}

func (r *Recorder) drop(e models.Event) {
	n := r.dropped.Add(1)
	r.stats.EventDropped()

	// one line per thousand drops is enough to notice
	if n%1000 == 1 {
		r.logger.Warn().
			Str("type", string(e.Type)).
			Int64("dropped_total", n).
			Msg("event buffer full, dropping event")
	}
}

// Number of events dropped since start
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Stops accepting events and waits until everything buffered is written,
// or ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	batch := make([]models.Event, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-r.ch:
			if !ok {
				r.insertBatch(batch)
				return
			}

			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				r.insertBatch(batch)
				batch = make([]models.Event, 0, r.batchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.insertBatch(batch)
				batch = make([]models.Event, 0, r.batchSize)
			}
		}
	}
}

func (r *Recorder) insertBatch(batch []models.Event) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.writer.CreateBatch(ctx, batch); err != nil {
		r.stats.EventsFailed(len(batch))
		r.logger.Error().Err(err).Int("count", len(batch)).Msg("failed to insert events")
		return
	}
	r.stats.EventsWritten(len(batch))
}
