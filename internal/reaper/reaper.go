package reaper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"scriptrunner/internal/metrics"
)

// StaleMessage is written to RUNNING records whose heartbeat expired
const StaleMessage = "execution heartbeat expired"

type Store interface {
	FailExpiredHeartbeats(ctx context.Context, olderThan time.Time, message string, now time.Time) ([]int64, error)
	ReleaseExpiredCancels(ctx context.Context, olderThan time.Time) ([]int64, error)
}

// Reaper periodically fails RUNNING executions whose supervisor stopped heartbeating, e.g. because
// its worker host vanished without a restart. A supervisor that is in fact still alive sees the
// FAILED status on its next poll and stops its child without writing.
type Reaper struct {
	store      Store
	cron       *cron.Cron
	schedule   string
	staleAfter time.Duration
	metrics    metrics.Sink
	clock      func() time.Time

	mu         sync.Mutex
	isRunning  bool
	cancelFunc context.CancelFunc
}

type Option func(*Reaper)

func WithMetrics(m metrics.Sink) Option {
	return func(r *Reaper) { r.metrics = metrics.OrNoop(m) }
}

func WithClock(clock func() time.Time) Option {
	return func(r *Reaper) { r.clock = clock }
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New creates a reaper that sweeps on the given cron schedule. Both standard expressions (with an
// optional seconds field) and descriptors such as "@every 1m" are accepted.
func New(store Store, schedule string, staleAfter time.Duration, opts ...Option) (*Reaper, error) {
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid reaper schedule %q: %w", schedule, err)
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("stale_after must be positive, got %s", staleAfter)
	}

	r := &Reaper{
		store:      store,
		schedule:   schedule,
		staleAfter: staleAfter,
		metrics:    metrics.NoopSink{},
		clock:      time.Now,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start schedules the sweep. It returns immediately.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isRunning {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if _, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Stale execution sweep failed")
		}
	}); err != nil {
		cancel()
		return err
	}

	r.cancelFunc = cancel
	r.isRunning = true
	r.cron.Start()

	log.Info().
		Str("schedule", r.schedule).
		Dur("stale_after", r.staleAfter).
		Msg("Reaper started")
	return nil
}

// Stop stops the schedule and waits for a sweep in progress to finish
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.isRunning {
		return
	}

	r.cancelFunc()
	<-r.cron.Stop().Done()
	r.isRunning = false
}

// Sweep fails every RUNNING execution whose last heartbeat is older than the stale threshold and
// returns their ids. Cancelled executions left unfinalized by a vanished supervisor are released
// for resubmission.
func (r *Reaper) Sweep(ctx context.Context) ([]int64, error) {
	now := r.clock()
	ids, err := r.store.FailExpiredHeartbeats(ctx, now.Add(-r.staleAfter), StaleMessage, now)
	if err != nil {
		return nil, err
	}

	released, err := r.store.ReleaseExpiredCancels(ctx, now.Add(-r.staleAfter))
	if err != nil {
		return ids, err
	}
	if len(released) > 0 {
		log.Warn().
			Ints64("execution_ids", released).
			Msg("Released cancelled executions whose supervisor stopped heartbeating")
	}

	if len(ids) > 0 {
		log.Warn().
			Ints64("execution_ids", ids).
			Msg("Failed executions with expired heartbeats")
		r.metrics.StaleRunsFailed(metrics.ReasonHeartbeatExpired, len(ids))
	}
	return ids, nil
}
