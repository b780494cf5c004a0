package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"scriptrunner/internal/config"
	"scriptrunner/internal/metrics"
	"scriptrunner/internal/process"
	"scriptrunner/internal/queue"
	"scriptrunner/internal/store"
	"scriptrunner/internal/supervisor"
)

// RecoveryMessage is written to records that were RUNNING when a worker started
const RecoveryMessage = "worker restarted while the execution was running"

// Store is the part of the execution store a worker needs
type Store interface {
	supervisor.Store
	FailRunning(ctx context.Context, message string, now time.Time) ([]int64, error)
	ClearQueuedHandles(ctx context.Context) (int64, error)
}

type Worker struct {
	ID          string
	store       Store
	queue       queue.Client
	controller  *process.Controller
	supervisor  *supervisor.Supervisor
	arena       *Arena
	concurrency int
	metrics     metrics.Sink
	prechecker  supervisor.Prechecker
	clock       func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	ready     chan struct{}
	readyOnce sync.Once
}

type Option func(*Worker)

func WithPrechecker(p supervisor.Prechecker) Option {
	return func(w *Worker) { w.prechecker = p }
}

func WithMetrics(m metrics.Sink) Option {
	return func(w *Worker) { w.metrics = metrics.OrNoop(m) }
}

func WithClock(clock func() time.Time) Option {
	return func(w *Worker) { w.clock = clock }
}

func New(conf config.WorkerConfig, st Store, q queue.Client, opts ...Option) *Worker {
	w := &Worker{
		ID:          uuid.New().String(),
		store:       st,
		queue:       q,
		arena:       NewArena(),
		concurrency: max(conf.Concurrency, 1),
		metrics:     metrics.NoopSink{},
		clock:       time.Now,
		ready:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if rc, ok := q.(*queue.RedisClient); ok {
		rc.WorkerID = w.ID
	}

	w.controller = process.NewController(conf.TerminateGrace(), conf.KillWait(), w.metrics)

	supervisorOpts := []supervisor.Option{
		supervisor.WithArena(w.arena),
		supervisor.WithMetrics(w.metrics),
		supervisor.WithWorkerID(w.ID),
		supervisor.WithClock(w.clock),
	}
	if w.prechecker != nil {
		supervisorOpts = append(supervisorOpts, supervisor.WithPrechecker(w.prechecker))
	}
	w.supervisor = supervisor.New(supervisor.ConfigFromWorker(conf), st, w.controller, supervisorOpts...)

	return w
}

// Arena exposes the live handles of this worker
func (w *Worker) Arena() *Arena {
	return w.arena
}

// Ready is closed once startup recovery has finished and the executors are about to subscribe
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Recover is the startup hook. No supervisor can be alive for a record that was RUNNING before
// this worker started, so every such record is failed. Queued requests are discarded so a stale
// queue does not resurrect executions after a restart.
func (w *Worker) Recover(ctx context.Context) error {
	now := w.clock()

	ids, err := w.store.FailRunning(ctx, RecoveryMessage, now)
	if err != nil {
		return fmt.Errorf("could not fail stale executions: %w", err)
	}
	if len(ids) > 0 {
		log.Warn().
			Str("worker_id", w.ID).
			Ints64("execution_ids", ids).
			Msg("Failed executions left running by a previous worker")
		w.metrics.StaleRunsFailed(metrics.ReasonWorkerRestart, len(ids))
	}

	purged, err := w.queue.Purge(ctx)
	if err != nil {
		return fmt.Errorf("could not purge run queue: %w", err)
	}
	cleared, err := w.store.ClearQueuedHandles(ctx)
	if err != nil {
		return fmt.Errorf("could not clear queued handles: %w", err)
	}
	if purged > 0 {
		w.metrics.QueuedRunsDiscarded(int(purged))
	}

	log.Info().
		Str("worker_id", w.ID).
		Int("failed", len(ids)).
		Int64("purged", purged).
		Int64("cleared_handles", cleared).
		Msg("Startup recovery complete")
	return nil
}

// Start is a blocking function. It runs the startup recovery and then consumes run requests with
// the configured number of executors until ctx is cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	if err := w.Recover(ctx); err != nil {
		return err
	}

	log.Info().
		Str("worker_id", w.ID).
		Int("concurrency", w.concurrency).
		Msg("Worker started")

	defer func() {
		if n := w.arena.TerminateAll(w.controller); n > 0 {
			log.Warn().Str("worker_id", w.ID).Int("count", n).Msg("Terminated leftover processes on shutdown")
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	w.readyOnce.Do(func() { close(w.ready) })
	for range w.concurrency {
		g.Go(func() error {
			err := w.queue.Subscribe(gctx, func(message queue.RunMessage) error {
				return w.handle(gctx, message)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	log.Info().Str("worker_id", w.ID).Msg("Worker stopped")
	return err
}

// handle runs one request. The returned error sends the message to the dead-letter list.
func (w *Worker) handle(ctx context.Context, message queue.RunMessage) error {
	outcome, err := w.supervisor.Run(ctx, message.ExecutionID, message.Handle)
	switch {
	case err == nil:
		log.Debug().
			Int64("execution_id", message.ExecutionID).
			Str("status", string(outcome.Status)).
			Msg("Run request handled")
		return nil
	case errors.Is(err, store.ErrStaleHandle):
		log.Info().
			Int64("execution_id", message.ExecutionID).
			Str("handle", message.Handle).
			Msg("Skipping superseded run request")
		return nil
	case errors.Is(err, supervisor.ErrLostOwnership):
		return nil
	default:
		return fmt.Errorf("execution %d: %w", message.ExecutionID, err)
	}
}

func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}
