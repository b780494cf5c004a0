package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"scriptrunner/internal/models"
	"scriptrunner/internal/queue"
	"scriptrunner/internal/store"
)

var ErrConcurrencyLimit = errors.New("concurrency limit reached")

type Store interface {
	Create(ctx context.Context, owner, scriptPath string, now time.Time) (*models.Execution, error)
	Get(ctx context.Context, id int64) (*models.Execution, error)
	AssignHandle(ctx context.Context, id int64, handle string) error
	RequestCancel(ctx context.Context, id int64, now time.Time) error
	CountRunning(ctx context.Context, owner string) (int, error)
}

// Ticket acknowledges an accepted run request
type Ticket struct {
	ExecutionID int64     `json:"executionId"`
	Handle      string    `json:"handle"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
}

// Dispatcher is the API-facing side of execution scheduling. It never touches processes: run
// requests go onto the queue and cancellations go into the execution record.
type Dispatcher struct {
	store         Store
	queue         queue.Client
	maxConcurrent int
	clock         func() time.Time
}

type Option func(*Dispatcher)

// WithMaxConcurrent limits how many executions one owner may have RUNNING. Zero disables the limit.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) { d.maxConcurrent = n }
}

func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

func New(st Store, q queue.Client, opts ...Option) *Dispatcher {
	d := &Dispatcher{store: st, queue: q, clock: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Create registers an uploaded script as a new execution in the UPLOADED state
func (d *Dispatcher) Create(ctx context.Context, owner, scriptPath string) (*models.Execution, error) {
	e, err := d.store.Create(ctx, owner, scriptPath, d.clock())
	if err != nil {
		return nil, err
	}
	log.Info().
		Int64("execution_id", e.ID).
		Str("owner", owner).
		Str("script", scriptPath).
		Msg("Execution created")
	return e, nil
}

// Submit queues a run of execution id. A fresh handle is written to the record before the request
// is published, so an older request still sitting in the queue becomes stale.
func (d *Dispatcher) Submit(ctx context.Context, id int64) (Ticket, error) {
	e, err := d.store.Get(ctx, id)
	if err != nil {
		return Ticket{}, err
	}
	switch {
	case e.Status == models.StatusRunning:
		return Ticket{}, fmt.Errorf("execution %d: %w", id, store.ErrAlreadyRunning)
	case e.Status == models.StatusCancelled && e.ExecutionHandle.Valid:
		return Ticket{}, fmt.Errorf("execution %d: %w", id, store.ErrCancelPending)
	}

	if d.maxConcurrent > 0 {
		running, err := d.store.CountRunning(ctx, e.Owner)
		if err != nil {
			return Ticket{}, fmt.Errorf("could not count running executions: %w", err)
		}
		if running >= d.maxConcurrent {
			return Ticket{}, fmt.Errorf("%s has %d executions running: %w", e.Owner, running, ErrConcurrencyLimit)
		}
	}

	ticket := Ticket{
		ExecutionID: id,
		Handle:      uuid.NewString(),
		EnqueuedAt:  d.clock().UTC(),
	}
	if err := d.store.AssignHandle(ctx, id, ticket.Handle); err != nil {
		return Ticket{}, err
	}

	if err := d.queue.Publish(ctx, queue.RunMessage{
		ExecutionID: ticket.ExecutionID,
		Handle:      ticket.Handle,
		EnqueuedAt:  ticket.EnqueuedAt,
	}); err != nil {
		return Ticket{}, fmt.Errorf("could not queue execution %d: %w", id, err)
	}

	log.Info().
		Int64("execution_id", id).
		Str("handle", ticket.Handle).
		Msg("Execution submitted")
	return ticket, nil
}

// RequestCancel records the cancellation in the execution record and returns without waiting for
// the process to stop. The supervisor running the execution picks it up on its next poll.
func (d *Dispatcher) RequestCancel(ctx context.Context, id int64) error {
	if err := d.store.RequestCancel(ctx, id, d.clock()); err != nil {
		return err
	}
	log.Info().Int64("execution_id", id).Msg("Cancellation requested")
	return nil
}

func (d *Dispatcher) Status(ctx context.Context, id int64) (*models.Execution, error) {
	return d.store.Get(ctx, id)
}
