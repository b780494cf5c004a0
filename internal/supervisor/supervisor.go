package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"scriptrunner/internal/config"
	"scriptrunner/internal/metrics"
	"scriptrunner/internal/models"
	"scriptrunner/internal/precheck"
	"scriptrunner/internal/process"
)

var (
	ErrTimeoutExceeded = errors.New("execution exceeded the maximum execution time")
	// ErrLostOwnership means another party (the reaper or a restarted worker) finalized the record
	// or moved it to another handle while this supervisor was still running it.
	ErrLostOwnership = errors.New("execution was finalized elsewhere")
)

// Store is the part of the execution store a supervisor writes through
type Store interface {
	BeginRun(ctx context.Context, id int64, handle, workerID string, now time.Time) (*models.Execution, error)
	Status(ctx context.Context, id int64) (models.ExecutionStatus, null.String, error)
	SaveLogs(ctx context.Context, id int64, handle, logs string, progress null.String, now time.Time) error
	Complete(ctx context.Context, id int64, handle string, t models.Terminal, now time.Time) error
	FinalizeCancelled(ctx context.Context, id int64, handle, logs string, now time.Time) error
}

type Prechecker interface {
	Check(ctx context.Context, path string) (precheck.Result, error)
}

type Launcher interface {
	Launch(spec process.Spec) (*process.Handle, error)
	Terminate(h *process.Handle) error
}

// Arena tracks the live process handles of one worker process
type Arena interface {
	Track(id int64, h *process.Handle)
	Forget(id int64)
}

type Config struct {
	Interpreter       string
	InterpreterArgs   []string
	PollInterval      time.Duration
	LineFlushInterval time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    time.Duration
	MaxExecutionTime  time.Duration
	ProgressTailLines int

	// terminal writes are retried so a record is not stranded in RUNNING by a storage blip
	TerminalWriteAttempts int
	TerminalWriteBackoff  time.Duration
}

func ConfigFromWorker(w config.WorkerConfig) Config {
	return Config{
		Interpreter:           w.Interpreter,
		InterpreterArgs:       w.InterpreterArgs,
		PollInterval:          w.PollInterval(),
		LineFlushInterval:     w.LineFlushInterval(),
		HeartbeatInterval:     w.HeartbeatInterval(),
		HeartbeatGrace:        w.HeartbeatGrace(),
		MaxExecutionTime:      w.MaxExecutionTime(),
		ProgressTailLines:     w.ProgressTailLines,
		TerminalWriteAttempts: 3,
		TerminalWriteBackoff:  time.Second,
	}
}

// Outcome is what a supervised run ended with
type Outcome struct {
	Status       models.ExecutionStatus
	ExitCode     null.Int
	ErrorMessage string
}

// Supervisor runs one execution at a time: it claims the record, launches the script, streams
// its output into the record and drives the record to a terminal status. Cancellation requests
// arrive only through the record's status, which the supervisor re-reads on every iteration.
type Supervisor struct {
	conf       Config
	store      Store
	launcher   Launcher
	prechecker Prechecker
	arena      Arena
	metrics    metrics.Sink
	workerID   string
	clock      func() time.Time
}

type Option func(*Supervisor)

func WithPrechecker(p Prechecker) Option {
	return func(s *Supervisor) { s.prechecker = p }
}

func WithArena(a Arena) Option {
	return func(s *Supervisor) { s.arena = a }
}

func WithMetrics(m metrics.Sink) Option {
	return func(s *Supervisor) { s.metrics = metrics.OrNoop(m) }
}

func WithWorkerID(id string) Option {
	return func(s *Supervisor) { s.workerID = id }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

func New(conf Config, store Store, launcher Launcher, opts ...Option) *Supervisor {
	if conf.PollInterval <= 0 {
		conf.PollInterval = 100 * time.Millisecond
	}
	if conf.HeartbeatInterval <= 0 {
		conf.HeartbeatInterval = 2 * time.Second
	}
	if conf.HeartbeatGrace <= 0 {
		conf.HeartbeatGrace = conf.HeartbeatInterval
	}
	if conf.TerminalWriteAttempts < 1 {
		conf.TerminalWriteAttempts = 1
	}

	s := &Supervisor{
		conf:     conf,
		store:    store,
		launcher: launcher,
		arena:    noArena{},
		metrics:  metrics.NoopSink{},
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run supervises execution id for the holder of handle until it reaches a terminal status. The
// returned error is non-nil only when the run could not be claimed (store.ErrNotFound,
// store.ErrAlreadyRunning, store.ErrStaleHandle), when the final status could not be persisted,
// or when the record was finalized by someone else.
func (s *Supervisor) Run(ctx context.Context, id int64, handle string) (out Outcome, err error) {
	rec, err := s.store.BeginRun(ctx, id, handle, s.workerID, s.clock())
	if err != nil {
		return Outcome{}, err
	}

	r := newRun(s, rec, handle)
	log.Info().
		Int64("execution_id", id).
		Str("handle", handle).
		Str("worker_id", s.workerID).
		Str("script", rec.ScriptPath).
		Msg("Execution started")
	s.metrics.ExecutionStarted()

	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Int64("execution_id", id).Msg("Supervisor panicked")
			out, err = r.fail(ctx, fmt.Errorf("supervisor panicked: %v", rcv))
		}

		s.metrics.ExecutionFinished(string(out.Status), s.clock().Sub(r.started))
		log.Info().
			Int64("execution_id", id).
			Str("status", string(out.Status)).
			Err(err).
			Msg("Execution finished")
	}()

	return r.execute(ctx)
}

type noArena struct{}

func (noArena) Track(int64, *process.Handle) {}
func (noArena) Forget(int64)                 {}
