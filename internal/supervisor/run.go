package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/guregu/null/v6"
	"github.com/rs/zerolog/log"
	"scriptrunner/internal/logsink"
	"scriptrunner/internal/metrics"
	"scriptrunner/internal/models"
	"scriptrunner/internal/precheck"
	"scriptrunner/internal/process"
	"scriptrunner/internal/store"
)

const (
	// drainWindow bounds the final read after the child exited, in case a descendant keeps the
	// output pipe open
	drainWindow  = 2 * time.Second
	drainTimeout = 50 * time.Millisecond

	terminalWriteTimeout = 10 * time.Second
)

// run is the state of one supervised execution
type run struct {
	s      *Supervisor
	id     int64
	handle string
	script string

	started  time.Time
	lastLine time.Time
	sink     *logsink.Sink
	proc     *process.Handle
}

func newRun(s *Supervisor, rec *models.Execution, handle string) *run {
	started := s.clock()
	if rec.StartedAt.Valid {
		started = rec.StartedAt.Time
	}

	return &run{
		s:        s,
		id:       rec.ID,
		handle:   handle,
		script:   rec.ScriptPath,
		started:  started,
		lastLine: started,
		sink: logsink.New(rec.ID, handle, s.store, logsink.Policy{
			LineFlushInterval: s.conf.LineFlushInterval,
			HeartbeatInterval: s.conf.HeartbeatInterval,
		}, s.clock, s.metrics),
	}
}

func (r *run) execute(ctx context.Context) (Outcome, error) {
	if _, err := os.Stat(r.script); err != nil {
		return r.fail(ctx, &process.LaunchError{Executable: r.script, Err: err})
	}

	if r.s.prechecker != nil {
		res, err := r.s.prechecker.Check(ctx, r.script)
		if err != nil {
			return r.fail(ctx, err)
		}
		if !res.OK() {
			r.s.metrics.PrecheckFailed()
			return r.fail(ctx, &precheck.MissingPackagesError{Missing: res.Missing})
		}
	}

	args := append(append([]string(nil), r.s.conf.InterpreterArgs...), r.script)
	h, err := r.s.launcher.Launch(process.Spec{
		Executable: r.s.conf.Interpreter,
		Args:       args,
		Dir:        filepath.Dir(r.script),
		Env:        []string{"PYTHONUNBUFFERED=1"},
	})
	if err != nil {
		return r.fail(ctx, err)
	}

	r.proc = h
	r.s.arena.Track(r.id, h)
	defer r.release()

	log.Debug().Int64("execution_id", r.id).Int("pid", h.PID()).Msg("Script launched")
	return r.supervise(ctx)
}

// supervise is the poll loop. Each iteration re-reads the status first so that a cancel request
// is honoured within one poll interval.
func (r *run) supervise(ctx context.Context) (Outcome, error) {
	for {
		if ctx.Err() != nil {
			return r.abandon(ctx)
		}

		if out, done, err := r.checkStatus(ctx); done {
			return out, err
		}

		if limit := r.s.conf.MaxExecutionTime; limit > 0 && r.elapsed() > limit {
			return r.timeout(ctx)
		}

		line, res := r.proc.ReadLine(r.s.conf.PollInterval)
		switch res {
		case process.Line:
			r.sink.Append(line)
			r.lastLine = r.s.clock()

			// a cancel that landed while the line was being read wins over the flush
			if out, done, err := r.checkStatus(ctx); done {
				return out, err
			}
		case process.NoData:
			if !r.proc.Alive() {
				r.drain()
				return r.finish(ctx)
			}
		case process.EOF:
			if r.proc.WaitExit(r.s.conf.PollInterval) {
				return r.finish(ctx)
			}
		}

		if err := r.flushIfDue(ctx); err != nil {
			if ctx.Err() != nil {
				return r.abandon(ctx)
			}
			if errors.Is(err, store.ErrStaleHandle) {
				if out, done, err := r.checkStatus(ctx); done {
					return out, err
				}
				continue
			}
			return r.fail(ctx, fmt.Errorf("could not save logs: %w", err))
		}
	}
}

// checkStatus reloads the record. done is true when the run must stop. The run only goes on
// while the record is RUNNING under this run's handle.
func (r *run) checkStatus(ctx context.Context) (Outcome, bool, error) {
	status, handle, err := r.s.store.Status(ctx, r.id)
	if err != nil {
		if ctx.Err() != nil {
			out, err := r.abandon(ctx)
			return out, true, err
		}
		out, err := r.fail(ctx, fmt.Errorf("could not reload execution: %w", err))
		return out, true, err
	}

	switch {
	case handle.String != r.handle:
		out, err := r.lost(status)
		return out, true, err
	case status == models.StatusRunning:
		return Outcome{}, false, nil
	case status == models.StatusCancelled:
		out, err := r.cancel(ctx)
		return out, true, err
	default:
		out, err := r.lost(status)
		return out, true, err
	}
}

func (r *run) flushIfDue(ctx context.Context) error {
	now := r.s.clock()
	switch {
	case r.sink.LineFlushDue(now):
		return r.sink.Flush(ctx, r.progress(now), metrics.FlushLine)
	case r.sink.HeartbeatDue(now):
		return r.sink.Flush(ctx, r.progress(now), metrics.FlushHeartbeat)
	default:
		return nil
	}
}

func (r *run) progress(now time.Time) models.Progress {
	elapsed := now.Sub(r.started)
	p := models.Progress{
		Tail:           r.sink.Tail(r.s.conf.ProgressTailLines),
		LineCount:      r.sink.LineCount(),
		ElapsedSeconds: elapsed.Seconds(),
	}
	if r.s.conf.MaxExecutionTime > 0 {
		p.TimeoutFraction = min(1, elapsed.Seconds()/r.s.conf.MaxExecutionTime.Seconds())
	}
	if now.Sub(r.lastLine) >= r.s.conf.HeartbeatGrace {
		p.Message = fmt.Sprintf("still running, %ds elapsed", int(elapsed.Seconds()))
	}
	return p
}

func (r *run) elapsed() time.Duration {
	return r.s.clock().Sub(r.started)
}

// drain collects output the child wrote just before exiting
func (r *run) drain() {
	deadline := r.s.clock().Add(drainWindow)
	for r.s.clock().Before(deadline) {
		line, res := r.proc.ReadLine(drainTimeout)
		if res != process.Line {
			return
		}
		r.sink.Append(line)
	}
}

// finish handles a child that exited on its own
func (r *run) finish(ctx context.Context) (Outcome, error) {
	if status, _, err := r.s.store.Status(ctx, r.id); err == nil && status == models.StatusCancelled {
		return r.cancel(ctx)
	}

	code, _ := r.proc.ExitCode()
	t := models.Terminal{Status: models.StatusFailed}
	switch {
	case r.proc.WaitErr() != nil:
		t.ErrorMessage = null.StringFrom(fmt.Sprintf("Could not collect script exit status: %v", r.proc.WaitErr()))
	case code == 0:
		t.Status = models.StatusCompleted
		t.ExitCode = null.IntFrom(0)
	case code > 0:
		t.ExitCode = null.IntFrom(int64(code))
		t.ErrorMessage = null.StringFrom(fmt.Sprintf("Script exited with code %d", code))
	default:
		t.ErrorMessage = null.StringFrom("Script was terminated by a signal")
	}
	return r.complete(ctx, t)
}

func (r *run) cancel(ctx context.Context) (Outcome, error) {
	r.stop()
	now := r.s.clock()
	r.sink.Append(fmt.Sprintf("--- Execution cancelled by user at %s ---", now.UTC().Format(time.RFC3339)))

	err := r.persist(ctx, func(ctx context.Context) error {
		return r.s.store.FinalizeCancelled(ctx, r.id, r.handle, r.sink.Text(), now)
	})
	if errors.Is(err, store.ErrTransitionDenied) {
		status, _, serr := r.s.store.Status(context.WithoutCancel(ctx), r.id)
		if serr != nil {
			return Outcome{Status: models.StatusCancelled}, fmt.Errorf("could not reload execution %d: %w", r.id, serr)
		}
		return r.lost(status)
	}
	if err == nil {
		r.s.metrics.LogFlushed(metrics.FlushFinal)
	}
	return Outcome{Status: models.StatusCancelled}, err
}

func (r *run) timeout(ctx context.Context) (Outcome, error) {
	r.stop()
	limit := r.s.conf.MaxExecutionTime
	r.sink.Append(fmt.Sprintf("--- Execution timed out after %s ---", limit))

	return r.complete(ctx, models.Terminal{
		Status:       models.StatusFailed,
		ErrorMessage: null.StringFrom(fmt.Sprintf("%v (%s)", ErrTimeoutExceeded, limit)),
	})
}

// abandon handles a worker shutting down mid-run
func (r *run) abandon(ctx context.Context) (Outcome, error) {
	r.stop()
	r.sink.Append("--- Execution aborted: worker shutting down ---")

	return r.complete(ctx, models.Terminal{
		Status:       models.StatusFailed,
		ErrorMessage: null.StringFrom("worker shut down before the execution finished"),
	})
}

// fail handles every unexpected error: the child is stopped and the record marked FAILED with
// the error text
func (r *run) fail(ctx context.Context, cause error) (Outcome, error) {
	log.Error().Err(cause).Int64("execution_id", r.id).Msg("Execution failed")
	r.stop()

	return r.complete(ctx, models.Terminal{
		Status:       models.StatusFailed,
		ErrorMessage: null.StringFrom(cause.Error()),
	})
}

// lost is reached when the record left RUNNING through someone other than this supervisor or
// the user, or when it no longer carries this run's handle. The child is stopped and the record
// left as it is.
func (r *run) lost(status models.ExecutionStatus) (Outcome, error) {
	r.stop()
	log.Warn().Int64("execution_id", r.id).Str("status", string(status)).Msg("Execution no longer owned by this run, stopping")
	return Outcome{Status: status}, fmt.Errorf("execution %d is %s: %w", r.id, status, ErrLostOwnership)
}

// complete persists a COMPLETED or FAILED outcome. If the write is refused because the user
// cancelled in the meantime, the run is finalized as cancelled instead.
func (r *run) complete(ctx context.Context, t models.Terminal) (Outcome, error) {
	t.Logs = r.sink.Text()
	out := Outcome{Status: t.Status, ExitCode: t.ExitCode, ErrorMessage: t.ErrorMessage.String}

	err := r.persist(ctx, func(ctx context.Context) error {
		return r.s.store.Complete(ctx, r.id, r.handle, t, r.s.clock())
	})
	if errors.Is(err, store.ErrTransitionDenied) {
		status, _, serr := r.s.store.Status(context.WithoutCancel(ctx), r.id)
		switch {
		case serr != nil:
			r.stop()
			return out, fmt.Errorf("could not reload execution %d: %w", r.id, serr)
		case status == models.StatusCancelled:
			return r.cancel(ctx)
		}
		return r.lost(status)
	}
	if err != nil {
		log.Error().Err(err).Int64("execution_id", r.id).Msg("Could not persist final status")
		return out, err
	}

	r.s.metrics.LogFlushed(metrics.FlushFinal)
	return out, nil
}

// persist runs a terminal write, retrying with linear backoff. It ignores cancellation of ctx
// since the record must leave RUNNING even while the worker shuts down.
func (r *run) persist(ctx context.Context, write func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 1; attempt <= r.s.conf.TerminalWriteAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, terminalWriteTimeout)
		err := write(wctx)
		cancel()

		if err == nil || errors.Is(err, store.ErrTransitionDenied) || errors.Is(err, store.ErrNotFound) {
			return err
		}

		lastErr = err
		if attempt < r.s.conf.TerminalWriteAttempts {
			time.Sleep(time.Duration(attempt) * r.s.conf.TerminalWriteBackoff)
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", r.s.conf.TerminalWriteAttempts, lastErr)
}

// stop terminates the child's process tree; safe to call repeatedly
func (r *run) stop() {
	if r.proc == nil {
		return
	}
	if err := r.s.launcher.Terminate(r.proc); err != nil {
		log.Error().Err(err).Int64("execution_id", r.id).Int("pid", r.proc.PID()).Msg("Could not terminate script")
	}
}

func (r *run) release() {
	r.stop()
	r.s.arena.Forget(r.id)
}
