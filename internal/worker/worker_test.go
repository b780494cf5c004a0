//go:build unix

package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrunner/internal/config"
	"scriptrunner/internal/models"
	"scriptrunner/internal/process"
	"scriptrunner/internal/queue"
	"scriptrunner/internal/store"
	"scriptrunner/internal/testutil"
	"scriptrunner/internal/worker"
)

var testConfig = config.WorkerConfig{
	Concurrency:         2,
	PollIntervalMs:      50,
	LineFlushIntervalMs: 50,
	HeartbeatIntervalMs: 200,
	HeartbeatGraceMs:    200,
	MaxExecutionTimeSec: 30,
	TerminateGraceMs:    500,
	KillWaitMs:          1000,
	Interpreter:         "sh",
	ProgressTailLines:   5,
}

type fixture struct {
	dir   string
	store *store.ExecutionStore
	queue *queue.MemoryQueue
}

func newFixture(t *testing.T) *fixture {
	db, _ := testutil.NewDB(t)
	q := queue.NewMemoryQueue(16)
	t.Cleanup(func() { _ = q.Close() })
	return &fixture{dir: t.TempDir(), store: store.New(db), queue: q}
}

func (f *fixture) create(t *testing.T, body string) *models.Execution {
	t.Helper()
	path := testutil.WriteScript(t, f.dir, uuid.NewString()+".sh", body)
	e, err := f.store.Create(context.Background(), "ann", path, time.Now())
	require.NoError(t, err)
	return e
}

// enqueue assigns a fresh handle and publishes the run request, the way the dispatcher does
func (f *fixture) enqueue(t *testing.T, id int64) string {
	t.Helper()
	ctx := context.Background()
	handle := uuid.NewString()
	require.NoError(t, f.store.AssignHandle(ctx, id, handle))
	require.NoError(t, f.queue.Publish(ctx, queue.RunMessage{ExecutionID: id, Handle: handle, EnqueuedAt: time.Now()}))
	return handle
}

func (f *fixture) waitStatus(t *testing.T, id int64, want models.ExecutionStatus) *models.Execution {
	t.Helper()
	var e *models.Execution
	require.Eventually(t, func() bool {
		var err error
		e, err = f.store.Get(context.Background(), id)
		return err == nil && e.Status == want
	}, 10*time.Second, 20*time.Millisecond, "execution %d never reached %s", id, want)
	return e
}

// start runs the worker in the background and waits for startup recovery to finish
func start(t *testing.T, w *worker.Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	select {
	case <-w.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("worker exited during startup: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("worker did not become ready")
	}
	t.Cleanup(cancel)
	return cancel, done
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// left RUNNING by a worker that died
	running := f.create(t, "echo hi\n")
	handle := uuid.NewString()
	require.NoError(t, f.store.AssignHandle(ctx, running.ID, handle))
	_, err := f.store.BeginRun(ctx, running.ID, handle, "dead-worker", time.Now())
	require.NoError(t, err)

	// queued but never started
	queued := f.create(t, "echo hi\n")
	f.enqueue(t, queued.ID)

	finished := f.create(t, "echo hi\n")

	w := worker.New(testConfig, f.store, f.queue)
	require.NoError(t, w.Recover(ctx))

	got, err := f.store.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, worker.RecoveryMessage, got.ErrorMessage.ValueOrZero())
	assert.True(t, got.CompletedAt.Valid)
	assert.False(t, got.ExecutionHandle.Valid)

	got, err = f.store.Get(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploaded, got.Status)
	assert.False(t, got.ExecutionHandle.Valid)
	assert.Equal(t, 0, f.queue.Len())

	got, err = f.store.Get(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploaded, got.Status)
}

func TestWorkerRunsQueuedExecutions(t *testing.T) {
	f := newFixture(t)
	w := worker.New(testConfig, f.store, f.queue)
	cancel, done := start(t, w)

	ok := f.create(t, "echo 'Line 1'\n")
	bad := f.create(t, "echo oops\nexit 3\n")
	f.enqueue(t, ok.ID)
	f.enqueue(t, bad.ID)

	got := f.waitStatus(t, ok.ID, models.StatusCompleted)
	assert.Contains(t, got.Logs, "Line 1")
	assert.Equal(t, int64(0), got.ExitCode.ValueOrZero())
	assert.Equal(t, w.ID, got.WorkerID.ValueOrZero())
	assert.False(t, got.ExecutionHandle.Valid)

	got = f.waitStatus(t, bad.ID, models.StatusFailed)
	assert.Equal(t, int64(3), got.ExitCode.ValueOrZero())
	assert.Contains(t, got.ErrorMessage.ValueOrZero(), "3")

	cancel()
	assert.NoError(t, <-done)
	assert.Empty(t, f.queue.DeadLetters())
}

func TestWorkerSkipsSupersededRequests(t *testing.T) {
	f := newFixture(t)
	w := worker.New(testConfig, f.store, f.queue)
	cancel, done := start(t, w)

	e := f.create(t, "echo once\n")
	ctx := context.Background()

	// the first request is superseded before any executor sees it
	require.NoError(t, f.store.AssignHandle(ctx, e.ID, "old"))
	require.NoError(t, f.store.AssignHandle(ctx, e.ID, "new"))
	require.NoError(t, f.queue.Publish(ctx, queue.RunMessage{ExecutionID: e.ID, Handle: "old"}))

	require.Never(t, func() bool {
		got, err := f.store.Get(ctx, e.ID)
		return err != nil || got.Status != models.StatusUploaded
	}, 300*time.Millisecond, 20*time.Millisecond)

	require.NoError(t, f.queue.Publish(ctx, queue.RunMessage{ExecutionID: e.ID, Handle: "new"}))
	f.waitStatus(t, e.ID, models.StatusCompleted)

	cancel()
	assert.NoError(t, <-done)
	assert.Empty(t, f.queue.DeadLetters())
}

func TestWorkerDeadLettersUnknownExecutions(t *testing.T) {
	f := newFixture(t)
	w := worker.New(testConfig, f.store, f.queue)
	cancel, done := start(t, w)

	require.NoError(t, f.queue.Publish(context.Background(), queue.RunMessage{ExecutionID: 9999, Handle: "h"}))

	require.Eventually(t, func() bool {
		return len(f.queue.DeadLetters()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	letter := f.queue.DeadLetters()[0]
	assert.Equal(t, int64(9999), letter.Message.ExecutionID)
	assert.Contains(t, letter.Error, store.ErrNotFound.Error())

	cancel()
	assert.NoError(t, <-done)
}

func TestWorkerShutdownStopsRunningScripts(t *testing.T) {
	f := newFixture(t)
	w := worker.New(testConfig, f.store, f.queue)
	cancel, done := start(t, w)

	e := f.create(t, "while true; do echo tick; sleep 0.1; done\n")
	f.enqueue(t, e.ID)
	f.waitStatus(t, e.ID, models.StatusRunning)

	var pid int
	require.Eventually(t, func() bool {
		h, ok := w.Arena().Get(e.ID)
		if ok {
			pid = h.PID()
		}
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}

	got, err := f.store.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage.ValueOrZero(), "shut down")
	assert.True(t, got.CompletedAt.Valid)
	assert.Zero(t, w.Arena().Len())
	assert.False(t, process.Exists(pid))
}

func TestWorkerStop(t *testing.T) {
	f := newFixture(t)
	w := worker.New(testConfig, f.store, f.queue)
	_, done := start(t, w)

	w.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
