//go:build unix

package worker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrunner/internal/process"
	"scriptrunner/internal/worker"
)

type countingTerminator struct {
	calls int
	err   error
}

func (c *countingTerminator) Terminate(*process.Handle) error {
	c.calls++
	return c.err
}

func launchSleeper(t *testing.T, ctrl *process.Controller) *process.Handle {
	t.Helper()
	h, err := ctrl.Launch(process.Spec{Executable: "sh", Args: []string{"-c", "sleep 30"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Terminate(h) })
	return h
}

func TestArena(t *testing.T) {
	ctrl := process.NewController(500*time.Millisecond, time.Second, nil)

	t.Run("track and forget", func(t *testing.T) {
		a := worker.NewArena()
		h := launchSleeper(t, ctrl)

		a.Track(1, h)
		got, ok := a.Get(1)
		assert.True(t, ok)
		assert.Same(t, h, got)
		assert.Equal(t, 1, a.Len())

		a.Forget(1)
		a.Forget(1)
		_, ok = a.Get(1)
		assert.False(t, ok)
		assert.Zero(t, a.Len())
	})

	t.Run("terminate all empties the arena", func(t *testing.T) {
		a := worker.NewArena()
		a.Track(1, launchSleeper(t, ctrl))
		a.Track(2, launchSleeper(t, ctrl))

		term := &countingTerminator{err: errors.New("still alive")}
		assert.Equal(t, 2, a.TerminateAll(term))
		assert.Equal(t, 2, term.calls)
		assert.Zero(t, a.Len())
	})

	t.Run("terminate all kills tracked trees", func(t *testing.T) {
		a := worker.NewArena()
		h := launchSleeper(t, ctrl)
		a.Track(7, h)

		assert.Equal(t, 1, a.TerminateAll(ctrl))
		assert.False(t, process.Exists(h.PID()))
	})
}
