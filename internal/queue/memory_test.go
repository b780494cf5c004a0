package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scriptrunner/internal/queue"
)

func TestMemoryQueue(t *testing.T) {
	t.Run("delivers messages in order", func(t *testing.T) {
		q := queue.NewMemoryQueue(8)
		defer q.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		for i := int64(1); i <= 3; i++ {
			require.NoError(t, q.Publish(ctx, queue.RunMessage{ExecutionID: i, Handle: "h"}))
		}
		assert.Equal(t, 3, q.Len())

		var got []int64
		err := q.Subscribe(ctx, func(m queue.RunMessage) error {
			got = append(got, m.ExecutionID)
			if len(got) == 3 {
				cancel()
			}
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []int64{1, 2, 3}, got)
	})

	t.Run("handler errors and panics are dead-lettered", func(t *testing.T) {
		q := queue.NewMemoryQueue(8)
		defer q.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, q.Publish(ctx, queue.RunMessage{ExecutionID: 1}))
		require.NoError(t, q.Publish(ctx, queue.RunMessage{ExecutionID: 2}))
		require.NoError(t, q.Publish(ctx, queue.RunMessage{ExecutionID: 3}))

		var seen int
		_ = q.Subscribe(ctx, func(m queue.RunMessage) error {
			seen++
			if seen == 3 {
				defer cancel()
			}
			switch m.ExecutionID {
			case 1:
				return errors.New("boom")
			case 2:
				panic("kaboom")
			}
			return nil
		})

		letters := q.DeadLetters()
		require.Len(t, letters, 2)
		assert.Equal(t, int64(1), letters[0].Message.ExecutionID)
		assert.Equal(t, "boom", letters[0].Error)
		assert.Equal(t, int64(2), letters[1].Message.ExecutionID)
		assert.Contains(t, letters[1].Error, "kaboom")
	})

	t.Run("each message goes to one subscriber", func(t *testing.T) {
		q := queue.NewMemoryQueue(64)
		defer q.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		const total = 50
		var mu sync.Mutex
		counts := map[int64]int{}
		var wg sync.WaitGroup
		wg.Add(total)

		for i := 0; i < 4; i++ {
			go func() {
				_ = q.Subscribe(ctx, func(m queue.RunMessage) error {
					mu.Lock()
					counts[m.ExecutionID]++
					mu.Unlock()
					wg.Done()
					return nil
				})
			}()
		}

		for i := int64(0); i < total; i++ {
			require.NoError(t, q.Publish(ctx, queue.RunMessage{ExecutionID: i}))
		}
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		assert.Len(t, counts, total)
		for id, n := range counts {
			assert.Equal(t, 1, n, "execution %d", id)
		}
	})

	t.Run("purge drops pending messages", func(t *testing.T) {
		q := queue.NewMemoryQueue(8)
		defer q.Close()

		ctx := context.Background()
		require.NoError(t, q.Publish(ctx, queue.RunMessage{ExecutionID: 1}))
		require.NoError(t, q.Publish(ctx, queue.RunMessage{ExecutionID: 2}))

		n, err := q.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
		assert.Equal(t, 0, q.Len())
	})

	t.Run("publish on full buffer respects context", func(t *testing.T) {
		q := queue.NewMemoryQueue(1)
		defer q.Close()

		require.NoError(t, q.Publish(context.Background(), queue.RunMessage{ExecutionID: 1}))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, q.Publish(ctx, queue.RunMessage{ExecutionID: 2}), context.DeadlineExceeded)
	})

	t.Run("close stops subscribers and rejects publishes", func(t *testing.T) {
		q := queue.NewMemoryQueue(1)

		done := make(chan error, 1)
		go func() { done <- q.Subscribe(context.Background(), func(queue.RunMessage) error { return nil }) }()

		require.NoError(t, q.Close())
		require.NoError(t, q.Close())

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not return after close")
		}
		assert.ErrorIs(t, q.Publish(context.Background(), queue.RunMessage{}), queue.ErrClosed)
	})
}
