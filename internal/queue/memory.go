package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryQueue is a Client backed by a buffered channel, for single-process deployments where
// the API and the workers share one binary
type MemoryQueue struct {
	ch        chan RunMessage
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	deadLetters []DeadLetter
}

var _ Client = (*MemoryQueue)(nil)

func NewMemoryQueue(buffer int) *MemoryQueue {
	return &MemoryQueue{
		ch:     make(chan RunMessage, buffer),
		closed: make(chan struct{}),
	}
}

// Publish blocks while the buffer is full
func (q *MemoryQueue) Publish(ctx context.Context, message RunMessage) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- message:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Subscribe(ctx context.Context, handler func(RunMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closed:
			return nil
		case message := <-q.ch:
			if err := processMessage(handler, message); err != nil {
				log.Error().
					Err(err).
					Int64("execution_id", message.ExecutionID).
					Msg("Error encountered when processing message")

				q.mu.Lock()
				q.deadLetters = append(q.deadLetters, DeadLetter{Message: message, Error: err.Error(), Timestamp: time.Now().UTC()})
				q.mu.Unlock()
			}
		}
	}
}

func (q *MemoryQueue) Purge(context.Context) (int64, error) {
	var n int64
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n, nil
		}
	}
}

// Len returns the number of queued messages
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// DeadLetters returns the messages whose handler failed
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.deadLetters...)
}

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
