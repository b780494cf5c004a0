package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("queue is closed")

// RunMessage asks a worker to run an execution. Handle must match the record's execution handle
// when the worker claims it, otherwise the request has been superseded.
type RunMessage struct {
	ExecutionID int64     `json:"execution_id"`
	Handle      string    `json:"handle"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// DeadLetter is a message whose handler failed
type DeadLetter struct {
	Message   RunMessage `json:"message"`
	Error     string     `json:"error"`
	Timestamp time.Time  `json:"timestamp"`
	WorkerID  string     `json:"worker_id"`
}

// Client defines the interface for run request queue operations
type Client interface {
	Publish(ctx context.Context, message RunMessage) error
	// Subscribe blocks, handing messages to handler one at a time until ctx is cancelled. Several
	// goroutines may subscribe on the same client; each message is delivered to one of them.
	Subscribe(ctx context.Context, handler func(RunMessage) error) error
	// Purge discards every queued message and returns how many there were
	Purge(ctx context.Context) (int64, error)
	Close() error
}

func processMessage(handler func(RunMessage) error, message RunMessage) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			log.Error().Interface("panic", rcv).Int64("execution_id", message.ExecutionID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	return handler(message)
}
