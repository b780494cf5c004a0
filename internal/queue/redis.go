package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	RunQueueName        = "scriptrunner:runs"
	DeadLetterQueueName = "scriptrunner:runs:dead"
)

// RedisClient implements Client using a Redis list
type RedisClient struct {
	client *redis.Client

	// WorkerID is recorded on dead letters
	WorkerID string
}

var _ Client = (*RedisClient)(nil)

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisClient{client: client}, nil
}

// Publish sends a run message to the queue
func (r *RedisClient) Publish(ctx context.Context, message RunMessage) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, RunQueueName, data).Err()
}

// Subscribe starts listening for messages and processes them with the handler. Failed messages
// are moved to the dead letter list.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(RunMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		message, err := r.getNewMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().
				Err(err).
				Msg("Error encountered when fetching message from queue")
			continue
		}
		if message == nil {
			continue
		}

		if err := processMessage(handler, *message); err != nil {
			log.Error().
				Err(err).
				Int64("execution_id", message.ExecutionID).
				Msg("Error encountered when processing message")
			r.deadLetter(ctx, *message, err)
		}
	}
}

func (r *RedisClient) getNewMessage(ctx context.Context) (*RunMessage, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, RunQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil
	}

	var message RunMessage
	if err := json.Unmarshal([]byte(result[1]), &message); err != nil {
		return nil, fmt.Errorf("could not parse message into RunMessage. %w", err)
	}
	return &message, nil
}

func (r *RedisClient) deadLetter(ctx context.Context, message RunMessage, cause error) {
	data, err := json.Marshal(DeadLetter{
		Message:   message,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
		WorkerID:  r.WorkerID,
	})
	if err == nil {
		err = r.client.RPush(context.WithoutCancel(ctx), DeadLetterQueueName, data).Err()
	}
	if err != nil {
		log.Error().Err(err).Int64("execution_id", message.ExecutionID).Msg("Could not dead-letter message")
	}
}

// Purge drops every pending run request
func (r *RedisClient) Purge(ctx context.Context) (int64, error) {
	var length *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.LLen(ctx, RunQueueName)
		pipe.Del(ctx, RunQueueName)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return length.Val(), nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
