package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agentops/agent-monitor/types"
)

const (
	executionPrefix = "execution:"
	callbackPrefix  = "callbacks:"
	agentPrefix     = "agents:"
	progressPrefix  = "progress:"
)

// ErrNotFound is returned when a requested resource is not found.
var ErrNotFound = errors.New("resource not found")

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Execution and progress records are JSON values, agent statuses live in one
// hash per workflow, and the callback audit log is an append-only list.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// setJSON saves a value to Redis under the given key prefix and ID.
func (s *RedisStorage) setJSON(ctx context.Context, prefix, id string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s%s: %v", prefix, id, err)
		}
		key := prefix + id
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value from Redis under the given key prefix and ID.
func getJSON[T any](ctx context.Context, client *redis.Client, prefix, id string) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		key := prefix + id
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", ErrNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveExecution upserts an execution record in Redis.
func (s *RedisStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return s.setJSON(ctx, executionPrefix, exec.CorrelationID, exec)
}

// GetExecution retrieves an execution record from Redis.
func (s *RedisStorage) GetExecution(ctx context.Context, correlationID string) (types.WorkflowExecution, error) {
	return getJSON[types.WorkflowExecution](ctx, s.client, executionPrefix, correlationID)
}

// DeleteExecution removes an execution record from Redis.
func (s *RedisStorage) DeleteExecution(ctx context.Context, correlationID string) error {
	return withContextError(ctx, func() error {
		return s.client.Del(ctx, executionPrefix+correlationID).Err()
	})
}

// AppendCallback appends a callback event to the Redis-backed audit log.
func (s *RedisStorage) AppendCallback(ctx context.Context, event types.CallbackEvent) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal callback for %s: %v", event.CorrelationID, err)
		}
		key := callbackPrefix + event.CorrelationID
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to append to %s in Redis: %v", key, err)
		}
		return nil
	})
}

// GetCallbacks retrieves the callback log for a correlation ID, in append order.
func (s *RedisStorage) GetCallbacks(ctx context.Context, correlationID string) ([]types.CallbackEvent, error) {
	return withContext(ctx, func() ([]types.CallbackEvent, error) {
		key := callbackPrefix + correlationID
		items, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s from Redis: %v", key, err)
		}

		out := make([]types.CallbackEvent, 0, len(items))
		for _, item := range items {
			var event types.CallbackEvent
			if err := json.Unmarshal([]byte(item), &event); err != nil {
				return nil, fmt.Errorf("failed to unmarshal callback in %s: %v", key, err)
			}
			out = append(out, event)
		}
		return out, nil
	})
}

// DeleteCallbacks removes the callback log for a correlation ID.
func (s *RedisStorage) DeleteCallbacks(ctx context.Context, correlationID string) error {
	return withContextError(ctx, func() error {
		return s.client.Del(ctx, callbackPrefix+correlationID).Err()
	})
}

// SaveAgentStatus upserts an agent status record into the per-workflow hash.
func (s *RedisStorage) SaveAgentStatus(ctx context.Context, info types.AgentStatusInfo) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("failed to marshal agent status %s/%s: %v", info.WorkflowID, info.AgentID, err)
		}
		key := agentPrefix + info.WorkflowID
		if err := s.client.HSet(ctx, key, info.AgentID, data).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// GetAgentStatuses retrieves all agent status records for a workflow.
func (s *RedisStorage) GetAgentStatuses(ctx context.Context, workflowID string) ([]types.AgentStatusInfo, error) {
	return withContext(ctx, func() ([]types.AgentStatusInfo, error) {
		key := agentPrefix + workflowID
		fields, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s from Redis: %v", key, err)
		}

		out := make([]types.AgentStatusInfo, 0, len(fields))
		for _, data := range fields {
			var info types.AgentStatusInfo
			if err := json.Unmarshal([]byte(data), &info); err != nil {
				return nil, fmt.Errorf("failed to unmarshal agent status in %s: %v", key, err)
			}
			out = append(out, info)
		}
		return out, nil
	})
}

// SaveProgress upserts the aggregate progress record for a workflow.
func (s *RedisStorage) SaveProgress(ctx context.Context, progress types.WorkflowProgress) error {
	return s.setJSON(ctx, progressPrefix, progress.WorkflowID, progress)
}

// GetProgress retrieves the aggregate progress record for a workflow.
func (s *RedisStorage) GetProgress(ctx context.Context, workflowID string) (types.WorkflowProgress, error) {
	return getJSON[types.WorkflowProgress](ctx, s.client, progressPrefix, workflowID)
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
