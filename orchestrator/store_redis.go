// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const redisKeyPrefix = "mrprompt:"

// RedisWorkflowStore keeps each run as a JSON string and an owner index set.
// Writes use WATCH/MULTI so a concurrent writer aborts the transaction and
// surfaces as ErrVersionConflict.
type RedisWorkflowStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ WorkflowStore = (*RedisWorkflowStore)(nil)

// NewRedisWorkflowStore creates a store over client. A ttl of 0 keeps runs
// until they are deleted.
func NewRedisWorkflowStore(client *redis.Client, ttl time.Duration) *RedisWorkflowStore {
	return &RedisWorkflowStore{client: client, ttl: ttl}
}

// OpenRedis parses a redis:// URL and pings the server.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func runKey(id string) string {
	return redisKeyPrefix + "workflow:" + id
}

func ownerKey(ownerID string) string {
	return redisKeyPrefix + "owner:" + ownerID + ":workflows"
}

func (s *RedisWorkflowStore) Get(ctx context.Context, id string) (*WorkflowRun, error) {
	return s.load(ctx, s.client, id)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisWorkflowStore) load(ctx context.Context, c redisGetter, id string) (*WorkflowRun, error) {
	data, err := c.Get(ctx, runKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}

	var run WorkflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode workflow %s: %w", id, err)
	}
	return &run, nil
}

func (s *RedisWorkflowStore) Put(ctx context.Context, run *WorkflowRun) error {
	key := runKey(run.ID)
	var newVersion int64

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, run.ID)
		switch {
		case err == nil && run.Version == 0:
			return fmt.Errorf("%w: %s already exists", ErrVersionConflict, run.ID)
		case err == nil && current.Version != run.Version:
			return fmt.Errorf("%w: %s at version %d, write expected %d", ErrVersionConflict, run.ID, current.Version, run.Version)
		case errors.Is(err, ErrWorkflowNotFound) && run.Version != 0:
			return err
		case err != nil && !errors.Is(err, ErrWorkflowNotFound):
			return err
		}

		stored := run.Clone()
		stored.Version = run.Version + 1
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("failed to encode workflow %s: %w", run.ID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.SAdd(ctx, ownerKey(run.OwnerID), run.ID)
			return nil
		})
		if err == nil {
			newVersion = stored.Version
		}
		return err
	}, key)

	if err != nil {
		return mapTxError(err, run.ID)
	}
	run.Version = newVersion
	return nil
}

func (s *RedisWorkflowStore) UpdateStep(ctx context.Context, id string, step StepResult, expectedVersion int64) (int64, error) {
	key := runKey(id)
	var newVersion int64

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		run, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if run.Version != expectedVersion {
			return fmt.Errorf("%w: %s at version %d, write expected %d", ErrVersionConflict, id, run.Version, expectedVersion)
		}
		if step.Index < 0 || step.Index >= len(run.Steps) {
			return fmt.Errorf("step index %d out of range for %s", step.Index, id)
		}

		run.Steps[step.Index] = step.clone()
		if step.FinishedAt != nil && step.FinishedAt.After(run.UpdatedAt) {
			run.UpdatedAt = *step.FinishedAt
		} else if step.StartedAt != nil && step.StartedAt.After(run.UpdatedAt) {
			run.UpdatedAt = *step.StartedAt
		}
		run.Version++

		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to encode workflow %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		if err == nil {
			newVersion = run.Version
		}
		return err
	}, key)

	if err != nil {
		return 0, mapTxError(err, id)
	}
	return newVersion, nil
}

func (s *RedisWorkflowStore) List(ctx context.Context, ownerID string) ([]*WorkflowRun, error) {
	ids, err := s.client.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	runs := make([]*WorkflowRun, 0, len(ids))
	for _, id := range ids {
		run, err := s.Get(ctx, id)
		if errors.Is(err, ErrWorkflowNotFound) {
			// Expired by TTL; drop the stale index entry.
			s.client.SRem(ctx, ownerKey(ownerID), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	sortNewestFirst(runs)
	return runs, nil
}

func (s *RedisWorkflowStore) Delete(ctx context.Context, id string) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, runKey(id))
		pipe.SRem(ctx, ownerKey(run.OwnerID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	return nil
}

func mapTxError(err error, id string) error {
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s modified concurrently", ErrVersionConflict, id)
	}
	return err
}
