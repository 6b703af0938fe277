// Package driftstore holds the Drift Monitor's rolling-window counters
// (cycles, rollbacks, prediction-error samples) in Redis, using sorted
// sets keyed by timestamp so windowed reads are a single ZRANGEBYSCORE
// rather than an application-level scan.
package driftstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cyclesKey          = "autopilot:drift:cycles"
	rollbacksKey       = "autopilot:drift:rollbacks"
	predictionErrorKey = "autopilot:drift:prediction_errors"
)

// Store is a Redis-backed rolling window of cycle/rollback/prediction-error
// events for the Drift Monitor.
type Store struct {
	client *redis.Client
}

// Open connects to addr/db with password and verifies connectivity.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("driftstore: connecting to redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an already-constructed client, used by tests against
// miniredis.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// RecordCycle records one cycle outcome.
func (s *Store) RecordCycle(ctx context.Context, cycleID string, rolledBack bool, at time.Time) error {
	score := float64(at.UnixNano())
	if err := s.client.ZAdd(ctx, cyclesKey, redis.Z{Score: score, Member: cycleID}).Err(); err != nil {
		return fmt.Errorf("driftstore: recording cycle: %w", err)
	}
	if rolledBack {
		if err := s.client.ZAdd(ctx, rollbacksKey, redis.Z{Score: score, Member: cycleID}).Err(); err != nil {
			return fmt.Errorf("driftstore: recording rollback: %w", err)
		}
	}
	return nil
}

// RecordPredictionError records one |predicted-observed|/|predicted| ratio
// for a committed change.
func (s *Store) RecordPredictionError(ctx context.Context, changeID string, ratio float64, at time.Time) error {
	member := fmt.Sprintf("%s:%s", changeID, strconv.FormatFloat(ratio, 'g', -1, 64))
	score := float64(at.UnixNano())
	if err := s.client.ZAdd(ctx, predictionErrorKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("driftstore: recording prediction error: %w", err)
	}
	return nil
}

// RollbackRate returns rollbacks/cycles within [now-window, now].
func (s *Store) RollbackRate(ctx context.Context, now time.Time, window time.Duration) (float64, error) {
	cycles, err := s.countInWindow(ctx, cyclesKey, now, window)
	if err != nil {
		return 0, err
	}
	if cycles == 0 {
		return 0, nil
	}
	rollbacks, err := s.countInWindow(ctx, rollbacksKey, now, window)
	if err != nil {
		return 0, err
	}
	return float64(rollbacks) / float64(cycles), nil
}

// ConsecutiveFailures reports the number of most-recent cycles (newest
// first) that were rollbacks, stopping at the first non-rollback.
func (s *Store) ConsecutiveFailures(ctx context.Context, now time.Time, lookback int) (int, error) {
	cycles, err := s.client.ZRevRangeByScore(ctx, cyclesKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixNano(), 10), Count: int64(lookback),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("driftstore: listing recent cycles: %w", err)
	}
	rollbackSet, err := s.client.ZRevRangeByScore(ctx, rollbacksKey, &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixNano(), 10), Count: int64(lookback),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("driftstore: listing recent rollbacks: %w", err)
	}
	rollbackIDs := make(map[string]bool, len(rollbackSet))
	for _, id := range rollbackSet {
		rollbackIDs[id] = true
	}
	count := 0
	for _, id := range cycles {
		if !rollbackIDs[id] {
			break
		}
		count++
	}
	return count, nil
}

// PredictionErrorSamples returns the prediction-error ratios recorded
// within [now-window, now].
func (s *Store) PredictionErrorSamples(ctx context.Context, now time.Time, window time.Duration) ([]float64, error) {
	min := now.Add(-window).UnixNano()
	max := now.UnixNano()
	members, err := s.client.ZRangeByScore(ctx, predictionErrorKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(min, 10), Max: strconv.FormatInt(max, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("driftstore: listing prediction errors: %w", err)
	}
	out := make([]float64, 0, len(members))
	for _, m := range members {
		idx := lastColon(m)
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseFloat(m[idx+1:], 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Store) countInWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	min := now.Add(-window).UnixNano()
	max := now.UnixNano()
	return s.client.ZCount(ctx, key, strconv.FormatInt(min, 10), strconv.FormatInt(max, 10)).Result()
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
