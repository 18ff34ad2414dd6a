// Package redis provides a Redis-backed presence store for multi-node
// deployments. Heartbeats are keys with a TTL; Redis expires dead
// workers without any sweeper.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "playbook:workers:"

type Store struct {
	client *goredis.Client
}

// NewStore connects to Redis at the given URL and verifies the
// connection.
func NewStore(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{client: client}, nil
}

func (s *Store) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return s.client.Set(ctx, keyPrefix+workerID, time.Now().UTC().Format(time.RFC3339), ttl).Err()
}

func (s *Store) Active(ctx context.Context) ([]string, error) {
	active := make([]string, 0)

	iter := s.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		active = append(active, strings.TrimPrefix(iter.Val(), keyPrefix))
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan worker keys: %w", err)
	}

	sort.Strings(active)

	return active, nil
}

func (s *Store) Remove(ctx context.Context, workerID string) error {
	return s.client.Del(ctx, keyPrefix+workerID).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
