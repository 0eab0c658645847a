package ghost

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSnapshotStore persists ghost snapshots in Redis so the projected
// state behind a held escrow item survives a process restart. Keys expire
// with the escrow TTL; a missing key simply means the hold already resolved.
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, ttl: ttl}
}

func snapshotKey(requestID string) string {
	return "govern:ghost:" + requestID
}

func (rs *RedisSnapshotStore) Save(requestID string, ghost *Snapshot) error {
	data, err := json.Marshal(ghost)
	if err != nil {
		return fmt.Errorf("ghost: encode snapshot: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rs.client.Set(ctx, snapshotKey(requestID), data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("ghost: persist snapshot: %w", err)
	}
	return nil
}

func (rs *RedisSnapshotStore) Load(requestID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := rs.client.Get(ctx, snapshotKey(requestID)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("ghost: load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("ghost: decode snapshot: %w", err)
	}
	return &snap, nil
}

func (rs *RedisSnapshotStore) Delete(requestID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rs.client.Del(ctx, snapshotKey(requestID)).Err()
}
