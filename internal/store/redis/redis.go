// Package redis stores room snapshots as JSON documents in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vovakirdan/roomsync/internal/store"
)

// DefaultPrefix namespaces snapshot keys.
const DefaultPrefix = "roomsync:snapshot:"

// Store implements store.SnapshotStore on top of a Redis client.
type Store struct {
	client *redis.Client
	prefix string
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(roomID string) string {
	return s.prefix + roomID
}

// LoadSnapshot reads a room snapshot.
func (s *Store) LoadSnapshot(ctx context.Context, roomID string) (*store.RoomSnapshot, error) {
	data, err := s.client.Get(ctx, s.key(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap store.RoomSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot writes a room snapshot without expiry.
func (s *Store) SaveSnapshot(ctx context.Context, snap *store.RoomSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(snap.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}
