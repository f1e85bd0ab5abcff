package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/storage"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "kfetch:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client       *redis.Client
	windowStore  *windowStore
	historyStore *historyStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.StorageConfig) (*Store, error) {
	rc := cfg.Redis

	// Parse timeouts
	dialTimeout, err := time.ParseDuration(rc.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(rc.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(rc.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := rc.Host
	if rc.Port > 0 {
		addr = fmt.Sprintf("%s:%d", rc.Host, rc.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:       client,
		windowStore:  &windowStore{client: client},
		historyStore: &historyStore{client: client, limit: cfg.HistoryLimit},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Windows returns the WindowStore implementation
func (s *Store) Windows() storage.WindowStore {
	return s.windowStore
}

// History returns the HistoryStore implementation
func (s *Store) History() storage.HistoryStore {
	return s.historyStore
}

func windowKey(user string) string  { return keyPrefix + "window:" + user }
func historyKey(user string) string { return keyPrefix + "history:" + user }
func statsKey(user string) string   { return keyPrefix + "stats:" + user }

const (
	windowIndexKey = keyPrefix + "windows"
	usersKey       = keyPrefix + "users"
)
