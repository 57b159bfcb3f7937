// Package notify tracks what the current actor has already seen: a
// persisted, monotonic "last viewed" timestamp and the unread count
// derived from it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists the last-viewed timestamp per actor. SetLastRead never
// moves a stored value backwards and returns the value now stored.
type Store interface {
	GetLastRead(ctx context.Context, pubkey string) (int64, bool, error)
	SetLastRead(ctx context.Context, pubkey string, timestamp int64) (int64, error)
}

// MemoryStore keeps last-viewed timestamps in process memory
type MemoryStore struct {
	mu       sync.Mutex
	lastRead map[string]int64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lastRead: make(map[string]int64)}
}

func (s *MemoryStore) GetLastRead(ctx context.Context, pubkey string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.lastRead[pubkey]
	return ts, ok, nil
}

func (s *MemoryStore) SetLastRead(ctx context.Context, pubkey string, timestamp int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.lastRead[pubkey]; ok && current >= timestamp {
		return current, nil
	}
	s.lastRead[pubkey] = timestamp
	return timestamp, nil
}

// setMaxScript stores ARGV[1] only if it is larger than the current value,
// so concurrent clients can't move the cursor backwards
var setMaxScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local ts = tonumber(ARGV[1])
if ts > current then
  redis.call('SET', KEYS[1], ARGV[1])
  if tonumber(ARGV[2]) > 0 then
    redis.call('EXPIRE', KEYS[1], ARGV[2])
  end
  return ts
end
return current
`)

// RedisStore keeps last-viewed timestamps in Redis under <prefix>notif_read:<pubkey>
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing client. ttl 0 keeps keys forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix + "notif_read:",
		ttl:    ttl,
	}
}

// NewRedisClient connects to redisURL (redis://[:password@]host:port/db)
// and checks the connection
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (s *RedisStore) GetLastRead(ctx context.Context, pubkey string) (int64, bool, error) {
	timestamp, err := s.client.Get(ctx, s.prefix+pubkey).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		slog.Error("Redis notification read get error", "error", err)
		return 0, false, nil // Graceful degradation
	}
	return timestamp, true, nil
}

func (s *RedisStore) SetLastRead(ctx context.Context, pubkey string, timestamp int64) (int64, error) {
	stored, err := setMaxScript.Run(ctx, s.client, []string{s.prefix + pubkey}, timestamp, int64(s.ttl/time.Second)).Int64()
	if err != nil {
		slog.Error("Redis notification read set error", "error", err)
		return 0, err
	}
	return stored, nil
}
