package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultFlagTTL bounds how long an unreplayed selection is kept.
const DefaultFlagTTL = 30 * 24 * time.Hour

// moveScript renames one hash field atomically. Redis has no HRENAME.
var moveScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[2], v)
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

// RedisFlagStore keeps each user's flags in one hash, "<prefix>:<userID>".
type RedisFlagStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ FlagStore = (*RedisFlagStore)(nil)

// NewRedisFlagStore creates a store. An empty prefix uses "iris:relay" and
// a zero ttl uses DefaultFlagTTL.
func NewRedisFlagStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisFlagStore {
	if prefix == "" {
		prefix = "iris:relay"
	}
	if ttl <= 0 {
		ttl = DefaultFlagTTL
	}
	return &RedisFlagStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisClient parses redisURL and verifies the connection.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (s *RedisFlagStore) key(userID string) string {
	return s.prefix + ":" + userID
}

// Ping checks the connection; used by the ops health probe.
func (s *RedisFlagStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Set writes one flag and refreshes the hash TTL.
func (s *RedisFlagStore) Set(ctx context.Context, userID, flag, value string) error {
	key := s.key(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, flag, value)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set flag failed: %w", err)
	}
	return nil
}

// Move renames a flag with a server-side script.
func (s *RedisFlagStore) Move(ctx context.Context, userID, from, to string) (bool, error) {
	n, err := moveScript.Run(ctx, s.client, []string{s.key(userID)}, from, to).Int()
	if err != nil {
		return false, fmt.Errorf("redis move flag failed: %w", err)
	}
	return n == 1, nil
}

// TakeAll reads and deletes the hash inside one MULTI/EXEC.
func (s *RedisFlagStore) TakeAll(ctx context.Context, userID string) (Flags, error) {
	key := s.key(userID)
	var all *redis.StringStringMapCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		all = pipe.HGetAll(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis take flags failed: %w", err)
	}
	return Flags(all.Val()), nil
}
