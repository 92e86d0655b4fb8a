package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"iris/internal/types"
)

// GuardConfig holds the tunable thresholds for sign-in throttling.
type GuardConfig struct {
	// Threshold is the number of failed sign-ins for one email within
	// Window after which further attempts are refused locally.
	Threshold int
	Window    time.Duration
}

// DefaultGuardConfig returns 5 failures per 15 minutes.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{Threshold: 5, Window: 15 * time.Minute}
}

// AttemptStore counts recent sign-in failures per identifier.
type AttemptStore interface {
	// RecordFailure increments the failure count and restarts its window.
	RecordFailure(ctx context.Context, identifier string, window time.Duration) (int, error)
	Failures(ctx context.Context, identifier string) (int, error)
	Reset(ctx context.Context, identifier string) error
}

// SignInGuard refuses sign-ins for an email that has failed too often,
// before the identity service is contacted. Store errors fail open.
type SignInGuard struct {
	store  AttemptStore
	cfg    GuardConfig
	logger *slog.Logger
}

// NewSignInGuard creates a guard. Zero config fields take the defaults.
func NewSignInGuard(store AttemptStore, cfg GuardConfig, logger *slog.Logger) *SignInGuard {
	def := DefaultGuardConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignInGuard{store: store, cfg: cfg, logger: logger}
}

// Allow reports whether a sign-in for email may proceed.
func (g *SignInGuard) Allow(ctx context.Context, email string) bool {
	n, err := g.store.Failures(ctx, normalizeIdentifier(email))
	if err != nil {
		g.logger.Error("failed to check sign-in attempts", "error", err)
		return true
	}
	return n < g.cfg.Threshold
}

// Record notes the outcome of a sign-in. Only credential failures count;
// a success clears the history.
func (g *SignInGuard) Record(ctx context.Context, email string, err error) {
	id := normalizeIdentifier(email)
	switch {
	case err == nil:
		if rerr := g.store.Reset(ctx, id); rerr != nil {
			g.logger.Warn("failed to reset sign-in attempts", "error", rerr)
		}
	case types.IsCode(err, types.ErrCodeAuthInvalidCreds), types.IsCode(err, types.ErrCodeAuthUserNotFound):
		n, rerr := g.store.RecordFailure(ctx, id, g.cfg.Window)
		if rerr != nil {
			g.logger.Warn("failed to record sign-in failure", "error", rerr)
			return
		}
		if n == g.cfg.Threshold {
			g.logger.Warn("sign-in locked out", "failures", n, "window", g.cfg.Window.String())
		}
	}
}

func normalizeIdentifier(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ============================================================
// Stores
// ============================================================

// RedisAttemptStore keeps one counter per identifier under
// "<prefix>:<identifier>".
type RedisAttemptStore struct {
	client redis.UniversalClient
	prefix string
}

var _ AttemptStore = (*RedisAttemptStore)(nil)

// NewRedisAttemptStore creates a store. An empty prefix uses
// "iris:signin-failures".
func NewRedisAttemptStore(client redis.UniversalClient, prefix string) *RedisAttemptStore {
	if prefix == "" {
		prefix = "iris:signin-failures"
	}
	return &RedisAttemptStore{client: client, prefix: prefix}
}

func (s *RedisAttemptStore) key(id string) string { return s.prefix + ":" + id }

func (s *RedisAttemptStore) RecordFailure(ctx context.Context, identifier string, window time.Duration) (int, error) {
	key := s.key(identifier)
	var incr *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, window)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis record failure: %w", err)
	}
	return int(incr.Val()), nil
}

func (s *RedisAttemptStore) Failures(ctx context.Context, identifier string) (int, error) {
	n, err := s.client.Get(ctx, s.key(identifier)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis read failures: %w", err)
	}
	return n, nil
}

func (s *RedisAttemptStore) Reset(ctx context.Context, identifier string) error {
	if err := s.client.Del(ctx, s.key(identifier)).Err(); err != nil {
		return fmt.Errorf("redis reset failures: %w", err)
	}
	return nil
}

// MemoryAttemptStore is an in-process AttemptStore.
type MemoryAttemptStore struct {
	mu      sync.Mutex
	clock   types.Clock
	entries map[string]attemptEntry
}

type attemptEntry struct {
	count   int
	expires time.Time
}

var _ AttemptStore = (*MemoryAttemptStore)(nil)

// NewMemoryAttemptStore creates a store. A nil clock uses RealClock.
func NewMemoryAttemptStore(clock types.Clock) *MemoryAttemptStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryAttemptStore{clock: clock, entries: make(map[string]attemptEntry)}
}

func (s *MemoryAttemptStore) RecordFailure(_ context.Context, identifier string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	e := s.entries[identifier]
	if !now.Before(e.expires) {
		e.count = 0
	}
	e.count++
	e.expires = now.Add(window)
	s.entries[identifier] = e
	return e.count, nil
}

func (s *MemoryAttemptStore) Failures(_ context.Context, identifier string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identifier]
	if !ok || !s.clock.Now().Before(e.expires) {
		return 0, nil
	}
	return e.count, nil
}

func (s *MemoryAttemptStore) Reset(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, identifier)
	return nil
}
