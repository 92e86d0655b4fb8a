package types

import (
	"context"
	"time"
)

// TransactionManager runs fn inside a single database transaction. The
// transaction is committed when fn returns nil and rolled back otherwise.
// The context passed to fn carries the transaction; repositories pick it up
// through their DBTX resolution.
type TransactionManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger is the minimal structured logger accepted by leaf components.
// *slog.Logger satisfies it through SlogAdapter.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	With(args ...any) Logger
}
