// Package relay carries a deferred plan or add-on selection across the
// email-verification interruption and replays it at most once.
package relay

import (
	"context"
	"sync"
)

// Flag names. The values are the persisted keys.
const (
	FlagPendingPlan           = "pendingPlanSelection"
	FlagPendingAddon          = "pendingAddonPurchase"
	FlagPostVerificationPlan  = "postVerificationPlan"
	FlagPostVerificationAddon = "postVerificationAddon"
)

// AllFlags lists every relay flag.
var AllFlags = []string{
	FlagPendingPlan,
	FlagPendingAddon,
	FlagPostVerificationPlan,
	FlagPostVerificationAddon,
}

// Flags is a raw snapshot of a user's relay flags. An absent flag is the
// empty string.
type Flags map[string]string

// Empty reports whether no flag is set.
func (f Flags) Empty() bool {
	for _, v := range f {
		if v != "" {
			return false
		}
	}
	return true
}

// FlagStore persists relay flags per user.
type FlagStore interface {
	// Set writes one flag.
	Set(ctx context.Context, userID, flag, value string) error

	// Move renames flag from to flag to, overwriting to. It reports
	// whether from was present.
	Move(ctx context.Context, userID, from, to string) (bool, error)

	// TakeAll reads and clears every flag of userID in one atomic step.
	TakeAll(ctx context.Context, userID string) (Flags, error)
}

// MemoryFlagStore keeps flags in process memory. Flags do not survive a
// restart.
type MemoryFlagStore struct {
	mu    sync.Mutex
	flags map[string]Flags
}

var _ FlagStore = (*MemoryFlagStore)(nil)

// NewMemoryFlagStore creates an empty MemoryFlagStore.
func NewMemoryFlagStore() *MemoryFlagStore {
	return &MemoryFlagStore{flags: make(map[string]Flags)}
}

func (s *MemoryFlagStore) Set(_ context.Context, userID, flag, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flags[userID] == nil {
		s.flags[userID] = make(Flags)
	}
	s.flags[userID][flag] = value
	return nil
}

func (s *MemoryFlagStore) Move(_ context.Context, userID, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.flags[userID][from]
	if !ok {
		return false, nil
	}
	s.flags[userID][to] = v
	delete(s.flags[userID], from)
	return true, nil
}

func (s *MemoryFlagStore) TakeAll(_ context.Context, userID string) (Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.flags[userID]
	delete(s.flags, userID)
	if out == nil {
		out = Flags{}
	}
	return out, nil
}
