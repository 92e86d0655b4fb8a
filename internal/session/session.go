// Package session holds the signed-in user's identity and cached profile as
// an immutable snapshot. A single Context owns publication; every component
// that needs the current user receives the Context and reads snapshots from
// it rather than sharing a mutable profile object.
//
// Mutations are expressed as merges: a writer receives a private copy of the
// current snapshot, changes only the fields its operation touched, and the
// result replaces the published snapshot atomically. Two in-flight
// operations touching different fields therefore never clobber each other.
package session

import (
	"sync"
	"sync/atomic"

	"iris/internal/types"
)

// Snapshot is the published session state. Values reachable from a
// published Snapshot are never modified; treat them as read-only.
type Snapshot struct {
	Identity     *types.Identity
	Profile      *types.Profile
	ProfileState types.ProfileState
	Version      uint64
}

// SignedIn reports whether an identity is attached.
func (s Snapshot) SignedIn() bool {
	return s.Identity != nil
}

// UserID returns the signed-in uid or "".
func (s Snapshot) UserID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.UID
}

// HasProfile reports whether a usable profile is cached.
func (s Snapshot) HasProfile() bool {
	return s.Profile != nil && s.ProfileState.HasProfile()
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Identity != nil {
		id := *s.Identity
		out.Identity = &id
	}
	out.Profile = s.Profile.Clone()
	return out
}

// Context is the single owner of the session snapshot. Readers load the
// snapshot without locking; writers serialize on mu so that subscribers
// observe versions in order.
type Context struct {
	current atomic.Pointer[Snapshot]

	mu     sync.Mutex
	subs   map[int]chan Snapshot
	nextID int
}

// New returns a signed-out Context.
func New() *Context {
	c := &Context{subs: make(map[int]chan Snapshot)}
	c.current.Store(&Snapshot{ProfileState: types.ProfileStateNone})
	return c
}

// Current returns the published snapshot.
func (c *Context) Current() Snapshot {
	return *c.current.Load()
}

// Update applies fn to a private copy of the current snapshot. When fn
// returns true the copy is published as the next version; otherwise it is
// discarded and the current snapshot is returned. fn must only change the
// fields its operation owns.
func (c *Context) Update(fn func(s *Snapshot) bool) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.current.Load()
	next := prev.clone()
	if !fn(&next) {
		return *prev, false
	}
	next.Version = prev.Version + 1
	c.current.Store(&next)
	c.broadcast(next)
	return next, true
}

// Subscribe returns a channel receiving every published snapshot and a
// cancel func. A subscriber that falls behind skips intermediate versions
// but always receives the newest one.
func (c *Context) Subscribe() (<-chan Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan Snapshot, 1)
	c.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// broadcast must be called with mu held.
func (c *Context) broadcast(s Snapshot) {
	for _, ch := range c.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Drop the stale pending snapshot in favour of the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}
