package session

import (
	"time"

	"iris/internal/types"
)

// SignIn attaches identity and resets profile state. The previous profile,
// if any, is discarded.
func (c *Context) SignIn(identity types.Identity) Snapshot {
	s, _ := c.Update(func(s *Snapshot) bool {
		id := identity
		s.Identity = &id
		s.Profile = nil
		s.ProfileState = types.ProfileStateNone
		return true
	})
	return s
}

// SignOut clears the session.
func (c *Context) SignOut() Snapshot {
	s, _ := c.Update(func(s *Snapshot) bool {
		s.Identity = nil
		s.Profile = nil
		s.ProfileState = types.ProfileStateNone
		return true
	})
	return s
}

// SetEmailVerified updates the verification flag of the signed-in identity.
func (c *Context) SetEmailVerified(uid string, verified bool) bool {
	_, ok := c.Update(func(s *Snapshot) bool {
		if s.UserID() != uid {
			return false
		}
		s.Identity.EmailVerified = verified
		return true
	})
	return ok
}

// SetProfile publishes the outcome of profile provisioning for uid. Ignored
// when uid is no longer the signed-in user.
func (c *Context) SetProfile(uid string, state types.ProfileState, profile *types.Profile) bool {
	_, ok := c.Update(func(s *Snapshot) bool {
		if s.UserID() != uid {
			return false
		}
		s.ProfileState = state
		s.Profile = profile.Clone()
		return true
	})
	return ok
}

// ApplyUsedDelta adds delta to the cached used counter of feature and
// returns the merged counter. When the cache has no such counter, stored (the
// value the store reported) is adopted instead. The boolean is false when uid
// is not the signed-in user or no profile is cached; the snapshot is then
// left unchanged.
func (c *Context) ApplyUsedDelta(uid string, feature types.Feature, delta int, stored types.UsageCounter) (types.UsageCounter, bool) {
	var merged types.UsageCounter
	_, ok := c.Update(func(s *Snapshot) bool {
		if s.UserID() != uid || s.Profile == nil {
			return false
		}
		if s.Profile.Usage == nil {
			s.Profile.Usage = make(types.Usage, len(types.AllFeatures))
		}
		counter, found := s.Profile.Usage[feature]
		if found {
			counter.Used += delta
		} else {
			counter = stored
		}
		s.Profile.Usage[feature] = counter
		merged = counter
		return true
	})
	return merged, ok
}

// ApplyPlan merges a plan change. The plan fields and every limit come from
// stored (the usage map the store wrote); cached used values are kept, and
// counters missing from the cache are adopted from stored.
func (c *Context) ApplyPlan(uid string, plan types.Plan, purchasedAt time.Time, stored types.Usage) bool {
	_, ok := c.Update(func(s *Snapshot) bool {
		if s.UserID() != uid || s.Profile == nil {
			return false
		}
		at := purchasedAt
		s.Profile.Plan = plan
		s.Profile.PlanPurchasedAt = &at
		s.Profile.PlanExpiresAt = nil
		s.Profile.LastUpdated = purchasedAt
		if s.Profile.Usage == nil {
			s.Profile.Usage = make(types.Usage, len(stored))
		}
		for f, remote := range stored {
			counter, found := s.Profile.Usage[f]
			if !found {
				counter = remote
			}
			counter.Limit = remote.Limit
			s.Profile.Usage[f] = counter
		}
		return true
	})
	return ok
}

// ApplyLimit merges a single feature limit, as raised by an add-on purchase.
func (c *Context) ApplyLimit(uid string, feature types.Feature, limit int) bool {
	_, ok := c.Update(func(s *Snapshot) bool {
		if s.UserID() != uid || s.Profile == nil {
			return false
		}
		if s.Profile.Usage == nil {
			s.Profile.Usage = make(types.Usage, 1)
		}
		counter := s.Profile.Usage[feature]
		counter.Limit = limit
		s.Profile.Usage[feature] = counter
		return true
	})
	return ok
}
