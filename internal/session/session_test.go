package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iris/internal/types"
)

func signedInWithProfile(t *testing.T) *Context {
	t.Helper()
	c := New()
	c.SignIn(types.Identity{UID: "u-1", Email: "u1@x.in"})
	ok := c.SetProfile("u-1", types.ProfileStateFound, &types.Profile{
		UID:  "u-1",
		Plan: types.PlanFree,
		Usage: types.Usage{
			types.FeatureResumeAnalyses: {Used: 1, Limit: 2},
			types.FeatureAIEnhance:      {Used: 0, Limit: 5},
		},
	})
	require.True(t, ok)
	return c
}

func TestContext_New_SignedOut(t *testing.T) {
	c := New()
	s := c.Current()
	assert.False(t, s.SignedIn())
	assert.False(t, s.HasProfile())
	assert.Equal(t, types.ProfileStateNone, s.ProfileState)
	assert.Equal(t, "", s.UserID())
}

func TestContext_SnapshotsAreImmutable(t *testing.T) {
	c := signedInWithProfile(t)
	before := c.Current()

	_, ok := c.ApplyUsedDelta("u-1", types.FeatureResumeAnalyses, 1, types.UsageCounter{})
	require.True(t, ok)

	assert.Equal(t, 1, before.Profile.Usage[types.FeatureResumeAnalyses].Used, "published snapshot was mutated")
	assert.Equal(t, 2, c.Current().Profile.Usage[types.FeatureResumeAnalyses].Used)
	assert.Greater(t, c.Current().Version, before.Version)
}

func TestContext_SetProfile_CopiesInput(t *testing.T) {
	c := New()
	c.SignIn(types.Identity{UID: "u-1"})

	p := &types.Profile{UID: "u-1", Usage: types.Usage{types.FeatureAIEnhance: {Used: 0, Limit: 5}}}
	c.SetProfile("u-1", types.ProfileStateCreated, p)
	p.Usage[types.FeatureAIEnhance] = types.UsageCounter{Used: 99, Limit: 5}

	assert.Equal(t, 0, c.Current().Profile.Usage[types.FeatureAIEnhance].Used)
}

func TestContext_SetProfile_IgnoresStaleUser(t *testing.T) {
	c := New()
	c.SignIn(types.Identity{UID: "u-2"})

	ok := c.SetProfile("u-1", types.ProfileStateFound, &types.Profile{UID: "u-1"})
	assert.False(t, ok)
	assert.Nil(t, c.Current().Profile)
}

func TestContext_ApplyUsedDelta_AdoptsStoredWhenMissing(t *testing.T) {
	c := signedInWithProfile(t)

	got, ok := c.ApplyUsedDelta("u-1", types.FeaturePDFDownloads, 1, types.UsageCounter{Used: 3, Limit: 5})
	require.True(t, ok)
	assert.Equal(t, types.UsageCounter{Used: 3, Limit: 5}, got)
}

func TestContext_ApplyUsedDelta_NoProfile(t *testing.T) {
	c := New()
	c.SignIn(types.Identity{UID: "u-1"})
	v := c.Current().Version

	_, ok := c.ApplyUsedDelta("u-1", types.FeatureAIEnhance, 1, types.UsageCounter{})
	assert.False(t, ok)
	assert.Equal(t, v, c.Current().Version, "no-op merges must not publish")
}

func TestContext_ApplyPlan_KeepsUsedReplacesLimits(t *testing.T) {
	c := signedInWithProfile(t)
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	ok := c.ApplyPlan("u-1", types.PlanStandard, at, types.Usage{
		types.FeatureResumeAnalyses: {Used: 7, Limit: 10},
		types.FeatureMockInterviews: {Used: 0, Limit: 3},
		types.FeaturePDFDownloads:   {Used: 0, Limit: 50},
		types.FeatureAIEnhance:      {Used: 0, Limit: 50},
	})
	require.True(t, ok)

	p := c.Current().Profile
	assert.Equal(t, types.PlanStandard, p.Plan)
	require.NotNil(t, p.PlanPurchasedAt)
	assert.True(t, at.Equal(*p.PlanPurchasedAt))
	assert.Nil(t, p.PlanExpiresAt)
	assert.Equal(t, types.UsageCounter{Used: 1, Limit: 10}, p.Usage[types.FeatureResumeAnalyses])
	assert.Equal(t, types.UsageCounter{Used: 0, Limit: 3}, p.Usage[types.FeatureMockInterviews])
	assert.True(t, p.Usage.Complete())
}

func TestContext_ConcurrentMergesDoNotClobber(t *testing.T) {
	c := signedInWithProfile(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.ApplyUsedDelta("u-1", types.FeatureAIEnhance, 1, types.UsageCounter{})
		}()
		go func() {
			defer wg.Done()
			c.ApplyLimit("u-1", types.FeatureResumeAnalyses, 12)
		}()
	}
	wg.Wait()

	p := c.Current().Profile
	assert.Equal(t, 50, p.Usage[types.FeatureAIEnhance].Used)
	assert.Equal(t, 12, p.Usage[types.FeatureResumeAnalyses].Limit)
	assert.Equal(t, 1, p.Usage[types.FeatureResumeAnalyses].Used)
}

func TestContext_Subscribe_ReceivesNewest(t *testing.T) {
	c := signedInWithProfile(t)
	ch, cancel := c.Subscribe()
	defer cancel()

	c.ApplyLimit("u-1", types.FeatureAIEnhance, 6)
	c.ApplyLimit("u-1", types.FeatureAIEnhance, 7)
	c.ApplyLimit("u-1", types.FeatureAIEnhance, 8)

	select {
	case s := <-ch:
		assert.Equal(t, 8, s.Profile.Usage[types.FeatureAIEnhance].Limit)
	case <-time.After(time.Second):
		t.Fatal("expected a snapshot")
	}
}

func TestContext_Subscribe_CancelClosesChannel(t *testing.T) {
	c := New()
	ch, cancel := c.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic.
	c.SignIn(types.Identity{UID: "u-1"})
}

func TestContext_SignOut_ClearsEverything(t *testing.T) {
	c := signedInWithProfile(t)
	c.SignOut()

	s := c.Current()
	assert.False(t, s.SignedIn())
	assert.Nil(t, s.Profile)
	assert.Equal(t, types.ProfileStateNone, s.ProfileState)
}

func TestContext_SetEmailVerified(t *testing.T) {
	c := New()
	c.SignIn(types.Identity{UID: "u-1"})

	assert.True(t, c.SetEmailVerified("u-1", true))
	assert.True(t, c.Current().Identity.EmailVerified)
	assert.False(t, c.SetEmailVerified("other", true))
}
