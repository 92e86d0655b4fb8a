package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iris/internal/types"
)

func setupRedisStore(t *testing.T) (*RedisFlagStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFlagStore(client, "", time.Hour), mr
}

// stores runs fn once per FlagStore implementation.
func stores(t *testing.T, fn func(t *testing.T, store FlagStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryFlagStore()) })
	t.Run("redis", func(t *testing.T) {
		store, _ := setupRedisStore(t)
		fn(t, store)
	})
}

type planCalls struct {
	got []types.Plan
	err error
}

func (p *planCalls) apply(_ context.Context, plan types.Plan) error {
	p.got = append(p.got, plan)
	return p.err
}

type addonCall struct {
	feature  types.Feature
	quantity int
}

type addonCalls struct {
	got []addonCall
	err error
}

func (a *addonCalls) apply(_ context.Context, f types.Feature, qty int) error {
	a.got = append(a.got, addonCall{f, qty})
	return a.err
}

// ============================================================
// FlagStore contract
// ============================================================

func TestFlagStore_TakeAllClears(t *testing.T) {
	stores(t, func(t *testing.T, store FlagStore) {
		ctx := context.Background()
		require.NoError(t, store.Set(ctx, "uid-1", FlagPendingPlan, "pro"))
		require.NoError(t, store.Set(ctx, "uid-1", FlagPendingAddon, `{"featureType":"aiEnhance","quantity":1}`))
		require.NoError(t, store.Set(ctx, "uid-2", FlagPendingPlan, "starter"))

		flags, err := store.TakeAll(ctx, "uid-1")
		require.NoError(t, err)
		assert.Equal(t, "pro", flags[FlagPendingPlan])
		assert.Len(t, flags, 2)

		again, err := store.TakeAll(ctx, "uid-1")
		require.NoError(t, err)
		assert.True(t, again.Empty())

		other, err := store.TakeAll(ctx, "uid-2")
		require.NoError(t, err)
		assert.Equal(t, "starter", other[FlagPendingPlan])
	})
}

func TestFlagStore_Move(t *testing.T) {
	stores(t, func(t *testing.T, store FlagStore) {
		ctx := context.Background()
		require.NoError(t, store.Set(ctx, "uid-1", FlagPendingPlan, "standard"))

		moved, err := store.Move(ctx, "uid-1", FlagPendingPlan, FlagPostVerificationPlan)
		require.NoError(t, err)
		assert.True(t, moved)

		moved, err = store.Move(ctx, "uid-1", FlagPendingAddon, FlagPostVerificationAddon)
		require.NoError(t, err)
		assert.False(t, moved)

		flags, err := store.TakeAll(ctx, "uid-1")
		require.NoError(t, err)
		assert.Equal(t, Flags{FlagPostVerificationPlan: "standard"}, flags)
	})
}

func TestRedisFlagStore_SetAppliesTTL(t *testing.T) {
	store, mr := setupRedisStore(t)
	require.NoError(t, store.Set(context.Background(), "uid-1", FlagPendingPlan, "pro"))

	assert.Equal(t, time.Hour, mr.TTL("iris:relay:uid-1"))
	assert.Equal(t, "pro", mr.HGet("iris:relay:uid-1", FlagPendingPlan))

	mr.FastForward(2 * time.Hour)
	flags, err := store.TakeAll(context.Background(), "uid-1")
	require.NoError(t, err)
	assert.True(t, flags.Empty())
}

func TestRedisFlagStore_ConnectionError(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.Close()

	_, err := store.TakeAll(context.Background(), "uid-1")
	assert.Error(t, err)
	assert.Error(t, store.Ping(context.Background()))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	_ = client.Close()

	_, err = NewRedisClient(context.Background(), "not a url")
	assert.Error(t, err)
}

// ============================================================
// Relay
// ============================================================

func TestRelay_Replay_PlanClearedAndAppliedOnce(t *testing.T) {
	stores(t, func(t *testing.T, store FlagStore) {
		ctx := context.Background()
		r := New(store, nil)
		require.NoError(t, r.StorePendingPlan(ctx, "uid-1", types.PlanPro))

		plans := &planCalls{err: errors.New("payment window closed")}
		addons := &addonCalls{}

		out, err := r.Replay(ctx, "uid-1", plans.apply, addons.apply)
		assert.EqualError(t, err, "payment window closed")
		assert.Equal(t, FlagPendingPlan, out.Flag)
		assert.Equal(t, []types.Plan{types.PlanPro}, plans.got)

		// Flags were cleared before the failing apply: nothing replays twice.
		out, err = r.Replay(ctx, "uid-1", plans.apply, addons.apply)
		require.NoError(t, err)
		assert.Equal(t, "", out.Flag)
		assert.Len(t, plans.got, 1)
		assert.Empty(t, addons.got)
	})
}

func TestRelay_Replay_PostVerificationWins(t *testing.T) {
	stores(t, func(t *testing.T, store FlagStore) {
		ctx := context.Background()
		r := New(store, nil)
		require.NoError(t, r.StorePendingAddon(ctx, "uid-1", types.PendingAddon{FeatureType: "pdfDownloads", Quantity: 2}))
		require.NoError(t, r.MarkVerificationPending(ctx, "uid-1"))
		require.NoError(t, r.StorePendingPlan(ctx, "uid-1", types.PlanStarter))

		plans := &planCalls{}
		addons := &addonCalls{}
		out, err := r.Replay(ctx, "uid-1", plans.apply, addons.apply)
		require.NoError(t, err)

		assert.Equal(t, FlagPostVerificationAddon, out.Flag)
		assert.Equal(t, []addonCall{{types.FeaturePDFDownloads, 2}}, addons.got)
		assert.Empty(t, plans.got, "only one selection is honored")

		left, err := store.TakeAll(ctx, "uid-1")
		require.NoError(t, err)
		assert.True(t, left.Empty())
	})
}

func TestRelay_Replay_PlanBeatsAddon(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFlagStore()
	r := New(store, nil)
	require.NoError(t, r.StorePendingPlan(ctx, "uid-1", types.PlanStandard))
	require.NoError(t, r.StorePendingAddon(ctx, "uid-1", types.PendingAddon{FeatureType: "aiEnhance", Quantity: 1}))

	plans := &planCalls{}
	addons := &addonCalls{}
	out, err := r.Replay(ctx, "uid-1", plans.apply, addons.apply)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStandard, out.Plan)
	assert.Empty(t, addons.got)
}

func TestRelay_Replay_MalformedAddon(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{"featureType":`},
		{"unknown feature", `{"featureType":"coverLetters","quantity":1}`},
		{"zero quantity", `{"featureType":"aiEnhance","quantity":0}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryFlagStore()
			require.NoError(t, store.Set(ctx, "uid-1", FlagPostVerificationAddon, tt.raw))

			addons := &addonCalls{}
			_, err := New(store, nil).Replay(ctx, "uid-1", (&planCalls{}).apply, addons.apply)

			assert.True(t, types.IsCode(err, types.ErrCodeMalformedFlag))
			assert.True(t, types.IsInvalidArgument(err))
			assert.Empty(t, addons.got)

			left, _ := store.TakeAll(ctx, "uid-1")
			assert.True(t, left.Empty(), "flags are cleared even when malformed")
		})
	}
}

func TestRelay_Replay_UnknownPlanFlag(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFlagStore()
	require.NoError(t, store.Set(ctx, "uid-1", FlagPendingPlan, "platinum"))

	plans := &planCalls{}
	_, err := New(store, nil).Replay(ctx, "uid-1", plans.apply, (&addonCalls{}).apply)
	assert.True(t, types.IsInvalidArgument(err))
	assert.Empty(t, plans.got)
}

func TestRelay_Replay_NoFlagsIsNoop(t *testing.T) {
	store, _ := setupRedisStore(t)

	plans, addons := &planCalls{}, &addonCalls{}
	got, err := New(store, nil).Replay(context.Background(), "uid-1", plans.apply, addons.apply)
	require.NoError(t, err)
	assert.Equal(t, Replayed{}, got)
	assert.Empty(t, plans.got)
	assert.Empty(t, addons.got)
}

func TestRelay_Replay_StoreFailure(t *testing.T) {
	store, mr := setupRedisStore(t)
	mr.Close()

	plans := &planCalls{}
	_, err := New(store, nil).Replay(context.Background(), "uid-1", plans.apply, (&addonCalls{}).apply)
	assert.True(t, types.IsCode(err, types.ErrCodeStorage))
	assert.Empty(t, plans.got)
}

func TestRelay_StorePending_Validates(t *testing.T) {
	r := New(NewMemoryFlagStore(), nil)
	ctx := context.Background()

	assert.True(t, types.IsInvalidArgument(r.StorePendingPlan(ctx, "uid-1", types.Plan("gold"))))
	assert.True(t, types.IsInvalidArgument(r.StorePendingAddon(ctx, "uid-1", types.PendingAddon{FeatureType: "x", Quantity: 1})))
}

func TestRelay_MarkVerificationPending_MovesBoth(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryFlagStore()
	r := New(store, nil)
	require.NoError(t, r.StorePendingPlan(ctx, "uid-1", types.PlanPro))
	require.NoError(t, r.StorePendingAddon(ctx, "uid-1", types.PendingAddon{FeatureType: "mockInterviews", Quantity: 3}))

	require.NoError(t, r.MarkVerificationPending(ctx, "uid-1"))

	flags, err := store.TakeAll(ctx, "uid-1")
	require.NoError(t, err)
	assert.Equal(t, "pro", flags[FlagPostVerificationPlan])
	assert.JSONEq(t, `{"featureType":"mockInterviews","quantity":3}`, flags[FlagPostVerificationAddon])
	assert.NotContains(t, flags, FlagPendingPlan)
	assert.NotContains(t, flags, FlagPendingAddon)
}
