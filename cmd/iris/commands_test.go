package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iris/internal/billing"
	"iris/internal/config"
	"iris/internal/identity"
	"iris/internal/relay"
	"iris/internal/types"
)

// ============================================================
// In-memory stores
// ============================================================

type memProfiles struct {
	mu       sync.Mutex
	profiles map[string]*types.Profile
}

func newMemProfiles(ps ...*types.Profile) *memProfiles {
	m := &memProfiles{profiles: map[string]*types.Profile{}}
	for _, p := range ps {
		m.profiles[p.UID] = p
	}
	return m
}

func notFound() error {
	return types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
}

func (m *memProfiles) Get(_ context.Context, uid string) (*types.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[uid]
	if !ok {
		return nil, notFound()
	}
	return p.Clone(), nil
}

func (m *memProfiles) Create(_ context.Context, p *types.Profile) (*types.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.profiles[p.UID]; ok {
		return existing.Clone(), nil
	}
	m.profiles[p.UID] = p.Clone()
	return p.Clone(), nil
}

func (m *memProfiles) BackfillUsage(_ context.Context, uid string, limits map[types.Feature]int, _ time.Time) (*types.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[uid]
	if !ok {
		return nil, notFound()
	}
	if p.Usage == nil {
		p.Usage = types.Usage{}
	}
	for f, l := range limits {
		if _, ok := p.Usage[f]; !ok {
			p.Usage[f] = types.UsageCounter{Limit: l}
		}
	}
	return p.Clone(), nil
}

func (m *memProfiles) IncrementUsed(_ context.Context, uid string, f types.Feature, _ time.Time) (types.UsageCounter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[uid]
	if !ok {
		return types.UsageCounter{}, notFound()
	}
	c, ok := p.Usage[f]
	if !ok {
		return types.UsageCounter{}, notFound()
	}
	c.Used++
	p.Usage[f] = c
	return c, nil
}

func (m *memProfiles) ApplyPlan(_ context.Context, uid string, plan types.Plan, limits map[types.Feature]int, now time.Time) (*types.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[uid]
	if !ok {
		return nil, notFound()
	}
	p.Plan = plan
	p.PlanPurchasedAt = &now
	usage := types.Usage{}
	for f, l := range limits {
		usage[f] = types.UsageCounter{Used: p.Usage[f].Used, Limit: l}
	}
	p.Usage = usage
	return p.Clone(), nil
}

func (m *memProfiles) raiseLimit(uid string, f types.Feature, by int) (used, limit int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[uid]
	if !ok {
		return 0, 0, notFound()
	}
	c := p.Usage[f]
	c.Limit += by
	p.Usage[f] = c
	return c.Used, c.Limit, nil
}

type memAddons struct {
	profiles  *memProfiles
	purchases []*types.AddonPurchase
}

func (m *memAddons) Purchase(_ context.Context, p *types.AddonPurchase) (*types.AddonPurchase, error) {
	used, limit, err := m.profiles.raiseLimit(p.UserID, p.Feature, p.EffectiveQuantity)
	if err != nil {
		return nil, err
	}
	out := *p
	out.UsedAtPurchase = used
	out.NewLimit = limit
	out.PreviousLimit = limit - p.EffectiveQuantity
	m.purchases = append([]*types.AddonPurchase{&out}, m.purchases...)
	return &out, nil
}

func (m *memAddons) ListByUser(_ context.Context, userID string, _ int) ([]*types.AddonPurchase, error) {
	var out []*types.AddonPurchase
	for _, p := range m.purchases {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

type memStudents struct {
	students []*types.Profile
	sessions map[string][]types.StudentSession
}

func (m *memStudents) ListStudents(context.Context, types.OrgAssignment) ([]*types.Profile, error) {
	return m.students, nil
}

func (m *memStudents) ListSessions(_ context.Context, uid string, _ int) ([]types.StudentSession, error) {
	return m.sessions[uid], nil
}

func (m *memStudents) ListInterviews(context.Context, string, int) ([]types.StudentInterview, error) {
	return nil, nil
}

type opsFunc func(ctx context.Context) error

func (f opsFunc) ListenAndServe(ctx context.Context) error { return f(ctx) }

// ============================================================
// Fixture
// ============================================================

func ptr[T any](v T) *T { return &v }

type fixture struct {
	app      *app
	out      *bytes.Buffer
	profiles *memProfiles
	addons   *memAddons
	flags    *relay.MemoryFlagStore
	deps     appDeps
}

func student(uid string, plan types.Plan) *types.Profile {
	return &types.Profile{
		UID:         uid,
		Email:       uid + "@college.edu",
		DisplayName: "Student " + uid,
		Role:        types.RoleStudent,
		Plan:        plan,
		Usage:       billing.DefaultRegistry().DefaultUsage(plan),
	}
}

func newFixture(t *testing.T, ps ...*types.Profile) *fixture {
	t.Helper()
	profiles := newMemProfiles(ps...)
	f := &fixture{
		out:      &bytes.Buffer{},
		profiles: profiles,
		addons:   &memAddons{profiles: profiles},
		flags:    relay.NewMemoryFlagStore(),
	}
	f.deps = appDeps{
		Out:       f.out,
		Profiles:  profiles,
		Addons:    f.addons,
		Students:  &memStudents{},
		Flags:     f.flags,
		Dashboard: config.DashboardConfig{CacheSize: 8, CacheTTL: time.Minute, FetchConcurrency: 2, HistoryLimit: 5},
	}
	f.app = newApp(f.deps)
	return f
}

// withIdentity rebuilds the app around provider.
func (f *fixture) withIdentity(provider identity.Provider) *fixture {
	f.deps.Identity = provider
	f.app = newApp(f.deps)
	return f
}

// localIdentity is a Provider that only records sign-outs; every other
// method panics through the nil embedded interface.
type localIdentity struct {
	identity.Provider
	signOuts int
}

func (p *localIdentity) SignOut(context.Context) error {
	p.signOuts++
	return nil
}

func (p *localIdentity) Listen(identity.Listener) func() { return func() {} }

func (f *fixture) run(t *testing.T, args ...string) error {
	t.Helper()
	cmd, rest, ok := lookup(args)
	require.True(t, ok, "unknown command %v", args)
	return cmd.run(f.app, context.Background(), rest)
}

// ============================================================
// Dispatch
// ============================================================

func TestLookup(t *testing.T) {
	cmd, rest, ok := lookup([]string{"plan", "set", "-user", "u1"})
	require.True(t, ok)
	assert.Equal(t, "plan set", cmd.name)
	assert.Equal(t, []string{"-user", "u1"}, rest)

	cmd, rest, ok = lookup([]string{"serve-ops"})
	require.True(t, ok)
	assert.Equal(t, "serve-ops", cmd.name)
	assert.Empty(t, rest)

	_, _, ok = lookup([]string{"plan"})
	assert.False(t, ok)
	_, _, ok = lookup([]string{"plan", "delete"})
	assert.False(t, ok)
}

func TestPrintUsage_ListsEveryCommand(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	for _, c := range commands {
		assert.Contains(t, buf.String(), c.name)
	}
}

func TestRun_HelpNeedsNoConfig(t *testing.T) {
	var stderr bytes.Buffer
	require.NoError(t, run(nil, &bytes.Buffer{}, &stderr))
	assert.Contains(t, stderr.String(), "Usage: iris")

	err := run([]string{"frobnicate"}, &bytes.Buffer{}, &stderr)
	assert.ErrorContains(t, err, "unknown command")
}

func TestCommands_ValidateFlags(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		args []string
		code types.ErrorCode
	}{
		{[]string{"plan", "set", "-user", "u1"}, types.ErrCodeMissingField},
		{[]string{"usage", "show"}, types.ErrCodeMissingField},
		{[]string{"addon", "buy", "-user", "u1", "-feature", "aiEnhance", "-qty", "0"}, types.ErrCodeInvalidArgument},
		{[]string{"usage", "use", "-user", "u1", "-bogus"}, types.ErrCodeInvalidArgument},
	}
	for _, tt := range tests {
		err := f.run(t, tt.args...)
		assert.True(t, types.IsCode(err, tt.code), "%v: got %v", tt.args, err)
	}
}

func TestCommands_HelpPrintsFlags(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, "addon", "buy", "-h")
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, f.out.String(), "-feature")
}

// ============================================================
// Plans, usage and add-ons
// ============================================================

func TestPlanSet(t *testing.T) {
	f := newFixture(t, student("u1", types.PlanFree))

	require.NoError(t, f.run(t, "plan", "set", "-user", "u1", "-plan", "pro"))

	var report billing.UsageReport
	require.NoError(t, json.Unmarshal(f.out.Bytes(), &report))
	assert.Equal(t, types.PlanPro, report.Plan)

	stored, _ := f.profiles.Get(context.Background(), "u1")
	assert.Equal(t, types.PlanPro, stored.Plan)
	assert.Equal(t, billing.DefaultRegistry().Limit(types.FeatureMockInterviews, types.PlanPro),
		stored.Usage[types.FeatureMockInterviews].Limit)
}

func TestPlanSet_UnknownPlan(t *testing.T) {
	f := newFixture(t, student("u1", types.PlanFree))
	err := f.run(t, "plan", "set", "-user", "u1", "-plan", "platinum")
	assert.True(t, types.IsCode(err, types.ErrCodeUnknownPlan), "got %v", err)
}

func TestUsageUse_CountsUntilLimit(t *testing.T) {
	p := student("u1", types.PlanFree)
	limit := p.Usage[types.FeatureResumeAnalyses].Limit
	require.Positive(t, limit)
	f := newFixture(t, p)

	for i := 0; i < limit; i++ {
		require.NoError(t, f.run(t, "usage", "use", "-user", "u1", "-feature", "resumeAnalyses"))
	}
	err := f.run(t, "usage", "use", "-user", "u1", "-feature", "resumeAnalyses")
	assert.True(t, types.IsCode(err, types.ErrCodeLimitExceeded), "got %v", err)

	stored, _ := f.profiles.Get(context.Background(), "u1")
	assert.Equal(t, limit, stored.Usage[types.FeatureResumeAnalyses].Used)
}

func TestUsageUse_UnknownUser(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, "usage", "use", "-user", "ghost", "-feature", "aiEnhance")
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundProfile), "got %v", err)
}

func TestAddonBuyAndHistory(t *testing.T) {
	f := newFixture(t, student("u1", types.PlanFree))
	before := f.profiles.profiles["u1"].Usage[types.FeatureAIEnhance].Limit

	require.NoError(t, f.run(t, "addon", "buy", "-user", "u1", "-feature", "aiEnhance", "-qty", "2"))
	var purchase types.AddonPurchase
	require.NoError(t, json.Unmarshal(f.out.Bytes(), &purchase))
	assert.Equal(t, 10, purchase.EffectiveQuantity)
	assert.Equal(t, before+10, purchase.NewLimit)

	f.out.Reset()
	require.NoError(t, f.run(t, "addon", "history", "-user", "u1"))
	assert.Contains(t, f.out.String(), "aiEnhance")
	assert.Contains(t, f.out.String(), "INR")
}

func TestAddonQuote(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, "addon", "quote", "-feature", "pdfDownloads", "-qty", "3"))

	var q billing.AddonQuote
	require.NoError(t, json.Unmarshal(f.out.Bytes(), &q))
	assert.Equal(t, 30, q.EffectiveQuantity)
	assert.Equal(t, 27, q.TotalPrice)
}

func TestAddonQuote_ListsCatalog(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, "addon", "quote"))

	lines := strings.Split(strings.TrimSpace(f.out.String()), "\n")
	require.Len(t, lines, 1+len(types.AllFeatures))
	assert.Contains(t, lines[0], "USES/PACK")
	assert.Regexp(t, `^pdfDownloads\s+9 INR\s+10$`, lines[3])
	assert.Regexp(t, `^aiEnhance\s+9 INR\s+5$`, lines[4])
}

// ============================================================
// Dashboard
// ============================================================

func TestStudentsList_ExportsCompressedCSV(t *testing.T) {
	teacher := &types.Profile{UID: "t1", Role: types.RoleTeacher, Assigned: types.OrgAssignment{CollegeID: ptr("c1")}}
	s1 := student("s1", types.PlanFree)
	s2 := student("s2", types.PlanPro)
	f := newFixture(t, teacher, s1, s2)
	f.app = newApp(appDeps{
		Out:      f.out,
		Profiles: f.profiles,
		Addons:   f.addons,
		Students: &memStudents{
			students: []*types.Profile{s1, s2},
			sessions: map[string][]types.StudentSession{
				"s1": {{ID: "r1", UserID: "s1", StartTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), MatchScore: ptr(81.0)}},
			},
		},
		Flags: f.flags,
	})
	path := filepath.Join(t.TempDir(), "roster.csv.gz")

	require.NoError(t, f.run(t, "students", "list", "-teacher", "t1", "-export", path))
	assert.Contains(t, f.out.String(), "Student s1")
	assert.Contains(t, f.out.String(), "2 students (1 free, 1 paid), avg resume score 81")

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	zr, err := gzip.NewReader(file)
	require.NoError(t, err)
	rows, err := csv.NewReader(zr).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestStudentsList_RejectsNonTeacher(t *testing.T) {
	f := newFixture(t, student("s1", types.PlanFree))
	err := f.run(t, "students", "list", "-teacher", "s1")
	assert.True(t, types.IsCode(err, types.ErrCodePermissionRole), "got %v", err)
	assert.False(t, f.app.session.Current().SignedIn())
}

func TestStudentsList_NonTeacherSignedOutThroughProvider(t *testing.T) {
	provider := &localIdentity{}
	f := newFixture(t, student("s1", types.PlanFree)).withIdentity(provider)

	err := f.run(t, "students", "list", "-teacher", "s1")
	assert.True(t, types.IsCode(err, types.ErrCodePermissionRole), "got %v", err)
	assert.Equal(t, 1, provider.signOuts)
	assert.False(t, f.app.session.Current().SignedIn())
}

// ============================================================
// Relay, identity and operations
// ============================================================

func TestRelayReplay_AppliesDeferredPlan(t *testing.T) {
	f := newFixture(t, student("u1", types.PlanFree))
	r := relay.New(f.flags, nil)
	ctx := context.Background()
	require.NoError(t, r.StorePendingPlan(ctx, "u1", types.PlanStarter))
	require.NoError(t, r.MarkVerificationPending(ctx, "u1"))

	require.NoError(t, f.run(t, "relay", "replay", "-user", "u1"))

	stored, _ := f.profiles.Get(ctx, "u1")
	assert.Equal(t, types.PlanStarter, stored.Plan)
	flags, err := f.flags.TakeAll(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, flags.Empty())
}

func TestAccountCommands_NeedIdentityProvider(t *testing.T) {
	tests := [][]string{
		{"account", "reset", "-email", "a@b.co"},
		{"account", "signin", "-email", "a@b.co", "-password", "secret1"},
		{"account", "signup", "-email", "a@b.co", "-password", "secret1"},
		{"account", "verify"},
	}
	for _, args := range tests {
		t.Run(args[1], func(t *testing.T) {
			f := newFixture(t)
			err := f.run(t, args...)
			assert.True(t, types.IsCode(err, types.ErrCodeUpstreamUnavailable), "got %v", err)
		})
	}
}

func TestBuildIdentity(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{Identity: config.IdentityConfig{BaseURL: "https://identity.test", Timeout: time.Second}}

	assert.Nil(t, buildIdentity(cfg, logger), "no key means no provider")

	cfg.Identity.APIKey = "key"
	assert.NotNil(t, buildIdentity(cfg, logger))
}

func TestServeOpsAndMigrate(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.run(t, "serve-ops"))
	assert.Error(t, f.run(t, "migrate"))

	served, migrated := false, false
	f.app.ops = opsFunc(func(context.Context) error { served = true; return nil })
	f.app.migrate = func(context.Context) error { migrated = true; return nil }
	require.NoError(t, f.run(t, "serve-ops"))
	require.NoError(t, f.run(t, "migrate"))
	assert.True(t, served)
	assert.True(t, migrated)

	f.app.migrate = func(context.Context) error { return errors.New("lock timeout") }
	assert.ErrorContains(t, f.run(t, "migrate"), "lock timeout")
}
