package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"iris/internal/types"
)

// ProfileRepository is the Profile Store: point reads, create-if-absent and
// atomic field updates on the profiles table. It never queries other users'
// records; dashboard listings live in StudentRepository.
type ProfileRepository struct {
	db DBTX
}

// NewProfileRepository creates a new ProfileRepository backed by the given
// database connection (pool or transaction).
func NewProfileRepository(db DBTX) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// profileColumns defines the standard set of columns selected for profile
// queries. scanProfile depends on this order.
const profileColumns = `p.uid, p.email, p.display_name, p.photo_url, p.role, p.plan,
	p.plan_purchased_at, p.plan_expires_at,
	p.college_id, p.dept_id, p.section_id,
	p.assigned_college_id, p.assigned_dept_id, p.assigned_section_id,
	p.usage, p.created_at, p.last_updated`

// scanProfile scans a single profile row. The stored usage document is
// decoded leniently: counters that are missing either field are dropped so
// that admission fails closed on them and provisioning can backfill.
func scanProfile(row pgx.Row) (*types.Profile, error) {
	var p types.Profile
	var (
		photoURL *string
		usageRaw []byte
	)
	err := row.Scan(
		&p.UID,
		&p.Email,
		&p.DisplayName,
		&photoURL,
		&p.Role,
		&p.Plan,
		&p.PlanPurchasedAt,
		&p.PlanExpiresAt,
		&p.Org.CollegeID,
		&p.Org.DeptID,
		&p.Org.SectionID,
		&p.Assigned.CollegeID,
		&p.Assigned.DeptID,
		&p.Assigned.SectionID,
		&usageRaw,
		&p.CreatedAt,
		&p.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	if photoURL != nil {
		p.PhotoURL = *photoURL
	}
	usage, err := DecodeUsage(usageRaw)
	if err != nil {
		return nil, err
	}
	p.Usage = usage
	return &p, nil
}

// storedCounter mirrors one entry of the usage JSONB document. Both fields
// are pointers so partially written counters can be told apart from zeros.
type storedCounter struct {
	Used  *int `json:"used"`
	Limit *int `json:"limit"`
}

// DecodeUsage parses the usage JSONB document. NULL or absent input yields a
// nil Usage. Unknown feature keys and incomplete or negative counters are
// skipped.
func DecodeUsage(raw []byte) (types.Usage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode usage document: %w", err)
	}

	usage := make(types.Usage, len(types.AllFeatures))
	for key, value := range doc {
		feature, err := types.ParseFeature(key)
		if err != nil {
			continue
		}
		var c storedCounter
		if err := json.Unmarshal(value, &c); err != nil {
			continue
		}
		if c.Used == nil || c.Limit == nil || *c.Used < 0 || *c.Limit < 0 {
			continue
		}
		usage[feature] = types.UsageCounter{Used: *c.Used, Limit: *c.Limit}
	}
	return usage, nil
}

// encodeUsage renders usage as the stored JSONB document.
func encodeUsage(usage types.Usage) ([]byte, error) {
	doc := make(map[string]types.UsageCounter, len(usage))
	for f, c := range usage {
		doc[string(f)] = c
	}
	return json.Marshal(doc)
}

// Get retrieves a profile by user id. Returns ErrCodeNotFoundProfile if no
// profile exists.
func (r *ProfileRepository) Get(ctx context.Context, uid string) (*types.Profile, error) {
	row := querier(ctx, r.db).QueryRow(ctx,
		`SELECT `+profileColumns+`
		 FROM profiles p
		 WHERE p.uid = $1`,
		uid,
	)

	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
		}
		return nil, storageError("failed to retrieve profile", err)
	}
	return p, nil
}

// Create inserts p if no profile exists for p.UID and returns the stored
// record. When another session created the profile first, the existing row
// is returned unchanged.
func (r *ProfileRepository) Create(ctx context.Context, p *types.Profile) (*types.Profile, error) {
	usageJSON, err := encodeUsage(p.Usage)
	if err != nil {
		return nil, storageError("failed to encode usage", err)
	}

	var photoURL *string
	if p.PhotoURL != "" {
		photoURL = &p.PhotoURL
	}

	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	row := querier(ctx, r.db).QueryRow(ctx,
		`INSERT INTO profiles AS p (uid, email, display_name, photo_url, role, plan,
			college_id, dept_id, section_id, usage, created_at, last_updated)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 ON CONFLICT (uid) DO UPDATE SET uid = p.uid
		 RETURNING `+profileColumns,
		p.UID,
		p.Email,
		p.DisplayName,
		photoURL,
		p.Role,
		p.Plan,
		p.Org.CollegeID,
		p.Org.DeptID,
		p.Org.SectionID,
		usageJSON,
		p.CreatedAt,
	)

	created, err := scanProfile(row)
	if err != nil {
		return nil, storageError("failed to create profile", err)
	}
	return created, nil
}

// IncrementUsed atomically adds one to the feature's used counter and returns
// the counter as stored after the update. The increment happens inside a
// single UPDATE, so concurrent increments from other sessions are never lost.
// Returns ErrCodeNotFoundProfile when the profile or its counter is absent.
func (r *ProfileRepository) IncrementUsed(ctx context.Context, uid string, feature types.Feature, now time.Time) (types.UsageCounter, error) {
	var c types.UsageCounter
	err := querier(ctx, r.db).QueryRow(ctx,
		`UPDATE profiles
		 SET usage = jsonb_set(usage, ARRAY[$2::text, 'used'],
		         to_jsonb(COALESCE((usage->$2::text->>'used')::int, 0) + 1)),
		     last_updated = $3
		 WHERE uid = $1 AND usage ? $2::text
		 RETURNING (usage->$2::text->>'used')::int,
		           COALESCE((usage->$2::text->>'limit')::int, 0)`,
		uid,
		string(feature),
		now,
	).Scan(&c.Used, &c.Limit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.UsageCounter{}, types.NewAppErrorWithDetails(
				types.ErrCodeNotFoundProfile,
				"profile or usage counter not found",
				nil,
				map[string]any{"feature": string(feature)},
			)
		}
		return types.UsageCounter{}, storageError("failed to increment usage", err)
	}
	return c, nil
}

// ApplyPlan switches the profile to plan in a single UPDATE: the plan,
// purchase timestamp, expiry and every counter's limit change together while
// every used value is carried over. limits must contain every feature.
func (r *ProfileRepository) ApplyPlan(ctx context.Context, uid string, plan types.Plan, limits map[types.Feature]int, now time.Time) (*types.Profile, error) {
	usageExpr, usageArgs := rebuildUsageExpr(4, limits, false)

	args := append([]any{uid, plan, now}, usageArgs...)
	row := querier(ctx, r.db).QueryRow(ctx,
		`UPDATE profiles AS p
		 SET plan = $2,
		     plan_purchased_at = $3,
		     plan_expires_at = NULL,
		     usage = `+usageExpr+`,
		     last_updated = $3
		 WHERE p.uid = $1
		 RETURNING `+profileColumns,
		args...,
	)

	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
		}
		return nil, storageError("failed to apply plan", err)
	}
	return p, nil
}

// BackfillUsage writes default counters for every feature whose stored
// counter is missing or incomplete, keeping complete counters as they are
// and carrying over any partial used value. The whole usage document is
// written in one UPDATE.
func (r *ProfileRepository) BackfillUsage(ctx context.Context, uid string, limits map[types.Feature]int, now time.Time) (*types.Profile, error) {
	usageExpr, usageArgs := rebuildUsageExpr(3, limits, true)

	args := append([]any{uid, now}, usageArgs...)
	row := querier(ctx, r.db).QueryRow(ctx,
		`UPDATE profiles AS p
		 SET usage = `+usageExpr+`,
		     last_updated = $2
		 WHERE p.uid = $1
		 RETURNING `+profileColumns,
		args...,
	)

	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundProfile, "profile not found", nil)
		}
		return nil, storageError("failed to backfill usage", err)
	}
	return p, nil
}

// rebuildUsageExpr builds a jsonb_build_object expression covering every
// feature in declaration order. Limits become positional parameters starting
// at firstParam. When keepComplete is set, counters that already carry both
// fields are kept verbatim.
func rebuildUsageExpr(firstParam int, limits map[types.Feature]int, keepComplete bool) (string, []any) {
	var b strings.Builder
	args := make([]any, 0, len(types.AllFeatures))

	b.WriteString("jsonb_build_object(")
	for i, f := range types.AllFeatures {
		if i > 0 {
			b.WriteString(", ")
		}
		param := firstParam + i
		rebuilt := fmt.Sprintf(
			"jsonb_build_object('used', COALESCE((p.usage->'%[1]s'->>'used')::int, 0), 'limit', $%[2]d::int)",
			f, param,
		)
		if keepComplete {
			rebuilt = fmt.Sprintf(
				"CASE WHEN p.usage->'%[1]s' ? 'used' AND p.usage->'%[1]s' ? 'limit' THEN p.usage->'%[1]s' ELSE %[2]s END",
				f, rebuilt,
			)
		}
		fmt.Fprintf(&b, "'%s', %s", f, rebuilt)
		args = append(args, limits[f])
	}
	b.WriteString(")")
	return b.String(), args
}
