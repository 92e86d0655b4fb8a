// Package billing provides the plan quota table and add-on pricing.
package billing

import (
	"log/slog"
	"strings"

	"iris/internal/types"
)

// PlanRegistry defines the authoritative per-feature quotas for each plan.
// This is the single source of truth for what each plan allows.
//
// Quota resolution never fails: unknown plans resolve to free and unknown
// features resolve to 0, each with a warning diagnostic.
type PlanRegistry interface {
	// ResolvePlan normalizes a stored or user-supplied plan name.
	ResolvePlan(raw string) types.Plan

	// Limit returns the quota for feature under plan.
	Limit(feature types.Feature, plan types.Plan) int

	// GetLimits returns a copy of every feature quota for plan.
	GetLimits(plan types.Plan) map[types.Feature]int

	// DefaultUsage returns fresh counters ({0, limit}) for plan.
	DefaultUsage(plan types.Plan) types.Usage
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory map.
type staticPlanRegistry struct {
	limits map[types.Plan]map[types.Feature]int
	logger *slog.Logger
}

// planDefaults defines the hardcoded quotas:
//
//	| Plan     | Resume analyses | Mock interviews | PDF downloads | AI enhance |
//	|----------|-----------------|-----------------|---------------|------------|
//	| free     | 2               | 0               | 5             | 5          |
//	| starter  | 5               | 1               | 20            | 20         |
//	| standard | 10              | 3               | 50            | 50         |
//	| pro      | 10              | 5               | 9999          | 9999       |
var planDefaults = map[types.Plan]map[types.Feature]int{
	types.PlanFree: {
		types.FeatureResumeAnalyses: 2,
		types.FeatureMockInterviews: 0,
		types.FeaturePDFDownloads:   5,
		types.FeatureAIEnhance:      5,
	},
	types.PlanStarter: {
		types.FeatureResumeAnalyses: 5,
		types.FeatureMockInterviews: 1,
		types.FeaturePDFDownloads:   20,
		types.FeatureAIEnhance:      20,
	},
	types.PlanStandard: {
		types.FeatureResumeAnalyses: 10,
		types.FeatureMockInterviews: 3,
		types.FeaturePDFDownloads:   50,
		types.FeatureAIEnhance:      50,
	},
	types.PlanPro: {
		types.FeatureResumeAnalyses: 10,
		types.FeatureMockInterviews: 5,
		types.FeaturePDFDownloads:   9999,
		types.FeatureAIEnhance:      9999,
	},
}

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded quota
// table. A nil logger uses slog.Default() at diagnostic time.
func NewStaticPlanRegistry(logger *slog.Logger) PlanRegistry {
	// Copy the defaults so callers cannot mutate the package-level table.
	m := make(map[types.Plan]map[types.Feature]int, len(planDefaults))
	for plan, features := range planDefaults {
		inner := make(map[types.Feature]int, len(features))
		for f, v := range features {
			inner[f] = v
		}
		m[plan] = inner
	}
	return &staticPlanRegistry{limits: m, logger: logger}
}

func (r *staticPlanRegistry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// ResolvePlan lowercases raw and falls back to free when the result is empty
// or not a known plan.
func (r *staticPlanRegistry) ResolvePlan(raw string) types.Plan {
	p := types.Plan(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := r.limits[p]; ok {
		return p
	}
	r.log().Warn("unknown plan, falling back to free", "plan", raw)
	return types.PlanFree
}

// Limit returns the quota for feature under plan.
func (r *staticPlanRegistry) Limit(feature types.Feature, plan types.Plan) int {
	features, ok := r.limits[plan]
	if !ok {
		plan = r.ResolvePlan(string(plan))
		features = r.limits[plan]
	}
	limit, ok := features[feature]
	if !ok {
		r.log().Warn("no quota defined for feature", "feature", string(feature), "plan", string(plan))
		return 0
	}
	return limit
}

// GetLimits returns every feature quota for plan. Unknown plans return the
// free quotas.
func (r *staticPlanRegistry) GetLimits(plan types.Plan) map[types.Feature]int {
	resolved := r.ResolvePlan(string(plan))
	out := make(map[types.Feature]int, len(types.AllFeatures))
	for _, f := range types.AllFeatures {
		out[f] = r.limits[resolved][f]
	}
	return out
}

// DefaultUsage returns zeroed counters carrying plan's quotas.
func (r *staticPlanRegistry) DefaultUsage(plan types.Plan) types.Usage {
	usage := make(types.Usage, len(types.AllFeatures))
	for f, limit := range r.GetLimits(plan) {
		usage[f] = types.UsageCounter{Used: 0, Limit: limit}
	}
	return usage
}

var defaultRegistry = NewStaticPlanRegistry(nil)

// DefaultRegistry returns the process-wide registry used by GetLimit.
func DefaultRegistry() PlanRegistry {
	return defaultRegistry
}

// GetLimit resolves the quota for a feature and plan given as raw names, the
// form in which they arrive from stored documents. It never fails.
func GetLimit(feature, plan string) int {
	return defaultRegistry.Limit(types.Feature(feature), defaultRegistry.ResolvePlan(plan))
}
