package billing

import (
	"iris/internal/types"
)

// FeatureUsage is one row of a usage report.
type FeatureUsage struct {
	Feature   types.Feature `json:"feature"`
	Used      int           `json:"used"`
	Limit     int           `json:"limit"`
	PlanLimit int           `json:"planLimit"`
	// AddonExtra is the part of Limit granted by add-on purchases.
	AddonExtra int  `json:"addonExtra"`
	Remaining  int  `json:"remaining"`
	Available  bool `json:"available"`
	// Missing is set when the profile has no complete counter for the
	// feature; such a feature is never available.
	Missing bool `json:"missing,omitempty"`
}

// UsageReport summarizes a profile's counters against its plan.
type UsageReport struct {
	UserID   string         `json:"userId"`
	Plan     types.Plan     `json:"plan"`
	Features []FeatureUsage `json:"features"`
}

// BuildUsageReport produces a report in feature order. The stored plan is
// resolved through reg, so an unrecognized plan reports free quotas.
func BuildUsageReport(reg PlanRegistry, profile *types.Profile) UsageReport {
	if profile == nil {
		return UsageReport{}
	}

	plan := reg.ResolvePlan(string(profile.Plan))
	report := UsageReport{
		UserID:   profile.UID,
		Plan:     plan,
		Features: make([]FeatureUsage, 0, len(types.AllFeatures)),
	}

	for _, f := range types.AllFeatures {
		row := FeatureUsage{Feature: f, PlanLimit: reg.Limit(f, plan)}
		counter, ok := profile.Usage[f]
		if !ok {
			row.Missing = true
			report.Features = append(report.Features, row)
			continue
		}
		row.Used = counter.Used
		row.Limit = counter.Limit
		row.Remaining = counter.Remaining()
		row.Available = counter.Used < counter.Limit
		if extra := counter.Limit - row.PlanLimit; extra > 0 {
			row.AddonExtra = extra
		}
		report.Features = append(report.Features, row)
	}
	return report
}
