package types

import (
	"fmt"
	"strings"
)

// Plan identifies the subscription tier that determines feature quotas.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStarter  Plan = "starter"
	PlanStandard Plan = "standard"
	PlanPro      Plan = "pro"
)

// AllPlans lists every plan in ascending tier order.
var AllPlans = []Plan{PlanFree, PlanStarter, PlanStandard, PlanPro}

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanStarter, PlanStandard, PlanPro:
		return true
	}
	return false
}

// IsPaid reports whether p is any plan other than free.
func (p Plan) IsPaid() bool {
	return p.Valid() && p != PlanFree
}

// ParsePlan converts a raw plan name (from a persisted flag, a CLI argument
// or a stored document) into a Plan. Matching is case-insensitive and
// ignores surrounding whitespace. Unknown names return ErrCodeUnknownPlan.
func ParsePlan(raw string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", NewAppErrorWithDetails(
			ErrCodeUnknownPlan,
			fmt.Sprintf("unknown plan %q", raw),
			nil,
			map[string]any{"plan": raw},
		)
	}
	return p, nil
}

// Feature identifies a gated capability that consumes per-period quota.
type Feature string

const (
	FeatureResumeAnalyses Feature = "resumeAnalyses"
	FeatureMockInterviews Feature = "mockInterviews"
	FeaturePDFDownloads   Feature = "pdfDownloads"
	FeatureAIEnhance      Feature = "aiEnhance"
)

// AllFeatures lists every gated feature.
var AllFeatures = []Feature{
	FeatureResumeAnalyses,
	FeatureMockInterviews,
	FeaturePDFDownloads,
	FeatureAIEnhance,
}

// Valid reports whether f is one of the known features.
func (f Feature) Valid() bool {
	switch f {
	case FeatureResumeAnalyses, FeatureMockInterviews, FeaturePDFDownloads, FeatureAIEnhance:
		return true
	}
	return false
}

// ParseFeature converts a raw feature key into a Feature. Feature keys are
// case-sensitive document field names; unknown keys return ErrCodeUnknownFeature.
func ParseFeature(raw string) (Feature, error) {
	f := Feature(strings.TrimSpace(raw))
	if !f.Valid() {
		return "", NewAppErrorWithDetails(
			ErrCodeUnknownFeature,
			fmt.Sprintf("unknown feature %q", raw),
			nil,
			map[string]any{"feature": raw},
		)
	}
	return f, nil
}

// Role defines what a signed-in user may see.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// ProfileState tracks profile presence for the current authenticated session.
type ProfileState string

const (
	ProfileStateNone            ProfileState = "NO_PROFILE"
	ProfileStateFound           ProfileState = "FOUND"
	ProfileStateNotFound        ProfileState = "NOT_FOUND"
	ProfileStateCreated         ProfileState = "CREATED"
	ProfileStateCreateFailed    ProfileState = "CREATE_FAILED"
	ProfileStateFoundBackfilled ProfileState = "FOUND_BACKFILLED"
	ProfileStateUnavailable     ProfileState = "UNAVAILABLE"
)

// HasProfile reports whether the state carries a usable profile.
func (s ProfileState) HasProfile() bool {
	switch s {
	case ProfileStateFound, ProfileStateCreated, ProfileStateFoundBackfilled:
		return true
	}
	return false
}

// AccountEventType identifies an outbound account event.
type AccountEventType string

const (
	EventPlanChanged       AccountEventType = "plan_changed"
	EventAddonPurchased    AccountEventType = "addon_purchased"
	EventUsageLimitReached AccountEventType = "usage_limit_reached"
)
