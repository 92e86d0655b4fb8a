package types

import (
	"strings"
	"time"
)

// UsageCounter is the per-user, per-feature consumption state.
type UsageCounter struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// Remaining returns how many more uses the counter admits, never below zero.
func (c UsageCounter) Remaining() int {
	if c.Used >= c.Limit {
		return 0
	}
	return c.Limit - c.Used
}

// Usage maps every gated feature to its counter. A nil Usage means the
// profile has no usage map at all; a missing key means that feature's
// counter is absent or incomplete in the store.
type Usage map[Feature]UsageCounter

// Clone returns an independent copy of u. Cloning nil yields nil.
func (u Usage) Clone() Usage {
	if u == nil {
		return nil
	}
	out := make(Usage, len(u))
	for f, c := range u {
		out[f] = c
	}
	return out
}

// Complete reports whether u carries a counter for every feature.
func (u Usage) Complete() bool {
	if u == nil {
		return false
	}
	for _, f := range AllFeatures {
		if _, ok := u[f]; !ok {
			return false
		}
	}
	return true
}

// OrgAssignment places a user inside the college/department/section
// hierarchy. Any level may be nil.
type OrgAssignment struct {
	CollegeID *string `json:"collegeId,omitempty"`
	DeptID    *string `json:"deptId,omitempty"`
	SectionID *string `json:"sectionId,omitempty"`
}

// IsZero reports whether no level of the hierarchy is assigned.
func (o OrgAssignment) IsZero() bool {
	return o.CollegeID == nil && o.DeptID == nil && o.SectionID == nil
}

// Profile is the stored user record. The Profile Store owns it; components
// only ever hold copies.
type Profile struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
	Role        Role   `json:"role"`

	// Plan is the raw stored plan. Readers resolve it through the billing
	// package, which maps unknown values to free.
	Plan            Plan       `json:"plan"`
	PlanPurchasedAt *time.Time `json:"planPurchasedAt,omitempty"`
	PlanExpiresAt   *time.Time `json:"planExpiresAt,omitempty"`

	// Org is the student's own placement. Assigned is the scope a teacher
	// supervises.
	Org      OrgAssignment `json:"org"`
	Assigned OrgAssignment `json:"assigned"`

	Usage Usage `json:"usage"`

	CreatedAt   time.Time `json:"createdAt"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Clone returns a deep copy of p so snapshots never share mutable state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Usage = p.Usage.Clone()
	out.PlanPurchasedAt = cloneTime(p.PlanPurchasedAt)
	out.PlanExpiresAt = cloneTime(p.PlanExpiresAt)
	out.Org = p.Org.clone()
	out.Assigned = p.Assigned.clone()
	return &out
}

func (o OrgAssignment) clone() OrgAssignment {
	return OrgAssignment{
		CollegeID: cloneString(o.CollegeID),
		DeptID:    cloneString(o.DeptID),
		SectionID: cloneString(o.SectionID),
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Identity is what the identity provider reports about a signed-in user.
type Identity struct {
	UID           string `json:"uid"`
	Email         string `json:"email"`
	DisplayName   string `json:"displayName,omitempty"`
	PhotoURL      string `json:"photoURL,omitempty"`
	EmailVerified bool   `json:"emailVerified"`

	// Tokens are never serialized into logs or events.
	IDToken      string `json:"-"`
	RefreshToken string `json:"-"`
}

// FallbackDisplayName returns DisplayName, or the local part of Email when
// no display name was supplied.
func (i Identity) FallbackDisplayName() string {
	if strings.TrimSpace(i.DisplayName) != "" {
		return i.DisplayName
	}
	local, _, _ := strings.Cut(i.Email, "@")
	return local
}

// PendingAddon is a deferred add-on purchase carried across email
// verification.
type PendingAddon struct {
	FeatureType string `json:"featureType"`
	Quantity    int    `json:"quantity"`
}

// AddonPurchase records one add-on purchase that raised a feature limit.
type AddonPurchase struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	Feature           Feature   `json:"feature"`
	Quantity          int       `json:"quantity"`
	EffectiveQuantity int       `json:"effectiveQuantity"`
	UnitPrice         int       `json:"unitPrice"`
	TotalPrice        int       `json:"totalPrice"`
	Currency          string    `json:"currency"`
	PurchaseDate      time.Time `json:"purchaseDate"`
	PreviousLimit     int       `json:"previousLimit"`
	NewLimit          int       `json:"newLimit"`
	UsedAtPurchase    int       `json:"usedAtPurchase"`
}

// StudentSession is one resume-analysis session as seen by the dashboard.
type StudentSession struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	StartTime  time.Time `json:"startTime"`
	Status     string    `json:"status"`
	MatchScore *float64  `json:"matchScore,omitempty"`
}

// StudentInterview is one mock-interview run as seen by the dashboard.
type StudentInterview struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	StartTime    time.Time `json:"startTime"`
	Status       string    `json:"status"`
	OverallScore *float64  `json:"overallScore,omitempty"`
}

// AccountEvent is published to downstream billing and analytics consumers
// after an accounting mutation commits.
type AccountEvent struct {
	ID           string           `json:"id"`
	Type         AccountEventType `json:"type"`
	UserID       string           `json:"userId"`
	Plan         Plan             `json:"plan,omitempty"`
	PreviousPlan Plan             `json:"previousPlan,omitempty"`
	Feature      Feature          `json:"feature,omitempty"`
	Quantity     int              `json:"quantity,omitempty"`
	TotalPrice   int              `json:"totalPrice,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	Source       string           `json:"source,omitempty"`
	OccurredAt   time.Time        `json:"occurredAt"`
}
