package dashboard

import (
	"math"
	"strings"

	"iris/internal/types"
)

// Stats aggregates a roster for the overview cards.
type Stats struct {
	TotalStudents       int `json:"totalStudents"`
	StudentsOnFree      int `json:"studentsOnFree"`
	StudentsOnPaid      int `json:"studentsOnPaid"`
	TotalResumesUsed    int `json:"totalResumesUsed"`
	TotalInterviewsUsed int `json:"totalInterviewsUsed"`
	AvgResumeScore      int `json:"avgResumeScore"`
	AvgInterviewScore   int `json:"avgInterviewScore"`
}

// CalculateStats counts plans and usage over students and averages the
// scores found in activity. A student with no stored plan counts as
// neither free nor paid. Averages are rounded half up and are 0 when no
// score exists.
func CalculateStats(students []*types.Profile, activity map[string]Activity) Stats {
	st := Stats{TotalStudents: len(students)}
	var resume, interview mean

	for _, p := range students {
		if p == nil {
			continue
		}
		switch {
		case p.Plan == types.PlanFree:
			st.StudentsOnFree++
		case p.Plan != "":
			st.StudentsOnPaid++
		}
		st.TotalResumesUsed += p.Usage[types.FeatureResumeAnalyses].Used
		st.TotalInterviewsUsed += p.Usage[types.FeatureMockInterviews].Used

		act := activity[p.UID]
		for _, s := range act.Sessions {
			resume.add(s.MatchScore)
		}
		for _, iv := range act.Interviews {
			interview.add(iv.OverallScore)
		}
	}

	st.AvgResumeScore = resume.rounded()
	st.AvgInterviewScore = interview.rounded()
	return st
}

type mean struct {
	sum   float64
	count int
}

func (m *mean) add(v *float64) {
	if v == nil || math.IsNaN(*v) {
		return
	}
	m.sum += *v
	m.count++
}

func (m mean) rounded() int {
	if m.count == 0 {
		return 0
	}
	return int(math.Floor(m.sum/float64(m.count) + 0.5))
}

// Search filters students whose display name or email contains term,
// ignoring case. An empty term returns students unchanged.
func Search(students []*types.Profile, term string) []*types.Profile {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return students
	}
	out := make([]*types.Profile, 0, len(students))
	for _, p := range students {
		if p == nil {
			continue
		}
		if strings.Contains(strings.ToLower(p.DisplayName), term) || strings.Contains(strings.ToLower(p.Email), term) {
			out = append(out, p)
		}
	}
	return out
}
