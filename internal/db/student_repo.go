package db

import (
	"context"
	"fmt"
	"strings"

	"iris/internal/types"
)

// StudentRepository serves the teacher dashboard: student listings scoped to
// a teacher's assignment, plus each student's session and interview history.
type StudentRepository struct {
	db DBTX
}

// NewStudentRepository creates a new StudentRepository.
func NewStudentRepository(db DBTX) *StudentRepository {
	return &StudentRepository{db: db}
}

// ListStudents returns students inside scope, narrowing by college, then
// department, then section as each level is set. A scope without a college
// matches nobody and returns an empty slice without querying.
func (r *StudentRepository) ListStudents(ctx context.Context, scope types.OrgAssignment) ([]*types.Profile, error) {
	if scope.CollegeID == nil {
		return []*types.Profile{}, nil
	}

	conds := []string{"p.role = $1", "p.college_id = $2"}
	args := []any{string(types.RoleStudent), *scope.CollegeID}
	if scope.DeptID != nil {
		args = append(args, *scope.DeptID)
		conds = append(conds, fmt.Sprintf("p.dept_id = $%d", len(args)))
		if scope.SectionID != nil {
			args = append(args, *scope.SectionID)
			conds = append(conds, fmt.Sprintf("p.section_id = $%d", len(args)))
		}
	}

	rows, err := querier(ctx, r.db).Query(ctx,
		`SELECT `+profileColumns+`
		 FROM profiles p
		 WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY p.display_name, p.uid`,
		args...,
	)
	if err != nil {
		return nil, storageError("failed to list students", err)
	}
	defer rows.Close()

	students := []*types.Profile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, storageError("failed to scan student", err)
		}
		students = append(students, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to iterate students", err)
	}
	return students, nil
}

// ListSessions returns a student's resume-analysis sessions, newest first,
// with the match score lifted out of the stored results document.
func (r *StudentRepository) ListSessions(ctx context.Context, userID string, limit int) ([]types.StudentSession, error) {
	rows, err := querier(ctx, r.db).Query(ctx,
		`SELECT s.id, s.user_id, s.start_time, s.status,
		        (s.results->'match_results'->>'matchScore')::float8
		 FROM resume_sessions s
		 WHERE s.user_id = $1
		 ORDER BY s.start_time DESC
		 LIMIT $2`,
		userID,
		limitOrNil(limit),
	)
	if err != nil {
		return nil, storageError("failed to list sessions", err)
	}
	defer rows.Close()

	sessions := []types.StudentSession{}
	for rows.Next() {
		var s types.StudentSession
		if err := rows.Scan(&s.ID, &s.UserID, &s.StartTime, &s.Status, &s.MatchScore); err != nil {
			return nil, storageError("failed to scan session", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to iterate sessions", err)
	}
	return sessions, nil
}

// ListInterviews returns a student's mock interviews, newest first, with the
// overall score lifted out of the stored analysis document.
func (r *StudentRepository) ListInterviews(ctx context.Context, userID string, limit int) ([]types.StudentInterview, error) {
	rows, err := querier(ctx, r.db).Query(ctx,
		`SELECT i.id, i.user_id, i.start_time, i.status,
		        (i.analysis->>'overallScore')::float8
		 FROM interviews i
		 WHERE i.user_id = $1
		 ORDER BY i.start_time DESC
		 LIMIT $2`,
		userID,
		limitOrNil(limit),
	)
	if err != nil {
		return nil, storageError("failed to list interviews", err)
	}
	defer rows.Close()

	interviews := []types.StudentInterview{}
	for rows.Next() {
		var iv types.StudentInterview
		if err := rows.Scan(&iv.ID, &iv.UserID, &iv.StartTime, &iv.Status, &iv.OverallScore); err != nil {
			return nil, storageError("failed to scan interview", err)
		}
		interviews = append(interviews, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("failed to iterate interviews", err)
	}
	return interviews, nil
}

// limitOrNil maps a non-positive limit to SQL NULL, which LIMIT treats as
// unbounded.
func limitOrNil(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
