// Package dashboard serves the teacher view: role verification, the
// assigned student roster, per-student activity and aggregate statistics.
package dashboard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"iris/internal/session"
	"iris/internal/types"
)

const (
	DefaultCacheSize        = 512
	DefaultCacheTTL         = 5 * time.Minute
	DefaultFetchConcurrency = 8
	DefaultHistoryLimit     = 50
)

// ProfileReader reads a stored profile.
type ProfileReader interface {
	Get(ctx context.Context, uid string) (*types.Profile, error)
}

// StudentStore lists students and their history.
type StudentStore interface {
	ListStudents(ctx context.Context, scope types.OrgAssignment) ([]*types.Profile, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]types.StudentSession, error)
	ListInterviews(ctx context.Context, userID string, limit int) ([]types.StudentInterview, error)
}

// SignOuter forces the current user out.
type SignOuter interface {
	SignOut(ctx context.Context) error
}

// Activity is one student's history, newest first.
type Activity struct {
	Sessions   []types.StudentSession
	Interviews []types.StudentInterview
}

// Service implements the teacher dashboard.
type Service struct {
	profiles    ProfileReader
	students    StudentStore
	session     *session.Context
	signOut     SignOuter
	cache       *lru.LRU[string, Activity]
	concurrency int
	history     int
	logger      *slog.Logger
}

// Config holds the dependencies for creating a Service. Zero sizes take the
// package defaults.
type Config struct {
	Profiles         ProfileReader
	Students         StudentStore
	Session          *session.Context
	SignOut          SignOuter
	CacheSize        int
	CacheTTL         time.Duration
	FetchConcurrency int
	HistoryLimit     int
	Logger           *slog.Logger
}

// NewService creates a Service.
func NewService(cfg Config) *Service {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = DefaultFetchConcurrency
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Session == nil {
		cfg.Session = session.New()
	}
	return &Service{
		profiles:    cfg.Profiles,
		students:    cfg.Students,
		session:     cfg.Session,
		signOut:     cfg.SignOut,
		cache:       lru.NewLRU[string, Activity](cfg.CacheSize, nil, cfg.CacheTTL),
		concurrency: cfg.FetchConcurrency,
		history:     cfg.HistoryLimit,
		logger:      cfg.Logger,
	}
}

// VerifyTeacher loads the signed-in user's stored profile and requires the
// teacher role. A missing profile, another role or a failed fetch forces a
// sign-out; the error is permission_role_insufficient or a storage error.
func (s *Service) VerifyTeacher(ctx context.Context) (*types.Profile, error) {
	uid := s.session.Current().UserID()
	if uid == "" {
		return nil, types.NewAppError(types.ErrCodeUnauthenticated, "no user is signed in", nil)
	}
	log := s.logger.With("user_id", uid)

	p, err := s.profiles.Get(ctx, uid)
	switch {
	case err != nil && !types.IsCode(err, types.ErrCodeNotFoundProfile):
		log.Error("teacher verification failed", "error", err)
		s.forceSignOut(ctx, log)
		if types.IsCode(err, types.ErrCodeStorage) {
			return nil, err
		}
		return nil, types.NewAppError(types.ErrCodeStorage, "failed to load teacher profile", err)
	case err != nil || p == nil || p.Role != types.RoleTeacher:
		log.Warn("access denied: not a teacher account")
		s.forceSignOut(ctx, log)
		return nil, types.NewAppError(types.ErrCodePermissionRole, "not an authorized teacher account", nil)
	}
	return p, nil
}

func (s *Service) forceSignOut(ctx context.Context, log *slog.Logger) {
	if s.signOut == nil {
		s.session.SignOut()
		return
	}
	if err := s.signOut.SignOut(ctx); err != nil {
		log.Warn("forced sign-out failed", "error", err)
	}
}

// AssignedStudents lists the students inside teacher's assignment. A
// teacher with no assigned college sees nobody.
func (s *Service) AssignedStudents(ctx context.Context, teacher *types.Profile) ([]*types.Profile, error) {
	if teacher == nil || teacher.Assigned.CollegeID == nil {
		return []*types.Profile{}, nil
	}
	return s.students.ListStudents(ctx, teacher.Assigned)
}

// StudentActivity fetches the history of every student in parallel. A
// student whose fetch fails gets empty activity and is not cached; only a
// cancelled ctx fails the call.
func (s *Service) StudentActivity(ctx context.Context, students []*types.Profile) (map[string]Activity, error) {
	var mu sync.Mutex
	out := make(map[string]Activity, len(students))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, st := range students {
		if st == nil {
			continue
		}
		uid := st.UID
		if cached, ok := s.cache.Get(uid); ok {
			mu.Lock()
			out[uid] = cached
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			act, err := s.fetchActivity(gCtx, uid)
			if err != nil {
				if gCtx.Err() != nil {
					return gCtx.Err()
				}
				s.logger.Warn("student activity unavailable", "student_id", uid, "error", err)
				act = Activity{Sessions: []types.StudentSession{}, Interviews: []types.StudentInterview{}}
			} else {
				s.cache.Add(uid, act)
			}
			mu.Lock()
			out[uid] = act
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) fetchActivity(ctx context.Context, uid string) (Activity, error) {
	sessions, err := s.students.ListSessions(ctx, uid, s.history)
	if err != nil {
		return Activity{}, err
	}
	interviews, err := s.students.ListInterviews(ctx, uid, s.history)
	if err != nil {
		return Activity{}, err
	}
	return Activity{Sessions: sessions, Interviews: interviews}, nil
}
