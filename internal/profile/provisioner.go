// Package profile provisions the stored profile for a freshly authenticated
// identity.
package profile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"iris/internal/billing"
	"iris/internal/types"
)

// Store is the subset of the Profile Store used during provisioning.
type Store interface {
	Get(ctx context.Context, uid string) (*types.Profile, error)
	Create(ctx context.Context, p *types.Profile) (*types.Profile, error)
	BackfillUsage(ctx context.Context, uid string, limits map[types.Feature]int, now time.Time) (*types.Profile, error)
}

// Outcome is the terminal profile state reached by Ensure.
type Outcome struct {
	State   types.ProfileState
	Profile *types.Profile
}

// Provisioner walks the profile presence state machine:
//
//	NO_PROFILE -> FOUND | NOT_FOUND
//	NOT_FOUND  -> CREATED | CREATE_FAILED
//	FOUND with missing or partial usage -> FOUND_BACKFILLED
//
// A fetch failure other than not-found yields UNAVAILABLE.
type Provisioner struct {
	store    Store
	registry billing.PlanRegistry
	clock    types.Clock
	logger   *slog.Logger
}

// ProvisionerConfig holds the dependencies for creating a Provisioner.
type ProvisionerConfig struct {
	Store    Store
	Registry billing.PlanRegistry
	Clock    types.Clock
	Logger   *slog.Logger
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(cfg ProvisionerConfig) *Provisioner {
	p := &Provisioner{
		store:    cfg.Store,
		registry: cfg.Registry,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if p.registry == nil {
		p.registry = billing.DefaultRegistry()
	}
	if p.clock == nil {
		p.clock = types.RealClock{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// Ensure fetches the profile for identity, creating or repairing it as
// needed.
//
// Error cases:
//   - fetch failure: Outcome{UNAVAILABLE, nil} and a storage error
//   - create failure: Outcome{CREATE_FAILED, nil} and a storage error; the
//     synthesized profile is discarded
//   - backfill failure: Outcome{FOUND, profile} and a storage error; the
//     profile is usable but admission fails closed on its missing counters
func (p *Provisioner) Ensure(ctx context.Context, identity types.Identity) (Outcome, error) {
	log := p.logger.With("user_id", identity.UID)

	existing, err := p.store.Get(ctx, identity.UID)
	switch {
	case err == nil:
		return p.repair(ctx, existing, log)
	case types.IsCode(err, types.ErrCodeNotFoundProfile):
		log.Info("profile not found, creating")
		return p.create(ctx, identity, log)
	default:
		log.Error("profile fetch failed", "error", err)
		return Outcome{State: types.ProfileStateUnavailable}, storageError("failed to fetch profile", err)
	}
}

// NewProfile synthesizes the default profile for a first sign-in.
func (p *Provisioner) NewProfile(identity types.Identity) *types.Profile {
	now := p.clock.Now()
	return &types.Profile{
		UID:         identity.UID,
		Email:       identity.Email,
		DisplayName: identity.FallbackDisplayName(),
		PhotoURL:    identity.PhotoURL,
		Role:        types.RoleStudent,
		Plan:        types.PlanFree,
		Usage:       p.registry.DefaultUsage(types.PlanFree),
		CreatedAt:   now,
		LastUpdated: now,
	}
}

func (p *Provisioner) create(ctx context.Context, identity types.Identity, log *slog.Logger) (Outcome, error) {
	created, err := p.store.Create(ctx, p.NewProfile(identity))
	if err != nil {
		log.Error("profile create failed", "error", err)
		return Outcome{State: types.ProfileStateCreateFailed}, storageError("failed to create profile", err)
	}
	log.Info("profile created", "plan", string(created.Plan))
	return Outcome{State: types.ProfileStateCreated, Profile: created}, nil
}

func (p *Provisioner) repair(ctx context.Context, existing *types.Profile, log *slog.Logger) (Outcome, error) {
	if existing.Usage.Complete() {
		return Outcome{State: types.ProfileStateFound, Profile: existing}, nil
	}

	plan := p.registry.ResolvePlan(string(existing.Plan))
	repaired, err := p.store.BackfillUsage(ctx, existing.UID, p.registry.GetLimits(plan), p.clock.Now())
	if err != nil {
		log.Error("usage backfill failed", "plan", string(plan), "error", err)
		return Outcome{State: types.ProfileStateFound, Profile: existing}, storageError("failed to backfill usage", err)
	}
	log.Info("usage backfilled", "plan", string(plan))
	return Outcome{State: types.ProfileStateFoundBackfilled, Profile: repaired}, nil
}

func storageError(msg string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) && appErr.Code == types.ErrCodeStorage {
		return err
	}
	return types.NewAppError(types.ErrCodeStorage, msg, err)
}
