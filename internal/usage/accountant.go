// Package usage implements plan and usage accounting: the admission check,
// the atomic usage increment, plan changes and add-on purchases, each
// reconciled into the session snapshot after the store confirms it.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"iris/internal/billing"
	"iris/internal/events"
	"iris/internal/session"
	"iris/internal/telemetry"
	"iris/internal/types"
)

// ProfileStore is the subset of the Profile Store used by the accountant.
type ProfileStore interface {
	Get(ctx context.Context, uid string) (*types.Profile, error)
	IncrementUsed(ctx context.Context, uid string, feature types.Feature, now time.Time) (types.UsageCounter, error)
	ApplyPlan(ctx context.Context, uid string, plan types.Plan, limits map[types.Feature]int, now time.Time) (*types.Profile, error)
}

// AddonStore persists add-on purchases.
type AddonStore interface {
	Purchase(ctx context.Context, p *types.AddonPurchase) (*types.AddonPurchase, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*types.AddonPurchase, error)
}

// Result reports the counter after a successful increment.
type Result struct {
	Used       int  `json:"used"`
	Limit      int  `json:"limit"`
	CanUseMore bool `json:"canUseMore"`
}

// CanUse is the admission check. It fails closed: a nil profile, a nil
// usage map or a missing counter all deny. Otherwise used must be strictly
// below limit.
func CanUse(profile *types.Profile, feature types.Feature) bool {
	if profile == nil || profile.Usage == nil {
		return false
	}
	c, ok := profile.Usage[feature]
	if !ok {
		return false
	}
	return c.Used < c.Limit
}

// Accountant performs accounting mutations against the Profile Store and
// merges each confirmed delta into the session snapshot.
//
// Dependencies (all injected via AccountantConfig):
//   - Profiles: atomic increment and plan change
//   - Addons: transactional add-on purchase
//   - Session: the snapshot owner; only its merge methods are used
//   - Registry: plan quotas
//   - Events: outbound account events (failures are logged only)
//   - Metrics: telemetry recorder
type Accountant struct {
	profiles ProfileStore
	addons   AddonStore
	session  *session.Context
	registry billing.PlanRegistry
	events   events.Publisher
	metrics  telemetry.Recorder
	clock    types.Clock
	newID    func() string
	logger   *slog.Logger
}

// AccountantConfig holds the dependencies for creating an Accountant.
type AccountantConfig struct {
	Profiles ProfileStore
	Addons   AddonStore
	Session  *session.Context
	Registry billing.PlanRegistry
	Events   events.Publisher
	Metrics  telemetry.Recorder
	Clock    types.Clock
	IDGen    func() string
	Logger   *slog.Logger
}

// NewAccountant creates an Accountant. Registry defaults to the static
// plan table, Events and Metrics to no-ops, Clock to RealClock, IDGen to
// random UUIDs and Logger to slog.Default().
func NewAccountant(cfg AccountantConfig) *Accountant {
	a := &Accountant{
		profiles: cfg.Profiles,
		addons:   cfg.Addons,
		session:  cfg.Session,
		registry: cfg.Registry,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		newID:    cfg.IDGen,
		logger:   cfg.Logger,
	}
	if a.session == nil {
		a.session = session.New()
	}
	if a.registry == nil {
		a.registry = billing.DefaultRegistry()
	}
	if a.events == nil {
		a.events = events.NopPublisher{}
	}
	if a.metrics == nil {
		a.metrics = telemetry.Nop{}
	}
	if a.clock == nil {
		a.clock = types.RealClock{}
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// CanUse runs the admission check against the current session snapshot.
func (a *Accountant) CanUse(feature types.Feature) bool {
	return CanUse(a.session.Current().Profile, feature)
}

// IncrementUsage records one use of feature for userID.
//
// The store applies the +1 atomically. Only after it confirms is the delta
// merged into the session snapshot; the returned Used and CanUseMore come
// from that merged value while Limit is the cached limit. On failure the
// snapshot is left untouched.
//
// IncrementUsage does not check admission. Callers check first, perform the
// gated action, then increment; see TryUse. Two sessions of the same user
// may both pass admission before either increments.
func (a *Accountant) IncrementUsage(ctx context.Context, userID string, feature types.Feature) (Result, error) {
	if err := a.requireSession(userID); err != nil {
		return Result{}, err
	}
	if !feature.Valid() {
		return Result{}, unknownFeature(feature)
	}

	stored, err := a.profiles.IncrementUsed(ctx, userID, feature, a.clock.Now())
	if err != nil {
		a.metrics.UsageIncremented(ctx, feature, false)
		a.logger.Error("usage increment failed",
			"user_id", userID,
			"feature", string(feature),
			"error", err,
		)
		return Result{}, asStorageError(err, "failed to increment usage")
	}
	a.metrics.UsageIncremented(ctx, feature, true)

	counter, ok := a.session.ApplyUsedDelta(userID, feature, 1, stored)
	if !ok {
		// Session changed underneath us; report the stored value.
		counter = stored
	}

	if stored.Limit > 0 && stored.Used == stored.Limit {
		a.publish(ctx, types.AccountEvent{
			Type:     types.EventUsageLimitReached,
			UserID:   userID,
			Feature:  feature,
			Quantity: stored.Used,
		})
	}

	return Result{
		Used:       counter.Used,
		Limit:      counter.Limit,
		CanUseMore: counter.Used < counter.Limit,
	}, nil
}

// TryUse sequences admission, the gated action and the increment. A denied
// admission returns ErrCodeLimitExceeded without running action. When
// action fails its error is returned and nothing is counted.
func (a *Accountant) TryUse(ctx context.Context, userID string, feature types.Feature, action func(ctx context.Context) error) (Result, error) {
	if err := a.requireSession(userID); err != nil {
		return Result{}, err
	}
	if !feature.Valid() {
		return Result{}, unknownFeature(feature)
	}

	profile := a.session.Current().Profile
	if !CanUse(profile, feature) {
		a.metrics.AdmissionDenied(ctx, feature)
		details := map[string]any{"feature": string(feature)}
		if profile != nil {
			if c, ok := profile.Usage[feature]; ok {
				details["used"] = c.Used
				details["limit"] = c.Limit
			}
		}
		return Result{}, types.NewAppErrorWithDetails(
			types.ErrCodeLimitExceeded,
			fmt.Sprintf("usage limit reached for %s", feature),
			nil,
			details,
		)
	}

	if action != nil {
		if err := action(ctx); err != nil {
			return Result{}, err
		}
	}
	return a.IncrementUsage(ctx, userID, feature)
}

// ChangePlan moves userID to plan. Every limit is recomputed for the new
// plan and every used value is kept, in one atomic store update. Unlike
// quota resolution, an unrecognized plan is rejected rather than coerced.
//
// ChangePlan does not require userID to be signed in; when it is, the
// session snapshot is merged with the stored result.
func (a *Accountant) ChangePlan(ctx context.Context, userID string, plan types.Plan) (*types.Profile, error) {
	if !plan.Valid() {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeUnknownPlan,
			fmt.Sprintf("unknown plan %q", plan),
			nil,
			map[string]any{"plan": string(plan)},
		)
	}

	current, err := a.profiles.Get(ctx, userID)
	if err != nil {
		return nil, asStorageError(err, "failed to load profile")
	}
	previous := a.registry.ResolvePlan(string(current.Plan))

	updated, err := a.profiles.ApplyPlan(ctx, userID, plan, a.registry.GetLimits(plan), a.clock.Now())
	if err != nil {
		a.logger.Error("plan change failed",
			"user_id", userID,
			"plan", string(plan),
			"error", err,
		)
		return nil, asStorageError(err, "failed to apply plan")
	}

	purchasedAt := a.clock.Now()
	if updated.PlanPurchasedAt != nil {
		purchasedAt = *updated.PlanPurchasedAt
	}
	a.session.ApplyPlan(userID, updated.Plan, purchasedAt, updated.Usage)

	a.metrics.PlanChanged(ctx, previous, plan)
	a.publish(ctx, types.AccountEvent{
		Type:         types.EventPlanChanged,
		UserID:       userID,
		Plan:         plan,
		PreviousPlan: previous,
	})
	a.logger.Info("plan changed",
		"user_id", userID,
		"from", string(previous),
		"to", string(plan),
	)
	return updated, nil
}

// ChangePlanByName parses raw at the edge and then calls ChangePlan.
func (a *Accountant) ChangePlanByName(ctx context.Context, userID, raw string) (*types.Profile, error) {
	plan, err := types.ParsePlan(raw)
	if err != nil {
		return nil, err
	}
	return a.ChangePlan(ctx, userID, plan)
}

// PurchaseAddon raises feature's limit by quantity packs for the signed-in
// user and records the purchase, both in one transaction. Payment capture is
// not performed here.
func (a *Accountant) PurchaseAddon(ctx context.Context, userID string, feature types.Feature, quantity int) (*types.AddonPurchase, error) {
	if err := a.requireSession(userID); err != nil {
		return nil, err
	}
	quote, err := billing.Quote(feature, quantity)
	if err != nil {
		return nil, err
	}

	stored, err := a.addons.Purchase(ctx, &types.AddonPurchase{
		ID:                a.newID(),
		UserID:            userID,
		Feature:           feature,
		Quantity:          quote.Quantity,
		EffectiveQuantity: quote.EffectiveQuantity,
		UnitPrice:         quote.UnitPrice,
		TotalPrice:        quote.TotalPrice,
		Currency:          quote.Currency,
		PurchaseDate:      a.clock.Now(),
	})
	if err != nil {
		a.logger.Error("add-on purchase failed",
			"user_id", userID,
			"feature", string(feature),
			"quantity", quantity,
			"error", err,
		)
		return nil, asStorageError(err, "failed to purchase add-on")
	}

	a.session.ApplyLimit(userID, feature, stored.NewLimit)

	a.metrics.AddonPurchased(ctx, feature, stored.EffectiveQuantity)
	a.publish(ctx, types.AccountEvent{
		Type:       types.EventAddonPurchased,
		UserID:     userID,
		Feature:    feature,
		Quantity:   stored.EffectiveQuantity,
		TotalPrice: stored.TotalPrice,
		Currency:   stored.Currency,
	})
	return stored, nil
}

// PurchaseHistory lists userID's add-on purchases, newest first. A limit of
// zero returns every purchase.
func (a *Accountant) PurchaseHistory(ctx context.Context, userID string, limit int) ([]*types.AddonPurchase, error) {
	purchases, err := a.addons.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, asStorageError(err, "failed to list add-on purchases")
	}
	return purchases, nil
}

func (a *Accountant) requireSession(userID string) error {
	snap := a.session.Current()
	if !snap.SignedIn() || snap.UserID() != userID {
		return types.NewAppError(types.ErrCodeUnauthenticated, "an active session for this user is required", nil)
	}
	return nil
}

// publish stamps and sends event. The mutation it describes has already
// committed, so a failure is only logged.
func (a *Accountant) publish(ctx context.Context, event types.AccountEvent) {
	event.ID = a.newID()
	event.OccurredAt = a.clock.Now()
	if actor, ok := types.GetActor(ctx); ok {
		event.Source = actor.Source
	}
	if err := a.events.Publish(ctx, event); err != nil {
		a.logger.Warn("account event not published",
			"event_type", string(event.Type),
			"user_id", event.UserID,
			"error", err,
		)
	}
}

func unknownFeature(feature types.Feature) error {
	return types.NewAppErrorWithDetails(
		types.ErrCodeUnknownFeature,
		fmt.Sprintf("unknown feature %q", feature),
		nil,
		map[string]any{"feature": string(feature)},
	)
}

// asStorageError passes categorized errors through and wraps anything else
// as a storage failure.
func asStorageError(err error, msg string) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeStorage, msg, err)
}
