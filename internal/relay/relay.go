package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"iris/internal/types"
)

// replayOrder is the precedence in which flags are honored. The first
// non-empty flag wins; every other flag is discarded.
var replayOrder = []string{
	FlagPostVerificationPlan,
	FlagPostVerificationAddon,
	FlagPendingPlan,
	FlagPendingAddon,
}

// PlanApplier applies a replayed plan selection.
type PlanApplier func(ctx context.Context, plan types.Plan) error

// AddonApplier applies a replayed add-on selection.
type AddonApplier func(ctx context.Context, feature types.Feature, quantity int) error

// Replayed describes what Replay acted on.
type Replayed struct {
	Flag  string // empty when nothing was pending
	Plan  types.Plan
	Addon *types.PendingAddon
}

// Relay stores deferred selections and replays them after verification.
type Relay struct {
	store  FlagStore
	logger *slog.Logger
}

// New creates a Relay over store. A nil logger uses slog.Default().
func New(store FlagStore, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: store, logger: logger}
}

// StorePendingPlan records a plan chosen before verification.
func (r *Relay) StorePendingPlan(ctx context.Context, userID string, plan types.Plan) error {
	if !plan.Valid() {
		return types.NewAppError(types.ErrCodeUnknownPlan, fmt.Sprintf("unknown plan %q", plan), nil)
	}
	if err := r.store.Set(ctx, userID, FlagPendingPlan, string(plan)); err != nil {
		return types.NewAppError(types.ErrCodeStorage, "failed to store pending plan", err)
	}
	return nil
}

// StorePendingAddon records an add-on chosen before verification.
func (r *Relay) StorePendingAddon(ctx context.Context, userID string, addon types.PendingAddon) error {
	if _, err := types.ParseFeature(addon.FeatureType); err != nil {
		return err
	}
	raw, err := json.Marshal(addon)
	if err != nil {
		return fmt.Errorf("marshal pending addon: %w", err)
	}
	if err := r.store.Set(ctx, userID, FlagPendingAddon, string(raw)); err != nil {
		return types.NewAppError(types.ErrCodeStorage, "failed to store pending add-on", err)
	}
	return nil
}

// MarkVerificationPending moves each pending flag to its post-verification
// counterpart. It is called once the verification email has been sent.
func (r *Relay) MarkVerificationPending(ctx context.Context, userID string) error {
	moves := [][2]string{
		{FlagPendingPlan, FlagPostVerificationPlan},
		{FlagPendingAddon, FlagPostVerificationAddon},
	}
	for _, m := range moves {
		moved, err := r.store.Move(ctx, userID, m[0], m[1])
		if err != nil {
			return types.NewAppError(types.ErrCodeStorage, "failed to mark verification pending", err)
		}
		if moved {
			r.logger.Info("selection deferred until verification", "user_id", userID, "flag", m[1])
		}
	}
	return nil
}

// Replay honors at most one deferred selection for userID.
//
// Every flag is cleared before anything is parsed or applied, so a
// selection is replayed at most once even when parsing or applying fails.
// A malformed flag yields ErrCodeMalformedFlag; an apply failure is
// returned as is. Replay with no pending flag is a no-op.
func (r *Relay) Replay(ctx context.Context, userID string, applyPlan PlanApplier, applyAddon AddonApplier) (Replayed, error) {
	flags, err := r.store.TakeAll(ctx, userID)
	if err != nil {
		return Replayed{}, types.NewAppError(types.ErrCodeStorage, "failed to read relay flags", err)
	}

	if flags.Empty() {
		return Replayed{}, nil
	}
	flag, raw := firstSet(flags)
	log := r.logger.With("user_id", userID, "flag", flag)
	if discarded := len(nonEmpty(flags)) - 1; discarded > 0 {
		log.Warn("discarding additional relay flags", "discarded", discarded)
	}

	switch flag {
	case FlagPostVerificationPlan, FlagPendingPlan:
		plan, err := types.ParsePlan(raw)
		if err != nil {
			log.Warn("malformed plan flag", "value", raw)
			return Replayed{Flag: flag}, err
		}
		out := Replayed{Flag: flag, Plan: plan}
		if err := applyPlan(ctx, plan); err != nil {
			log.Error("plan replay failed", "plan", string(plan), "error", err)
			return out, err
		}
		log.Info("plan replayed", "plan", string(plan))
		return out, nil

	default:
		addon, feature, err := parseAddon(raw)
		if err != nil {
			log.Warn("malformed add-on flag", "value", raw)
			return Replayed{Flag: flag}, err
		}
		out := Replayed{Flag: flag, Addon: &addon}
		if err := applyAddon(ctx, feature, addon.Quantity); err != nil {
			log.Error("add-on replay failed", "feature", addon.FeatureType, "error", err)
			return out, err
		}
		log.Info("add-on replayed", "feature", addon.FeatureType, "quantity", addon.Quantity)
		return out, nil
	}
}

func firstSet(flags Flags) (string, string) {
	for _, f := range replayOrder {
		if v := flags[f]; v != "" {
			return f, v
		}
	}
	return "", ""
}

func nonEmpty(flags Flags) []string {
	var out []string
	for _, f := range AllFlags {
		if flags[f] != "" {
			out = append(out, f)
		}
	}
	return out
}

// parseAddon decodes the {featureType, quantity} document.
func parseAddon(raw string) (types.PendingAddon, types.Feature, error) {
	var addon types.PendingAddon
	if err := json.Unmarshal([]byte(raw), &addon); err != nil {
		return addon, "", types.NewAppError(types.ErrCodeMalformedFlag, "pending add-on is not valid JSON", err)
	}
	feature, err := types.ParseFeature(addon.FeatureType)
	if err != nil {
		return addon, "", types.NewAppErrorWithDetails(
			types.ErrCodeMalformedFlag,
			"pending add-on names an unknown feature",
			err,
			map[string]any{"featureType": addon.FeatureType},
		)
	}
	if addon.Quantity <= 0 {
		return addon, "", types.NewAppErrorWithDetails(
			types.ErrCodeMalformedFlag,
			"pending add-on quantity must be positive",
			nil,
			map[string]any{"quantity": addon.Quantity},
		)
	}
	return addon, feature, nil
}
