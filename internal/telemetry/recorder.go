// Package telemetry records accounting metrics and serves the ops listener.
package telemetry

import (
	"context"

	"iris/internal/types"
)

// Result label values for usage increments.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Recorder receives accounting signals. Implementations must never block
// the caller on a slow backend for long and must never return errors; a
// failed emission is logged and dropped.
type Recorder interface {
	// UsageIncremented is called after every increment attempt.
	UsageIncremented(ctx context.Context, feature types.Feature, ok bool)

	// AdmissionDenied is called when a gated action is refused.
	AdmissionDenied(ctx context.Context, feature types.Feature)

	// PlanChanged is called after a plan change commits.
	PlanChanged(ctx context.Context, from, to types.Plan)

	// AddonPurchased is called after an add-on purchase commits. units is
	// the effective number of uses granted.
	AddonPurchased(ctx context.Context, feature types.Feature, units int)
}

// Nop discards every signal.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) UsageIncremented(context.Context, types.Feature, bool) {}
func (Nop) AdmissionDenied(context.Context, types.Feature)        {}
func (Nop) PlanChanged(context.Context, types.Plan, types.Plan)   {}
func (Nop) AddonPurchased(context.Context, types.Feature, int)    {}

func resultLabel(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
