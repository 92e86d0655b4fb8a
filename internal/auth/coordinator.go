// Package auth connects identity events to the session, profile
// provisioning and the deferred-selection relay.
package auth

import (
	"context"
	"log/slog"

	"iris/internal/identity"
	"iris/internal/profile"
	"iris/internal/relay"
	"iris/internal/session"
	"iris/internal/types"
)

// Provisioner ensures a stored profile exists for an identity.
type Provisioner interface {
	Ensure(ctx context.Context, identity types.Identity) (profile.Outcome, error)
}

// Accounts applies replayed selections.
type Accounts interface {
	ChangePlan(ctx context.Context, userID string, plan types.Plan) (*types.Profile, error)
	PurchaseAddon(ctx context.Context, userID string, feature types.Feature, quantity int) (*types.AddonPurchase, error)
}

// Selection is what a user picked before their email was verified. At most
// one of Plan and Addon is honored; Plan wins when both are set.
type Selection struct {
	Plan  types.Plan
	Addon *types.PendingAddon
}

// IsZero reports whether nothing was selected.
func (s Selection) IsZero() bool {
	return s.Plan == "" && s.Addon == nil
}

// Coordinator reacts to identity events and drives the sign-up flows.
type Coordinator struct {
	provider    identity.Provider
	session     *session.Context
	provisioner Provisioner
	relay       *relay.Relay
	accounts    Accounts
	guard       *SignInGuard
	logger      *slog.Logger
}

// CoordinatorConfig holds the dependencies for creating a Coordinator.
// Guard is optional.
type CoordinatorConfig struct {
	Provider    identity.Provider
	Session     *session.Context
	Provisioner Provisioner
	Relay       *relay.Relay
	Accounts    Accounts
	Guard       *SignInGuard
	Logger      *slog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sess := cfg.Session
	if sess == nil {
		sess = session.New()
	}
	return &Coordinator{
		provider:    cfg.Provider,
		session:     sess,
		provisioner: cfg.Provisioner,
		relay:       cfg.Relay,
		accounts:    cfg.Accounts,
		guard:       cfg.Guard,
		logger:      logger,
	}
}

// Attach subscribes the coordinator to provider events and returns the
// unsubscribe func.
func (c *Coordinator) Attach() func() {
	return c.provider.Listen(func(ctx context.Context, ev identity.Event) {
		if err := c.Handle(ctx, ev); err != nil {
			c.logger.Warn("identity event handled with errors", "event", string(ev.Kind), "error", err)
		}
	})
}

// Handle applies one identity event.
//
// On SignedIn the identity is published, the profile is fetched or
// created, the outcome is published and, for a verified email, the relay
// is replayed. The returned error is the first failure; the session always
// ends up in a consistent state. On SignedOut the session is cleared.
func (c *Coordinator) Handle(ctx context.Context, ev identity.Event) error {
	switch ev.Kind {
	case identity.SignedOut:
		c.session.SignOut()
		return nil
	case identity.SignedIn:
	default:
		return nil
	}
	if ev.Identity == nil {
		return types.NewAppError(types.ErrCodeInvalidArgument, "sign-in event without identity", nil)
	}

	id := *ev.Identity
	log := c.logger.With("user_id", id.UID)
	c.session.SignIn(id)

	outcome, err := c.provisioner.Ensure(ctx, id)
	c.publishOutcome(id.UID, outcome, err)
	if err != nil {
		log.Error("profile provisioning failed", "state", string(outcome.State), "error", err)
		if outcome.Profile == nil {
			return err
		}
	}

	if !id.EmailVerified {
		return err
	}
	if _, rerr := c.ReplayPending(ctx, id.UID); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// publishOutcome maps a provisioning outcome onto the session. A failed
// create clears the profile; it is never left half-populated.
func (c *Coordinator) publishOutcome(uid string, outcome profile.Outcome, err error) {
	switch {
	case outcome.Profile != nil:
		c.session.SetProfile(uid, outcome.State, outcome.Profile)
	case outcome.State == types.ProfileStateCreateFailed:
		c.session.SetProfile(uid, types.ProfileStateNone, nil)
	case err != nil:
		c.session.SetProfile(uid, types.ProfileStateUnavailable, nil)
	}
}

// ReplayPending replays any deferred selection of userID through the
// accounting service.
func (c *Coordinator) ReplayPending(ctx context.Context, userID string) (relay.Replayed, error) {
	ctx = types.WithActor(ctx, types.Actor{ID: userID, Source: "relay"})
	applyPlan := func(ctx context.Context, plan types.Plan) error {
		_, err := c.accounts.ChangePlan(ctx, userID, plan)
		return err
	}
	applyAddon := func(ctx context.Context, feature types.Feature, qty int) error {
		_, err := c.accounts.PurchaseAddon(ctx, userID, feature, qty)
		return err
	}
	out, err := c.relay.Replay(ctx, userID, applyPlan, applyAddon)
	if err != nil {
		c.logger.Error("deferred selection replay failed", "user_id", userID, "flag", out.Flag, "error", err)
	}
	return out, err
}

// SignIn authenticates through the provider. When a guard is configured,
// repeated credential failures are refused locally.
func (c *Coordinator) SignIn(ctx context.Context, email, password string) (*types.Identity, error) {
	if c.guard != nil && !c.guard.Allow(ctx, email) {
		return nil, types.NewAppError(types.ErrCodeAuthTooManyRequests, "too many failed sign-in attempts, try again later", nil)
	}
	id, err := c.provider.SignIn(ctx, email, password)
	if c.guard != nil {
		c.guard.Record(ctx, email, err)
	}
	return id, err
}

// SignUpWithSelection creates an account, stores sel as pending and sends
// the verification email. Once the email is sent the pending selection is
// moved to its post-verification flag. sel is validated before the account
// is created.
func (c *Coordinator) SignUpWithSelection(ctx context.Context, email, password, displayName string, sel Selection) (*types.Identity, error) {
	if sel.Plan != "" && !sel.Plan.Valid() {
		return nil, types.NewAppError(types.ErrCodeUnknownPlan, "unknown plan "+string(sel.Plan), nil)
	}
	if sel.Addon != nil {
		if _, err := types.ParseFeature(sel.Addon.FeatureType); err != nil {
			return nil, err
		}
		if sel.Addon.Quantity <= 0 {
			return nil, types.NewAppError(types.ErrCodeInvalidQuantity, "add-on quantity must be positive", nil)
		}
	}

	id, err := c.provider.SignUp(ctx, email, password, displayName)
	if err != nil {
		return nil, err
	}
	log := c.logger.With("user_id", id.UID)

	switch {
	case sel.Plan != "":
		err = c.relay.StorePendingPlan(ctx, id.UID, sel.Plan)
	case sel.Addon != nil:
		err = c.relay.StorePendingAddon(ctx, id.UID, *sel.Addon)
	}
	if err != nil {
		log.Error("failed to store pending selection", "error", err)
		return id, err
	}

	if err := c.provider.SendVerification(ctx, id.IDToken); err != nil {
		log.Error("failed to send verification email", "error", err)
		return id, err
	}
	if sel.IsZero() {
		return id, nil
	}
	return id, c.relay.MarkVerificationPending(ctx, id.UID)
}

// MarkVerificationPending defers the signed-in user's pending selection
// until their email is verified.
func (c *Coordinator) MarkVerificationPending(ctx context.Context) error {
	uid := c.session.Current().UserID()
	if uid == "" {
		return types.NewAppError(types.ErrCodeUnauthenticated, "no user is signed in", nil)
	}
	return c.relay.MarkVerificationPending(ctx, uid)
}

// RefreshVerification reloads the signed-in identity and, once its email
// is verified, replays any deferred selection. It reports the verification
// state.
func (c *Coordinator) RefreshVerification(ctx context.Context) (bool, error) {
	snap := c.session.Current()
	if !snap.SignedIn() {
		return false, types.NewAppError(types.ErrCodeUnauthenticated, "no user is signed in", nil)
	}
	id, err := c.provider.Reload(ctx, snap.Identity.IDToken)
	if err != nil {
		return snap.Identity.EmailVerified, err
	}
	c.session.SetEmailVerified(snap.UserID(), id.EmailVerified)
	if !id.EmailVerified {
		return false, nil
	}
	_, err = c.ReplayPending(ctx, snap.UserID())
	return true, err
}

// SignOut signs out through the provider, when one is configured, and
// clears the session. It is also the forced sign-out used when a role
// check fails.
func (c *Coordinator) SignOut(ctx context.Context) error {
	var err error
	if c.provider != nil {
		err = c.provider.SignOut(ctx)
	}
	if c.session.Current().SignedIn() {
		c.session.SignOut()
	}
	return err
}

// Session returns the session the coordinator publishes to.
func (c *Coordinator) Session() *session.Context {
	return c.session
}
