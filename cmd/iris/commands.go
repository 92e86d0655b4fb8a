package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-playground/validator/v10"

	"iris/internal/auth"
	"iris/internal/billing"
	"iris/internal/config"
	"iris/internal/dashboard"
	"iris/internal/events"
	"iris/internal/identity"
	"iris/internal/profile"
	"iris/internal/relay"
	"iris/internal/session"
	"iris/internal/telemetry"
	"iris/internal/types"
	"iris/internal/usage"
)

// profileStore is everything the CLI needs from the Profile Store.
type profileStore interface {
	usage.ProfileStore
	profile.Store
}

type opsRunner interface {
	ListenAndServe(ctx context.Context) error
}

// appDeps are the stores and clients an app is assembled from. run builds
// them from Config; tests pass in-memory fakes.
type appDeps struct {
	Out       io.Writer
	Logger    *slog.Logger
	Profiles  profileStore
	Addons    usage.AddonStore
	Students  dashboard.StudentStore
	Flags     relay.FlagStore
	Identity  identity.Provider
	Guard     *auth.SignInGuard
	Events    events.Publisher
	Metrics   telemetry.Recorder
	Clock     types.Clock
	Dashboard config.DashboardConfig
	Ops       opsRunner
	Migrate   func(ctx context.Context) error
}

type app struct {
	out         io.Writer
	logger      *slog.Logger
	validate    *validator.Validate
	registry    billing.PlanRegistry
	session     *session.Context
	profiles    profileStore
	accounts    *usage.Accountant
	coordinator *auth.Coordinator
	provider    identity.Provider
	dashboard   *dashboard.Service
	ops         opsRunner
	migrate     func(ctx context.Context) error
}

func newApp(d appDeps) *app {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Out == nil {
		d.Out = os.Stdout
	}
	registry := billing.NewStaticPlanRegistry(d.Logger)
	sess := session.New()

	accounts := usage.NewAccountant(usage.AccountantConfig{
		Profiles: d.Profiles,
		Addons:   d.Addons,
		Session:  sess,
		Registry: registry,
		Events:   d.Events,
		Metrics:  d.Metrics,
		Clock:    d.Clock,
		Logger:   d.Logger,
	})
	provisioner := profile.NewProvisioner(profile.ProvisionerConfig{
		Store:    d.Profiles,
		Registry: registry,
		Clock:    d.Clock,
		Logger:   d.Logger,
	})
	coordinator := auth.NewCoordinator(auth.CoordinatorConfig{
		Provider:    d.Identity,
		Session:     sess,
		Provisioner: provisioner,
		Relay:       relay.New(d.Flags, d.Logger),
		Accounts:    accounts,
		Guard:       d.Guard,
		Logger:      d.Logger,
	})
	if d.Identity != nil {
		coordinator.Attach()
	}
	dash := dashboard.NewService(dashboard.Config{
		Profiles:         d.Profiles,
		Students:         d.Students,
		Session:          sess,
		SignOut:          coordinator,
		CacheSize:        d.Dashboard.CacheSize,
		CacheTTL:         d.Dashboard.CacheTTL,
		FetchConcurrency: d.Dashboard.FetchConcurrency,
		HistoryLimit:     d.Dashboard.HistoryLimit,
		Logger:           d.Logger,
	})

	return &app{
		out:         d.Out,
		logger:      d.Logger,
		validate:    validator.New(),
		registry:    registry,
		session:     sess,
		profiles:    d.Profiles,
		accounts:    accounts,
		coordinator: coordinator,
		provider:    d.Identity,
		dashboard:   dash,
		ops:         d.Ops,
		migrate:     d.Migrate,
	}
}

// ============================================================
// Command table
// ============================================================

type command struct {
	name    string
	summary string
	run     func(a *app, ctx context.Context, args []string) error
}

var commands = []command{
	{"plan set", "set a user's plan and reset its limits", (*app).planSet},
	{"usage show", "print a user's usage report", (*app).usageShow},
	{"usage use", "admit and record one use of a feature", (*app).usageUse},
	{"addon buy", "purchase an add-on pack for a user", (*app).addonBuy},
	{"addon history", "list a user's add-on purchases", (*app).addonHistory},
	{"addon quote", "price an add-on purchase", (*app).addonQuote},
	{"students list", "list a teacher's students with stats", (*app).studentsList},
	{"relay replay", "replay a verified user's deferred selection", (*app).relayReplay},
	{"account signup", "create an account and send the verification email", (*app).accountSignUp},
	{"account signin", "sign in and provision the profile", (*app).accountSignIn},
	{"account verify", "sign in and apply a deferred selection once verified", (*app).accountVerify},
	{"account reset", "send a password reset email", (*app).accountReset},
	{"serve-ops", "serve /healthz and /metrics until interrupted", (*app).serveOps},
	{"migrate", "apply the Profile Store schema", (*app).runMigrate},
}

// lookup resolves the one- or two-word command at the start of args.
func lookup(args []string) (command, []string, bool) {
	for _, c := range commands {
		words := strings.Fields(c.name)
		if len(args) < len(words) {
			continue
		}
		if strings.Join(args[:len(words)], " ") == c.name {
			return c, args[len(words):], true
		}
	}
	return command{}, nil, false
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: iris <command> [flags]\n\nCommands:\n")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.summary)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nRun 'iris <command> -h' for command flags.\n")
}

// parse parses args into fs and validates target. -h prints the flags and
// returns flag.ErrHelp.
func (a *app) parse(fs *flag.FlagSet, args []string, target any) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			fs.SetOutput(a.out)
			fs.PrintDefaults()
			return err
		}
		return types.NewAppError(types.ErrCodeInvalidArgument, err.Error(), err)
	}
	if err := a.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return types.NewAppError(types.ErrCodeInvalidArgument, err.Error(), err)
		}
		fe := verrs[0]
		name := "-" + strings.ToLower(fe.Field())
		if fe.Tag() == "required" {
			return types.NewAppError(types.ErrCodeMissingField, name+" is required", err)
		}
		return types.NewAppError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("%s must satisfy %s=%s", name, fe.Tag(), fe.Param()), err)
	}
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// actAs loads uid's stored profile into the session so session-bound
// operations run on that user's behalf.
func (a *app) actAs(ctx context.Context, uid string) (*types.Profile, error) {
	p, err := a.profiles.Get(ctx, uid)
	if err != nil {
		return nil, err
	}
	a.session.SignIn(types.Identity{
		UID:           p.UID,
		Email:         p.Email,
		DisplayName:   p.DisplayName,
		EmailVerified: true,
	})
	a.session.SetProfile(p.UID, types.ProfileStateFound, p)
	return p, nil
}

// ============================================================
// Plans and usage
// ============================================================

type userArgs struct {
	User string `validate:"required"`
}

func (a *app) planSet(ctx context.Context, args []string) error {
	in := struct {
		User string `validate:"required"`
		Plan string `validate:"required"`
	}{}
	fs := flag.NewFlagSet("plan set", flag.ContinueOnError)
	fs.StringVar(&in.User, "user", "", "user id")
	fs.StringVar(&in.Plan, "plan", "", "free, starter, standard or pro")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}

	p, err := a.accounts.ChangePlanByName(ctx, in.User, in.Plan)
	if err != nil {
		return err
	}
	return a.printJSON(billing.BuildUsageReport(a.registry, p))
}

func (a *app) usageShow(ctx context.Context, args []string) error {
	var in userArgs
	fs := flag.NewFlagSet("usage show", flag.ContinueOnError)
	fs.StringVar(&in.User, "user", "", "user id")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}

	p, err := a.profiles.Get(ctx, in.User)
	if err != nil {
		return err
	}
	return a.printJSON(billing.BuildUsageReport(a.registry, p))
}

func (a *app) usageUse(ctx context.Context, args []string) error {
	in := struct {
		User    string `validate:"required"`
		Feature string `validate:"required"`
	}{}
	fs := flag.NewFlagSet("usage use", flag.ContinueOnError)
	fs.StringVar(&in.User, "user", "", "user id")
	fs.StringVar(&in.Feature, "feature", "", "resumeAnalyses, mockInterviews, pdfDownloads or aiEnhance")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}
	feature, err := types.ParseFeature(in.Feature)
	if err != nil {
		return err
	}
	if _, err := a.actAs(ctx, in.User); err != nil {
		return err
	}

	res, err := a.accounts.TryUse(ctx, in.User, feature, func(context.Context) error { return nil })
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

// ============================================================
// Add-ons
// ============================================================

type addonArgs struct {
	User    string `validate:"required"`
	Feature string `validate:"required"`
	Qty     int    `validate:"min=1"`
}

func (a *app) addonBuy(ctx context.Context, args []string) error {
	var in addonArgs
	fs := flag.NewFlagSet("addon buy", flag.ContinueOnError)
	fs.StringVar(&in.User, "user", "", "user id")
	fs.StringVar(&in.Feature, "feature", "", "feature key")
	fs.IntVar(&in.Qty, "qty", 1, "number of packs")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}
	feature, err := types.ParseFeature(in.Feature)
	if err != nil {
		return err
	}
	if _, err := a.actAs(ctx, in.User); err != nil {
		return err
	}

	purchase, err := a.accounts.PurchaseAddon(ctx, in.User, feature, in.Qty)
	if err != nil {
		return err
	}
	return a.printJSON(purchase)
}

func (a *app) addonHistory(ctx context.Context, args []string) error {
	in := struct {
		User  string `validate:"required"`
		Limit int    `validate:"min=0"`
	}{}
	fs := flag.NewFlagSet("addon history", flag.ContinueOnError)
	fs.StringVar(&in.User, "user", "", "user id")
	fs.IntVar(&in.Limit, "limit", 20, "maximum purchases to list, 0 for all")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}

	purchases, err := a.accounts.PurchaseHistory(ctx, in.User, in.Limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tFEATURE\tQTY\tUSES\tTOTAL\tLIMIT")
	for _, p := range purchases {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d %s\t%d -> %d\n",
			p.PurchaseDate.UTC().Format(time.RFC3339), p.Feature, p.Quantity, p.EffectiveQuantity,
			p.TotalPrice, p.Currency, p.PreviousLimit, p.NewLimit)
	}
	return tw.Flush()
}

func (a *app) addonQuote(_ context.Context, args []string) error {
	in := struct {
		Feature string
		Qty     int `validate:"min=1"`
	}{}
	fs := flag.NewFlagSet("addon quote", flag.ContinueOnError)
	fs.StringVar(&in.Feature, "feature", "", "feature key; empty lists the catalog")
	fs.IntVar(&in.Qty, "qty", 1, "number of packs")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}
	if in.Feature == "" {
		return a.printCatalog()
	}
	feature, err := types.ParseFeature(in.Feature)
	if err != nil {
		return err
	}
	q, err := billing.Quote(feature, in.Qty)
	if err != nil {
		return err
	}
	return a.printJSON(q)
}

func (a *app) printCatalog() error {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tPRICE\tUSES/PACK")
	for _, p := range billing.Catalog() {
		fmt.Fprintf(tw, "%s\t%d %s\t%d\n", p.Feature, p.UnitPrice, billing.Currency, p.Multiplier)
	}
	return tw.Flush()
}

// ============================================================
// Dashboard
// ============================================================

func (a *app) studentsList(ctx context.Context, args []string) error {
	in := struct {
		Teacher string `validate:"required"`
		Search  string
		Export  string
	}{}
	fs := flag.NewFlagSet("students list", flag.ContinueOnError)
	fs.StringVar(&in.Teacher, "teacher", "", "teacher user id")
	fs.StringVar(&in.Search, "search", "", "filter by name or email")
	fs.StringVar(&in.Export, "export", "", "write a CSV report; .gz and .zst compress it")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}
	if _, err := a.actAs(ctx, in.Teacher); err != nil {
		return err
	}

	teacher, err := a.dashboard.VerifyTeacher(ctx)
	if err != nil {
		return err
	}
	students, err := a.dashboard.AssignedStudents(ctx, teacher)
	if err != nil {
		return err
	}
	students = dashboard.Search(students, in.Search)
	activity, err := a.dashboard.StudentActivity(ctx, students)
	if err != nil {
		return err
	}

	if in.Export != "" {
		if err := a.export(in.Export, students, activity); err != nil {
			return err
		}
		a.logger.Info("exported students", "path", in.Export, "count", len(students))
	}

	st := dashboard.CalculateStats(students, activity)
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tNAME\tEMAIL\tPLAN\tRESUMES\tINTERVIEWS")
	for _, p := range students {
		ra := p.Usage[types.FeatureResumeAnalyses]
		mi := p.Usage[types.FeatureMockInterviews]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%d/%d\n",
			p.UID, p.DisplayName, p.Email, p.Plan, ra.Used, ra.Limit, mi.Used, mi.Limit)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "\n%d students (%d free, %d paid), avg resume score %d, avg interview score %d\n",
		st.TotalStudents, st.StudentsOnFree, st.StudentsOnPaid, st.AvgResumeScore, st.AvgInterviewScore)
	return nil
}

func (a *app) export(path string, students []*types.Profile, activity map[string]dashboard.Activity) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close export file: %w", cerr)
		}
	}()
	return dashboard.ExportCSV(f, students, activity, dashboard.CompressionForPath(path))
}

// ============================================================
// Relay and identity
// ============================================================

func (a *app) relayReplay(ctx context.Context, args []string) error {
	var in userArgs
	fs := flag.NewFlagSet("relay replay", flag.ContinueOnError)
	fs.StringVar(&in.User, "user", "", "user id")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}
	if _, err := a.actAs(ctx, in.User); err != nil {
		return err
	}

	replayed, err := a.coordinator.ReplayPending(ctx, in.User)
	if err != nil {
		return err
	}
	return a.printJSON(replayed)
}

type credentialArgs struct {
	Email    string `validate:"required"`
	Password string `validate:"required"`
}

func credentialFlags(fs *flag.FlagSet, in *credentialArgs) {
	fs.StringVar(&in.Email, "email", "", "account email")
	fs.StringVar(&in.Password, "password", os.Getenv("IRIS_PASSWORD"), "account password (default $IRIS_PASSWORD)")
}

func (a *app) requireIdentity() error {
	if a.provider == nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "identity provider is not configured", nil)
	}
	return nil
}

func (a *app) accountSignUp(ctx context.Context, args []string) error {
	in := struct {
		credentialArgs
		Name  string
		Plan  string
		Addon string
		Qty   int `validate:"min=0"`
	}{}
	if err := a.requireIdentity(); err != nil {
		return err
	}
	fs := flag.NewFlagSet("account signup", flag.ContinueOnError)
	credentialFlags(fs, &in.credentialArgs)
	fs.StringVar(&in.Name, "name", "", "display name")
	fs.StringVar(&in.Plan, "plan", "", "plan to apply once verified")
	fs.StringVar(&in.Addon, "addon", "", "add-on feature to buy once verified")
	fs.IntVar(&in.Qty, "qty", 1, "add-on packs")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}

	var sel auth.Selection
	if in.Plan != "" {
		plan, err := types.ParsePlan(in.Plan)
		if err != nil {
			return err
		}
		sel.Plan = plan
	}
	if in.Addon != "" {
		sel.Addon = &types.PendingAddon{FeatureType: in.Addon, Quantity: in.Qty}
	}

	id, err := a.coordinator.SignUpWithSelection(ctx, in.Email, in.Password, in.Name, sel)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "created %s (%s); verification email sent\n", id.UID, id.Email)
	return nil
}

func (a *app) accountSignIn(ctx context.Context, args []string) error {
	var in credentialArgs
	if err := a.requireIdentity(); err != nil {
		return err
	}
	fs := flag.NewFlagSet("account signin", flag.ContinueOnError)
	credentialFlags(fs, &in)
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}

	if _, err := a.coordinator.SignIn(ctx, in.Email, in.Password); err != nil {
		return err
	}
	snap := a.session.Current()
	fmt.Fprintf(a.out, "signed in as %s, profile %s\n", snap.UserID(), snap.ProfileState)
	if snap.Profile != nil {
		return a.printJSON(billing.BuildUsageReport(a.registry, snap.Profile))
	}
	return nil
}

func (a *app) accountVerify(ctx context.Context, args []string) error {
	var in credentialArgs
	if err := a.requireIdentity(); err != nil {
		return err
	}
	fs := flag.NewFlagSet("account verify", flag.ContinueOnError)
	credentialFlags(fs, &in)
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}

	if _, err := a.coordinator.SignIn(ctx, in.Email, in.Password); err != nil {
		return err
	}
	verified, err := a.coordinator.RefreshVerification(ctx)
	if err != nil {
		return err
	}
	if !verified {
		fmt.Fprintln(a.out, "email not verified yet")
		return nil
	}
	fmt.Fprintln(a.out, "email verified")
	return nil
}

func (a *app) accountReset(ctx context.Context, args []string) error {
	in := struct {
		Email string `validate:"required"`
	}{}
	if err := a.requireIdentity(); err != nil {
		return err
	}
	fs := flag.NewFlagSet("account reset", flag.ContinueOnError)
	fs.StringVar(&in.Email, "email", "", "account email")
	if err := a.parse(fs, args, &in); err != nil {
		return err
	}
	if err := a.provider.SendPasswordReset(ctx, in.Email); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "password reset email sent to %s\n", in.Email)
	return nil
}

// ============================================================
// Operations
// ============================================================

func (a *app) serveOps(ctx context.Context, _ []string) error {
	if a.ops == nil {
		return errors.New("ops listener is not configured")
	}
	return a.ops.ListenAndServe(ctx)
}

func (a *app) runMigrate(ctx context.Context, _ []string) error {
	if a.migrate == nil {
		return errors.New("migrations are not configured")
	}
	if err := a.migrate(ctx); err != nil {
		return err
	}
	a.logger.Info("schema is up to date")
	return nil
}
