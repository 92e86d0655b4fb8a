// Package identity is a client for the hosted identity service. It speaks
// the Identity Toolkit JSON API and reports sign-in and sign-out events to
// registered listeners.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"iris/internal/types"
)

// DefaultBaseURL is the production Identity Toolkit endpoint.
const DefaultBaseURL = "https://identitytoolkit.googleapis.com"

// EventKind distinguishes identity events.
type EventKind string

const (
	SignedIn  EventKind = "signed_in"
	SignedOut EventKind = "signed_out"
)

// Event is delivered to listeners whenever the signed-in identity changes.
// For SignedOut, Identity is the identity that was signed out, or nil.
type Event struct {
	Kind     EventKind
	Identity *types.Identity
}

// Listener receives identity events synchronously, in registration order.
type Listener func(ctx context.Context, ev Event)

// Provider is the identity surface the rest of the module depends on.
type Provider interface {
	SignIn(ctx context.Context, email, password string) (*types.Identity, error)
	SignUp(ctx context.Context, email, password, displayName string) (*types.Identity, error)
	SignOut(ctx context.Context) error
	SendPasswordReset(ctx context.Context, email string) error
	SendVerification(ctx context.Context, idToken string) error
	Reload(ctx context.Context, idToken string) (*types.Identity, error)
	Current() *types.Identity
	Listen(fn Listener) (unsubscribe func())
}

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string // defaults to DefaultBaseURL

	// Transport is used when non-nil; otherwise a BaseClient is built from
	// HTTPClient with DefaultRetryPolicy.
	Transport  *BaseClient
	HTTPClient *http.Client
	UserAgent  string
	Logger     *slog.Logger
}

// Client implements Provider against the Identity Toolkit REST API.
type Client struct {
	apiKey    string
	baseURL   string
	transport *BaseClient
	validate  *validator.Validate
	logger    *slog.Logger

	mu        sync.Mutex
	current   *types.Identity
	listeners map[int]Listener
	nextID    int
}

var _ Provider = (*Client)(nil)

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "iris-identity/1.0"
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewBaseClient(cfg.HTTPClient, "identity", DefaultRetryPolicy(), cfg.UserAgent)
	}
	return &Client{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		transport: transport,
		validate:  validator.New(),
		logger:    cfg.Logger,
		listeners: make(map[int]Listener),
	}
}

// ============================================================
// Listeners
// ============================================================

// Listen registers fn and returns a function that removes it.
func (c *Client) Listen(fn Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) emit(ctx context.Context, ev Event) {
	c.mu.Lock()
	fns := make([]Listener, 0, len(c.listeners))
	for i := 0; i < c.nextID; i++ {
		if fn, ok := c.listeners[i]; ok {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(ctx, ev)
	}
}

// Current returns a copy of the signed-in identity, or nil.
func (c *Client) Current() *types.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	out := *c.current
	return &out
}

func (c *Client) setCurrent(id *types.Identity) (previous *types.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.current
	c.current = id
	return previous
}

// ============================================================
// Operations
// ============================================================

type credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6"`
}

type emailOnly struct {
	Email string `validate:"required,email"`
}

type tokenResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	LocalID      string `json:"localId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
}

type lookupResponse struct {
	Users []struct {
		LocalID       string `json:"localId"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"emailVerified"`
		DisplayName   string `json:"displayName"`
		PhotoURL      string `json:"photoUrl"`
		Disabled      bool   `json:"disabled"`
	} `json:"users"`
}

// SignIn authenticates with email and password, then looks the account up
// to learn its verification state. Listeners receive SignedIn.
func (c *Client) SignIn(ctx context.Context, email, password string) (*types.Identity, error) {
	if err := c.check(credentials{Email: email, Password: password}); err != nil {
		return nil, err
	}
	var tok tokenResponse
	err := c.post(ctx, "signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &tok)
	if err != nil {
		return nil, err
	}

	id, err := c.Reload(ctx, tok.IDToken)
	if err != nil {
		return nil, err
	}
	id.RefreshToken = tok.RefreshToken

	c.setCurrent(id)
	c.logger.Info("identity signed in", "user_id", id.UID, "email_verified", id.EmailVerified)
	c.emit(ctx, Event{Kind: SignedIn, Identity: id})
	return id, nil
}

// SignUp creates an account and signs it in. A failure to set the display
// name is logged and does not fail the sign-up; the account already exists.
func (c *Client) SignUp(ctx context.Context, email, password, displayName string) (*types.Identity, error) {
	if err := c.check(credentials{Email: email, Password: password}); err != nil {
		return nil, err
	}
	var tok tokenResponse
	err := c.post(ctx, "signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &tok)
	if err != nil {
		return nil, err
	}

	id := &types.Identity{
		UID:          tok.LocalID,
		Email:        tok.Email,
		IDToken:      tok.IDToken,
		RefreshToken: tok.RefreshToken,
	}
	if name := strings.TrimSpace(displayName); name != "" {
		var upd tokenResponse
		err := c.post(ctx, "update", map[string]any{
			"idToken":           tok.IDToken,
			"displayName":       name,
			"returnSecureToken": false,
		}, &upd)
		if err != nil {
			c.logger.Warn("failed to set display name", "user_id", id.UID, "error", err)
		} else {
			id.DisplayName = name
		}
	}

	c.setCurrent(id)
	c.logger.Info("identity signed up", "user_id", id.UID)
	c.emit(ctx, Event{Kind: SignedIn, Identity: id})
	return id, nil
}

// SignOut forgets the local identity. The service keeps no session state,
// so nothing is sent upstream. Listeners receive SignedOut even when no one
// was signed in.
func (c *Client) SignOut(ctx context.Context) error {
	previous := c.setCurrent(nil)
	if previous != nil {
		c.logger.Info("identity signed out", "user_id", previous.UID)
	}
	c.emit(ctx, Event{Kind: SignedOut, Identity: previous})
	return nil
}

// SendPasswordReset asks the service to email a reset link.
func (c *Client) SendPasswordReset(ctx context.Context, email string) error {
	if err := c.check(emailOnly{Email: email}); err != nil {
		return err
	}
	return c.post(ctx, "sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// SendVerification asks the service to email a verification link to the
// account behind idToken.
func (c *Client) SendVerification(ctx context.Context, idToken string) error {
	if idToken == "" {
		return types.NewAppError(types.ErrCodeMissingField, "id token is required", nil)
	}
	return c.post(ctx, "sendOobCode", map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     idToken,
	}, nil)
}

// Reload fetches the current account state for idToken. When it belongs to
// the signed-in identity, the local copy is refreshed without emitting an
// event.
func (c *Client) Reload(ctx context.Context, idToken string) (*types.Identity, error) {
	if idToken == "" {
		return nil, types.NewAppError(types.ErrCodeMissingField, "id token is required", nil)
	}
	var out lookupResponse
	if err := c.post(ctx, "lookup", map[string]any{"idToken": idToken}, &out); err != nil {
		return nil, err
	}
	if len(out.Users) == 0 {
		return nil, types.NewAppError(types.ErrCodeAuthUserNotFound, "no account for id token", nil)
	}
	u := out.Users[0]
	if u.Disabled {
		return nil, types.NewAppError(types.ErrCodeAuthUserDisabled, "account is disabled", nil)
	}
	id := &types.Identity{
		UID:           u.LocalID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		PhotoURL:      u.PhotoURL,
		EmailVerified: u.EmailVerified,
		IDToken:       idToken,
	}

	c.mu.Lock()
	if c.current != nil && c.current.UID == id.UID {
		id.RefreshToken = c.current.RefreshToken
		refreshed := *id
		c.current = &refreshed
	}
	c.mu.Unlock()
	return id, nil
}

// ============================================================
// Transport helpers
// ============================================================

func (c *Client) post(ctx context.Context, method string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode identity request", err)
	}
	endpoint := fmt.Sprintf("%s/v1/accounts:%s?key=%s", c.baseURL, method, url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build identity request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.transport.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeProviderError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "malformed identity response", err)
	}
	return nil
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// providerCodes maps the service's error reasons to AppError codes.
var providerCodes = map[string]types.ErrorCode{
	"EMAIL_NOT_FOUND":             types.ErrCodeAuthUserNotFound,
	"USER_NOT_FOUND":              types.ErrCodeAuthUserNotFound,
	"INVALID_PASSWORD":            types.ErrCodeAuthInvalidCreds,
	"INVALID_LOGIN_CREDENTIALS":   types.ErrCodeAuthInvalidCreds,
	"INVALID_EMAIL":               types.ErrCodeInvalidEmail,
	"MISSING_PASSWORD":            types.ErrCodeMissingField,
	"EMAIL_EXISTS":                types.ErrCodeConflictEmail,
	"WEAK_PASSWORD":               types.ErrCodeWeakPassword,
	"TOO_MANY_ATTEMPTS_TRY_LATER": types.ErrCodeAuthTooManyRequests,
	"USER_DISABLED":               types.ErrCodeAuthUserDisabled,
	"INVALID_ID_TOKEN":            types.ErrCodeAuthTokenExpired,
	"TOKEN_EXPIRED":               types.ErrCodeAuthTokenExpired,
}

// decodeProviderError turns an error body such as
// {"error":{"message":"WEAK_PASSWORD : Password should be at least 6 characters"}}
// into an AppError. Only the leading reason is matched.
func decodeProviderError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Error.Message == "" {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("identity service returned %d", resp.StatusCode), nil)
	}
	reason := env.Error.Message
	if fields := strings.Fields(reason); len(fields) > 0 {
		reason = strings.TrimSuffix(fields[0], ":")
	}
	code, ok := providerCodes[reason]
	if !ok {
		code = types.ErrCodeUpstreamUnavailable
	}
	return types.NewAppErrorWithDetails(code, "identity service rejected the request", nil,
		map[string]any{"reason": reason, "status": resp.StatusCode})
}

// check runs struct validation and maps the first failure to an AppError.
func (c *Client) check(v any) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewAppError(types.ErrCodeInvalidArgument, "invalid identity request", err)
	}
	fe := verrs[0]
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return types.NewAppErrorWithDetails(types.ErrCodeMissingField, field+" is required", nil,
			map[string]any{"field": field})
	case "email":
		return types.NewAppError(types.ErrCodeInvalidEmail, "email address is malformed", nil)
	case "min":
		return types.NewAppErrorWithDetails(types.ErrCodeWeakPassword, "password must be at least "+fe.Param()+" characters", nil,
			map[string]any{"min": fe.Param()})
	default:
		return types.NewAppError(types.ErrCodeInvalidArgument, "invalid "+field, nil)
	}
}
