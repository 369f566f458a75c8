package authclient

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/gorilla/sessions"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/heroku/hostedui"
	"github.com/heroku/hostedui/storage/disk"
)

const (
	defaultSessionName    = "hostedui"
	defaultDiscoveryRetry   = 30 * time.Second
	defaultDiscoveryTimeout = 10 * time.Second
	defaultHTTPTimeout      = 30 * time.Second
	defaultSessionMaxAge  = 8 * 60 * 60

	sessionKeyState        = "oidc-state"
	sessionKeyNonce        = "oidc-nonce"
	sessionKeyIDToken      = "oidc-id-token"
	sessionKeyAccessToken  = "oidc-access-token"
	sessionKeyRefreshToken = "oidc-refresh-token"
	sessionKeyEmail        = "oidc-email"
	sessionKeyError        = "oidc-error"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{oidc.ScopeOpenID, "email", "profile"}

// Config holds the relying party settings for the user pool app client.
type Config struct {
	// Issuer is the user pool issuer URL, e.g
	// https://cognito-idp.us-east-1.amazonaws.com/us-east-1_example
	Issuer string
	// ClientID is the app client ID.
	ClientID string
	// ClientSecret is the app client secret. Public clients have none.
	ClientSecret string
	// RedirectURL is the callback URL registered for the app client.
	RedirectURL string
	// BaseURL is where the user lands once the callback is handled. Defaults
	// to "/".
	BaseURL string
	// Scopes to request. Defaults to DefaultScopes.
	Scopes []string

	// SessionSecret is the key material the session authentication and
	// encryption keys are derived from. At least 32 bytes.
	SessionSecret []byte
	// SessionName is the session cookie name. Defaults to "hostedui".
	SessionName string
	// SessionStore picks the session backend, SessionStoreFile (the default)
	// or SessionStoreBolt.
	SessionStore string
	// SessionDir is where session data is kept. Defaults to the OS temp dir.
	SessionDir string
	// SessionDB is the bbolt database file for SessionStoreBolt. Defaults to
	// hostedui-sessions.db in SessionDir.
	SessionDB string
}

// Session backends.
const (
	SessionStoreFile = "file"
	SessionStoreBolt = "bolt"
)

// Validate checks the config is usable. It doesn't contact the issuer.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is empty")
	}
	if u, err := url.Parse(c.Issuer); err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return errors.Errorf("issuer %q must be an http or https URL", c.Issuer)
	}
	if c.ClientID == "" {
		return errors.New("client ID is empty")
	}
	if c.RedirectURL == "" {
		return errors.New("redirect URL is empty")
	}
	if u, err := url.Parse(c.RedirectURL); err != nil || !u.IsAbs() {
		return errors.Errorf("redirect URL %q must be absolute", c.RedirectURL)
	}
	if len(c.SessionSecret) < minSessionSecretLength {
		return errors.Errorf("session secret must be at least %d bytes", minSessionSecretLength)
	}
	switch c.SessionStore {
	case "", SessionStoreFile, SessionStoreBolt:
	default:
		return errors.Errorf("unknown session store %q", c.SessionStore)
	}
	return nil
}

// Client is a hostedui.Authenticator backed by an OIDC provider, with the
// signed in user kept in a server side session. It is also the http.Handler
// for the redirect URL.
type Client struct {
	cfg    Config
	logger logrus.FieldLogger
	store  sessions.Store
	hc     *http.Client
	now    func() time.Time

	discoveryRetry   time.Duration
	discoveryTimeout time.Duration

	mu          sync.Mutex
	provider    *oidc.Provider
	discovering bool
	discovered  chan struct{}
	lastErr     error
	lastAttempt time.Time
}

var _ hostedui.Authenticator = (*Client)(nil)

// Option customizes a Client.
type Option func(*Client)

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithSessionStore replaces the default filesystem session store.
func WithSessionStore(s sessions.Store) Option {
	return func(c *Client) {
		c.store = s
	}
}

// WithHTTPClient sets the client used for discovery, key fetches and the token
// exchange.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.hc = hc
	}
}

// WithClock sets the time source used for ID token verification.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

// WithDiscoveryRetry sets how long a failed discovery is reported before it
// is attempted again.
func WithDiscoveryRetry(d time.Duration) Option {
	return func(c *Client) {
		c.discoveryRetry = d
	}
}

// WithDiscoveryTimeout sets how long a discovery attempt may take before it
// counts as failed.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.discoveryTimeout = d
	}
}

// New returns a Client, and starts discovering the provider in the
// background. Until discovery finishes the client reports a loading state.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid auth client config")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "/"
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes
	}
	if cfg.SessionName == "" {
		cfg.SessionName = defaultSessionName
	}

	c := &Client{
		cfg:              cfg,
		logger:           logrus.New(),
		hc:               &http.Client{Timeout: defaultHTTPTimeout},
		now:              time.Now,
		discoveryRetry:   defaultDiscoveryRetry,
		discoveryTimeout: defaultDiscoveryTimeout,
		discovered:       make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	if c.store == nil {
		s, err := newSessionStore(cfg)
		if err != nil {
			return nil, err
		}
		c.store = s
	}

	c.mu.Lock()
	c.startDiscoveryLocked()
	c.mu.Unlock()

	return c, nil
}

func newSessionStore(cfg Config) (sessions.Store, error) {
	authKey, encKey, err := deriveSessionKeys(cfg.SessionSecret)
	if err != nil {
		return nil, err
	}

	dir := cfg.SessionDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create session dir %s", dir)
	}

	opts := &sessions.Options{
		Path:     "/",
		MaxAge:   defaultSessionMaxAge,
		HttpOnly: true,
		Secure:   isHTTPS(cfg.RedirectURL),
		SameSite: http.SameSiteLaxMode,
	}

	// tokens are kept server side, they're too big for a cookie
	if cfg.SessionStore == SessionStoreBolt {
		path := cfg.SessionDB
		if path == "" {
			path = filepath.Join(dir, "hostedui-sessions.db")
		}
		ds, err := disk.New(path, 0600, authKey, encKey)
		if err != nil {
			return nil, err
		}
		ds.Options = opts
		return ds, nil
	}

	fs := sessions.NewFilesystemStore(dir, authKey, encKey)
	fs.MaxLength(0)
	fs.Options = opts
	return fs, nil
}

// Close releases the session store, if it holds anything open.
func (c *Client) Close() error {
	if closer, ok := c.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// startDiscoveryLocked kicks off provider discovery. c.mu must be held.
func (c *Client) startDiscoveryLocked() {
	c.discovering = true
	c.lastAttempt = c.now()
	done := c.discovered

	type result struct {
		p   *oidc.Provider
		err error
	}
	results := make(chan result, 1)

	go func() {
		// go-oidc keeps this context for all later key fetches, so it must
		// never be cancelled. The attempt is bounded by the timer below
		// instead.
		ctx := oidc.ClientContext(context.Background(), c.hc)
		p, err := oidc.NewProvider(ctx, c.cfg.Issuer)
		results <- result{p: p, err: err}
	}()

	go func() {
		timer := time.NewTimer(c.discoveryTimeout)
		defer timer.Stop()

		var res result
		select {
		case res = <-results:
		case <-timer.C:
			res.err = errors.Errorf("discovery did not finish within %s", c.discoveryTimeout)
		}
		p, err := res.p, res.err

		c.mu.Lock()
		defer c.mu.Unlock()
		c.discovering = false
		if err != nil {
			c.logger.WithError(err).WithField("issuer", c.cfg.Issuer).Error("Provider discovery failed")
			c.lastErr = err
		} else {
			c.logger.WithField("issuer", c.cfg.Issuer).Info("Provider discovered")
			c.provider = p
			c.lastErr = nil
		}
		close(done)
		c.discovered = make(chan struct{})
	}()
}

// getProvider returns the provider if it is known. Otherwise loading is true
// while discovery runs, or err is the last discovery error. A failed
// discovery is retried once discoveryRetry has passed.
func (c *Client) getProvider() (p *oidc.Provider, loading bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.provider != nil {
		return c.provider, false, nil
	}
	if c.discovering {
		return nil, true, nil
	}
	if c.lastErr != nil && c.now().Sub(c.lastAttempt) < c.discoveryRetry {
		return nil, false, c.lastErr
	}
	c.startDiscoveryLocked()
	return nil, true, nil
}

// WaitForDiscovery blocks until the current discovery attempt finishes, and
// returns its error.
func (c *Client) WaitForDiscovery(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.provider != nil {
			c.mu.Unlock()
			return nil
		}
		if !c.discovering && c.lastErr != nil {
			err := c.lastErr
			c.mu.Unlock()
			return err
		}
		ch := c.discovered
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// State reports the auth state for the request's session.
func (c *Client) State(r *http.Request) hostedui.AuthState {
	_, loading, err := c.getProvider()
	if loading {
		return hostedui.AuthState{IsLoading: true}
	}
	if err != nil {
		return hostedui.AuthState{Error: &hostedui.ErrorInfo{Message: fmt.Sprintf("identity provider unavailable: %v", err)}}
	}

	session, err := c.session(r)
	if err != nil {
		c.logger.WithError(err).Error("Failed to load session")
		return hostedui.AuthState{Error: &hostedui.ErrorInfo{Message: "failed to load session"}}
	}

	if msg, _ := session.Values[sessionKeyError].(string); msg != "" {
		return hostedui.AuthState{Error: &hostedui.ErrorInfo{Message: msg}}
	}

	idToken, _ := session.Values[sessionKeyIDToken].(string)
	if idToken == "" {
		return hostedui.AuthState{}
	}

	u := &hostedui.User{IDToken: idToken}
	u.AccessToken, _ = session.Values[sessionKeyAccessToken].(string)
	u.RefreshToken, _ = session.Values[sessionKeyRefreshToken].(string)
	u.Profile.Email, _ = session.Values[sessionKeyEmail].(string)

	return hostedui.AuthState{IsAuthenticated: true, User: u}
}

// SigninRedirect starts the authorization code flow. If the provider isn't
// discovered yet the user is sent back to the base URL, which shows the
// loading page.
func (c *Client) SigninRedirect(w http.ResponseWriter, r *http.Request) error {
	provider, loading, err := c.getProvider()
	if loading {
		http.Redirect(w, r, c.cfg.BaseURL, http.StatusSeeOther)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "identity provider unavailable")
	}

	session, err := c.session(r)
	if err != nil {
		return err
	}
	clearUser(session)
	delete(session.Values, sessionKeyError)

	state := randomString()
	nonce := randomString()
	session.Values[sessionKeyState] = state
	session.Values[sessionKeyNonce] = nonce

	if err := session.Save(r, w); err != nil {
		return errors.Wrap(err, "failed to save session")
	}

	authURL := c.oauth2Config(provider).AuthCodeURL(state, oidc.Nonce(nonce))
	http.Redirect(w, r, authURL, http.StatusSeeOther)
	return nil
}

// RemoveUser drops the tokens from the session and expires it.
func (c *Client) RemoveUser(w http.ResponseWriter, r *http.Request) error {
	session, err := c.session(r)
	if err != nil {
		return err
	}
	if session.IsNew {
		// nothing stored. A leftover cookie whose session is gone is still
		// expired.
		if _, err := r.Cookie(session.Name()); err == nil {
			opts := *session.Options
			opts.MaxAge = -1
			http.SetCookie(w, sessions.NewCookie(session.Name(), "", &opts))
		}
		return nil
	}
	clearUser(session)
	delete(session.Values, sessionKeyError)
	delete(session.Values, sessionKeyState)
	delete(session.Values, sessionKeyNonce)
	session.Options.MaxAge = -1

	return errors.Wrap(session.Save(r, w), "failed to save session")
}

// ServeHTTP handles the redirect back from the provider. Whatever the outcome
// the user is sent on to the base URL, where failures show up as the error
// view.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, err := c.session(r)
	if err != nil {
		c.logger.WithError(err).Error("Failed to load session in callback")
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	if err := c.finishSignin(r, session); err != nil {
		c.logger.WithError(err).Warn("Sign in failed")
		clearUser(session)
		session.Values[sessionKeyError] = err.Error()
	} else {
		delete(session.Values, sessionKeyError)
	}
	delete(session.Values, sessionKeyState)
	delete(session.Values, sessionKeyNonce)

	if err := session.Save(r, w); err != nil {
		c.logger.WithError(err).Error("Failed to save session in callback")
		http.Error(w, "failed to save session", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, c.cfg.BaseURL, http.StatusSeeOther)
}

// finishSignin validates the callback and stores the tokens on the session.
// Returned errors are shown to the user.
func (c *Client) finishSignin(r *http.Request, session *sessions.Session) error {
	q := r.URL.Query()
	if qerr := q.Get("error"); qerr != "" {
		return &ProviderError{Code: qerr, Description: q.Get("error_description")}
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		return errors.New("callback is missing state or code")
	}

	wantState, _ := session.Values[sessionKeyState].(string)
	if wantState == "" || wantState != state {
		return errors.New("state did not match")
	}

	provider, loading, err := c.getProvider()
	if loading || err != nil {
		return errors.New("identity provider unavailable")
	}

	ctx := oidc.ClientContext(r.Context(), c.hc)
	token, err := c.oauth2Config(provider).Exchange(ctx, code)
	if err != nil {
		c.logger.WithError(err).Error("Token exchange failed")
		return parseExchangeError(err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return errors.New("token response is missing id_token")
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: c.cfg.ClientID, Now: c.now})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		c.logger.WithError(err).Error("ID token verification failed")
		return errors.New("failed to verify id_token")
	}

	wantNonce, _ := session.Values[sessionKeyNonce].(string)
	if idToken.Nonce != wantNonce {
		return errors.New("nonce did not match")
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return errors.New("failed to read id_token claims")
	}

	session.Values[sessionKeyIDToken] = rawIDToken
	session.Values[sessionKeyAccessToken] = token.AccessToken
	session.Values[sessionKeyRefreshToken] = token.RefreshToken
	session.Values[sessionKeyEmail] = claims.Email

	c.logger.WithField("sub", idToken.Subject).Info("User signed in")
	return nil
}

func (c *Client) oauth2Config(provider *oidc.Provider) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  c.cfg.RedirectURL,
		Scopes:       c.cfg.Scopes,
	}
}

func (c *Client) session(r *http.Request) (*sessions.Session, error) {
	session, err := c.store.Get(r, c.cfg.SessionName)
	if err != nil {
		if session != nil && session.IsNew {
			// An invalid or tampered cookie, or a session file that has gone
			// away, gives us a new empty session and an error. The empty
			// session is fine to use.
			c.logger.WithError(err).Debug("Session decoding failed, a new empty session will be used")
			err = nil
		}
	}
	return session, errors.Wrap(err, "failed to get session")
}

func clearUser(session *sessions.Session) {
	delete(session.Values, sessionKeyIDToken)
	delete(session.Values, sessionKeyAccessToken)
	delete(session.Values, sessionKeyRefreshToken)
	delete(session.Values, sessionKeyEmail)
}

func isHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https"
}

func randomString() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
