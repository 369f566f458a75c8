package hostedui

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// AppConfig holds the options for NewApp.
type AppConfig struct {
	// Logout is used to send the user to the hosted UI logout endpoint.
	Logout LogoutConfig

	// RevealTokens shows raw token values on the authenticated page. It is
	// meant for local development only, by default tokens are redacted.
	RevealTokens bool

	// CallbackPath is where the identity provider redirects back to, and
	// Callback the handler that finishes sign in there. Both are optional.
	CallbackPath string
	Callback     http.Handler

	// PrometheusRegistry receives the app's metrics, and is served on
	// /metrics. If nil, a new registry is used.
	PrometheusRegistry *prometheus.Registry
}

// App is the single page, plus the endpoints its buttons hit.
type App struct {
	logger logrus.FieldLogger
	auth   Authenticator

	logout       LogoutConfig
	revealTokens bool

	pages   *renderer
	metrics *metrics

	router    *mux.Router
	handler   http.Handler
	accessLog io.Closer
}

func NewApp(logger logrus.FieldLogger, auth Authenticator, cfg AppConfig) (*App, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if auth == nil {
		return nil, errors.New("authenticator cannot be nil")
	}
	if err := cfg.Logout.Validate(); err != nil {
		return nil, err
	}

	pages, err := newRenderer()
	if err != nil {
		return nil, err
	}

	reg := cfg.PrometheusRegistry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, err
	}

	a := &App{
		logger:       logger,
		auth:         auth,
		logout:       cfg.Logout,
		revealTokens: cfg.RevealTokens,
		pages:        pages,
		metrics:      m,
	}
	if a.revealTokens {
		a.logger.Warn("Token values will be shown unredacted, do not use this outside of development")
	}

	a.router = mux.NewRouter()
	a.router.Handle("/", m.instrument("index", http.HandlerFunc(a.handleIndex))).Methods(http.MethodGet)
	a.router.Handle("/signin", m.instrument("signin", http.HandlerFunc(a.handleSignIn))).Methods(http.MethodGet, http.MethodPost)
	a.router.Handle("/signout", m.instrument("signout", http.HandlerFunc(a.handleSignOut))).Methods(http.MethodGet, http.MethodPost)
	a.router.Handle("/healthz", m.instrument("healthz", http.HandlerFunc(a.handleHealth))).Methods(http.MethodGet)
	a.router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if cfg.Callback != nil {
		if cfg.CallbackPath == "" {
			return nil, errors.New("callback handler given without a callback path")
		}
		a.router.Handle(cfg.CallbackPath, m.instrument("callback", cfg.Callback)).Methods(http.MethodGet)
	}
	a.router.NotFoundHandler = http.HandlerFunc(http.NotFound)

	w := logger.WithField("component", "http").Writer()
	a.accessLog = w
	a.handler = handlers.CombinedLoggingHandler(w, handlers.ProxyHeaders(a.router))

	return a, nil
}

func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// Close releases the access log writer.
func (a *App) Close() error {
	return a.accessLog.Close()
}

// handleIndex renders exactly one view for the current auth state.
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	state := a.auth.State(r)
	v := SelectView(state)

	buf := new(bytes.Buffer)
	if err := a.pages.render(buf, v, viewData(v, state, a.revealTokens)); err != nil {
		a.logger.WithError(err).WithField("view", v.String()).Error("failed to render page")
		http.Error(w, "failed to render page", http.StatusInternalServerError)
		return
	}
	a.metrics.viewRendered(v)

	// the page may carry tokens, keep it out of caches
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		a.logger.WithError(err).Debug("failed to write page")
	}
}

func (a *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.SigninRedirect(w, r); err != nil {
		a.logger.WithError(err).Error("failed to start sign in")
		http.Error(w, "failed to start sign in", http.StatusInternalServerError)
		return
	}
}

// handleSignOut forgets the local user, then navigates to the hosted UI logout
// endpoint. Cognito reports a bad domain or unregistered logout URI on its own
// error page.
func (a *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.RemoveUser(w, r); err != nil {
		a.logger.WithError(err).Warn("failed to clear local session before sign out")
	}
	http.Redirect(w, r, a.logout.URL(), http.StatusSeeOther)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		a.logger.WithError(err).Error("failed to encode health response")
	}
}
