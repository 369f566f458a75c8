package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/heroku/hostedui"
	"github.com/heroku/hostedui/authclient"
	"github.com/heroku/hostedui/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", os.Args[0], err)
		os.Exit(1)
	}
}

// flags holds what was given on the command line. Only flags that were set
// are layered over the other config sources.
type flags struct {
	configPath string
	envFiles   []string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	fl := &flags{cfg: config.Default()}

	rootCmd := &cobra.Command{
		Use:           "hostedui",
		Short:         "A single page that signs users in and out through the Cognito Hosted UI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&fl.configPath, "config", "c", "", "Path to a YAML config file")
	pf.StringSliceVar(&fl.envFiles, "env-file", []string{".env"}, "dotenv files to load into the environment, missing files are skipped")
	pf.StringVar(&fl.cfg.ClientID, "client-id", "", "Cognito app client ID")
	pf.StringVar(&fl.cfg.CognitoDomain, "cognito-domain", "", "Hosted UI base URL, e.g https://example.auth.us-east-1.amazoncognito.com")
	pf.StringVar(&fl.cfg.LogoutURI, "logout-uri", "", "Sign out URL registered for the app client")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the page",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := fl.loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
	f := serveCmd.Flags()
	f.StringVar(&fl.cfg.Addr, "addr", fl.cfg.Addr, "Address to listen on")
	f.StringVar(&fl.cfg.Issuer, "issuer", "", "User pool issuer URL, e.g https://cognito-idp.us-east-1.amazonaws.com/us-east-1_example")
	f.StringVar(&fl.cfg.ClientSecret, "client-secret", "", "Cognito app client secret, if it has one")
	f.StringVar(&fl.cfg.RedirectURL, "redirect-url", "", "Sign in callback URL registered for the app client")
	f.StringSliceVar(&fl.cfg.Scopes, "scopes", fl.cfg.Scopes, "Scopes to request on sign in")
	f.StringVar(&fl.cfg.SessionSecret, "session-secret", "", "Session secret, at least 32 bytes, base64 encoded")
	f.StringVar(&fl.cfg.SessionStore, "session-store", fl.cfg.SessionStore, "Session backend, file or bolt")
	f.StringVar(&fl.cfg.SessionDir, "session-dir", "", "Directory for server side session data")
	f.StringVar(&fl.cfg.SessionDB, "session-db", "", "bbolt database file for the bolt session store")
	f.BoolVar(&fl.cfg.RevealTokens, "reveal-tokens", false, "Show raw token values on the page (development only)")
	f.StringVar(&fl.cfg.LogLevel, "log-level", fl.cfg.LogLevel, "Log level")
	f.StringVar(&fl.cfg.LogFormat, "log-format", fl.cfg.LogFormat, "Log format, text or json")

	logoutURLCmd := &cobra.Command{
		Use:   "logout-url",
		Short: "Print the hosted UI logout URL for the configured client",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := fl.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.ValidateLogout(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cfg.Logout().URL())
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, logoutURLCmd)
	return rootCmd
}

// loadConfig builds the config from defaults, the config file, dotenv files,
// the environment and finally any flags that were set.
func (fl *flags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if fl.configPath != "" {
		if err := cfg.LoadFile(fl.configPath); err != nil {
			return nil, err
		}
	}
	if err := config.LoadDotEnv(fl.envFiles...); err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	cmd.Flags().Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = fl.cfg.Addr
		case "issuer":
			cfg.Issuer = fl.cfg.Issuer
		case "client-id":
			cfg.ClientID = fl.cfg.ClientID
		case "client-secret":
			cfg.ClientSecret = fl.cfg.ClientSecret
		case "redirect-url":
			cfg.RedirectURL = fl.cfg.RedirectURL
		case "scopes":
			cfg.Scopes = fl.cfg.Scopes
		case "cognito-domain":
			cfg.CognitoDomain = fl.cfg.CognitoDomain
		case "logout-uri":
			cfg.LogoutURI = fl.cfg.LogoutURI
		case "session-secret":
			cfg.SessionSecret = fl.cfg.SessionSecret
		case "session-store":
			cfg.SessionStore = fl.cfg.SessionStore
		case "session-dir":
			cfg.SessionDir = fl.cfg.SessionDir
		case "session-db":
			cfg.SessionDB = fl.cfg.SessionDB
		case "reveal-tokens":
			cfg.RevealTokens = fl.cfg.RevealTokens
		case "log-level":
			cfg.LogLevel = fl.cfg.LogLevel
		case "log-format":
			cfg.LogFormat = fl.cfg.LogFormat
		}
	})

	return &cfg, nil
}

func newLogger(cfg *config.Config) (*logrus.Logger, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}
	l.SetLevel(lvl)
	if cfg.LogFormat == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	return l, nil
}

func runServe(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	secret, err := cfg.DecodedSessionSecret()
	if err != nil {
		return err
	}

	ac, err := authclient.New(authclient.Config{
		Issuer:        cfg.Issuer,
		ClientID:      cfg.ClientID,
		ClientSecret:  cfg.ClientSecret,
		RedirectURL:   cfg.RedirectURL,
		Scopes:        cfg.Scopes,
		SessionSecret: secret,
		SessionStore:  cfg.SessionStore,
		SessionDir:    cfg.SessionDir,
		SessionDB:     cfg.SessionDB,
	}, authclient.WithLogger(logger.WithField("component", "authclient")))
	if err != nil {
		return errors.Wrap(err, "failed to create auth client")
	}
	defer ac.Close()

	app, err := hostedui.NewApp(logger, ac, hostedui.AppConfig{
		Logout:       cfg.Logout(),
		RevealTokens: cfg.RevealTokens,
		CallbackPath: cfg.CallbackPath(),
		Callback:     ac,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create app")
	}
	defer app.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Addr).Info("Listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "server failed")
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Wrap(srv.Shutdown(sctx), "failed to shut down cleanly")
}
