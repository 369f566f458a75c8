// Package config loads and validates the settings for the hostedui server.
package config

import (
	"encoding/base64"
	"io/ioutil"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/heroku/hostedui"
)

const envPrefix = "HOSTEDUI_"

// minSessionSecretBytes matches what the auth client needs for key derivation.
const minSessionSecretBytes = 32

// Config is everything the server needs. Values come from, in increasing
// precedence: defaults, a YAML file, a .env file, the environment, and flags.
type Config struct {
	// Addr to listen on.
	Addr string `json:"addr"`

	// Issuer is the user pool issuer URL.
	Issuer string `json:"issuer"`
	// ClientID is the app client ID, used both for sign in and the logout URL.
	ClientID string `json:"clientID"`
	// ClientSecret is the app client secret, if the client has one.
	ClientSecret string `json:"clientSecret"`
	// RedirectURL is the sign in callback URL registered for the app client.
	RedirectURL string `json:"redirectURL"`
	// Scopes to request on sign in.
	Scopes []string `json:"scopes"`

	// CognitoDomain is the hosted UI base URL.
	CognitoDomain string `json:"cognitoDomain"`
	// LogoutURI must exactly match a sign out URL registered for the app
	// client.
	LogoutURI string `json:"logoutURI"`

	// SessionSecret is base64 encoded, and must decode to at least 32 bytes.
	SessionSecret string `json:"sessionSecret"`
	// SessionStore is the session backend, "file" or "bolt".
	SessionStore string `json:"sessionStore"`
	// SessionDir is where server side session data is written.
	SessionDir string `json:"sessionDir"`
	// SessionDB is the bbolt file used by the "bolt" session store.
	SessionDB string `json:"sessionDB"`

	// RevealTokens shows raw tokens on the page. Development only.
	RevealTokens bool `json:"revealTokens"`

	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
}

// Default returns a Config with the defaults set.
func Default() Config {
	return Config{
		Addr:         "localhost:3000",
		Scopes:       []string{"openid", "email", "profile"},
		SessionStore: "file",
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return nil
}

// LoadDotEnv loads the given .env files into the process environment. Vars
// already set in the environment win. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return errors.Wrapf(err, "failed to load %s", f)
		}
	}
	return nil
}

// LoadEnv overlays HOSTEDUI_* values from lookup onto c. Pass os.LookupEnv for
// the real environment.
func (c *Config) LoadEnv(lookup func(string) (string, bool)) error {
	str := func(name string, into *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*into = v
		}
	}

	str("ADDR", &c.Addr)
	str("ISSUER", &c.Issuer)
	str("CLIENT_ID", &c.ClientID)
	str("CLIENT_SECRET", &c.ClientSecret)
	str("REDIRECT_URL", &c.RedirectURL)
	str("COGNITO_DOMAIN", &c.CognitoDomain)
	str("LOGOUT_URI", &c.LogoutURI)
	str("SESSION_SECRET", &c.SessionSecret)
	str("SESSION_STORE", &c.SessionStore)
	str("SESSION_DIR", &c.SessionDir)
	str("SESSION_DB", &c.SessionDB)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := lookup(envPrefix + "SCOPES"); ok {
		c.Scopes = strings.Fields(v)
	}
	if v, ok := lookup(envPrefix + "REVEAL_TOKENS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "%sREVEAL_TOKENS", envPrefix)
		}
		c.RevealTokens = b
	}
	return nil
}

// Logout returns the settings for the logout URL.
func (c *Config) Logout() hostedui.LogoutConfig {
	return hostedui.LogoutConfig{
		ClientID:      c.ClientID,
		LogoutURI:     c.LogoutURI,
		CognitoDomain: c.CognitoDomain,
	}
}

// DecodedSessionSecret returns the session secret bytes.
func (c *Config) DecodedSessionSecret() ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(c.SessionSecret)
	if err != nil {
		return nil, errors.Wrap(err, "session secret must be base64 encoded")
	}
	if len(b) < minSessionSecretBytes {
		return nil, errors.Errorf("session secret must decode to at least %d bytes, got %d", minSessionSecretBytes, len(b))
	}
	return b, nil
}

// CallbackPath is the path of the redirect URL, where the callback is served.
func (c *Config) CallbackPath() string {
	u, err := url.Parse(c.RedirectURL)
	if err != nil {
		return ""
	}
	return u.Path
}

// ValidateLogout checks just the values needed to build the logout URL.
func (c *Config) ValidateLogout() error {
	return c.Logout().Validate()
}

// Validate checks everything the server needs is present and well formed.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is empty")
	}
	if err := hostedui.ValidateURL("issuer", c.Issuer); err != nil {
		return err
	}
	if c.ClientID == "" {
		return errors.New("client ID is empty")
	}
	if err := hostedui.ValidateURL("redirect URL", c.RedirectURL); err != nil {
		return err
	}
	if p := c.CallbackPath(); p == "" || p == "/" {
		return errors.Errorf("redirect URL %q must have a callback path", c.RedirectURL)
	}
	if err := c.ValidateLogout(); err != nil {
		return err
	}
	if c.SessionSecret == "" {
		return errors.New("session secret is empty")
	}
	if _, err := c.DecodedSessionSecret(); err != nil {
		return err
	}
	switch c.SessionStore {
	case "file", "bolt":
	default:
		return errors.Errorf("session store %q must be file or bolt", c.SessionStore)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("log format %q must be text or json", c.LogFormat)
	}
	return nil
}
