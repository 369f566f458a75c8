package hostedui

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// LogoutConfig holds what is needed to build the Cognito Hosted UI logout URL.
type LogoutConfig struct {
	// ClientID is the app client ID registered in the user pool.
	ClientID string `json:"clientID"`
	// LogoutURI is where Cognito sends the user after signing out. It must
	// exactly match one of the sign out URLs registered for the app client.
	LogoutURI string `json:"logoutURI"`
	// CognitoDomain is the base URL of the hosted UI, e.g
	// https://example.auth.us-east-1.amazoncognito.com
	CognitoDomain string `json:"cognitoDomain"`
}

// Validate checks that all values are present and URL-shaped. It can't tell
// whether Cognito will accept them, a mismatch only shows up as an error page
// on the provider after navigating there.
func (c LogoutConfig) Validate() error {
	if c.ClientID == "" {
		return errors.New("logout: client ID is empty")
	}
	// the client ID is written into the URL as is
	if url.QueryEscape(c.ClientID) != c.ClientID {
		return errors.Errorf("logout: client ID %q contains characters that are not allowed in a URL query", c.ClientID)
	}
	if err := ValidateURL("cognito domain", c.CognitoDomain); err != nil {
		return errors.Wrap(err, "logout")
	}
	u, _ := url.Parse(c.CognitoDomain)
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.Errorf("logout: cognito domain %q must not have a query or fragment", c.CognitoDomain)
	}
	if err := ValidateURL("logout URI", c.LogoutURI); err != nil {
		return errors.Wrap(err, "logout")
	}
	return nil
}

// URL returns the logout endpoint URL, in the form
//
//	<domain>/logout?client_id=<id>&logout_uri=<escaped uri>&response_type=code
//
// The parameters are written in this fixed order, rather than through
// url.Values which sorts them.
func (c LogoutConfig) URL() string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(c.CognitoDomain, "/"))
	b.WriteString("/logout?client_id=")
	b.WriteString(c.ClientID)
	b.WriteString("&logout_uri=")
	b.WriteString(url.QueryEscape(c.LogoutURI))
	b.WriteString("&response_type=code")
	return b.String()
}

// ValidateURL checks raw is an absolute http or https URL with a host. name
// is used in the error.
func ValidateURL(name, raw string) error {
	if raw == "" {
		return errors.Errorf("%s is empty", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "%s %q is invalid", name, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("%s %q must be an http or https URL", name, raw)
	}
	if u.Host == "" {
		return errors.Errorf("%s %q has no host", name, raw)
	}
	return nil
}
