package authclient

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// ProviderError is an OAuth2 error reported by the identity provider, either
// on the redirect back to us or in a token response.
type ProviderError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (p *ProviderError) Error() string {
	if p.Description == "" {
		return p.Code
	}
	return fmt.Sprintf("%s: %s", p.Code, p.Description)
}

// parseExchangeError turns an error from oauth2.Config.Exchange into the first
// match of:
// * a ProviderError, if the response was 400 or 401 with an OAuth2 error body
// * an error naming the HTTP status, for any other error response
// * a generic error otherwise
//
// Response bodies other than OAuth2 errors are not included, as the result is
// shown to the user.
func parseExchangeError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil {
		code := rerr.Response.StatusCode
		if code == http.StatusBadRequest || code == http.StatusUnauthorized {
			perr := &ProviderError{}
			if jerr := json.Unmarshal(rerr.Body, perr); jerr == nil && perr.Code != "" {
				return perr
			}
		}
		return errors.Errorf("token request failed: http status %s", rerr.Response.Status)
	}
	return errors.New("failed to exchange authorization code")
}
