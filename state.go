package hostedui

import "net/http"

// AuthState is a snapshot of the user's authentication status, as reported by
// an Authenticator for a single request. It is treated as read-only.
type AuthState struct {
	// IsLoading is true while the identity provider is not yet usable, e.g
	// discovery is still in flight.
	IsLoading bool
	// Error is set when the authenticator has an error to surface to the user.
	Error *ErrorInfo
	// IsAuthenticated is true when User holds a signed in user.
	IsAuthenticated bool
	// User is the signed in user, if any.
	User *User
}

// ErrorInfo describes an error reported by the authenticator.
type ErrorInfo struct {
	Message string
}

func (e *ErrorInfo) Error() string {
	return e.Message
}

// Profile holds the user claims we display.
type Profile struct {
	Email string `json:"email,omitempty"`
}

// User is the signed in user and the credentials the provider issued. The
// token values are opaque, they are never parsed here.
type User struct {
	Profile      Profile `json:"profile"`
	IDToken      string  `json:"id_token,omitempty"`
	AccessToken  string  `json:"access_token,omitempty"`
	RefreshToken string  `json:"refresh_token,omitempty"`
}

// Authenticator is the capability the page depends on to find out who the
// user is, and to start or end their session.
type Authenticator interface {
	// State returns the authentication state for the request.
	State(r *http.Request) AuthState
	// SigninRedirect sends the user to the identity provider to sign in.
	SigninRedirect(w http.ResponseWriter, r *http.Request) error
	// RemoveUser forgets the signed in user locally. It does not write a
	// response body, so the caller is free to redirect afterwards.
	RemoveUser(w http.ResponseWriter, r *http.Request) error
}
