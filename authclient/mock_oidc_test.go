package authclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"gopkg.in/square/go-jose.v2"
)

// mockOIDCServer mocks out just enough of a Cognito user pool for tests: the
// discovery document, authorize, token, keys and hosted UI logout endpoints.
type mockOIDCServer struct {
	baseURL           string
	validClientID     string
	validClientSecret string
	validRedirectURL  string
	validLogoutURI    string
	claims            map[string]interface{}

	// authError, if set, is returned to the redirect URL instead of a code.
	authError     string
	authErrorDesc string

	// tokenError, if set, is returned from the token endpoint as a 400.
	tokenError     string
	tokenErrorDesc string

	// foreignSigner signs ID tokens with a key that isn't published.
	foreignSigner bool

	// discoveryGate, if set, blocks discovery until it is closed.
	discoveryGate chan struct{}

	key *rsa.PrivateKey

	mu     sync.Mutex
	nonces map[string]string
	codeN  int

	mux *http.ServeMux
}

func startServer(t *testing.T, handler http.Handler) (baseURL string, cleanup func()) {
	t.Helper()

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}

	_, port, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	baseURL = fmt.Sprintf("http://localhost:%s", port)
	server := &http.Server{
		Handler: handler,
	}

	go func() { _ = server.Serve(l) }()

	return baseURL, func() {
		_ = server.Shutdown(context.Background())
		_ = l.Close()
	}
}

func startMockOIDCServer(t *testing.T) (server *mockOIDCServer, cleanup func()) {
	t.Helper()

	server = newMockOIDCServer()
	baseURL, cleanup := startServer(t, server)
	server.baseURL = baseURL

	return server, cleanup
}

func newMockOIDCServer() *mockOIDCServer {
	s := &mockOIDCServer{
		nonces: map[string]string{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery)
	mux.HandleFunc("/oauth2/authorize", s.handleAuth)
	mux.HandleFunc("/oauth2/token", s.handleToken)
	mux.HandleFunc("/.well-known/jwks.json", s.handleKeys)
	mux.HandleFunc("/logout", s.handleLogout)
	s.mux = mux

	s.key = mustGenRSAKey(2048)

	return s
}

func (s *mockOIDCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *mockOIDCServer) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "not GET request", http.StatusMethodNotAllowed)
		return
	}

	if s.discoveryGate != nil {
		select {
		case <-s.discoveryGate:
		case <-r.Context().Done():
			return
		}
	}

	discovery := struct {
		Issuer                 string   `json:"issuer"`
		AuthorizationEndpoint  string   `json:"authorization_endpoint"`
		TokenEndpoint          string   `json:"token_endpoint"`
		JWKSURI                string   `json:"jwks_uri"`
		ResponseTypesSupported []string `json:"response_types_supported"`
	}{
		Issuer:                 s.baseURL,
		AuthorizationEndpoint:  fmt.Sprintf("%s/oauth2/authorize", s.baseURL),
		TokenEndpoint:          fmt.Sprintf("%s/oauth2/token", s.baseURL),
		JWKSURI:                fmt.Sprintf("%s/.well-known/jwks.json", s.baseURL),
		ResponseTypesSupported: []string{"code"},
	}

	writeJSON(w, http.StatusOK, discovery)
}

func (s *mockOIDCServer) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "not GET request", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if q.Get("client_id") != s.validClientID {
		http.Error(w, "invalid client ID", http.StatusBadRequest)
		return
	}
	if q.Get("redirect_uri") != s.validRedirectURL {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" {
		http.Error(w, "invalid response_type", http.StatusBadRequest)
		return
	}
	if q.Get("scope") != "openid email profile" {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}

	state := q.Get("state")
	if s.authError != "" {
		v := url.Values{"error": {s.authError}, "state": {state}}
		if s.authErrorDesc != "" {
			v.Set("error_description", s.authErrorDesc)
		}
		http.Redirect(w, r, s.validRedirectURL+"?"+v.Encode(), http.StatusFound)
		return
	}

	s.mu.Lock()
	s.codeN++
	code := fmt.Sprintf("valid-code-%d", s.codeN)
	s.nonces[code] = q.Get("nonce")
	s.mu.Unlock()

	redirectURL := fmt.Sprintf("%s?code=%s&state=%s", s.validRedirectURL, url.QueryEscape(code), url.QueryEscape(state))
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (s *mockOIDCServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "not a POST request", http.StatusMethodNotAllowed)
		return
	}

	// like Cognito, accept client credentials in either the header or body
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID, clientSecret = r.FormValue("client_id"), r.FormValue("client_secret")
	}
	switch {
	case clientID != s.validClientID || clientSecret != s.validClientSecret:
		writeJSON(w, http.StatusUnauthorized, &ProviderError{Code: "invalid_client"})
		return
	case r.FormValue("grant_type") != "authorization_code":
		writeJSON(w, http.StatusBadRequest, &ProviderError{Code: "unsupported_grant_type"})
		return
	case r.FormValue("redirect_uri") != s.validRedirectURL:
		writeJSON(w, http.StatusBadRequest, &ProviderError{Code: "invalid_grant", Description: "redirect_uri mismatch"})
		return
	case s.tokenError != "":
		writeJSON(w, http.StatusBadRequest, &ProviderError{Code: s.tokenError, Description: s.tokenErrorDesc})
		return
	}

	// codes are single use
	code := r.FormValue("code")
	s.mu.Lock()
	nonce, ok := s.nonces[code]
	delete(s.nonces, code)
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, &ProviderError{Code: "invalid_grant"})
		return
	}

	key := s.key
	if s.foreignSigner {
		key = mustGenRSAKey(2048)
	}
	jwk := jose.JSONWebKey{
		Key:       key,
		Algorithm: "RS256",
		KeyID:     "test",
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: jwk}, nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	now := time.Now()
	claims := map[string]interface{}{
		"iss":   s.baseURL,
		"aud":   clientID,
		"exp":   now.Add(60 * time.Second).Unix(),
		"iat":   now.Unix(),
		"nonce": nonce,
	}
	for k, v := range s.claims {
		claims[k] = v
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jws, err := signer.Sign(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	idToken, err := jws.CompactSerialize()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int    `json:"expires_in"`
		IDToken      string `json:"id_token"`
	}{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		TokenType:    "Bearer",
		ExpiresIn:    3600,
		IDToken:      idToken,
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *mockOIDCServer) handleKeys(w http.ResponseWriter, r *http.Request) {
	jwk := jose.JSONWebKey{
		Key:       s.key.Public(),
		Algorithm: "RS256",
		KeyID:     "test",
		Use:       "sig",
	}

	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

// handleLogout stands in for the hosted UI logout page.
func (s *mockOIDCServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != s.validClientID || q.Get("logout_uri") != s.validLogoutURI || q.Get("response_type") != "code" {
		http.Error(w, "Required String parameter 'redirect_uri' is not present", http.StatusBadRequest)
		return
	}
	_, _ = w.Write([]byte("signed out"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustGenRSAKey(bits int) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		panic(err)
	}

	return key
}
