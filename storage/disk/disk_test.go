package disk

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/sessions"
)

var (
	testAuthKey = []byte("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	testEncKey  = []byte("abcdef0123456789abcdef0123456789")
)

func TestSaveLoad(t *testing.T) {
	s := setup(t)

	session, err := s.Get(httptest.NewRequest(http.MethodGet, "/", nil), "test")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if !session.IsNew {
		t.Error("Want: new session")
	}
	session.Values["id-token"] = "a-token-far-too-big-for-a-cookie"

	rec := httptest.NewRecorder()
	if err := session.Save(httptest.NewRequest(http.MethodGet, "/", nil), rec); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	cookie := onlyCookie(t, rec)

	got, err := s.Get(requestWithCookie(cookie), "test")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if got.IsNew {
		t.Error("Want: existing session")
	}
	if diff := cmp.Diff(map[interface{}]interface{}{"id-token": "a-token-far-too-big-for-a-cookie"}, got.Values); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestDelete(t *testing.T) {
	s := setup(t)
	cookie := saveSession(t, s, map[interface{}]interface{}{"k": "v"})

	session, err := s.Get(requestWithCookie(cookie), "test")
	if err != nil {
		t.Fatal(err)
	}
	session.Options.MaxAge = -1
	rec := httptest.NewRecorder()
	if err := session.Save(requestWithCookie(cookie), rec); err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if c := onlyCookie(t, rec); c.MaxAge >= 0 {
		t.Errorf("Want: expired cookie, got max age %d", c.MaxAge)
	}

	// the old cookie no longer finds anything
	got, err := s.Get(requestWithCookie(cookie), "test")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if !got.IsNew || len(got.Values) != 0 {
		t.Errorf("Want: new empty session, got %+v", got.Values)
	}
}

func TestExpiry(t *testing.T) {
	s := setup(t)
	defer func() { s.Now = time.Now }()

	cookie := saveSession(t, s, map[interface{}]interface{}{"k": "v"})

	// pretend we're well past the session max age
	s.Now = func() time.Time { return time.Now().Add(24 * time.Hour) }

	got, err := s.Get(requestWithCookie(cookie), "test")
	if err != nil {
		t.Fatalf("Want: no error, got %v", err)
	}
	if !got.IsNew {
		t.Error("Want: expired session to come back as new")
	}

	n, err := s.DeleteExpired()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Want: 1 expired session removed, got %d", n)
	}
}

func TestTamperedCookie(t *testing.T) {
	s := setup(t)
	cookie := saveSession(t, s, map[interface{}]interface{}{"k": "v"})
	cookie.Value = "x" + cookie.Value

	got, err := s.Get(requestWithCookie(cookie), "test")
	if err == nil {
		t.Error("Want: decode error")
	}
	if got == nil || !got.IsNew || got.ID != "" {
		t.Errorf("Want: a fresh session alongside the error, got %+v", got)
	}
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")

	s, err := New(path, 0600, testAuthKey, testEncKey)
	if err != nil {
		t.Fatal(err)
	}
	s.MaxAge(60)
	cookie := saveSession(t, s, map[interface{}]interface{}{"k": "v"})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = New(path, 0600, testAuthKey, testEncKey)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Get(requestWithCookie(cookie), "test")
	if err != nil {
		t.Fatal(err)
	}
	if got.IsNew || got.Values["k"] != "v" {
		t.Errorf("Want: session to survive a reopen, got %+v", got.Values)
	}
}

func setup(t *testing.T) *Store {
	t.Helper()

	s, err := New(filepath.Join(t.TempDir(), "disktest.db"), 0600, testAuthKey, testEncKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.Options = &sessions.Options{Path: "/", MaxAge: 60, HttpOnly: true}
	return s
}

func saveSession(t *testing.T, s *Store, values map[interface{}]interface{}) *http.Cookie {
	t.Helper()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	session, err := s.Get(r, "test")
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range values {
		session.Values[k] = v
	}
	rec := httptest.NewRecorder()
	if err := session.Save(r, rec); err != nil {
		t.Fatal(err)
	}
	return onlyCookie(t, rec)
}

func requestWithCookie(c *http.Cookie) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(c)
	return r
}

func onlyCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("Want: 1 cookie, got %d", len(cookies))
	}
	return cookies[0]
}
