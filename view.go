package hostedui

import (
	"embed"
	"html/template"
	"io"

	"github.com/pkg/errors"
)

// View is one of the mutually exclusive pages the index can render.
type View int

const (
	ViewLoading View = iota
	ViewError
	ViewAuthenticated
	ViewUnauthenticated
)

func (v View) String() string {
	switch v {
	case ViewLoading:
		return "loading"
	case ViewError:
		return "error"
	case ViewAuthenticated:
		return "authenticated"
	case ViewUnauthenticated:
		return "unauthenticated"
	}
	return "unknown"
}

// SelectView picks the view for the given state. Loading wins over error,
// error over authenticated, and anything else is unauthenticated.
func SelectView(s AuthState) View {
	switch {
	case s.IsLoading:
		return ViewLoading
	case s.Error != nil:
		return ViewError
	case s.IsAuthenticated:
		return ViewAuthenticated
	default:
		return ViewUnauthenticated
	}
}

const (
	redactedSuffix = "…[REDACTED]"
	// redactKeep is how many leading characters of a token stay visible, so
	// tokens can still be told apart.
	redactKeep = 8
)

// Redact masks all but the first few characters of a token.
func Redact(token string) string {
	if token == "" {
		return ""
	}
	r := []rune(token)
	if len(r) <= redactKeep {
		return redactedSuffix
	}
	return string(r[:redactKeep]) + redactedSuffix
}

//go:embed templates
var templateFS embed.FS

var viewTemplates = map[View]string{
	ViewLoading:         "templates/loading.html.tmpl",
	ViewError:           "templates/error.html.tmpl",
	ViewAuthenticated:   "templates/authenticated.html.tmpl",
	ViewUnauthenticated: "templates/unauthenticated.html.tmpl",
}

// renderer holds the parsed page templates, each combined with the default
// layout.
type renderer struct {
	pages map[View]*template.Template
}

func newRenderer() (*renderer, error) {
	r := &renderer{pages: map[View]*template.Template{}}
	for v, file := range viewTemplates {
		t, err := template.ParseFS(templateFS, "templates/layouts/default.html.tmpl", file)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse %s template", v)
		}
		r.pages[v] = t
	}
	return r, nil
}

// pageData is what the templates see.
type pageData struct {
	Title   string
	Error   string
	Email   string
	Tokens  []tokenRow
	Partial bool
}

type tokenRow struct {
	Name  string
	Value string
}

// viewData builds the template data for a state. Tokens are redacted unless
// revealTokens is set.
func viewData(v View, s AuthState, revealTokens bool) pageData {
	d := pageData{Title: "Cognito Login"}
	switch v {
	case ViewError:
		d.Error = s.Error.Message
	case ViewAuthenticated:
		d.Title = "Welcome"
		if s.User == nil {
			break
		}
		d.Email = s.User.Profile.Email
		show := Redact
		if revealTokens {
			show = func(t string) string { return t }
		}
		d.Partial = !revealTokens
		d.Tokens = []tokenRow{
			{Name: "ID Token", Value: show(s.User.IDToken)},
			{Name: "Access Token", Value: show(s.User.AccessToken)},
			{Name: "Refresh Token", Value: show(s.User.RefreshToken)},
		}
	}
	return d
}

func (r *renderer) render(w io.Writer, v View, d pageData) error {
	t, ok := r.pages[v]
	if !ok {
		return errors.Errorf("no template for view %s", v)
	}
	return t.ExecuteTemplate(w, "layout", d)
}
