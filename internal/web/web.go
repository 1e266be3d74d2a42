// Package web renders the server-side HTML views and serves static assets.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"time"

	"github.com/usermgmt/server/types"
	"go.uber.org/zap"
)

// View names.
const (
	ViewIndex = "index"
	ViewAdd   = "add"
	ViewEdit  = "edit"
	ViewError = "error"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// IndexPage is the data for the list view.
type IndexPage struct {
	Users []types.User
}

// FormPage is the data for the add and edit views.
type FormPage struct {
	User   types.UserInput
	Errors []string
}

// ErrorPage is the data for the error view.
type ErrorPage struct {
	Status  int
	Message string
}

// Renderer executes pre-parsed views inside the shared layout.
type Renderer struct {
	views  map[string]*template.Template
	logger *zap.Logger
}

// NewRenderer parses every view once.
func NewRenderer(logger *zap.Logger) (*Renderer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	funcs := template.FuncMap{
		"avatarURL":  AvatarURL,
		"formatDate": FormatDate,
	}

	views := make(map[string]*template.Template)
	for _, name := range []string{ViewIndex, ViewAdd, ViewEdit, ViewError} {
		tmpl, err := template.New(name).Funcs(funcs).ParseFS(templateFS,
			"templates/layout.html",
			"templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse view %s: %w", name, err)
		}
		views[name] = tmpl
	}

	return &Renderer{views: views, logger: logger}, nil
}

// Render writes view with status. Output is buffered, so a failing template
// produces a bare 500 instead of a half-written page.
func (r *Renderer) Render(w http.ResponseWriter, status int, view string, data any) {
	tmpl, ok := r.views[view]
	if !ok {
		r.logger.Error("unknown view", zap.String("view", view))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		r.logger.Error("render view", zap.String("view", view), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// Static serves the embedded assets under /static/.
func Static() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

// AvatarURL maps a stored picture name to the URL it is served from.
func AvatarURL(name string) string {
	if name == "" || name == types.DefaultProfilePicture {
		return "/static/" + types.DefaultProfilePicture
	}
	return "/uploads/" + url.PathEscape(name)
}

func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(types.DateLayout)
}
