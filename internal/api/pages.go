package api

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/david/opportunity-oasis/internal/auth"
	"github.com/david/opportunity-oasis/internal/db"
	"github.com/david/opportunity-oasis/internal/document"
	"github.com/david/opportunity-oasis/internal/models"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

//go:embed templates/*.html
var templatesFS embed.FS

var pageNames = []string{"login.html", "list.html", "detail.html", "not_found.html"}

// renderer implements echo.Renderer over one template set per page, each
// combined with the shared layout.
type renderer struct {
	pages map[string]*template.Template
}

func newRenderer() (*renderer, error) {
	funcs := template.FuncMap{
		"deadline": func(d *string) string {
			if d == nil || *d == "" {
				return "No deadline"
			}
			return *d
		},
		"deref": func(d *string) string {
			if d == nil {
				return ""
			}
			return *d
		},
	}
	r := &renderer{pages: make(map[string]*template.Template, len(pageNames))}
	for _, name := range pageNames {
		t, err := template.New(name).Funcs(funcs).ParseFS(templatesFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parse page %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

func (r *renderer) Render(w io.Writer, name string, data interface{}, _ echo.Context) error {
	t, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}
	return t.ExecuteTemplate(w, "layout", data)
}

type loginView struct {
	Title string
	Next  string
	Email string
	Error string
}

type listView struct {
	Title         string
	Result        *db.ListResult
	Stats         *db.Stats
	Search        string
	SortField     string
	SortDirection string
	PrevURL       string
	NextURL       string
	Error         string
}

type detailView struct {
	Title       string
	Opportunity *models.Opportunity
	// Preview is set for documents the browser can show inline.
	Preview  template.URL
	IsImage  bool
	IsPDF    bool
	IsText   bool
	TextBody string
}

func (s *Server) handleLoginPage(c echo.Context) error {
	return c.Render(http.StatusOK, "login.html", loginView{Title: "Sign in", Next: c.QueryParam("next")})
}

type loginRequest struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
	Next     string `json:"next" form:"next"`
}

func wantsJSON(c echo.Context) bool {
	return strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON)
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	token, expires, err := s.gate.Login(req.Email, req.Password)
	if err != nil {
		status, msg := http.StatusInternalServerError, "Internal Server Error"
		var ve *models.ValidationError
		switch {
		case errors.As(err, &ve):
			status, msg = http.StatusBadRequest, ve.Error()
		case errors.Is(err, auth.ErrInvalidCreds):
			status, msg = http.StatusUnauthorized, "Invalid email or password"
		default:
			s.logger.Error("login failed", zap.Error(err))
		}
		if wantsJSON(c) {
			return c.JSON(status, map[string]string{"error": msg})
		}
		return c.Render(status, "login.html", loginView{Title: "Sign in", Next: req.Next, Email: req.Email, Error: msg})
	}

	s.gate.SetSessionCookie(c, token, expires)
	next := auth.SafeNext(req.Next)
	if wantsJSON(c) {
		return c.JSON(http.StatusOK, map[string]string{"redirect": next})
	}
	return c.Redirect(http.StatusSeeOther, next)
}

func (s *Server) handleLogout(c echo.Context) error {
	s.gate.ClearSessionCookie(c)
	return c.Redirect(http.StatusSeeOther, auth.LoginPath)
}

func pageURL(params db.ListParams, page int) string {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	if params.PageSize != db.DefaultPageSize {
		q.Set("pageSize", strconv.Itoa(params.PageSize))
	}
	if params.Search != "" {
		q.Set("search", params.Search)
	}
	if params.SortField != "" {
		q.Set("sortField", params.SortField)
	}
	if params.SortDirection != "" {
		q.Set("sortDirection", params.SortDirection)
	}
	return "/?" + q.Encode()
}

func (s *Server) handleListPage(c echo.Context) error {
	params, err := listParamsFromQuery(c)
	if err != nil || params.Page < 1 || params.PageSize < 1 || params.PageSize > db.MaxPageSize {
		params.Page, params.PageSize = 1, db.DefaultPageSize
	}
	ctx := c.Request().Context()

	view := listView{
		Title:         "Opportunities",
		Search:        params.Search,
		SortField:     params.SortField,
		SortDirection: params.SortDirection,
	}

	result, err := s.store.List(ctx, params)
	if err != nil {
		s.logger.Error("list page failed", zap.Error(err))
		view.Error = "Could not load opportunities. Please try again."
		return c.Render(http.StatusInternalServerError, "list.html", view)
	}
	view.Result = result
	if params.Page > 1 {
		view.PrevURL = pageURL(params, params.Page-1)
	}
	if result.HasMore {
		view.NextURL = pageURL(params, params.Page+1)
	}

	if stats, err := s.store.Stats(ctx); err == nil {
		view.Stats = stats
	} else {
		s.logger.Warn("stats unavailable", zap.Error(err))
	}

	return c.Render(http.StatusOK, "list.html", view)
}

func (s *Server) handleDetailPage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return c.Render(http.StatusNotFound, "not_found.html", map[string]string{"Title": "Not found"})
	}
	opp, err := s.store.GetByID(c.Request().Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return c.Render(http.StatusNotFound, "not_found.html", map[string]string{"Title": "Not found"})
	}
	if err != nil {
		s.logger.Error("detail page failed", zap.Int64("id", id), zap.Error(err))
		return c.Render(http.StatusInternalServerError, "not_found.html", map[string]string{"Title": "Something went wrong"})
	}

	view := detailView{Title: opp.Name, Opportunity: opp}
	// Only URIs whose media type matches the stored kind are shown inline.
	switch {
	case opp.DocumentType == models.DocumentImage && strings.HasPrefix(opp.DocumentURI, "data:image/"):
		view.IsImage = true
		view.Preview = template.URL(opp.DocumentURI)
	case opp.DocumentType == models.DocumentPDF && strings.HasPrefix(opp.DocumentURI, "data:"+document.MIMEPDF+";"):
		view.IsPDF = true
		view.Preview = template.URL(opp.DocumentURI)
	case opp.DocumentType == models.DocumentText:
		view.IsText = true
		view.TextBody = decodeTextDocument(opp.DocumentURI)
	}
	return c.Render(http.StatusOK, "detail.html", view)
}

// decodeTextDocument returns the stored text of a text document, or "" when it
// cannot be decoded.
func decodeTextDocument(uri string) string {
	doc, err := document.Parse(uri)
	if err != nil {
		return ""
	}
	return string(doc.Payload)
}
