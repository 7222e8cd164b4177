package auth

import (
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

const LoginPath = "/login"

// SetSessionCookie stores token in the HttpOnly session cookie.
func (g *Gate) SetSessionCookie(c echo.Context, token string, expires time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(g.ttl.Seconds()),
		HttpOnly: true,
		Secure:   c.Scheme() == "https",
		SameSite: http.SameSiteLaxMode,
	})
}

func (g *Gate) ClearSessionCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Authenticated reports whether the request carries a valid session cookie.
func (g *Gate) Authenticated(c echo.Context) bool {
	cookie, err := c.Cookie(SessionCookie)
	if err != nil {
		return false
	}
	return g.Validate(cookie.Value) == nil
}

// RequirePage redirects unauthenticated page requests to the login page,
// remembering where they were headed.
func (g *Gate) RequirePage(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if g.Authenticated(c) {
			return next(c)
		}
		target := LoginPath
		if uri := c.Request().URL.RequestURI(); uri != "/" {
			target += "?next=" + url.QueryEscape(uri)
		}
		return c.Redirect(http.StatusSeeOther, target)
	}
}

// RedirectIfAuthenticated sends users who already hold a session away from the
// login page.
func (g *Gate) RedirectIfAuthenticated(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if g.Authenticated(c) {
			return c.Redirect(http.StatusSeeOther, SafeNext(c.QueryParam("next")))
		}
		return next(c)
	}
}

// RequireAPI rejects API requests without a valid session.
func (g *Gate) RequireAPI(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !g.Authenticated(c) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		}
		return next(c)
	}
}

// RequireCronSecret accepts only "Authorization: Bearer <CRON_SECRET>".
func (g *Gate) RequireCronSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if subtle.ConstantTimeCompare([]byte(authHeader[7:]), []byte(g.cronSecret)) == 1 {
				return next(c)
			}
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
	}
}

// SafeNext returns next when it is a local absolute path and "/" otherwise.
func SafeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/"
	}
	if strings.HasPrefix(next, LoginPath) {
		return "/"
	}
	return next
}
