package middleware

import (
	"github.com/labstack/echo/v4"

	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

// Keys of the echo context slots owned by this package.
const (
	sessionKey      = "session"
	sessionErrorKey = "session_error"
)

// CurrentSession returns the session attached to c by the session middleware.
func CurrentSession(c echo.Context) (model.Session, bool) {
	s, ok := c.Get(sessionKey).(model.Session)
	return s, ok
}

func SetSession(c echo.Context, s model.Session) { c.Set(sessionKey, s) }
