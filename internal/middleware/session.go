package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/metrics"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
	"github.com/reseau-solidaire/backoffice-api/internal/repository"
	"github.com/reseau-solidaire/backoffice-api/internal/utils"
)

// Resolution failures. utils.ErrInvalidToken is returned as is.
var (
	ErrNoToken         = errors.New("no token")
	ErrUserNotFound    = errors.New("user not found")
	ErrAccountInactive = errors.New("account inactive")
)

const DefaultCookieName = "jwt"

const lastLoginTimeout = 2 * time.Second

// TokenVerifier returns the subject of a valid token.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// UserStore is the part of the credential store the resolver needs.
type UserStore interface {
	FindByID(ctx context.Context, id string) (model.User, error)
	Update(ctx context.Context, id string, upd model.UserUpdate) error
}

// SessionResolver turns a bearer token or cookie into a model.Session.
type SessionResolver struct {
	tokens     TokenVerifier
	users      UserStore
	log        *zap.Logger
	cookieName string
	now        func() time.Time
}

func NewSessionResolver(tokens TokenVerifier, users UserStore, log *zap.Logger, cookieName string) *SessionResolver {
	if log == nil {
		log = zap.NewNop()
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	return &SessionResolver{tokens: tokens, users: users, log: log, cookieName: cookieName, now: time.Now}
}

func (r *SessionResolver) CookieName() string { return r.cookieName }

// Resolve verifies raw and loads the active user it names.
func (r *SessionResolver) Resolve(ctx context.Context, raw string) (model.Session, error) {
	if raw == "" {
		return model.Session{}, ErrNoToken
	}
	sub, err := r.tokens.Verify(raw)
	if err != nil {
		return model.Session{}, utils.ErrInvalidToken
	}
	u, err := r.users.FindByID(ctx, sub)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.Session{}, ErrUserNotFound
		}
		return model.Session{}, fmt.Errorf("load session user: %w", err)
	}
	if !u.IsActive() {
		return model.Session{}, ErrAccountInactive
	}
	return model.SessionFromUser(u), nil
}

// TokenFromRequest reads the bearer token first and falls back to the cookie.
func (r *SessionResolver) TokenFromRequest(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		if tok := strings.TrimSpace(auth[7:]); tok != "" {
			return tok
		}
	}
	if ck, err := c.Cookie(r.cookieName); err == nil && ck.Value != "" {
		return ck.Value
	}
	return ""
}

// AttachSessionIfPresent attaches the session when the request carries a
// valid token. Requests without one, or with a bad one, continue anonymous.
func (r *SessionResolver) AttachSessionIfPresent() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := r.TokenFromRequest(c)
			if raw == "" {
				return next(c)
			}
			s, err := r.Resolve(c.Request().Context(), raw)
			if err != nil {
				c.Set(sessionErrorKey, err)
				if !isResolutionFailure(err) {
					r.log.Warn("optional session lookup failed", zap.Error(err))
				}
				return next(c)
			}
			r.attach(c, s)
			return next(c)
		}
	}
}

// RequireSession rejects requests that do not resolve to an active user.
func (r *SessionResolver) RequireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := CurrentSession(c); ok {
				return next(c)
			}
			err, _ := c.Get(sessionErrorKey).(error)
			if err == nil {
				var s model.Session
				s, err = r.Resolve(c.Request().Context(), r.TokenFromRequest(c))
				if err == nil {
					r.attach(c, s)
					return next(c)
				}
			}
			apiErr := sessionError(err)
			metrics.AuthDenied(apiErr.Code)
			return apiErr
		}
	}
}

func (r *SessionResolver) attach(c echo.Context, s model.Session) {
	SetSession(c, s)
	r.touchLastLogin(c.Request().Context(), s.ID)
}

// touchLastLogin is a best-effort write; failures are only logged.
func (r *SessionResolver) touchLastLogin(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lastLoginTimeout)
	defer cancel()
	now := r.now().UTC()
	if err := r.users.Update(ctx, id, model.UserUpdate{LastLoginAt: &now}); err != nil {
		r.log.Warn("update last login", zap.String("user_id", id), zap.Error(err))
	}
}

func isResolutionFailure(err error) bool {
	return errors.Is(err, ErrNoToken) ||
		errors.Is(err, utils.ErrInvalidToken) ||
		errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrAccountInactive)
}

func sessionError(err error) *APIError {
	switch {
	case errors.Is(err, ErrNoToken):
		return NoToken()
	case errors.Is(err, utils.ErrInvalidToken):
		return InvalidToken()
	case errors.Is(err, ErrUserNotFound):
		return UserNotFound()
	case errors.Is(err, ErrAccountInactive):
		return AccountInactive()
	default:
		return Internal(err)
	}
}
