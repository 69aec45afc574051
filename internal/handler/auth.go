package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/audit"
	"github.com/reseau-solidaire/backoffice-api/internal/middleware"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
	"github.com/reseau-solidaire/backoffice-api/internal/repository"
	"github.com/reseau-solidaire/backoffice-api/internal/utils"
)

// AuthOptions carries the settings the auth endpoints need from config.
type AuthOptions struct {
	BcryptCost   int
	CookieName   string
	SecureCookie bool
}

// AuthHandler bundles dependencies for the auth and self-service endpoints.
type AuthHandler struct {
	Users   UserStore
	Tokens  TokenMinter
	Auditor middleware.Auditor
	Log     *zap.Logger
	Opts    AuthOptions
}

func NewAuthHandler(users UserStore, tokens TokenMinter, auditor middleware.Auditor, log *zap.Logger, opts AuthOptions) *AuthHandler {
	if opts.CookieName == "" {
		opts.CookieName = middleware.DefaultCookieName
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthHandler{Users: users, Tokens: tokens, Auditor: auditor, Log: log, Opts: opts}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email" validate:"required,email,max=255"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required,max=120"`
}

type loginReq struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type changePasswordReq struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=8,max=72,nefield=CurrentPassword"`
}

type updateProfileReq struct {
	Name string `json:"name" validate:"required,max=120"`
}

type authResp struct {
	User      model.User `json:"user"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Register creates a MEMBER account and signs it in.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := bind(c, &req); err != nil {
		return err
	}

	hash, err := utils.HashPassword(req.Password, h.Opts.BcryptCost)
	if err != nil {
		return middleware.Internal(err)
	}
	u := &model.User{
		Email:        req.Email,
		Name:         req.Name,
		PasswordHash: hash,
		Role:         model.RoleMember,
		Status:       model.StatusActive,
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	if err := h.Users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrEmailExists) {
			return middleware.Conflict("email already registered")
		}
		return middleware.Internal(err)
	}
	u.Permissions = []model.PermissionName{}

	resp, err := h.signIn(c, *u)
	if err != nil {
		return err
	}
	h.Auditor.Record(ctx, audit.FromRequest(c, u.ID, model.ActionUserRegistered, "user", u.ID, nil))
	return c.JSON(http.StatusCreated, resp)
}

// Login checks credentials and returns a token, also set as cookie.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()

	u, err := h.Users.FindByEmail(ctx, req.Email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return middleware.Internal(err)
	}
	if err != nil || !utils.VerifyPassword(u.PasswordHash, req.Password) {
		h.Auditor.Record(ctx, audit.FromRequest(c, "", model.ActionLoginFailed, "user", u.ID,
			map[string]any{"email": model.NormalizeEmail(req.Email), "reason": "bad_credentials"}))
		return middleware.InvalidCredentials()
	}
	if !u.IsActive() {
		h.Auditor.Record(ctx, audit.FromRequest(c, "", model.ActionLoginFailed, "user", u.ID,
			map[string]any{"email": u.Email, "reason": "inactive"}))
		return middleware.AccountInactive()
	}

	now := time.Now().UTC()
	if err := h.Users.Update(ctx, u.ID, model.UserUpdate{LastLoginAt: &now}); err != nil {
		h.Log.Warn("update last login", zap.String("user_id", u.ID), zap.Error(err))
	} else {
		u.LastLoginAt = &now
	}

	resp, err := h.signIn(c, u)
	if err != nil {
		return err
	}
	h.Auditor.Record(ctx, audit.FromRequest(c, u.ID, model.ActionLoginSuccess, "user", u.ID, nil))
	return c.JSON(http.StatusOK, resp)
}

// Logout clears the token cookie. Tokens are not stored server side, so a
// bearer token stays valid until it expires.
func (h *AuthHandler) Logout(c echo.Context) error {
	c.SetCookie(&http.Cookie{
		Name:     h.Opts.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.Opts.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	if s, ok := middleware.CurrentSession(c); ok {
		h.Auditor.Record(c.Request().Context(), audit.FromRequest(c, s.ID, model.ActionLogout, "user", s.ID, nil))
	}
	return c.NoContent(http.StatusNoContent)
}

// Me returns the resolved session.
func (h *AuthHandler) Me(c echo.Context) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s)
}

// ChangePassword verifies the current password before storing the new hash.
func (h *AuthHandler) ChangePassword(c echo.Context) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	var req changePasswordReq
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	u, err := h.Users.FindByID(ctx, s.ID)
	if err != nil {
		return middleware.Internal(err)
	}
	if !utils.VerifyPassword(u.PasswordHash, req.CurrentPassword) {
		return middleware.InvalidCredentials()
	}
	hash, err := utils.HashPassword(req.NewPassword, h.Opts.BcryptCost)
	if err != nil {
		return middleware.Internal(err)
	}
	if err := h.Users.Update(ctx, s.ID, model.UserUpdate{PasswordHash: &hash}); err != nil {
		return middleware.Internal(err)
	}
	h.Auditor.Record(ctx, audit.FromRequest(c, s.ID, model.ActionPasswordChanged, "user", s.ID, nil))
	return c.NoContent(http.StatusNoContent)
}

// UpdateProfile lets a user rename themselves.
func (h *AuthHandler) UpdateProfile(c echo.Context) error {
	s, err := session(c)
	if err != nil {
		return err
	}
	var req updateProfileReq
	if err := bind(c, &req); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), dbTimeout)
	defer cancel()
	if err := h.Users.Update(ctx, s.ID, model.UserUpdate{Name: &req.Name}); err != nil {
		return middleware.Internal(err)
	}
	u, err := h.Users.FindByID(ctx, s.ID)
	if err != nil {
		return middleware.Internal(err)
	}
	h.Auditor.Record(ctx, audit.FromRequest(c, s.ID, model.ActionProfileUpdated, "user", s.ID,
		map[string]any{"name": req.Name}))
	return c.JSON(http.StatusOK, u)
}

func (h *AuthHandler) signIn(c echo.Context, u model.User) (authResp, error) {
	tok, err := h.Tokens.Mint(u.ID)
	if err != nil {
		return authResp{}, middleware.Internal(err)
	}
	c.SetCookie(&http.Cookie{
		Name:     h.Opts.CookieName,
		Value:    tok.Token,
		Path:     "/",
		MaxAge:   int(h.Tokens.TTL() / time.Second),
		Expires:  tok.Exp,
		HttpOnly: true,
		Secure:   h.Opts.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	return authResp{User: u, Token: tok.Token, ExpiresAt: tok.Exp}, nil
}
