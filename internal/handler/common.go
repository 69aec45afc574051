package handler

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/reseau-solidaire/backoffice-api/internal/middleware"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
	"github.com/reseau-solidaire/backoffice-api/internal/utils"
)

const dbTimeout = 5 * time.Second

// UserStore is the credential store as used by the handlers.
// *repository.UserRepo implements it.
type UserStore interface {
	Create(ctx context.Context, u *model.User) error
	FindByID(ctx context.Context, id string) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	Update(ctx context.Context, id string, upd model.UserUpdate) error
	List(ctx context.Context, f model.UserFilter) ([]model.User, error)
	Archive(ctx context.Context, id string) error
	SetPermissions(ctx context.Context, userID string, perms []model.Permission) error
}

// PermissionStore is implemented by *repository.PermissionRepo.
type PermissionStore interface {
	UpsertByName(ctx context.Context, name model.PermissionName, description string) (model.Permission, error)
	List(ctx context.Context) ([]model.Permission, error)
}

// TokenMinter is implemented by *utils.TokenCodec.
type TokenMinter interface {
	Mint(subjectID string) (utils.AccessToken, error)
	TTL() time.Duration
}

// Validator plugs go-playground/validator into echo's c.Validate.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json field names rather than Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{v: v}
}

func (cv *Validator) Validate(i any) error {
	err := cv.v.Struct(i)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// bind decodes the body into req and validates it.
func bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return middleware.Validation(errors.New("malformed request body"))
	}
	if err := c.Validate(req); err != nil {
		return middleware.Validation(err)
	}
	return nil
}

func session(c echo.Context) (model.Session, error) {
	s, ok := middleware.CurrentSession(c)
	if !ok {
		return model.Session{}, middleware.AuthRequired()
	}
	return s, nil
}

func queryUint(c echo.Context, name string) (uint64, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, middleware.Validation(fmt.Errorf("%s must be a non-negative integer", name))
	}
	return n, nil
}
