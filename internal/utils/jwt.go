package utils // package utils provides helper functions for token creation and password hashing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5" // JWT library for creating and verifying signed tokens
)

// DefaultTokenTTL is used when no positive TTL is configured.
const DefaultTokenTTL = 7 * 24 * time.Hour

const tokenIssuer = "backoffice-api"

var (
	// ErrMissingSecret is a configuration error: the process must not start
	// without a signing secret.
	ErrMissingSecret = errors.New("jwt signing secret is not configured")
	// ErrInvalidToken covers malformed tokens, bad signatures, unexpected
	// algorithms, missing subjects and expired tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// AccessToken is a signed identity token along with its expiry.
type AccessToken struct {
	Token string    // the serialized JWT string
	Exp   time.Time // the UTC expiration time
}

// TokenCodec mints and verifies HS256 identity tokens that carry only the
// subject id and timestamps. Tokens are never stored server-side.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// TokenCodecOption customises a TokenCodec.
type TokenCodecOption func(*TokenCodec)

// WithClock overrides the time source used for minting and verifying.
func WithClock(now func() time.Time) TokenCodecOption {
	return func(c *TokenCodec) { c.now = now }
}

// NewTokenCodec builds a codec. An empty secret yields ErrMissingSecret; a
// non-positive ttl falls back to DefaultTokenTTL.
func NewTokenCodec(secret string, ttl time.Duration, opts ...TokenCodecOption) (*TokenCodec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	c := &TokenCodec{secret: []byte(secret), ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// TTL returns the lifetime given to minted tokens.
func (c *TokenCodec) TTL() time.Duration { return c.ttl }

// Mint signs a token for subjectID valid for the codec TTL.
func (c *TokenCodec) Mint(subjectID string) (AccessToken, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return AccessToken{}, errors.New("subject id is required")
	}
	now := c.now().UTC()
	exp := now.Add(c.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   subjectID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return AccessToken{}, fmt.Errorf("sign token: %w", err)
	}
	return AccessToken{Token: signed, Exp: exp}, nil
}

// Verify checks signature, issuer and expiry and returns the subject id.
// Every failure is reported as ErrInvalidToken.
func (c *TokenCodec) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidToken
	}
	var claims jwt.RegisteredClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return c.secret, nil
	},
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !tok.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
