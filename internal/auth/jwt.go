// Package auth issues and verifies HS256 access tokens carrying a user role.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"attendiq/internal/model"
)

var (
	ErrUnexpectedSigningMethod = errors.New("unexpected signing method")
	ErrInvalidToken            = errors.New("invalid token")
	ErrIssuerMismatch          = errors.New("issuer mismatch")
	ErrUnknownRole             = errors.New("unknown role")
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccessExp    time.Time `json:"access_expires_at"`
	RefreshExp   time.Time `json:"refresh_expires_at"`
}

// Claims represents JWT payload.
type Claims struct {
	Role model.Role `json:"role"`
	jwt.RegisteredClaims
}

// UserID is the authenticated subject.
func (c Claims) UserID() string { return c.Subject }

// Issuer signs tokens for one issuer and key.
type Issuer struct {
	Name       string
	Key        []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Now        func() time.Time
}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue issues signed access and refresh tokens.
func (i Issuer) Issue(subject string, role model.Role) (TokenPair, error) {
	switch role {
	case model.RoleStudent, model.RoleTeacher, model.RoleAdmin:
	default:
		return TokenPair{}, ErrUnknownRole
	}
	now := i.now()
	accessExp := now.Add(i.AccessTTL)
	refreshExp := now.Add(i.RefreshTTL)

	access, err := i.sign(subject, role, now, accessExp)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := i.sign(subject, role, now, refreshExp)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

func (i Issuer) sign(subject string, role model.Role, now, exp time.Time) (string, error) {
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Name,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Key)
}

// Parse validates a token and returns claims.
func (i Issuer) Parse(tokenStr string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnexpectedSigningMethod
		}
		return i.Key, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	if i.Name != "" && claims.Issuer != i.Name {
		return Claims{}, ErrIssuerMismatch
	}
	return *claims, nil
}
