package nexus

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityStatus is the authentication state of the local user.
type IdentityStatus string

const (
	Loading         IdentityStatus = "loading"
	Authenticated   IdentityStatus = "authenticated"
	Unauthenticated IdentityStatus = "unauthenticated"
)

// Identity is who the session acts as. Only an Authenticated identity with
// a user id opens the channel.
type Identity struct {
	Status IdentityStatus
	UserID string
	Token  string
}

// Ready reports whether the identity can open the channel.
func (id Identity) Ready() bool {
	return id.Status == Authenticated && id.UserID != ""
}

// IdentityFromToken derives an identity from a bearer token. The signature
// is not verified here; the server does that on every request. The user id
// is the "sub" claim, and an expired token yields Unauthenticated.
func IdentityFromToken(token string) (Identity, error) {
	if token == "" {
		return Identity{Status: Unauthenticated}, ErrUnauthenticated
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{Status: Unauthenticated}, fmt.Errorf("parse token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Identity{Status: Unauthenticated}, errors.Join(ErrUnauthenticated, errors.New("token has no subject"))
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
		return Identity{Status: Unauthenticated, UserID: sub}, errors.Join(ErrUnauthenticated, jwt.ErrTokenExpired)
	}
	return Identity{Status: Authenticated, UserID: sub, Token: token}, nil
}
