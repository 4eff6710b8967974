// Package identity decodes the identity tokens issued by a Portier broker.
//
// The broker returns a signed JWT after code verification. The client only
// forwards it to the RPC service, which verifies it; claims are decoded here
// without signature verification, for logging and display only.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrNotJWT indicates the token is not a compact JWT.
var ErrNotJWT = errors.New("identity token is not a JWT")

// Claims are the identity token claims relevant to the client.
type Claims struct {
	// Email is the normalized address the broker verified.
	Email string

	// OriginalEmail is the address as the user typed it, when the broker reports it.
	OriginalEmail string

	Issuer   string
	Subject  string
	Audience []string

	// Expiry is zero when the token has no exp claim.
	Expiry time.Time
}

// Expired reports whether the token's expiry has passed at now.
func (c Claims) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && !c.Expiry.After(now)
}

// Parse decodes the claims of raw without verifying its signature.
// Returns ErrNotJWT if raw does not have the three-part compact form.
func Parse(raw string) (Claims, error) {
	if strings.Count(raw, ".") != 2 {
		return Claims{}, ErrNotJWT
	}

	tok, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return Claims{}, fmt.Errorf("parse identity token: %w", err)
	}

	claims := Claims{
		Issuer:   tok.Issuer(),
		Subject:  tok.Subject(),
		Audience: tok.Audience(),
		Expiry:   tok.Expiration(),
	}
	claims.Email = stringClaim(tok, "email")
	claims.OriginalEmail = stringClaim(tok, "email_original")
	if claims.Email == "" {
		claims.Email = claims.Subject
	}

	return claims, nil
}

func stringClaim(tok jwt.Token, name string) string {
	v, ok := tok.Get(name)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
