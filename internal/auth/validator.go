// Package auth validates client JWTs against an Auth0-style JWKS endpoint
// and derives the "admin" tag the core treats as the sole authorization bit.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// CustomClaims is the subset of the token we care about. Subject becomes
// the client's userUuid; Tags gates admin operations.
type CustomClaims struct {
	Tags []string `json:"tags"`
	Name string   `json:"name"`
	jwt.RegisteredClaims
}

// HasTag reports whether the token carries the given tag (case-sensitive,
// matching the back-end's own tag vocabulary).
func (c *CustomClaims) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (c *CustomClaims) IsAdmin() bool { return c.HasTag("admin") }

// TokenValidator is the seam between the WS upgrade layer and the core:
// the core never parses tokens, only reads the already-validated claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*CustomClaims, error)
}

// Validator checks signature, issuer, and audience against a refreshing JWKS cache.
type Validator struct {
	keyFunc  jwt.Keyfunc
	issuer   string
	audience string
}

// NewValidator builds a Validator backed by <domain>/.well-known/jwks.json,
// verifying connectivity with an initial cache refresh.
func NewValidator(ctx context.Context, domain, audience string) (*Validator, error) {
	issuer := "https://" + domain + "/"
	jwksURL := issuer + ".well-known/jwks.json"

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(1*time.Hour)); err != nil {
		return nil, fmt.Errorf("register jwks: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("initial jwks refresh: %w", err)
	}

	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token has no kid header")
		}
		keys, err := cache.Get(context.Background(), jwksURL)
		if err != nil {
			return nil, fmt.Errorf("fetch jwks: %w", err)
		}
		key, ok := keys.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("no key found for kid %q", kid)
		}
		var raw interface{}
		if err := key.Raw(&raw); err != nil {
			return nil, fmt.Errorf("materialize key: %w", err)
		}
		return raw, nil
	}

	return &Validator{keyFunc: keyFunc, issuer: issuer, audience: audience}, nil
}

func (v *Validator) ValidateToken(tokenString string) (*CustomClaims, error) {
	claims := &CustomClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	return claims, nil
}

// AllowedOrigins turns a comma-separated env value into an origin set for
// the WebSocket upgrader's CheckOrigin.
func AllowedOrigins(csv string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, o := range strings.Split(csv, ",") {
		o = strings.TrimSpace(o)
		if o != "" {
			out[o] = struct{}{}
		}
	}
	return out
}
