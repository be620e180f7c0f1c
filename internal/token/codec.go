// Package token issues and verifies the signed, time-limited bearer tokens
// handed out at login. Tokens are HS256 JWTs: header, claims and signature
// segments, base64url encoded and joined by dots.
package token

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ClaimSubject   = "sub"
	ClaimSession   = "sid"
	ClaimIssuedAt  = "iat"
	ClaimExpiresAt = "exp"
)

var (
	// ErrMalformed is returned when a token does not have three segments or
	// its claims cannot be decoded.
	ErrMalformed = errors.New("malformed token")
	// ErrBadSignature is returned when the signature does not match the
	// header and claims segments.
	ErrBadSignature = errors.New("bad token signature")
	// ErrExpired is returned when the exp claim lies in the past.
	ErrExpired = errors.New("token expired")
	// ErrInvalidExpiration is returned for unusable TTL values.
	ErrInvalidExpiration = errors.New("invalid expiration")
)

var signingMethod = jwt.SigningMethodHS256

// Claims is the decoded payload of a token.
type Claims map[string]any

// String returns the claim under key when it is a non-empty string.
func (c Claims) String(key string) (string, bool) {
	value, ok := c[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return value, true
}

// Codec signs and verifies tokens with a shared secret.
type Codec struct {
	secret []byte
	now    func() time.Time
	parser *jwt.Parser
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for iat/exp.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec constructs a Codec for the given secret.
func NewCodec(secret string, opts ...Option) *Codec {
	c := &Codec{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return c.now() }),
		jwt.WithStrictDecoding(),
	)
	return c
}

// Issue signs claims with iat set to now and exp set to now+ttl, rounded up
// to the whole second so the token never expires before its TTL. The
// caller's map is not modified.
func (c *Codec) Issue(claims Claims, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidExpiration
	}

	now := c.now()
	payload := make(jwt.MapClaims, len(claims)+2)
	maps.Copy(payload, claims)
	payload[ClaimIssuedAt] = jwt.NewNumericDate(now)
	payload[ClaimExpiresAt] = jwt.NewNumericDate(ceilSecond(now.Add(ttl)))

	return jwt.NewWithClaims(signingMethod, payload).SignedString(c.secret)
}

// Verify checks the token signature and expiry and returns its claims.
// Failures wrap ErrMalformed, ErrBadSignature or ErrExpired.
func (c *Codec) Verify(tokenString string) (Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	sig, err := c.parser.DecodeSegment(parts[2])
	if err != nil {
		return nil, ErrBadSignature
	}
	if err := signingMethod.Verify(parts[0]+"."+parts[1], sig, c.secret); err != nil {
		return nil, ErrBadSignature
	}

	parsed, err := c.parser.Parse(tokenString, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrMalformed
	}
	return Claims(mapClaims), nil
}

// ceilSecond rounds t up to the next whole second. NumericDate truncates.
func ceilSecond(t time.Time) time.Time {
	if truncated := t.Truncate(time.Second); !truncated.Equal(t) {
		return truncated.Add(time.Second)
	}
	return t
}
