// Package auth issues and verifies the bearer tokens that carry a caller's
// principal to the API. The engine trusts the principal it is given; this
// package is where that trust is established.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTTL is the lifetime of an issued token.
const DefaultTTL = 24 * time.Hour

const issuer = "escrowd"

var (
	// ErrInvalidToken signals a token that failed parsing or validation.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrEmptySecret signals an issuer built without a signing secret.
	ErrEmptySecret = errors.New("auth: empty signing secret")
	// ErrEmptySubject signals an attempt to issue a token for no one.
	ErrEmptySubject = errors.New("auth: empty subject")
	// ErrPaddedSubject signals a subject with leading or trailing whitespace.
	ErrPaddedSubject = errors.New("auth: subject has surrounding whitespace")
)

// Issuer signs and verifies HS256 tokens whose subject is the caller.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an issuer using secret. A zero ttl means DefaultTTL.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for subject.
func (i *Issuer) Issue(subject string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", ErrEmptySubject
	}
	if strings.TrimSpace(subject) != subject {
		return "", ErrPaddedSubject
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Issuer:    issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// Verify validates token and returns its subject.
func (i *Issuer) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if strings.TrimSpace(claims.Subject) != claims.Subject {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, ErrPaddedSubject)
	}
	return claims.Subject, nil
}

type callerKey struct{}

// WithCaller returns a context carrying the authenticated caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// Caller returns the authenticated caller in ctx, if any.
func Caller(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(callerKey{}).(string)
	return caller, ok && caller != ""
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
