package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingCredential   = errors.New("missing or invalid authorization header")
	ErrInvalidCredential   = errors.New("invalid or expired token")
	ErrInsufficientBalance = errors.New("insufficient credits")
	ErrLedgerUnavailable   = errors.New("credit ledger unavailable")
)

// TokenVerifier defines the interface for bearer token verification
type TokenVerifier interface {
	Validate(ctx context.Context, tokenString string) (*Claims, error)
	Close() error
}

// Claims represents the identity claims carried by a verified token
type Claims struct {
	UserID string `json:"sub"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified caller a debit was made against
type Principal struct {
	ID    string
	Email string
}

// BearerToken extracts the token from an Authorization header value
func BearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingCredential
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", ErrMissingCredential
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}

// ChainVerifier tries each verifier in order and returns the first success.
// If every verifier failed only because it could not be reached, the result
// is ErrLedgerUnavailable; any outright rejection yields ErrInvalidCredential.
type ChainVerifier struct {
	verifiers []TokenVerifier
}

// NewChainVerifier drops nil entries
func NewChainVerifier(verifiers ...TokenVerifier) *ChainVerifier {
	c := &ChainVerifier{}
	for _, v := range verifiers {
		if v != nil {
			c.verifiers = append(c.verifiers, v)
		}
	}
	return c
}

// Len returns the number of configured verifiers
func (c *ChainVerifier) Len() int {
	return len(c.verifiers)
}

func (c *ChainVerifier) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	if len(c.verifiers) == 0 {
		return nil, fmt.Errorf("%w: no identity provider configured", ErrLedgerUnavailable)
	}

	var lastErr error
	rejected := false
	for _, v := range c.verifiers {
		claims, err := v.Validate(ctx, tokenString)
		if err == nil {
			return claims, nil
		}
		if !errors.Is(err, ErrLedgerUnavailable) {
			rejected = true
		}
		lastErr = err
	}

	if rejected {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, lastErr)
	}
	return nil, lastErr
}

func (c *ChainVerifier) Close() error {
	var errs []error
	for _, v := range c.verifiers {
		if err := v.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
