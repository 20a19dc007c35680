package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/magistory/render-server/internal/config"
)

const discoveryTimeout = 10 * time.Second

// JWKSVerifier checks tokens against an OIDC issuer's key set. The key set is
// resolved on first use, so an issuer that is down at boot does not keep the
// server from starting; until it answers, tokens are reported as unavailable.
type JWKSVerifier struct {
	issuer   string
	audience string
	jwksURL  string
	http     *http.Client

	// refresh goroutines started by keyfunc live until Close
	ctx    context.Context
	cancel context.CancelFunc

	resolve  singleflight.Group
	mu       sync.RWMutex
	keys     keyfunc.Keyfunc
	stopKeys context.CancelFunc
}

func NewJWKSVerifier(cfg *config.OIDCConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidc issuer is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &JWKSVerifier{
		issuer:   strings.TrimRight(cfg.Issuer, "/"),
		audience: cfg.ClientID,
		jwksURL:  cfg.JWKSURL,
		http:     &http.Client{Timeout: discoveryTimeout},
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// keySet returns the cached key set or resolves it. Concurrent first uses
// share one resolution and each caller stops waiting when its ctx ends.
func (v *JWKSVerifier) keySet(ctx context.Context) (keyfunc.Keyfunc, error) {
	v.mu.RLock()
	keys := v.keys
	v.mu.RUnlock()
	if keys != nil {
		return keys, nil
	}

	ch := v.resolve.DoChan("keys", func() (interface{}, error) {
		return v.load(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(keyfunc.Keyfunc), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *JWKSVerifier) load(ctx context.Context) (keyfunc.Keyfunc, error) {
	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	url := v.jwksURL
	if url == "" {
		discovered, err := v.discover(ctx)
		if err != nil {
			return nil, err
		}
		url = discovered
	}

	// a failed attempt must not leave its refresh goroutine behind
	refreshCtx, stop := context.WithCancel(v.ctx)
	keys, err := keyfunc.NewDefaultCtx(refreshCtx, []string{url})
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to load key set: %w", err)
	}
	loaded, err := keys.Storage().KeyReadAll(ctx)
	if err != nil || len(loaded) == 0 {
		stop()
		return nil, fmt.Errorf("key set at %s has no keys", url)
	}

	v.mu.Lock()
	v.keys = keys
	v.stopKeys = stop
	v.mu.Unlock()
	return keys, nil
}

// discover reads jwks_uri from the issuer's openid-configuration document
func (v *JWKSVerifier) discover(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", err
	}

	resp, err := v.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery returned %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("bad discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	keys, err := v.keySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, keys.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidCredential
	}

	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil || !slices.Contains(aud, v.audience) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidCredential)
		}
	}

	return claims, nil
}

// Close stops background key refreshes
func (v *JWKSVerifier) Close() error {
	v.mu.Lock()
	if v.stopKeys != nil {
		v.stopKeys()
	}
	v.mu.Unlock()
	v.cancel()
	return nil
}
