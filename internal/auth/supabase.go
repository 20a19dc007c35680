package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/magistory/render-server/internal/config"
)

// SupabaseClient talks to a Supabase project with the service role key.
// It verifies access tokens against GoTrue and debits credits through the
// deduct_credits Postgres function exposed over PostgREST RPC.
type SupabaseClient struct {
	httpClient *http.Client
	baseURL    string
	serviceKey string
}

// NewSupabaseClient creates a client; it returns an error when the project
// URL or service key is missing so startup can log the misconfiguration.
func NewSupabaseClient(cfg *config.LedgerConfig) (*SupabaseClient, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("supabase url and service role key are required")
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SupabaseClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.SupabaseURL,
		serviceKey: cfg.SupabaseServiceKey,
	}, nil
}

// Validate resolves the token to a user via GET /auth/v1/user
func (c *SupabaseClient) Validate(ctx context.Context, tokenString string) (*Claims, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read user response: %v", ErrLedgerUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidCredential
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: identity service status %d", ErrLedgerUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: identity service status %d", ErrInvalidCredential, resp.StatusCode)
	}

	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("%w: failed to decode user: %v", ErrLedgerUnavailable, err)
	}
	if user.ID == "" {
		return nil, ErrInvalidCredential
	}

	return &Claims{UserID: user.ID, Email: user.Email, Role: user.Role}, nil
}

func (c *SupabaseClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// postgrestError is the error body PostgREST returns for a failed RPC
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// Debit calls POST /rest/v1/rpc/deduct_credits. The function checks and
// decrements the balance inside one transaction and raises when the balance
// would go negative.
func (c *SupabaseClient) Debit(ctx context.Context, userID string, amount int) error {
	payload, err := json.Marshal(map[string]interface{}{
		"user_id": userID,
		"amount":  amount,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal request: %v", ErrLedgerUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/v1/rpc/deduct_credits", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	var pgErr postgrestError
	_ = json.Unmarshal(body, &pgErr)

	if isBalanceRefusal(pgErr.Code) {
		msg := pgErr.Message
		if msg == "" {
			msg = "Failed to deduct credits (Insufficient funds)"
		}
		return fmt.Errorf("%w: %s", ErrInsufficientBalance, msg)
	}

	return fmt.Errorf("%w: deduct_credits status %d: %s", ErrLedgerUnavailable, resp.StatusCode, string(body))
}

// isBalanceRefusal reports whether a SQLSTATE means the ledger refused the
// debit rather than failed: raise_exception from the function body or a
// CHECK (balance >= 0) violation.
func isBalanceRefusal(sqlState string) bool {
	return sqlState == "P0001" || sqlState == "23514"
}
