package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Ledger debits credits atomically. Debit either removes amount from the
// balance or leaves it untouched and returns an error wrapping
// ErrInsufficientBalance or ErrLedgerUnavailable.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount int) error
}

// CreditGate turns a request credential into a debited principal
type CreditGate struct {
	verifier TokenVerifier
	ledger   Ledger
}

func NewCreditGate(verifier TokenVerifier, ledger Ledger) *CreditGate {
	return &CreditGate{verifier: verifier, ledger: ledger}
}

// Authorize verifies the bearer credential in authHeader and debits cost from
// the caller's balance. On any error the balance is unchanged.
func (g *CreditGate) Authorize(ctx context.Context, authHeader string, cost int) (*Principal, error) {
	token, err := BearerToken(authHeader)
	if err != nil {
		return nil, err
	}

	if g.verifier == nil || g.ledger == nil {
		return nil, fmt.Errorf("%w: credit gate not configured", ErrLedgerUnavailable)
	}
	if cost <= 0 {
		return nil, fmt.Errorf("%w: invalid cost %d", ErrLedgerUnavailable, cost)
	}

	claims, err := g.verifier.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrLedgerUnavailable) {
			return nil, err
		}
		if !errors.Is(err, ErrInvalidCredential) {
			err = fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return nil, err
	}

	if err := g.ledger.Debit(ctx, claims.UserID, cost); err != nil {
		if !errors.Is(err, ErrInsufficientBalance) && !errors.Is(err, ErrLedgerUnavailable) {
			err = fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		return nil, err
	}

	return &Principal{ID: claims.UserID, Email: claims.Email}, nil
}

// MemoryLedger keeps balances in process memory
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int
	debits   int
}

func NewMemoryLedger(balances map[string]int) *MemoryLedger {
	l := &MemoryLedger{balances: make(map[string]int, len(balances))}
	for id, b := range balances {
		l.balances[id] = b
	}
	return l
}

func (l *MemoryLedger) Debit(_ context.Context, userID string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	balance := l.balances[userID]
	if balance < amount {
		return fmt.Errorf("%w: balance %d, cost %d", ErrInsufficientBalance, balance, amount)
	}
	l.balances[userID] = balance - amount
	l.debits++
	return nil
}

// Balance returns the current balance of userID
func (l *MemoryLedger) Balance(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

// Debits returns how many debits succeeded
func (l *MemoryLedger) Debits() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debits
}
