// Package kyc consumes the identity service as an eligibility gate and a
// per-user daily limit.
package kyc

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrUnavailable wraps transport failures talking to the identity service.
var ErrUnavailable = errors.New("kyc: gate unavailable")

// Limit is a user's daily investment allowance.
type Limit struct {
	Amount    decimal.Decimal
	Unlimited bool
}

// Allows reports whether total stays within the limit.
func (l Limit) Allows(total decimal.Decimal) bool {
	return l.Unlimited || total.LessThanOrEqual(l.Amount)
}

// Gate answers eligibility and limit questions for a user.
type Gate interface {
	IsEligible(ctx context.Context, userID string, amount decimal.Decimal) (bool, error)
	DailyLimit(ctx context.Context, userID string) (Limit, error)
}

// Static is an in-memory gate. Unknown users are ineligible.
type Static struct {
	mu     sync.RWMutex
	users  map[string]Limit
	denied map[string]bool
}

// NewStatic returns an empty static gate.
func NewStatic() *Static {
	return &Static{users: make(map[string]Limit), denied: make(map[string]bool)}
}

// Allow marks a user eligible with the supplied limit.
func (s *Static) Allow(userID string, limit Limit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = limit
	delete(s.denied, userID)
}

// Deny marks a user ineligible.
func (s *Static) Deny(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denied[userID] = true
}

// IsEligible implements Gate.
func (s *Static) IsEligible(_ context.Context, userID string, _ decimal.Decimal) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.denied[userID] {
		return false, nil
	}
	_, ok := s.users[userID]
	return ok, nil
}

// DailyLimit implements Gate.
func (s *Static) DailyLimit(_ context.Context, userID string) (Limit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID], nil
}
