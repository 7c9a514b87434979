package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository persists payments.
//
// Create enforces active-obligation uniqueness atomically: it fails with a
// *DuplicateObligationError when another payment for the same policy and type
// is in an active status. Mutate serializes all changes to one payment: fn runs
// against the current row while no other Mutate for that id can interleave, and
// nothing is written when fn returns an error.
type Repository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id string) (*Payment, error)
	GetByCheckoutSessionID(ctx context.Context, sessionID string) (*Payment, error)
	GetByExternalChargeID(ctx context.Context, chargeID string) (*Payment, error)
	ListByPolicy(ctx context.Context, policyID string) ([]*Payment, error)
	Mutate(ctx context.Context, id string, fn func(p *Payment) error) (*Payment, error)
}

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu       sync.RWMutex
	payments map[string]*Payment
}

// NewInMemoryRepository creates a new in-memory payment repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		payments: make(map[string]*Payment),
	}
}

// Create inserts a new payment. The uniqueness check and the insert happen
// under one write lock.
func (r *InMemoryRepository) Create(_ context.Context, p *Payment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Status.Active() {
		for _, existing := range r.payments {
			if existing.PolicyID == p.PolicyID && existing.Type == p.Type && existing.Status.Active() {
				return &DuplicateObligationError{PolicyID: p.PolicyID, Type: p.Type, ExistingID: existing.ID}
			}
		}
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	r.payments[p.ID] = p.Clone()
	return nil
}

// GetByID retrieves a payment by ID.
func (r *InMemoryRepository) GetByID(_ context.Context, id string) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return p.Clone(), nil
}

// GetByCheckoutSessionID retrieves a payment by its gateway checkout session.
func (r *InMemoryRepository) GetByCheckoutSessionID(_ context.Context, sessionID string) (*Payment, error) {
	return r.find(func(p *Payment) bool {
		return p.CheckoutSessionID != nil && *p.CheckoutSessionID == sessionID
	})
}

// GetByExternalChargeID retrieves a payment by its gateway charge identifier.
func (r *InMemoryRepository) GetByExternalChargeID(_ context.Context, chargeID string) (*Payment, error) {
	return r.find(func(p *Payment) bool {
		return p.ExternalChargeID != nil && *p.ExternalChargeID == chargeID
	})
}

func (r *InMemoryRepository) find(match func(*Payment) bool) (*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.payments {
		if match(p) {
			return p.Clone(), nil
		}
	}
	return nil, ErrPaymentNotFound
}

// ListByPolicy returns every payment of a policy, oldest first.
func (r *InMemoryRepository) ListByPolicy(_ context.Context, policyID string) ([]*Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Payment
	for _, p := range r.payments {
		if p.PolicyID == policyID {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Mutate applies fn to a copy of the payment under the write lock and stores
// the copy only if fn succeeds.
func (r *InMemoryRepository) Mutate(_ context.Context, id string, fn func(p *Payment) error) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}

	r.payments[id] = working.Clone()
	return working, nil
}
