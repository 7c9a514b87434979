package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository implements Repository with in-memory storage.
type InMemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]*IdempotencyKey
	now  func() time.Time
}

// NewInMemoryRepository creates a new in-memory idempotency key repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		keys: make(map[string]*IdempotencyKey),
		now:  time.Now,
	}
}

// Get implements Repository.
func (r *InMemoryRepository) Get(ctx context.Context, key string) (*IdempotencyKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	copied := *record
	return &copied, nil
}

// Claim implements Repository.
func (r *InMemoryRepository) Claim(ctx context.Context, record *IdempotencyKey) error {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.keys[record.Key]; exists {
		return ErrKeyExists
	}

	stored := *record
	stored.Status = StatusProcessing
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.keys[record.Key] = &stored
	return nil
}

// Complete implements Repository.
func (r *InMemoryRepository) Complete(ctx context.Context, key string, statusCode int, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.keys[key]
	if !ok {
		return ErrKeyNotFound
	}
	record.Status = StatusCompleted
	record.ResponseStatusCode = statusCode
	record.ResponseBody = body
	record.ResponseHash = ComputeResponseHash(body)
	return nil
}

// Release implements Repository.
func (r *InMemoryRepository) Release(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, key)
	return nil
}

// DeleteOlderThan implements Repository.
func (r *InMemoryRepository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-age)
	var deleted int64
	for key, record := range r.keys {
		if record.CreatedAt.Before(cutoff) {
			delete(r.keys, key)
			deleted++
		}
	}
	return deleted, nil
}
