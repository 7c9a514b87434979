// Package idempotency stores Idempotency-Key claims and the responses they produced.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// Status constants for idempotency keys. They match the CHECK constraint on
// idempotency_keys.status.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

var (
	// ErrKeyNotFound is returned when an idempotency key is not found.
	ErrKeyNotFound = errors.New("idempotency key not found")

	// ErrKeyExists is returned when attempting to claim a key that is already stored.
	ErrKeyExists = errors.New("idempotency key already exists")

	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid idempotency key")

	// ErrKeyTooLong is returned when the key exceeds maximum length.
	ErrKeyTooLong = errors.New("idempotency key exceeds maximum length of 64 characters")
)

// MaxKeyLength is the maximum allowed length for an idempotency key.
const MaxKeyLength = 64

// IdempotencyKey is a claimed key and, once completed, its cached response.
type IdempotencyKey struct {
	Key                string    `json:"key"`
	ActorID            string    `json:"actor_id"`
	Method             string    `json:"method"`
	Route              string    `json:"route"`
	CreatedAt          time.Time `json:"created_at"`
	ResponseHash       string    `json:"response_hash"`
	Status             string    `json:"status"`
	ResponseBody       string    `json:"response_body"`
	ResponseStatusCode int       `json:"response_status_code"`
}

// Matches reports whether a request by actorID on method/route may reuse this key.
func (k *IdempotencyKey) Matches(actorID, method, route string) bool {
	return k.ActorID == actorID && k.Method == method && k.Route == route
}

// ValidateKey checks if an idempotency key is valid.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	return nil
}

// ComputeResponseHash computes a SHA256 hash of the response body.
func ComputeResponseHash(responseBody string) string {
	hash := sha256.Sum256([]byte(responseBody))
	return hex.EncodeToString(hash[:])
}

// Repository defines methods for idempotency key persistence.
type Repository interface {
	// Get retrieves an idempotency key. Returns ErrKeyNotFound if absent.
	Get(ctx context.Context, key string) (*IdempotencyKey, error)

	// Claim stores record in StatusProcessing. Returns ErrKeyExists if the
	// key is already claimed or completed.
	Claim(ctx context.Context, record *IdempotencyKey) error

	// Complete stores the response for a claimed key and marks it completed.
	Complete(ctx context.Context, key string, statusCode int, body string) error

	// Release drops a claim so the request can be retried with the same key.
	Release(ctx context.Context, key string) error

	// DeleteOlderThan removes keys older than the given age.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
