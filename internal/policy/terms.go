// Package policy exposes the commercial terms of a rental-guarantee policy to the
// payment core. Policies themselves are owned by the onboarding system; this
// package only reads them.
package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rentshield/rentshield/internal/breakdown"
	"github.com/rentshield/rentshield/internal/tracing"
	"github.com/shopspring/decimal"
)

// ErrPolicyNotFound is returned when no policy exists for an ID.
var ErrPolicyNotFound = errors.New("policy not found")

// TermsSource loads the commercial terms of a policy.
type TermsSource interface {
	GetTerms(ctx context.Context, policyID string) (breakdown.Terms, error)
}

// InMemoryTermsSource implements TermsSource with a map. Used in development and tests.
type InMemoryTermsSource struct {
	mu    sync.RWMutex
	terms map[string]breakdown.Terms
}

// NewInMemoryTermsSource creates an empty in-memory terms source.
func NewInMemoryTermsSource() *InMemoryTermsSource {
	return &InMemoryTermsSource{
		terms: make(map[string]breakdown.Terms),
	}
}

// Put stores the terms for a policy, replacing any previous value.
func (s *InMemoryTermsSource) Put(policyID string, terms breakdown.Terms) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terms[policyID] = terms
}

// GetTerms returns the stored terms or ErrPolicyNotFound.
func (s *InMemoryTermsSource) GetTerms(_ context.Context, policyID string) (breakdown.Terms, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	terms, ok := s.terms[policyID]
	if !ok {
		return breakdown.Terms{}, ErrPolicyNotFound
	}
	return terms, nil
}

// PostgresTermsSource reads terms from the policies table.
type PostgresTermsSource struct {
	db *sql.DB
}

// NewPostgresTermsSource creates a PostgresTermsSource.
func NewPostgresTermsSource(db *sql.DB) *PostgresTermsSource {
	return &PostgresTermsSource{db: db}
}

// GetTerms loads the terms of a policy. Rates and percentages are stored as
// NUMERIC and scanned through their text form to stay exact.
func (s *PostgresTermsSource) GetTerms(ctx context.Context, policyID string) (terms breakdown.Terms, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "policies", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT total_price, iva_rate::text, tenant_percentage::text, landlord_percentage::text,
		       investigation_fee, investigation_fee_applies_to_tenant
		FROM policies
		WHERE id = $1
	`

	var rate, tenantPct, landlordPct string
	err = s.db.QueryRowContext(ctx, query, policyID).Scan(
		&terms.TotalPrice,
		&rate,
		&tenantPct,
		&landlordPct,
		&terms.InvestigationFee,
		&terms.InvestigationFeeAppliesToTenant,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return breakdown.Terms{}, ErrPolicyNotFound
	}
	if err != nil {
		return breakdown.Terms{}, fmt.Errorf("failed to load policy terms: %w", err)
	}

	if terms.IVARate, err = decimal.NewFromString(rate); err != nil {
		return breakdown.Terms{}, fmt.Errorf("invalid iva_rate for policy %s: %w", policyID, err)
	}
	if terms.TenantPercentage, err = decimal.NewFromString(tenantPct); err != nil {
		return breakdown.Terms{}, fmt.Errorf("invalid tenant_percentage for policy %s: %w", policyID, err)
	}
	if terms.LandlordPercentage, err = decimal.NewFromString(landlordPct); err != nil {
		return breakdown.Terms{}, fmt.Errorf("invalid landlord_percentage for policy %s: %w", policyID, err)
	}
	return terms, nil
}
