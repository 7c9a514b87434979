// Package breakdown computes the tax-inclusive monetary breakdown of a policy's
// commercial terms and the share owed by each party.
//
// All amounts are int64 minor units (cents). Rates and percentages are decimals
// so that callers never round through float64.
package breakdown

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidTerms is the sentinel matched by every InvalidTermsError.
var ErrInvalidTerms = errors.New("invalid policy terms")

// InvalidTermsError describes which input violated a precondition of Compute.
type InvalidTermsError struct {
	Field  string
	Reason string
}

func (e *InvalidTermsError) Error() string {
	return fmt.Sprintf("invalid policy terms: %s %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalidTerms.
func (e *InvalidTermsError) Is(target error) bool {
	return target == ErrInvalidTerms
}

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Terms are the commercial terms of a policy as consumed by Compute.
type Terms struct {
	// TotalPrice is the tax-inclusive policy price in minor units.
	TotalPrice int64
	// IVARate is the value-added tax rate as a fraction (0.16 for 16%).
	IVARate            decimal.Decimal
	TenantPercentage   decimal.Decimal
	LandlordPercentage decimal.Decimal
	// InvestigationFee is the fee amount in minor units.
	InvestigationFee int64
	// InvestigationFeeAppliesToTenant deducts the fee from the tenant's share
	// instead of billing it on top.
	InvestigationFeeAppliesToTenant bool
}

// PaymentBreakdown is the derived, never persisted, split of a policy price.
type PaymentBreakdown struct {
	Subtotal                 int64           `json:"subtotal"`
	IVA                      int64           `json:"iva"`
	TotalWithIVA             int64           `json:"total_with_iva"`
	TenantPercentage         decimal.Decimal `json:"tenant_percentage"`
	LandlordPercentage       decimal.Decimal `json:"landlord_percentage"`
	TenantAmount             int64           `json:"tenant_amount"`
	LandlordAmount           int64           `json:"landlord_amount"`
	InvestigationFee         int64           `json:"investigation_fee"`
	IncludesInvestigationFee bool            `json:"includes_investigation_fee"`
	TenantAmountAfterFee     int64           `json:"tenant_amount_after_fee"`
}

// Compute turns terms into a PaymentBreakdown. The total price already includes
// IVA, so the subtotal is total/(1+rate) rounded half-up to the minor unit and
// IVA is the remainder; subtotal+IVA always equals the total exactly.
//
// When the two percentages add up to 100 the landlord share is the residual of
// the total after the tenant share, so the shares sum to the total without
// rounding drift. Otherwise each share is rounded independently.
func Compute(t Terms) (PaymentBreakdown, error) {
	if err := validate(t); err != nil {
		return PaymentBreakdown{}, err
	}

	total := decimal.NewFromInt(t.TotalPrice)
	subtotal := roundMinor(total.Div(one.Add(t.IVARate)))
	iva := t.TotalPrice - subtotal

	tenant := share(total, t.TenantPercentage)
	landlord := share(total, t.LandlordPercentage)
	if !t.TenantPercentage.IsZero() && !t.LandlordPercentage.IsZero() &&
		t.TenantPercentage.Add(t.LandlordPercentage).Equal(hundred) {
		landlord = t.TotalPrice - tenant
	}

	afterFee := tenant
	if t.InvestigationFeeAppliesToTenant {
		afterFee = tenant - t.InvestigationFee
	}

	return PaymentBreakdown{
		Subtotal:                 subtotal,
		IVA:                      iva,
		TotalWithIVA:             t.TotalPrice,
		TenantPercentage:         t.TenantPercentage,
		LandlordPercentage:       t.LandlordPercentage,
		TenantAmount:             tenant,
		LandlordAmount:           landlord,
		InvestigationFee:         t.InvestigationFee,
		IncludesInvestigationFee: t.InvestigationFeeAppliesToTenant,
		TenantAmountAfterFee:     afterFee,
	}, nil
}

func validate(t Terms) error {
	if t.TotalPrice <= 0 {
		return &InvalidTermsError{Field: "total_price", Reason: "must be positive"}
	}
	if t.IVARate.IsNegative() {
		return &InvalidTermsError{Field: "iva_rate", Reason: "must not be negative"}
	}
	if err := validatePercentage("tenant_percentage", t.TenantPercentage); err != nil {
		return err
	}
	if err := validatePercentage("landlord_percentage", t.LandlordPercentage); err != nil {
		return err
	}
	if t.InvestigationFee < 0 {
		return &InvalidTermsError{Field: "investigation_fee", Reason: "must not be negative"}
	}
	if t.InvestigationFeeAppliesToTenant && t.InvestigationFee > share(decimal.NewFromInt(t.TotalPrice), t.TenantPercentage) {
		return &InvalidTermsError{Field: "investigation_fee", Reason: "exceeds the tenant share it is deducted from"}
	}
	return nil
}

func validatePercentage(field string, p decimal.Decimal) error {
	if p.IsNegative() {
		return &InvalidTermsError{Field: field, Reason: "must not be negative"}
	}
	if p.GreaterThan(hundred) {
		return &InvalidTermsError{Field: field, Reason: "must not exceed 100"}
	}
	return nil
}

func share(total, percentage decimal.Decimal) int64 {
	return roundMinor(total.Mul(percentage).Div(hundred))
}

// roundMinor rounds half-up; every input here is non-negative so decimal's
// half-away-from-zero rounding is half-up.
func roundMinor(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

// SplitIVA splits a tax-inclusive amount into its subtotal and IVA using the
// same rounding as Compute. It is used to snapshot the tax of a single payment.
func SplitIVA(amount int64, rate decimal.Decimal) (subtotal, iva int64) {
	subtotal = roundMinor(decimal.NewFromInt(amount).Div(one.Add(rate)))
	return subtotal, amount - subtotal
}
