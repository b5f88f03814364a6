// Package fees holds the pure money math for fee settlement, kept free
// of storage so it can be exercised directly by tests.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CapResult reports whether a requested payment was clamped and the
// amount that may actually be paid. Capped is true whenever either clamp
// fired, even if the final amount happens to equal the request (two caps
// can collapse back onto the input; callers still need to know the
// request hit a limit).
type CapResult struct {
	Capped bool
	Amount decimal.Decimal
}

// CapPayment clamps a proposed funding payment against system-wide and
// per-position margin limits.
//
// Sign convention: positive means the position pays out, negative means
// it receives. totalPaid is the running net amount all positions have
// paid so far; totalMargin is the sum of every position's funding
// margin; positionMargin is this position's share of it.
//
// Clamp order is load-bearing: the first clamp protects system-wide
// solvency, the second protects this position from paying more than it
// holds. Reordering changes outcomes at the margin.
func CapPayment(totalPaid, totalMargin, requested, positionMargin decimal.Decimal) (CapResult, error) {
	marginWithoutPos := totalMargin.Sub(positionMargin)
	if marginWithoutPos.IsNegative() {
		return CapResult{}, fmt.Errorf(
			"fees: position margin %s exceeds total margin %s", positionMargin, totalMargin)
	}

	// Sign-flipped headroom: more negative means more is available to
	// pay out to this position.
	available := marginWithoutPos.Add(totalPaid).Neg()

	capped := requested
	didCap := false

	if requested.LessThan(available) {
		capped = available
		didCap = true
	}

	if capped.GreaterThan(positionMargin) {
		capped = positionMargin
		didCap = true
	}

	return CapResult{Capped: didCap, Amount: capped}, nil
}
