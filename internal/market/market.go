package market

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Token identifies a collateral asset held by the protocol.
type Token string

// MarketType determines which asset a market's positions are
// collateralized in.
type MarketType int32

const (
	// CollateralIsQuote markets post collateral in the quote asset
	// (e.g. USDC on an ATOM/USDC market).
	CollateralIsQuote MarketType = iota
	// CollateralIsBase markets post collateral in the base asset
	// (e.g. ATOM on an ATOM/USD market).
	CollateralIsBase
)

func (mt MarketType) String() string {
	switch mt {
	case CollateralIsQuote:
		return "CollateralIsQuote"
	case CollateralIsBase:
		return "CollateralIsBase"
	default:
		return "Unknown"
	}
}

// DirectionToBase is the direction of a position as the trader expressed
// it: exposure to the base asset.
type DirectionToBase int32

const (
	DirectionToBaseLong DirectionToBase = iota
	DirectionToBaseShort
)

func (d DirectionToBase) String() string {
	if d == DirectionToBaseLong {
		return "Long"
	}
	return "Short"
}

// DirectionToNotional is the direction of a position in notional terms.
// In CollateralIsBase markets the notional asset is the quote asset, so
// the trader-facing direction flips.
type DirectionToNotional int32

const (
	DirectionToNotionalLong DirectionToNotional = iota
	DirectionToNotionalShort
)

// ToNotional converts a trader-facing direction into notional terms for
// the given market type.
func (d DirectionToBase) ToNotional(mt MarketType) DirectionToNotional {
	if mt == CollateralIsBase {
		if d == DirectionToBaseLong {
			return DirectionToNotionalShort
		}
		return DirectionToNotionalLong
	}
	if d == DirectionToBaseLong {
		return DirectionToNotionalLong
	}
	return DirectionToNotionalShort
}

func (d DirectionToNotional) String() string {
	if d == DirectionToNotionalLong {
		return "Long"
	}
	return "Short"
}

// SignedNotional applies the direction's sign to an unsigned notional
// magnitude.
func (d DirectionToNotional) SignedNotional(abs decimal.Decimal) decimal.Decimal {
	if d == DirectionToNotionalShort {
		return abs.Neg()
	}
	return abs
}

// ErrDivisionByZero is a numeric-class failure: it indicates a broken
// invariant rather than bad user input, and must abort the whole call.
var ErrDivisionByZero = errors.New("division by zero")

// DivChecked divides num by den, failing instead of panicking on a zero
// divisor.
func DivChecked(num, den decimal.Decimal) (decimal.Decimal, error) {
	if den.IsZero() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s / 0", ErrDivisionByZero, num)
	}
	return num.Div(den), nil
}
