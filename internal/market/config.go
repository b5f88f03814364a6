package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the per-market parameter set. It is loaded once per call
// from storage and treated as immutable within a single execution; no
// component mutates it.
type Config struct {
	// MarketType fixes the collateral asset orientation.
	MarketType MarketType

	// CollateralToken identifies the asset positions are margined in.
	CollateralToken Token

	// MaxLeverage bounds trader leverage on increases. Decreases are
	// exempt so over-leveraged legacy positions can be de-risked.
	MaxLeverage decimal.Decimal

	// MinimumDepositUSD is the floor for new collateral deposits. A 10%
	// fluctuation allowance is applied at validation time.
	MinimumDepositUSD decimal.Decimal

	// DeltaNeutralityFeeSensitivity controls how quickly the
	// delta-neutrality fee ramps as net open interest moves away from
	// balance, expressed in notional units.
	DeltaNeutralityFeeSensitivity decimal.Decimal

	// DeltaNeutralityFeeCap bounds the instantaneous fee rate.
	DeltaNeutralityFeeCap decimal.Decimal

	// ProtocolTax is the protocol's cut of collected fees; the remainder
	// stays with the pool or the fund that pays rebalancing trades.
	ProtocolTax decimal.Decimal

	// BorrowFeeRate is the current annualized borrow rate charged on
	// counter-side liquidity, sampled into the accrual series.
	BorrowFeeRate decimal.Decimal

	// FundingRateMaxAnnualized caps the funding rate magnitude used when
	// sizing the funding component of the liquidation margin.
	FundingRateMaxAnnualized decimal.Decimal

	// CarryLeverage scales the exposure component of the liquidation
	// margin: how much adverse price movement one liquifunding period
	// must be able to absorb.
	CarryLeverage decimal.Decimal

	// CrankFeeCollateral is reserved per position to pay the crank that
	// eventually settles it.
	CrankFeeCollateral decimal.Decimal

	// StalenessWindow is how old a price point may be before the market
	// refuses to settle against it.
	StalenessWindow time.Duration

	// LiquifundingPeriod is the maximum interval between forced accrual
	// settlements of a position.
	LiquifundingPeriod time.Duration
}

// DefaultConfig mirrors mainnet-style parameters; tests override fields
// as needed.
func DefaultConfig() Config {
	return Config{
		MarketType:                    CollateralIsQuote,
		CollateralToken:               "USDC",
		MaxLeverage:                   decimal.NewFromInt(30),
		MinimumDepositUSD:             decimal.NewFromInt(5),
		DeltaNeutralityFeeSensitivity: decimal.NewFromInt(50_000_000),
		DeltaNeutralityFeeCap:         decimal.RequireFromString("0.005"),
		ProtocolTax:                   decimal.RequireFromString("0.05"),
		BorrowFeeRate:                 decimal.RequireFromString("0.08"),
		FundingRateMaxAnnualized:      decimal.RequireFromString("0.9"),
		CarryLeverage:                 decimal.NewFromInt(10),
		CrankFeeCollateral:            decimal.RequireFromString("0.01"),
		StalenessWindow:               2 * time.Minute,
		LiquifundingPeriod:            24 * time.Hour,
	}
}

// Validate checks the parameter set once at load time so per-call code
// can assume a well-formed config.
func (c Config) Validate() error {
	if c.CollateralToken == "" {
		return fmt.Errorf("config: collateral token is empty")
	}
	if !c.MaxLeverage.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: max leverage must exceed 1, got %s", c.MaxLeverage)
	}
	if c.MinimumDepositUSD.IsNegative() {
		return fmt.Errorf("config: minimum deposit must be non-negative, got %s", c.MinimumDepositUSD)
	}
	if !c.DeltaNeutralityFeeSensitivity.IsPositive() {
		return fmt.Errorf("config: delta neutrality fee sensitivity must be positive, got %s", c.DeltaNeutralityFeeSensitivity)
	}
	if c.ProtocolTax.IsNegative() || c.ProtocolTax.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: protocol tax must be in [0,1), got %s", c.ProtocolTax)
	}
	if !c.CarryLeverage.IsPositive() {
		return fmt.Errorf("config: carry leverage must be positive, got %s", c.CarryLeverage)
	}
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("config: staleness window must be positive")
	}
	if c.LiquifundingPeriod <= 0 {
		return fmt.Errorf("config: liquifunding period must be positive")
	}
	return nil
}
