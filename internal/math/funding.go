package math

import "github.com/shopspring/decimal"

// FundingPayment returns what a position owes for one funding step.
// Positive means the account pays, negative means it receives.
// Longs pay a positive rate, shorts receive it.
func FundingPayment(base, rateDelta decimal.Decimal) decimal.Decimal {
	return Quantize(base.Mul(rateDelta), RoundDown)
}

// InsurancePayment returns the insurance levy for one funding step. The
// levy is charged on leveraged notional only and is never negative.
func InsurancePayment(leveragedNotional, rateDelta decimal.Decimal) decimal.Decimal {
	if !leveragedNotional.IsPositive() || !rateDelta.IsPositive() {
		return decimal.Zero
	}
	return Quantize(leveragedNotional.Mul(rateDelta), RoundDown)
}

// TimeValue is the basis damping term (t24 - o24) / divisor.
func TimeValue(avgTracer, avgOracle, divisor decimal.Decimal) decimal.Decimal {
	if divisor.IsZero() {
		return decimal.Zero
	}
	return Div(avgTracer.Sub(avgOracle), divisor)
}

// FundingRateStep is the per-step increment to the cumulative funding rate:
// (basis - basis/divisor) * sensitivity. The basis may be negative.
func FundingRateStep(avgTracer, avgOracle, divisor, sensitivity decimal.Decimal) decimal.Decimal {
	basis := avgTracer.Sub(avgOracle)
	damped := basis.Sub(TimeValue(avgTracer, avgOracle, divisor))
	return Quantize(damped.Mul(sensitivity), RoundDown)
}

// InsuranceRateStep is max(0, k * (target - holdings) / leveragedNotional).
// It is zero when the market carries no leveraged notional.
func InsuranceRateStep(k, target, holdings, leveragedNotional decimal.Decimal) decimal.Decimal {
	if !leveragedNotional.IsPositive() {
		return decimal.Zero
	}
	gap := target.Sub(holdings)
	if !gap.IsPositive() {
		return decimal.Zero
	}
	return MulDiv(k, gap, leveragedNotional)
}
