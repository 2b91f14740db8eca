// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}

// Round2 rounds to the penny, the tick size used on option order legs.
func Round2(x float64) float64 {
	return RoundToTick(x, 0.01)
}

// MidPrice returns the bid/ask midpoint, falling back to whichever side is
// quoted when the other is zero.
func MidPrice(bid, ask float64) float64 {
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case ask > 0:
		return ask
	case bid > 0:
		return bid
	default:
		return 0
	}
}

// SpreadPct returns the bid/ask spread as a fraction of the midpoint.
// A zero or crossed market reports 1.0 (maximally wide) so liquidity
// filters reject it.
func SpreadPct(bid, ask float64) float64 {
	mid := MidPrice(bid, ask)
	if mid <= 0 || ask < bid {
		return 1.0
	}
	return (ask - bid) / mid
}
