// Package util provides common utility functions for price calculations.
package util

import "math"

// tickEpsilon absorbs float noise when a quotient lands on a tick boundary.
const tickEpsilon = 1e-12

// tieEpsilon detects half-tick ties for RoundToTick.
const tieEpsilon = 1e-9

func normalizeTick(x, tick float64) (float64, bool) {
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(tick) {
		return 0, false
	}
	return math.Abs(tick), true
}

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.2345 becomes 1.23 and 1.235 becomes 1.24.
func RoundToTick(x, tick float64) float64 {
	tick, ok := normalizeTick(x, tick)
	if !ok {
		return x
	}
	q := x / tick
	frac := math.Abs(q - math.Trunc(q))
	if math.Abs(frac-0.5) < tieEpsilon {
		return (math.Trunc(q) + math.Copysign(1, q)) * tick
	}
	return math.Round(q) * tick
}

// FloorToTick rounds x down to a tick increment.
func FloorToTick(x, tick float64) float64 {
	tick, ok := normalizeTick(x, tick)
	if !ok {
		return x
	}
	return math.Floor(x/tick+tickEpsilon) * tick
}

// CeilToTick rounds x up to a tick increment.
func CeilToTick(x, tick float64) float64 {
	tick, ok := normalizeTick(x, tick)
	if !ok {
		return x
	}
	return math.Ceil(x/tick-tickEpsilon) * tick
}

// MidPrice returns the bid/ask midpoint, falling back to whichever side is
// quoted. Zero means neither side is.
func MidPrice(bid, ask float64) float64 {
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case ask > 0:
		return ask
	case bid > 0:
		return bid
	}
	return 0
}

// AnnualizedReturn scales a premium-over-capital return to a 365 day year.
// The result is a fraction, not a percent.
func AnnualizedReturn(premium, capital float64, days int) float64 {
	if days <= 0 || capital <= 0 {
		return 0
	}
	return premium / capital * 365 / float64(days)
}
