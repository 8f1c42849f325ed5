// Package util provides common utility functions for price calculations.
package util

import "github.com/shopspring/decimal"

// ContractMultiplier is the number of underlying units per option contract
const ContractMultiplier = 100

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.05, 24.03 becomes 24.05.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	t := decimal.NewFromFloat(tick)
	v, _ := decimal.NewFromFloat(x).Div(t).Round(0).Mul(t).Float64()
	return v
}

// FloorToTick rounds x down to a tick increment.
func FloorToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	t := decimal.NewFromFloat(tick)
	v, _ := decimal.NewFromFloat(x).Div(t).Floor().Mul(t).Float64()
	return v
}

// LimitPerShare converts a total notional cap for quantity contracts into a
// per-share limit price that never exceeds the cap.
func LimitPerShare(maxCost float64, quantity int, tick float64) float64 {
	if quantity <= 0 {
		return 0
	}
	perShare := decimal.NewFromFloat(maxCost).
		Div(decimal.NewFromInt(int64(quantity * ContractMultiplier)))
	v, _ := perShare.Float64()
	return FloorToTick(v, tick)
}

// Notional returns price * quantity * ContractMultiplier without float drift.
func Notional(price float64, quantity int) float64 {
	v, _ := decimal.NewFromFloat(price).
		Mul(decimal.NewFromInt(int64(quantity * ContractMultiplier))).
		Float64()
	return v
}
