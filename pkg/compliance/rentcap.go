package compliance

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const moneyPlaces int32 = 2

var hundred = decimal.NewFromInt(100)

var (
	ErrNonPositiveCurrent = errors.New("compliance: current amount must be positive")
	ErrNegativeProposed   = errors.New("compliance: proposed amount must be non-negative")
	ErrNegativeCapRatio   = errors.New("compliance: cap ratio must be non-negative")
)

// CapInput describes one cap check: a proposed change from Current to
// Proposed, the increases already applied inside the rolling window, and the
// cap expressed as a ratio of Current (0.15 == 15%).
type CapInput struct {
	Current       decimal.Decimal
	Proposed      decimal.Decimal
	WindowHistory []decimal.Decimal
	CapRatio      decimal.Decimal
}

// CapResult carries rounded monetary outputs. IsCompliant is decided on the
// unrounded values.
type CapResult struct {
	Delta        decimal.Decimal
	DeltaPercent decimal.Decimal
	WindowTotal  decimal.Decimal
	CapLimit     decimal.Decimal
	MaxAllowed   decimal.Decimal
	IsCompliant  bool
}

func Check(in CapInput) (CapResult, error) {
	if !in.Current.IsPositive() {
		return CapResult{}, ErrNonPositiveCurrent
	}
	if in.Proposed.IsNegative() {
		return CapResult{}, ErrNegativeProposed
	}
	if in.CapRatio.IsNegative() {
		return CapResult{}, ErrNegativeCapRatio
	}

	windowTotal := decimal.Sum(decimal.Zero, in.WindowHistory...)
	delta := in.Proposed.Sub(in.Current)
	capLimit := in.Current.Mul(in.CapRatio)
	consumed := delta.Add(windowTotal)

	return CapResult{
		Delta:        roundMoney(delta),
		DeltaPercent: roundMoney(delta.Div(in.Current).Mul(hundred)),
		WindowTotal:  roundMoney(windowTotal),
		CapLimit:     roundMoney(capLimit),
		MaxAllowed:   roundMoney(in.Current.Add(capLimit).Sub(windowTotal)),
		IsCompliant:  consumed.LessThanOrEqual(capLimit),
	}, nil
}

// CheckFloat is Check over float inputs, as decoded from JSON payloads.
func CheckFloat(current float64, proposed float64, windowHistory []float64, capRatio float64) (CapResult, error) {
	window := make([]decimal.Decimal, 0, len(windowHistory))
	for _, v := range windowHistory {
		window = append(window, decimal.NewFromFloat(v))
	}
	return Check(CapInput{
		Current:       decimal.NewFromFloat(current),
		Proposed:      decimal.NewFromFloat(proposed),
		WindowHistory: window,
		CapRatio:      decimal.NewFromFloat(capRatio),
	})
}

// Detail renders the human-readable reasons recorded with a check result.
func (r CapResult) Detail() []string {
	consumed := r.Delta.Add(r.WindowTotal)
	if r.IsCompliant {
		return []string{fmt.Sprintf("increase %s plus window %s within cap %s", r.Delta.StringFixed(moneyPlaces), r.WindowTotal.StringFixed(moneyPlaces), r.CapLimit.StringFixed(moneyPlaces))}
	}
	return []string{
		fmt.Sprintf("increase %s plus window %s = %s exceeds cap %s", r.Delta.StringFixed(moneyPlaces), r.WindowTotal.StringFixed(moneyPlaces), consumed.StringFixed(moneyPlaces), r.CapLimit.StringFixed(moneyPlaces)),
		fmt.Sprintf("maximum allowed amount is %s", r.MaxAllowed.StringFixed(moneyPlaces)),
	}
}

// roundMoney rounds half away from zero to cents.
func roundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(moneyPlaces)
}
