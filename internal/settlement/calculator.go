// Package settlement implements the core settlement math for coin machines:
// converting accumulated button presses into bet totals and a payout pool,
// and selecting winning buttons under the house rules.
package settlement

import (
	"errors"
	"fmt"

	"coinpress/internal/model"
)

// House payout parameter defaults.
const (
	DefaultUnitPrice        = 10  // currency charged per press
	DefaultPayoutMultiplier = 100 // currency owed per press on a winning button
	DefaultTopUpCap         = 50  // max shortfall the house absorbs per winner
	DefaultMaxWinners       = 1   // winner quota without an override
)

// Calculation errors.
var (
	ErrInvalidPercent    = errors.New("deduction percentage must be positive")
	ErrInvalidPressCount = errors.New("press count must not be negative")
	ErrButtonCount       = errors.New("press counts must cover all buttons")
)

// Params holds the house payout parameters.
type Params struct {
	UnitPrice         int64
	PayoutMultiplier  int64
	TopUpCap          int64
	DefaultMaxWinners int
}

// DefaultParams returns the standard house parameters.
func DefaultParams() Params {
	return Params{
		UnitPrice:         DefaultUnitPrice,
		PayoutMultiplier:  DefaultPayoutMultiplier,
		TopUpCap:          DefaultTopUpCap,
		DefaultMaxWinners: DefaultMaxWinners,
	}
}

// ButtonStake is the computed stake of one button in a settlement.
type ButtonStake struct {
	ButtonNumber int
	PressCount   int
	BetAmount    int64 // presses x unit price
	PayoutAmount int64 // presses x payout multiplier, owed if the button wins
}

// Calculation is the result of converting press counts into money amounts.
//
// When DeductionFromPlayers is true (percentage <= 100) the house keeps
// DeductedAmount of the total bet and FinalPool is the remainder available
// to winners. When false (percentage > 100) no money is taken from players:
// FinalPool is an operator-funded bonus pool of TotalBet x pct / 100 and
// DeductedAmount is zero.
type Calculation struct {
	TotalBet             int64
	DeductedAmount       int64
	FinalPool            int64
	DeductionFromPlayers bool
	Buttons              []ButtonStake
}

// Calculate converts the per-button press counts into bet totals, the house
// deduction and the payout pool. presses must hold one entry per button,
// indexed by button number minus one. Fractional percentage results round
// down to whole currency units.
func Calculate(p Params, presses []int, deductPercent int64) (*Calculation, error) {
	if len(presses) != model.ButtonCount {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrButtonCount, len(presses), model.ButtonCount)
	}
	if deductPercent <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPercent, deductPercent)
	}

	calc := &Calculation{
		Buttons: make([]ButtonStake, 0, model.ButtonCount),
	}

	for i, count := range presses {
		if count < 0 {
			return nil, fmt.Errorf("%w: button %d has %d", ErrInvalidPressCount, i+1, count)
		}
		stake := ButtonStake{
			ButtonNumber: i + 1,
			PressCount:   count,
			BetAmount:    int64(count) * p.UnitPrice,
			PayoutAmount: int64(count) * p.PayoutMultiplier,
		}
		calc.TotalBet += stake.BetAmount
		calc.Buttons = append(calc.Buttons, stake)
	}

	if deductPercent <= 100 {
		calc.DeductionFromPlayers = true
		calc.DeductedAmount = calc.TotalBet * deductPercent / 100
		calc.FinalPool = calc.TotalBet - calc.DeductedAmount
	} else {
		// Operator-funded bonus mode: the pool exceeds the total bet and the
		// machine must cover the difference, checked before commit.
		calc.DeductionFromPlayers = false
		calc.FinalPool = calc.TotalBet * deductPercent / 100
	}

	return calc, nil
}

// ExtraFunding returns the amount the machine must fund beyond the players'
// bets in operator-funded bonus mode, zero otherwise.
func (c *Calculation) ExtraFunding() int64 {
	if c.DeductionFromPlayers {
		return 0
	}
	if c.FinalPool <= c.TotalBet {
		return 0
	}
	return c.FinalPool - c.TotalBet
}
