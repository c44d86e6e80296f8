package settlement

import (
	"math/rand"
	"sort"

	"coinpress/internal/model"
)

// JackpotOverride is a consumed jackpot window applied to one settlement.
type JackpotOverride struct {
	MaxWinners int
}

// WinnerRuleOverride is a consumed winner rule applied to one settlement.
type WinnerRuleOverride struct {
	AllowedButtons []int
}

// SelectionInput carries everything winner selection needs. At most one of
// Jackpot and WinnerRule is set; both nil selects the regular policy.
type SelectionInput struct {
	Params     Params
	Calc       *Calculation
	Jackpot    *JackpotOverride
	WinnerRule *WinnerRuleOverride
}

// SelectionResult aggregates the outcome of winner selection.
//
// UnusedAmount is what remains of the payout pool, TotalAdded the money the
// house put in beyond the pool (top-up shortfalls and fallback funding).
type SelectionResult struct {
	Winners            []model.Winner
	UnusedAmount       int64
	TotalAdded         int64
	ToppedUpAmount     int64
	ToppedUpCount      int
	HadZeroPressWinner bool
	HadManualWin       bool
}

// PayoutTotal sums the payouts owed to all winners.
func (r *SelectionResult) PayoutTotal() int64 {
	var total int64
	for _, w := range r.Winners {
		total += w.PayOutAmount
	}
	return total
}

// SelectWinners chooses the winning buttons for one settlement.
//
// The candidate set is all buttons, narrowed to the allowed set when a winner
// rule is active. Candidates are shuffled with an unbiased Fisher-Yates
// permutation drawn from rng, so winner identity is not deterministic for
// identical inputs unless rng is seeded by the caller.
func SelectWinners(in SelectionInput, rng *rand.Rand) *SelectionResult {
	candidates := make([]ButtonStake, len(in.Calc.Buttons))
	copy(candidates, in.Calc.Buttons)

	if in.WinnerRule != nil {
		candidates = filterAllowed(candidates, in.WinnerRule.AllowedButtons)
		return selectManual(in, candidates)
	}

	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	if in.Jackpot != nil {
		return selectPooled(in, candidates, in.Jackpot.MaxWinners, model.WinnerTypeJackpot, rng)
	}

	quota := in.Params.DefaultMaxWinners
	if quota < 1 {
		quota = 1
	}
	return selectPooled(in, candidates, quota, model.WinnerTypeRegular, rng)
}

// selectManual implements the manual-win policy: every pressed button in the
// allowed set wins its full payout regardless of pool size. Manual winners
// are funded from the session's bet money; anything beyond that is house
// money recorded in TotalAdded. The payout pool itself is left untouched.
func selectManual(in SelectionInput, candidates []ButtonStake) *SelectionResult {
	res := &SelectionResult{}
	betFunds := in.Calc.TotalBet

	for _, c := range candidates {
		if c.PressCount == 0 || c.PayoutAmount == 0 {
			continue
		}
		if c.PayoutAmount <= betFunds {
			betFunds -= c.PayoutAmount
		} else {
			res.TotalAdded += c.PayoutAmount - betFunds
			betFunds = 0
		}
		res.Winners = append(res.Winners, winner(c, model.WinnerTypeManual))
		res.HadManualWin = true
	}

	res.UnusedAmount = maxInt64(0, in.Calc.FinalPool)
	return res
}

// selectPooled implements the jackpot and regular policies, which share the
// pool-funded acceptance branches and differ only in quota and fallback.
func selectPooled(in SelectionInput, shuffled []ButtonStake, quota int, winnerType string, rng *rand.Rand) *SelectionResult {
	res := &SelectionResult{}
	pool := in.Calc.FinalPool
	chosen := make(map[int]bool, quota)

	accept := func(c ButtonStake) {
		res.Winners = append(res.Winners, winner(c, winnerType))
		chosen[c.ButtonNumber] = true
		if c.PressCount == 0 {
			res.HadZeroPressWinner = true
		}
	}

	for _, c := range shuffled {
		if len(res.Winners) >= quota {
			break
		}
		if c.PressCount == 0 {
			continue
		}
		switch {
		case c.PayoutAmount <= pool:
			// Covers the free-winner case too: a pressed button the house
			// owes nothing for always fits the pool.
			pool -= c.PayoutAmount
			accept(c)
		case c.PayoutAmount-pool <= in.Params.TopUpCap:
			shortfall := c.PayoutAmount - pool
			res.TotalAdded += shortfall
			res.ToppedUpAmount += shortfall
			res.ToppedUpCount++
			pool = 0
			accept(c)
		}
	}

	if len(res.Winners) < quota {
		if winnerType == model.WinnerTypeJackpot {
			pool = fallbackMinimalLoss(res, shuffled, chosen, quota, pool)
		} else {
			fallbackRandomUnpressed(res, in.Calc.Buttons, chosen, quota, rng, winnerType)
		}
	}

	res.UnusedAmount = maxInt64(0, pool)
	return res
}

// fallbackMinimalLoss fills the jackpot quota from the unchosen candidates in
// ascending payout order, minimizing house loss. Payout not covered by the
// remaining pool accumulates into TotalAdded.
func fallbackMinimalLoss(res *SelectionResult, candidates []ButtonStake, chosen map[int]bool, quota int, pool int64) int64 {
	rest := make([]ButtonStake, 0, len(candidates))
	for _, c := range candidates {
		if !chosen[c.ButtonNumber] {
			rest = append(rest, c)
		}
	}
	sort.SliceStable(rest, func(i, j int) bool {
		return rest[i].PayoutAmount < rest[j].PayoutAmount
	})

	for _, c := range rest {
		if len(res.Winners) >= quota {
			break
		}
		covered := c.PayoutAmount
		if covered > pool {
			covered = pool
		}
		pool -= covered
		res.TotalAdded += c.PayoutAmount - covered
		res.Winners = append(res.Winners, winner(c, model.WinnerTypeJackpot))
		chosen[c.ButtonNumber] = true
		if c.PressCount == 0 {
			res.HadZeroPressWinner = true
		}
	}
	return pool
}

// fallbackRandomUnpressed guarantees the regular policy's minimum winner
// count by drawing at random among unpressed buttons that have not won yet.
func fallbackRandomUnpressed(res *SelectionResult, buttons []ButtonStake, chosen map[int]bool, quota int, rng *rand.Rand, winnerType string) {
	eligible := make([]ButtonStake, 0, len(buttons))
	for _, c := range buttons {
		if c.PressCount == 0 && !chosen[c.ButtonNumber] {
			eligible = append(eligible, c)
		}
	}

	for len(res.Winners) < quota && len(eligible) > 0 {
		i := rng.Intn(len(eligible))
		c := eligible[i]
		eligible = append(eligible[:i], eligible[i+1:]...)
		res.Winners = append(res.Winners, winner(c, winnerType))
		chosen[c.ButtonNumber] = true
		res.HadZeroPressWinner = true
	}
}

// filterAllowed narrows the candidate set to the allowed button numbers.
func filterAllowed(candidates []ButtonStake, allowed []int) []ButtonStake {
	set := make(map[int]bool, len(allowed))
	for _, b := range allowed {
		set[b] = true
	}
	out := candidates[:0]
	for _, c := range candidates {
		if set[c.ButtonNumber] {
			out = append(out, c)
		}
	}
	return out
}

func winner(c ButtonStake, winnerType string) model.Winner {
	return model.Winner{
		ButtonNumber: c.ButtonNumber,
		Amount:       c.BetAmount,
		PayOutAmount: c.PayoutAmount,
		IsWinner:     true,
		WinnerType:   winnerType,
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
