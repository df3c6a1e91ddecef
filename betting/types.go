package betting

import "math"

// Category is the outcome class of a resolved wager.
type Category string

const (
	CategoryLose    Category = "lose"
	CategoryWin     Category = "win"
	CategoryJackpot Category = "jackpot"
)

// DrawSpan is the exclusive upper bound of an outcome draw.
const DrawSpan = 100

// Policy thresholds: 45% lose, 50% win, 5% jackpot paying 9x.
const (
	LoseBelow       = 45
	WinBelow        = 95
	JackpotMultiple = 9
)

// Outcome is the result of applying the policy to one draw.
type Outcome struct {
	Draw     int
	Category Category
	// Reward is the signed balance delta.
	Reward int64
}

// Resolve maps a draw in [0, DrawSpan) and a stake to its outcome.
// Draws outside the span are clamped to the nearest bound.
func Resolve(draw int, amount int64) Outcome {
	if draw < 0 {
		draw = 0
	}
	if draw >= DrawSpan {
		draw = DrawSpan - 1
	}
	switch {
	case draw < LoseBelow:
		return Outcome{Draw: draw, Category: CategoryLose, Reward: -amount}
	case draw < WinBelow:
		return Outcome{Draw: draw, Category: CategoryWin, Reward: amount}
	default:
		return Outcome{Draw: draw, Category: CategoryJackpot, Reward: JackpotMultiple * amount}
	}
}

// MaxStake is the largest accepted stake. It is the largest integer a JSON
// or protobuf double carries exactly, and keeps JackpotMultiple*amount far
// inside int64.
const MaxStake = 1<<53 - 1

// ValidAmount reports whether amount can be staked at all.
func ValidAmount(amount int64) bool {
	return amount > 0 && amount <= MaxStake
}

// PayoutFits reports whether the best outcome for amount can be credited to
// balance without leaving the int64 range. It is checked before drawing so
// that rejection never depends on the outcome.
func PayoutFits(balance, amount int64) bool {
	if !ValidAmount(amount) || balance < 0 {
		return false
	}
	return balance <= math.MaxInt64-JackpotMultiple*amount
}
