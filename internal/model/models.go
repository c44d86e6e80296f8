// Package model defines the data models for the coin machine settlement service.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ButtonCount is the number of playable buttons on a machine panel.
const ButtonCount = 12

// MachineStatus is the operational status of a machine.
type MachineStatus string

// Machine operational statuses.
const (
	MachineActive      MachineStatus = "active"
	MachineInactive    MachineStatus = "inactive"
	MachineMaintenance MachineStatus = "maintenance"
)

// Machine represents a physical coin/button gaming machine.
// Balance is in whole currency units and never goes negative; it is mutated
// only through settlement and manual cash operations, both of which write a
// ledger entry.
type Machine struct {
	ID              int64         `db:"id"`
	Name            string        `db:"name"`
	Balance         int64         `db:"balance"`
	Status          MachineStatus `db:"status"`
	LastHeartbeatAt time.Time     `db:"last_heartbeat_at"`
	Offline         bool          `db:"offline"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

// SessionStatus is the lifecycle state of a game session.
type SessionStatus string

// Session lifecycle states. Completed is terminal.
const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

// ButtonCounter holds the accumulated presses for one button of a session.
// ComputedAmount is the bet charged for those presses (presses x unit price).
type ButtonCounter struct {
	ButtonNumber   int   `db:"button_number"`
	PressCount     int   `db:"press_count"`
	ComputedAmount int64 `db:"computed_amount"`
}

// Winner types assigned during settlement.
const (
	WinnerTypeRegular = "regular"
	WinnerTypeJackpot = "jackpot"
	WinnerTypeManual  = "manual"
)

// Winner is a winning button of a settled session.
// Amount is the bet placed on the button, PayOutAmount what the house owes.
type Winner struct {
	ButtonNumber int    `db:"button_number"`
	Amount       int64  `db:"amount"`
	PayOutAmount int64  `db:"payout_amount"`
	IsWinner     bool   `db:"is_winner"`
	WinnerType   string `db:"winner_type"`
}

// Override rule kinds recorded on a settled session.
const (
	RuleKindJackpot    = "jackpot_window"
	RuleKindWinnerRule = "winner_rule"
)

// GameSession represents one play round on a machine. A session is created
// active with twelve zeroed counters, accumulates press updates, and is
// completed exactly once by settlement.
type GameSession struct {
	ID              uuid.UUID     `db:"id"`
	MachineID       int64         `db:"machine_id"`
	Status          SessionStatus `db:"status"`
	Buttons         []ButtonCounter
	TotalBet        int64      `db:"total_bet"`
	TotalDeducted   int64      `db:"total_deducted"`
	TotalFinal      int64      `db:"total_final"`
	TotalUnused     int64      `db:"total_unused"`
	TotalAdded      int64      `db:"total_added"`
	AppliedRuleKind *string    `db:"applied_rule_kind"`
	AppliedRuleID   *uuid.UUID `db:"applied_rule_id"`
	Winners         []Winner
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	SettledAt       *time.Time `db:"settled_at"`
}

// PressCountFor returns the press count recorded for a button, 0 if unknown.
func (s *GameSession) PressCountFor(button int) int {
	for _, b := range s.Buttons {
		if b.ButtonNumber == button {
			return b.PressCount
		}
	}
	return 0
}

// PressCounts returns the per-button press counts as a dense slice indexed
// by button number minus one.
func (s *GameSession) PressCounts() []int {
	counts := make([]int, ButtonCount)
	for _, b := range s.Buttons {
		if b.ButtonNumber >= 1 && b.ButtonNumber <= ButtonCount {
			counts[b.ButtonNumber-1] = b.PressCount
		}
	}
	return counts
}

// TimeFrame assigns a deduction percentage to a machine from a clock time
// onward. A machine's frames are pre-populated for the full day in 15-minute
// increments, so every clock time resolves to exactly one frame.
type TimeFrame struct {
	ID            uuid.UUID `db:"id"`
	MachineID     int64     `db:"machine_id"`
	TimeOfDay     string    `db:"time_of_day"` // "HH:mm"
	DeductPercent int64     `db:"deduct_percent"`
	CreatedAt     time.Time `db:"created_at"`
}

// JackpotWindow is a single-use override allowing up to MaxWinners winning
// buttons while the clock time falls inside [StartTime, EndTime]. Active is
// set false forever once a settlement consumes the window.
type JackpotWindow struct {
	ID         uuid.UUID `db:"id"`
	MachineID  int64     `db:"machine_id"`
	StartTime  string    `db:"start_time"` // "HH:mm", inclusive
	EndTime    string    `db:"end_time"`   // "HH:mm", inclusive
	MaxWinners int       `db:"max_winners"`
	Active     bool      `db:"active"`
	CreatedAt  time.Time `db:"created_at"`
}

// WinnerRule is a single-use override narrowing the eligible buttons for one
// settlement inside [StartTime, EndTime]. Pressed buttons in the allowed set
// become manual winners.
type WinnerRule struct {
	ID             uuid.UUID `db:"id"`
	MachineID      int64     `db:"machine_id"`
	StartTime      string    `db:"start_time"`
	EndTime        string    `db:"end_time"`
	AllowedButtons []int     `db:"allowed_buttons"`
	Active         bool      `db:"active"`
	CreatedAt      time.Time `db:"created_at"`
}

// LedgerEntry is one append-only record of a machine balance change.
// ResultingBalance snapshots the machine balance immediately after the write
// and must always match it.
type LedgerEntry struct {
	ID               int64      `db:"id"`
	MachineID        int64      `db:"machine_id"`
	SessionID        *uuid.UUID `db:"session_id"`
	Added            int64      `db:"added"`
	Withdrawn        int64      `db:"withdrawn"`
	Bet              int64      `db:"bet"`
	Deducted         int64      `db:"deducted"`
	Payout           int64      `db:"payout"`
	Unused           int64      `db:"unused"`
	ToppedUp         int64      `db:"topped_up"`
	ResultingBalance int64      `db:"resulting_balance"`
	Note             *string    `db:"note"`
	CreatedAt        time.Time  `db:"created_at"`
}
