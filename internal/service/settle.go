package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coinpress/internal/event"
	"coinpress/internal/model"
	"coinpress/internal/repository"
	"coinpress/internal/settlement"
)

// SettleResult is the outcome of a settlement returned to the caller.
type SettleResult struct {
	Session      *model.GameSession `json:"session"`
	Winners      []model.Winner     `json:"winners"`
	UnusedAmount int64              `json:"unusedAmount"`
	TotalAdded   int64              `json:"totalAdded"`
	BalanceAfter int64              `json:"balanceAfter"`
}

// Settle runs the full settlement for a session as one atomic unit: rule
// resolution (consuming at most one override), settlement calculation,
// winner selection, balance mutation and exactly one ledger entry, then the
// session's transition to completed. Any failure rolls the whole unit back:
// the session stays active and overrides stay unconsumed, permitting retry.
//
// Isolation is a per-machine in-process lock plus row locks on the machine
// and session, so two settlements can never consume the same override or
// read the same stale balance.
func (s *SessionService) Settle(ctx context.Context, sessionID uuid.UUID) (*SettleResult, error) {
	// Resolve the machine before locking; the status checks are repeated
	// under the lock.
	peek, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := sessionSettleable(peek); err != nil {
		return nil, err
	}

	s.locks.Lock(peek.MachineID)
	defer s.locks.Unlock(peek.MachineID)

	res, liveness, err := s.settleLocked(ctx, sessionID, peek.MachineID)
	if err != nil {
		return nil, err
	}

	// Outside the commit boundary: a publish failure must not fail the
	// settlement, and a crash here must not roll it back.
	s.publishCompleted(res.Session, liveness)

	return res, nil
}

func sessionSettleable(sess *model.GameSession) error {
	switch sess.Status {
	case model.SessionActive:
		return nil
	case model.SessionCompleted:
		return ErrAlreadySettled
	default:
		return ErrSessionNotActive
	}
}

func (s *SessionService) settleLocked(ctx context.Context, sessionID uuid.UUID, machineID int64) (*SettleResult, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin settlement: %w", err)
	}
	defer tx.Rollback(ctx)

	machines := repository.NewMachineRepository(tx)
	sessions := repository.NewSessionRepository(tx)
	rules := repository.NewRuleRepository(tx)
	ledger := repository.NewLedgerRepository(tx)

	machine, err := machines.GetByIDForUpdate(ctx, machineID)
	if err != nil {
		return nil, false, err
	}
	if machine.Status != model.MachineActive {
		return nil, false, ErrMachineNotActive
	}

	// Snapshot the press counters under the row lock; concurrent press
	// updates from here on wait for the commit.
	sess, err := sessions.GetByIDForUpdate(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := sessionSettleable(sess); err != nil {
		return nil, false, err
	}

	clock := settlement.FormatClock(s.now().In(s.loc))

	percent, err := rules.ResolvePercent(ctx, machineID, clock)
	if err != nil {
		return nil, false, err
	}

	// At most one override per settlement; a jackpot window takes
	// precedence over a winner rule.
	input := settlement.SelectionInput{Params: s.params}
	var ruleKind *string
	var ruleID *uuid.UUID

	if jw, err := rules.ConsumeJackpotWindow(ctx, machineID, clock); err != nil {
		return nil, false, err
	} else if jw != nil {
		input.Jackpot = &settlement.JackpotOverride{MaxWinners: jw.MaxWinners}
		kind := model.RuleKindJackpot
		ruleKind, ruleID = &kind, &jw.ID
	} else if wr, err := rules.ConsumeWinnerRule(ctx, machineID, clock); err != nil {
		return nil, false, err
	} else if wr != nil {
		input.WinnerRule = &settlement.WinnerRuleOverride{AllowedButtons: wr.AllowedButtons}
		kind := model.RuleKindWinnerRule
		ruleKind, ruleID = &kind, &wr.ID
	}

	calc, err := settlement.Calculate(s.params, sess.PressCounts(), percent)
	if err != nil {
		return nil, false, err
	}
	input.Calc = calc

	if calc.DeductionFromPlayers && machine.Balance < calc.TotalBet {
		return nil, false, fmt.Errorf("%w: balance %d, bet %d", ErrInsufficientFunds, machine.Balance, calc.TotalBet)
	}
	if extra := calc.ExtraFunding(); extra > 0 && machine.Balance < extra {
		return nil, false, fmt.Errorf("%w: balance %d, bonus funding %d", ErrInsufficientFunds, machine.Balance, extra)
	}

	sel := settlement.SelectWinners(input, s.newRand())
	payoutTotal := sel.PayoutTotal()

	newBalance := machine.Balance - calc.TotalBet + payoutTotal
	if newBalance < 0 {
		newBalance = 0
	}

	if err := machines.SetBalance(ctx, machineID, newBalance); err != nil {
		return nil, false, err
	}

	totals := repository.SessionTotals{
		Bet:      calc.TotalBet,
		Deducted: calc.DeductedAmount,
		Final:    calc.FinalPool,
		Unused:   sel.UnusedAmount,
		Added:    sel.TotalAdded,
	}
	if err := sessions.Complete(ctx, sessionID, totals, ruleKind, ruleID, sel.Winners); err != nil {
		return nil, false, err
	}

	entry := &model.LedgerEntry{
		MachineID:        machineID,
		SessionID:        &sessionID,
		Added:            sel.TotalAdded,
		Bet:              calc.TotalBet,
		Deducted:         calc.DeductedAmount,
		Payout:           payoutTotal,
		Unused:           sel.UnusedAmount,
		ToppedUp:         sel.ToppedUpAmount,
		ResultingBalance: newBalance,
	}
	if _, err := ledger.Insert(ctx, entry); err != nil {
		return nil, false, err
	}

	otherActive, err := sessions.CountActiveByMachine(ctx, machineID, sessionID)
	if err != nil {
		return nil, false, err
	}

	final, err := sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit settlement: %w", err)
	}

	s.logger.Info().
		Str("session_id", sessionID.String()).
		Int64("machine_id", machineID).
		Int64("total_bet", calc.TotalBet).
		Int64("payout", payoutTotal).
		Int64("balance_after", newBalance).
		Int("winners", len(sel.Winners)).
		Msg("Session settled")

	return &SettleResult{
		Session:      final,
		Winners:      sel.Winners,
		UnusedAmount: sel.UnusedAmount,
		TotalAdded:   sel.TotalAdded,
		BalanceAfter: newBalance,
	}, otherActive > 0, nil
}

// publishCompleted publishes the completion event with a precomputed
// liveness flag. Fire and forget.
func (s *SessionService) publishCompleted(sess *model.GameSession, machineLive bool) {
	snapshot := *sess
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		e := event.Envelope{
			Type:        event.TypeSessionCompleted,
			MachineID:   snapshot.MachineID,
			Session:     &snapshot,
			MachineLive: machineLive,
			OccurredAt:  time.Now(),
		}
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.logger.Warn().Err(err).Str("session_id", snapshot.ID.String()).
				Msg("Completion event publish failed")
		}
	}()
}
