package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"coinpress/internal/model"
)

// SessionRepository handles game session persistence, including the
// per-button counters and the winners written at settlement.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a new SessionRepository instance.
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

const sessionColumns = `id, machine_id, status, total_bet, total_deducted, total_final,
	total_unused, total_added, applied_rule_kind, applied_rule_id, created_at, updated_at, settled_at`

func scanSession(row pgx.Row) (*model.GameSession, error) {
	var s model.GameSession
	err := row.Scan(
		&s.ID,
		&s.MachineID,
		&s.Status,
		&s.TotalBet,
		&s.TotalDeducted,
		&s.TotalFinal,
		&s.TotalUnused,
		&s.TotalAdded,
		&s.AppliedRuleKind,
		&s.AppliedRuleID,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create creates an active session with zeroed counters for every button.
func (r *SessionRepository) Create(ctx context.Context, machineID int64) (*model.GameSession, error) {
	const query = `
		INSERT INTO sessions (id, machine_id, status, created_at, updated_at)
		VALUES ($1, $2, 'active', NOW(), NOW())
		RETURNING ` + sessionColumns

	s, err := scanSession(r.db.QueryRow(ctx, query, uuid.New(), machineID))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	const buttonQuery = `
		INSERT INTO session_buttons (session_id, button_number, press_count, computed_amount)
		SELECT $1, n, 0, 0 FROM generate_series(1, $2) AS n
	`
	if _, err := r.db.Exec(ctx, buttonQuery, s.ID, model.ButtonCount); err != nil {
		return nil, fmt.Errorf("failed to create session counters: %w", err)
	}

	s.Buttons = zeroButtons()
	return s, nil
}

func zeroButtons() []model.ButtonCounter {
	buttons := make([]model.ButtonCounter, model.ButtonCount)
	for i := range buttons {
		buttons[i] = model.ButtonCounter{ButtonNumber: i + 1}
	}
	return buttons
}

// GetByID retrieves a session with its button counters and winners.
// Returns ErrSessionNotFound if the session does not exist.
func (r *SessionRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*model.GameSession, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return r.get(ctx, query, sessionID)
}

// GetByIDForUpdate retrieves a session with a row lock, snapshotting the
// button counters as of the lock. Must run inside a transaction. Press
// updates arriving afterwards wait on the row lock, so the snapshot cannot
// observe a counter mid-update.
func (r *SessionRepository) GetByIDForUpdate(ctx context.Context, sessionID uuid.UUID) (*model.GameSession, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
	return r.get(ctx, query, sessionID)
}

func (r *SessionRepository) get(ctx context.Context, query string, sessionID uuid.UUID) (*model.GameSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if s.Buttons, err = r.buttons(ctx, sessionID); err != nil {
		return nil, err
	}
	if s.Winners, err = r.winners(ctx, sessionID); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *SessionRepository) buttons(ctx context.Context, sessionID uuid.UUID) ([]model.ButtonCounter, error) {
	const query = `
		SELECT button_number, press_count, computed_amount
		FROM session_buttons
		WHERE session_id = $1
		ORDER BY button_number
	`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session counters: %w", err)
	}
	defer rows.Close()

	var buttons []model.ButtonCounter
	for rows.Next() {
		var b model.ButtonCounter
		if err := rows.Scan(&b.ButtonNumber, &b.PressCount, &b.ComputedAmount); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		buttons = append(buttons, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counters: %w", err)
	}
	return buttons, nil
}

func (r *SessionRepository) winners(ctx context.Context, sessionID uuid.UUID) ([]model.Winner, error) {
	const query = `
		SELECT button_number, amount, payout_amount, is_winner, winner_type
		FROM session_winners
		WHERE session_id = $1
		ORDER BY button_number
	`

	rows, err := r.db.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get session winners: %w", err)
	}
	defer rows.Close()

	var winners []model.Winner
	for rows.Next() {
		var w model.Winner
		if err := rows.Scan(&w.ButtonNumber, &w.Amount, &w.PayOutAmount, &w.IsWinner, &w.WinnerType); err != nil {
			return nil, fmt.Errorf("failed to scan winner: %w", err)
		}
		winners = append(winners, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating winners: %w", err)
	}
	return winners, nil
}

// SetPressCount sets one button's counter in place. Last write wins.
// Returns ErrSessionNotFound if the session has no such counter row.
func (r *SessionRepository) SetPressCount(ctx context.Context, sessionID uuid.UUID, button int, pressCount int, computedAmount int64) error {
	const query = `
		UPDATE session_buttons
		SET press_count = $3, computed_amount = $4
		WHERE session_id = $1 AND button_number = $2
	`

	tag, err := r.db.Exec(ctx, query, sessionID, button, pressCount, computedAmount)
	if err != nil {
		return fmt.Errorf("failed to set press count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SessionTotals carries the final amounts written at settlement.
type SessionTotals struct {
	Bet      int64
	Deducted int64
	Final    int64
	Unused   int64
	Added    int64
}

// Complete transitions a session to completed, recording its totals, the
// applied override (if any) and the winners. The transition is guarded on
// status so a session can only complete once.
func (r *SessionRepository) Complete(ctx context.Context, sessionID uuid.UUID, totals SessionTotals, ruleKind *string, ruleID *uuid.UUID, winners []model.Winner) error {
	const query = `
		UPDATE sessions
		SET status = 'completed', total_bet = $2, total_deducted = $3, total_final = $4,
			total_unused = $5, total_added = $6, applied_rule_kind = $7, applied_rule_id = $8,
			settled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`

	tag, err := r.db.Exec(ctx, query, sessionID,
		totals.Bet, totals.Deducted, totals.Final, totals.Unused, totals.Added,
		ruleKind, ruleID)
	if err != nil {
		return fmt.Errorf("failed to complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	const winnerQuery = `
		INSERT INTO session_winners (session_id, button_number, amount, payout_amount, is_winner, winner_type)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, w := range winners {
		if _, err := r.db.Exec(ctx, winnerQuery, sessionID,
			w.ButtonNumber, w.Amount, w.PayOutAmount, w.IsWinner, w.WinnerType); err != nil {
			return fmt.Errorf("failed to record winner: %w", err)
		}
	}
	return nil
}

// CountActiveByMachine counts the machine's sessions still active, optionally
// excluding one session. Used for the liveness flag on published events.
func (r *SessionRepository) CountActiveByMachine(ctx context.Context, machineID int64, exclude uuid.UUID) (int, error) {
	const query = `
		SELECT COUNT(*) FROM sessions
		WHERE machine_id = $1 AND status = 'active' AND id <> $2
	`

	var count int
	if err := r.db.QueryRow(ctx, query, machineID, exclude).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}
