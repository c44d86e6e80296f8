package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"coinpress/internal/model"
)

// LedgerRepository handles the append-only machine ledger.
type LedgerRepository struct {
	db DBTX
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(db DBTX) *LedgerRepository {
	return &LedgerRepository{db: db}
}

const ledgerColumns = `id, machine_id, session_id, added, withdrawn, bet, deducted,
	payout, unused, topped_up, resulting_balance, note, created_at`

// Insert appends one ledger entry. ResultingBalance must be the machine
// balance as written in the same transaction.
func (r *LedgerRepository) Insert(ctx context.Context, e *model.LedgerEntry) (*model.LedgerEntry, error) {
	const query = `
		INSERT INTO ledger_entries (machine_id, session_id, added, withdrawn, bet, deducted,
			payout, unused, topped_up, resulting_balance, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING ` + ledgerColumns

	var out model.LedgerEntry
	err := r.db.QueryRow(ctx, query,
		e.MachineID, e.SessionID, e.Added, e.Withdrawn, e.Bet, e.Deducted,
		e.Payout, e.Unused, e.ToppedUp, e.ResultingBalance, e.Note,
	).Scan(
		&out.ID, &out.MachineID, &out.SessionID, &out.Added, &out.Withdrawn,
		&out.Bet, &out.Deducted, &out.Payout, &out.Unused, &out.ToppedUp,
		&out.ResultingBalance, &out.Note, &out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return &out, nil
}

// ListByMachine retrieves a machine's ledger entries, newest first.
func (r *LedgerRepository) ListByMachine(ctx context.Context, machineID int64, limit int) ([]*model.LedgerEntry, error) {
	const query = `
		SELECT ` + ledgerColumns + `
		FROM ledger_entries
		WHERE machine_id = $1
		ORDER BY id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, machineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		err := rows.Scan(
			&e.ID, &e.MachineID, &e.SessionID, &e.Added, &e.Withdrawn,
			&e.Bet, &e.Deducted, &e.Payout, &e.Unused, &e.ToppedUp,
			&e.ResultingBalance, &e.Note, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// RecomputeBalance replays the full ledger history of a machine and returns
// the balance it implies. Settlements move the balance by payout minus bet;
// manual cash operations by added minus withdrawn.
func (r *LedgerRepository) RecomputeBalance(ctx context.Context, machineID int64) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(added - withdrawn - bet + payout), 0)
		FROM ledger_entries
		WHERE machine_id = $1
	`

	var balance int64
	if err := r.db.QueryRow(ctx, query, machineID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to recompute balance: %w", err)
	}
	if balance < 0 {
		balance = 0
	}
	return balance, nil
}

// LastResultingBalance returns the snapshot on the newest ledger entry, or
// ok=false when the machine has no entries yet.
func (r *LedgerRepository) LastResultingBalance(ctx context.Context, machineID int64) (int64, bool, error) {
	const query = `
		SELECT resulting_balance FROM ledger_entries
		WHERE machine_id = $1
		ORDER BY id DESC
		LIMIT 1
	`

	var balance int64
	err := r.db.QueryRow(ctx, query, machineID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get last resulting balance: %w", err)
	}
	return balance, true, nil
}
