package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"coinpress/internal/model"
)

// MachineRepository handles machine data persistence.
type MachineRepository struct {
	db DBTX
}

// NewMachineRepository creates a new MachineRepository instance.
func NewMachineRepository(db DBTX) *MachineRepository {
	return &MachineRepository{db: db}
}

const machineColumns = `id, name, balance, status, last_heartbeat_at, offline, created_at, updated_at`

func scanMachine(row pgx.Row) (*model.Machine, error) {
	var m model.Machine
	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.Balance,
		&m.Status,
		&m.LastHeartbeatAt,
		&m.Offline,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Create creates a new machine with the given opening balance.
func (r *MachineRepository) Create(ctx context.Context, name string, openingBalance int64) (*model.Machine, error) {
	const query = `
		INSERT INTO machines (name, balance, status, last_heartbeat_at, offline, created_at, updated_at)
		VALUES ($1, $2, 'active', NOW(), false, NOW(), NOW())
		RETURNING ` + machineColumns

	m, err := scanMachine(r.db.QueryRow(ctx, query, name, openingBalance))
	if err != nil {
		return nil, fmt.Errorf("failed to create machine: %w", err)
	}
	return m, nil
}

// GetByID retrieves a machine by its ID.
// Returns ErrMachineNotFound if the machine does not exist.
func (r *MachineRepository) GetByID(ctx context.Context, machineID int64) (*model.Machine, error) {
	const query = `SELECT ` + machineColumns + ` FROM machines WHERE id = $1`

	m, err := scanMachine(r.db.QueryRow(ctx, query, machineID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMachineNotFound
		}
		return nil, fmt.Errorf("failed to get machine: %w", err)
	}
	return m, nil
}

// GetByIDForUpdate retrieves a machine and takes a row lock on it. Must run
// inside a transaction; the lock is held until commit or rollback.
func (r *MachineRepository) GetByIDForUpdate(ctx context.Context, machineID int64) (*model.Machine, error) {
	const query = `SELECT ` + machineColumns + ` FROM machines WHERE id = $1 FOR UPDATE`

	m, err := scanMachine(r.db.QueryRow(ctx, query, machineID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMachineNotFound
		}
		return nil, fmt.Errorf("failed to lock machine: %w", err)
	}
	return m, nil
}

// SetBalance sets a machine's balance to an exact value.
func (r *MachineRepository) SetBalance(ctx context.Context, machineID int64, balance int64) error {
	const query = `UPDATE machines SET balance = $2, updated_at = NOW() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, machineID, balance)
	if err != nil {
		return fmt.Errorf("failed to set balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMachineNotFound
	}
	return nil
}

// SetStatus updates a machine's operational status.
func (r *MachineRepository) SetStatus(ctx context.Context, machineID int64, status model.MachineStatus) error {
	const query = `UPDATE machines SET status = $2, updated_at = NOW() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, machineID, status)
	if err != nil {
		return fmt.Errorf("failed to set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMachineNotFound
	}
	return nil
}

// TouchHeartbeat records machine activity for offline detection.
func (r *MachineRepository) TouchHeartbeat(ctx context.Context, machineID int64) error {
	const query = `UPDATE machines SET last_heartbeat_at = NOW(), offline = false, updated_at = NOW() WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, machineID)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMachineNotFound
	}
	return nil
}

// MarkOffline flags machines whose last heartbeat is older than cutoff.
// Returns the number of machines newly flagged. Idempotent.
func (r *MachineRepository) MarkOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		UPDATE machines
		SET offline = true, updated_at = NOW()
		WHERE offline = false AND last_heartbeat_at < $1
	`

	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark machines offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkOnline clears the offline flag for machines that have sent a heartbeat
// since cutoff. Returns the number of machines brought back online.
func (r *MachineRepository) MarkOnline(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `
		UPDATE machines
		SET offline = false, updated_at = NOW()
		WHERE offline = true AND last_heartbeat_at >= $1
	`

	tag, err := r.db.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark machines online: %w", err)
	}
	return tag.RowsAffected(), nil
}
