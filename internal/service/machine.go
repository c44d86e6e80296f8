package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"coinpress/internal/model"
	"coinpress/internal/pkg/db"
	"coinpress/internal/pkg/lock"
	"coinpress/internal/repository"
)

// Machine service errors.
var (
	ErrInvalidAmount  = errors.New("amount must be positive")
	ErrLedgerMismatch = errors.New("machine balance does not match ledger history")
	ErrInvalidPercent = errors.New("deduction percentage must be positive")
	ErrInvalidBalance = errors.New("opening balance must not be negative")
)

// MachineService handles machine provisioning, manual cash movements and
// ledger reconciliation.
type MachineService struct {
	pool     *db.Pool
	machines *repository.MachineRepository
	ledger   *repository.LedgerRepository
	locks    *lock.MachineLock
	logger   zerolog.Logger
}

// NewMachineService creates a new MachineService instance.
func NewMachineService(pool *db.Pool, locks *lock.MachineLock, logger zerolog.Logger) *MachineService {
	return &MachineService{
		pool:     pool,
		machines: repository.NewMachineRepository(pool),
		ledger:   repository.NewLedgerRepository(pool),
		locks:    locks,
		logger:   logger.With().Str("component", "machine-service").Logger(),
	}
}

// Provision creates a machine together with its full day of deduction time
// frames and the opening ledger entry, all in one transaction.
func (s *MachineService) Provision(ctx context.Context, name string, openingBalance, deductPercent int64) (*model.Machine, error) {
	if openingBalance < 0 {
		return nil, ErrInvalidBalance
	}
	if deductPercent <= 0 {
		return nil, ErrInvalidPercent
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin provisioning: %w", err)
	}
	defer tx.Rollback(ctx)

	machines := repository.NewMachineRepository(tx)
	rules := repository.NewRuleRepository(tx)
	ledger := repository.NewLedgerRepository(tx)

	machine, err := machines.Create(ctx, name, openingBalance)
	if err != nil {
		return nil, err
	}

	if err := rules.SeedTimeFrames(ctx, machine.ID, deductPercent); err != nil {
		return nil, err
	}

	if openingBalance > 0 {
		note := "opening balance"
		entry := &model.LedgerEntry{
			MachineID:        machine.ID,
			Added:            openingBalance,
			ResultingBalance: openingBalance,
			Note:             &note,
		}
		if _, err := ledger.Insert(ctx, entry); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit provisioning: %w", err)
	}

	s.logger.Info().Int64("machine_id", machine.ID).Str("name", name).
		Int64("balance", openingBalance).Msg("Machine provisioned")
	return machine, nil
}

// AddCash increases a machine's balance and writes the matching ledger
// entry atomically.
func (s *MachineService) AddCash(ctx context.Context, machineID int64, amount int64, note *string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.moveCash(ctx, machineID, amount, 0, note)
}

// WithdrawCash decreases a machine's balance, rejecting withdrawals the
// balance cannot cover, and writes the matching ledger entry atomically.
func (s *MachineService) WithdrawCash(ctx context.Context, machineID int64, amount int64, note *string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return s.moveCash(ctx, machineID, 0, amount, note)
}

func (s *MachineService) moveCash(ctx context.Context, machineID, added, withdrawn int64, note *string) (*model.LedgerEntry, error) {
	s.locks.Lock(machineID)
	defer s.locks.Unlock(machineID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cash movement: %w", err)
	}
	defer tx.Rollback(ctx)

	machines := repository.NewMachineRepository(tx)
	ledger := repository.NewLedgerRepository(tx)

	machine, err := machines.GetByIDForUpdate(ctx, machineID)
	if err != nil {
		return nil, err
	}

	newBalance := machine.Balance + added - withdrawn
	if newBalance < 0 {
		return nil, fmt.Errorf("%w: balance %d, withdrawal %d", ErrInsufficientFunds, machine.Balance, withdrawn)
	}

	if err := machines.SetBalance(ctx, machineID, newBalance); err != nil {
		return nil, err
	}

	entry, err := ledger.Insert(ctx, &model.LedgerEntry{
		MachineID:        machineID,
		Added:            added,
		Withdrawn:        withdrawn,
		ResultingBalance: newBalance,
		Note:             note,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit cash movement: %w", err)
	}
	return entry, nil
}

// ReconcileReport describes the outcome of a ledger reconciliation.
type ReconcileReport struct {
	MachineID      int64 `json:"machineId"`
	MachineBalance int64 `json:"machineBalance"`
	LedgerBalance  int64 `json:"ledgerBalance"`
	Consistent     bool  `json:"consistent"`
	Repaired       bool  `json:"repaired"`
}

// Reconcile recomputes a machine's balance from its full ledger history and
// compares it with the stored balance. With repair set, a mismatched stored
// balance is corrected to the ledger-derived value. Returns
// ErrLedgerMismatch when an uncorrected mismatch remains.
func (s *MachineService) Reconcile(ctx context.Context, machineID int64, repair bool) (*ReconcileReport, error) {
	s.locks.Lock(machineID)
	defer s.locks.Unlock(machineID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reconciliation: %w", err)
	}
	defer tx.Rollback(ctx)

	machines := repository.NewMachineRepository(tx)
	ledger := repository.NewLedgerRepository(tx)

	machine, err := machines.GetByIDForUpdate(ctx, machineID)
	if err != nil {
		return nil, err
	}

	recomputed, err := ledger.RecomputeBalance(ctx, machineID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		MachineID:      machineID,
		MachineBalance: machine.Balance,
		LedgerBalance:  recomputed,
		Consistent:     machine.Balance == recomputed,
	}

	if !report.Consistent && repair {
		if err := machines.SetBalance(ctx, machineID, recomputed); err != nil {
			return nil, err
		}
		report.Repaired = true
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
	}

	if !report.Consistent {
		s.logger.Error().Int64("machine_id", machineID).
			Int64("machine_balance", report.MachineBalance).
			Int64("ledger_balance", report.LedgerBalance).
			Bool("repaired", report.Repaired).
			Msg("Ledger reconciliation mismatch")
		if !report.Repaired {
			return report, ErrLedgerMismatch
		}
	}
	return report, nil
}
