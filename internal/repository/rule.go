package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"coinpress/internal/model"
)

// ErrNoTimeFrames is returned when a machine has no time frames at all,
// which indicates broken provisioning: frames densely cover the day.
var ErrNoTimeFrames = errors.New("machine has no time frames")

// RuleRepository handles deduction time frames and the single-use override
// rules (jackpot windows and winner rules).
type RuleRepository struct {
	db DBTX
}

// NewRuleRepository creates a new RuleRepository instance.
func NewRuleRepository(db DBTX) *RuleRepository {
	return &RuleRepository{db: db}
}

// SeedTimeFrames pre-populates a machine's full day of deduction frames in
// 15-minute increments, all at the given percentage. 96 rows guarantee
// every clock time resolves to a frame with no gaps.
func (r *RuleRepository) SeedTimeFrames(ctx context.Context, machineID int64, deductPercent int64) error {
	const query = `
		INSERT INTO time_frames (id, machine_id, time_of_day, deduct_percent, created_at)
		SELECT gen_random_uuid(), $1,
			to_char(make_time(h, m, 0), 'HH24:MI'), $2, NOW()
		FROM generate_series(0, 23) AS h, generate_series(0, 45, 15) AS m
	`

	if _, err := r.db.Exec(ctx, query, machineID, deductPercent); err != nil {
		return fmt.Errorf("failed to seed time frames: %w", err)
	}
	return nil
}

// SetTimeFramePercent updates the deduction percentage of one frame.
func (r *RuleRepository) SetTimeFramePercent(ctx context.Context, machineID int64, timeOfDay string, deductPercent int64) error {
	const query = `
		UPDATE time_frames SET deduct_percent = $3
		WHERE machine_id = $1 AND time_of_day = $2
	`

	tag, err := r.db.Exec(ctx, query, machineID, timeOfDay, deductPercent)
	if err != nil {
		return fmt.Errorf("failed to set time frame percent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no time frame at %s: %w", timeOfDay, ErrNoTimeFrames)
	}
	return nil
}

// ResolvePercent returns the deduction percentage applicable at the given
// clock time: the frame with the latest time-of-day not after it. When the
// time precedes the machine's earliest frame, the last frame of the day
// applies (the previous day's window still running). Zero-padded "HH:mm"
// strings order lexicographically, so plain string comparison is correct.
func (r *RuleRepository) ResolvePercent(ctx context.Context, machineID int64, clock string) (int64, error) {
	const query = `
		SELECT deduct_percent FROM time_frames
		WHERE machine_id = $1 AND time_of_day <= $2
		ORDER BY time_of_day DESC
		LIMIT 1
	`

	var percent int64
	err := r.db.QueryRow(ctx, query, machineID, clock).Scan(&percent)
	if err == nil {
		return percent, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to resolve deduction percent: %w", err)
	}

	const fallback = `
		SELECT deduct_percent FROM time_frames
		WHERE machine_id = $1
		ORDER BY time_of_day DESC
		LIMIT 1
	`
	err = r.db.QueryRow(ctx, fallback, machineID).Scan(&percent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoTimeFrames
		}
		return 0, fmt.Errorf("failed to resolve fallback percent: %w", err)
	}
	return percent, nil
}

// CreateJackpotWindow creates an active jackpot window for a machine.
func (r *RuleRepository) CreateJackpotWindow(ctx context.Context, machineID int64, start, end string, maxWinners int) (*model.JackpotWindow, error) {
	const query = `
		INSERT INTO jackpot_windows (id, machine_id, start_time, end_time, max_winners, active, created_at)
		VALUES ($1, $2, $3, $4, $5, true, NOW())
		RETURNING id, machine_id, start_time, end_time, max_winners, active, created_at
	`

	var w model.JackpotWindow
	err := r.db.QueryRow(ctx, query, uuid.New(), machineID, start, end, maxWinners).Scan(
		&w.ID, &w.MachineID, &w.StartTime, &w.EndTime, &w.MaxWinners, &w.Active, &w.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create jackpot window: %w", err)
	}
	return &w, nil
}

// ConsumeJackpotWindow atomically deactivates and returns the active jackpot
// window containing the clock time, or nil when none matches. Deactivation
// is permanent: a consumed window never matches again. Must run inside the
// settlement transaction so a rollback releases the window unconsumed.
func (r *RuleRepository) ConsumeJackpotWindow(ctx context.Context, machineID int64, clock string) (*model.JackpotWindow, error) {
	const query = `
		UPDATE jackpot_windows
		SET active = false
		WHERE id = (
			SELECT id FROM jackpot_windows
			WHERE machine_id = $1 AND active AND start_time <= $2 AND end_time >= $2
			ORDER BY start_time
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, machine_id, start_time, end_time, max_winners, active, created_at
	`

	var w model.JackpotWindow
	err := r.db.QueryRow(ctx, query, machineID, clock).Scan(
		&w.ID, &w.MachineID, &w.StartTime, &w.EndTime, &w.MaxWinners, &w.Active, &w.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume jackpot window: %w", err)
	}
	return &w, nil
}

// CreateWinnerRule creates an active winner rule for a machine.
func (r *RuleRepository) CreateWinnerRule(ctx context.Context, machineID int64, start, end string, allowedButtons []int) (*model.WinnerRule, error) {
	const query = `
		INSERT INTO winner_rules (id, machine_id, start_time, end_time, allowed_buttons, active, created_at)
		VALUES ($1, $2, $3, $4, $5, true, NOW())
		RETURNING id, machine_id, start_time, end_time, allowed_buttons, active, created_at
	`

	var rule model.WinnerRule
	err := r.db.QueryRow(ctx, query, uuid.New(), machineID, start, end, allowedButtons).Scan(
		&rule.ID, &rule.MachineID, &rule.StartTime, &rule.EndTime, &rule.AllowedButtons, &rule.Active, &rule.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create winner rule: %w", err)
	}
	return &rule, nil
}

// ConsumeWinnerRule atomically deactivates and returns the active winner
// rule containing the clock time, or nil when none matches. Same single-use
// semantics as ConsumeJackpotWindow.
func (r *RuleRepository) ConsumeWinnerRule(ctx context.Context, machineID int64, clock string) (*model.WinnerRule, error) {
	const query = `
		UPDATE winner_rules
		SET active = false
		WHERE id = (
			SELECT id FROM winner_rules
			WHERE machine_id = $1 AND active AND start_time <= $2 AND end_time >= $2
			ORDER BY start_time
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, machine_id, start_time, end_time, allowed_buttons, active, created_at
	`

	var rule model.WinnerRule
	err := r.db.QueryRow(ctx, query, machineID, clock).Scan(
		&rule.ID, &rule.MachineID, &rule.StartTime, &rule.EndTime, &rule.AllowedButtons, &rule.Active, &rule.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to consume winner rule: %w", err)
	}
	return &rule, nil
}
