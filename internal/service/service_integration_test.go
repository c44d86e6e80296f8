// Integration tests for the service layer against a real PostgreSQL
// container. Skipped when Docker is not available.
package service

import (
	"context"
	"math/rand"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"coinpress/internal/event"
	"coinpress/internal/model"
	"coinpress/internal/pkg/db"
	"coinpress/internal/pkg/lock"
	"coinpress/internal/repository"
	"coinpress/internal/settlement"
)

func checkDockerAvailable() bool {
	return exec.Command("docker", "info").Run() == nil
}

func setupServiceDB(t *testing.T) (*db.Pool, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		CREATE TABLE machines (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			offline BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE sessions (
			id UUID PRIMARY KEY,
			machine_id BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			total_bet BIGINT NOT NULL DEFAULT 0,
			total_deducted BIGINT NOT NULL DEFAULT 0,
			total_final BIGINT NOT NULL DEFAULT 0,
			total_unused BIGINT NOT NULL DEFAULT 0,
			total_added BIGINT NOT NULL DEFAULT 0,
			applied_rule_kind VARCHAR(30),
			applied_rule_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at TIMESTAMPTZ
		);
		CREATE TABLE session_buttons (
			session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			button_number INT NOT NULL,
			press_count INT NOT NULL DEFAULT 0,
			computed_amount BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, button_number)
		);
		CREATE TABLE session_winners (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			button_number INT NOT NULL,
			amount BIGINT NOT NULL,
			payout_amount BIGINT NOT NULL,
			is_winner BOOLEAN NOT NULL DEFAULT true,
			winner_type VARCHAR(20) NOT NULL
		);
		CREATE TABLE time_frames (
			id UUID PRIMARY KEY,
			machine_id BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			time_of_day CHAR(5) NOT NULL,
			deduct_percent BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (machine_id, time_of_day)
		);
		CREATE TABLE jackpot_windows (
			id UUID PRIMARY KEY,
			machine_id BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			start_time CHAR(5) NOT NULL,
			end_time CHAR(5) NOT NULL,
			max_winners INT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE winner_rules (
			id UUID PRIMARY KEY,
			machine_id BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			start_time CHAR(5) NOT NULL,
			end_time CHAR(5) NOT NULL,
			allowed_buttons INT[] NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			machine_id BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			session_id UUID REFERENCES sessions(id) ON DELETE SET NULL,
			added BIGINT NOT NULL DEFAULT 0,
			withdrawn BIGINT NOT NULL DEFAULT 0,
			bet BIGINT NOT NULL DEFAULT 0,
			deducted BIGINT NOT NULL DEFAULT 0,
			payout BIGINT NOT NULL DEFAULT 0,
			unused BIGINT NOT NULL DEFAULT 0,
			topped_up BIGINT NOT NULL DEFAULT 0,
			resulting_balance BIGINT NOT NULL,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	require.NoError(t, err)

	wrapped := &db.Pool{Pool: pool}
	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return wrapped, cleanup
}

func newServices(pool *db.Pool) (*SessionService, *MachineService) {
	locks := lock.NewMachineLock()
	sessions := NewSessionService(pool, locks, event.NewBroadcaster(16),
		settlement.DefaultParams(), time.UTC, zerolog.Nop())
	machines := NewMachineService(pool, locks, zerolog.Nop())
	return sessions, machines
}

func TestMachineService_ProvisionAndCash(t *testing.T) {
	pool, cleanup := setupServiceDB(t)
	defer cleanup()

	_, machines := newServices(pool)
	ctx := context.Background()

	m, err := machines.Provision(ctx, "lobby-1", 1000, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), m.Balance)

	var frames int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM time_frames WHERE machine_id = $1`, m.ID).Scan(&frames))
	assert.Equal(t, 96, frames)

	entry, err := machines.AddCash(ctx, m.ID, 500, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), entry.ResultingBalance)

	_, err = machines.WithdrawCash(ctx, m.ID, 2000, nil)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	entry, err = machines.WithdrawCash(ctx, m.ID, 300, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), entry.ResultingBalance)

	_, err = machines.AddCash(ctx, m.ID, 0, nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	report, err := machines.Reconcile(ctx, m.ID, false)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, int64(1200), report.LedgerBalance)
}

func TestMachineService_ReconcileRepair(t *testing.T) {
	pool, cleanup := setupServiceDB(t)
	defer cleanup()

	_, machines := newServices(pool)
	ctx := context.Background()

	m, err := machines.Provision(ctx, "lobby-1", 1000, 10)
	require.NoError(t, err)

	// Corrupt the stored balance behind the ledger's back.
	_, err = pool.Exec(ctx, `UPDATE machines SET balance = 1234 WHERE id = $1`, m.ID)
	require.NoError(t, err)

	_, err = machines.Reconcile(ctx, m.ID, false)
	assert.ErrorIs(t, err, ErrLedgerMismatch)

	report, err := machines.Reconcile(ctx, m.ID, true)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.True(t, report.Repaired)
	assert.Equal(t, int64(1000), report.LedgerBalance)

	report, err = machines.Reconcile(ctx, m.ID, false)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
}

// TestSessionService_FullLifecycle walks one session from start through a
// single press to settlement: a pool of 9 cannot cover the pressed button, so
// an unpressed button wins for free and the balance drops by the bet only.
func TestSessionService_FullLifecycle(t *testing.T) {
	pool, cleanup := setupServiceDB(t)
	defer cleanup()

	sessions, machines := newServices(pool)
	ctx := context.Background()

	m, err := machines.Provision(ctx, "lobby-1", 1000, 10)
	require.NoError(t, err)

	sessions.now = func() time.Time {
		return time.Date(2026, 8, 28, 12, 30, 0, 0, time.UTC)
	}
	sessions.newRand = func() *rand.Rand { return rand.New(rand.NewSource(1)) }

	sess, err := sessions.Start(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, sess.Status)
	require.Len(t, sess.Buttons, model.ButtonCount)

	_, err = sessions.RecordPress(ctx, sess.ID, 0, 1)
	assert.ErrorIs(t, err, ErrInvalidButton)
	_, err = sessions.RecordPress(ctx, sess.ID, 1, -1)
	assert.ErrorIs(t, err, ErrInvalidPressCount)

	sess, err = sessions.RecordPress(ctx, sess.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.PressCountFor(1))
	assert.Equal(t, int64(10), sess.Buttons[0].ComputedAmount)

	res, err := sessions.Settle(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(990), res.BalanceAfter)
	assert.Equal(t, int64(9), res.UnusedAmount)
	assert.Zero(t, res.TotalAdded)
	require.Len(t, res.Winners, 1)
	assert.NotEqual(t, 1, res.Winners[0].ButtonNumber)
	assert.Zero(t, res.Winners[0].PayOutAmount)
	assert.Equal(t, model.WinnerTypeRegular, res.Winners[0].WinnerType)

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCompleted, got.Status)
	assert.Equal(t, int64(10), got.TotalBet)
	assert.Equal(t, int64(1), got.TotalDeducted)
	assert.Equal(t, int64(9), got.TotalFinal)
	assert.NotNil(t, got.SettledAt)

	// The same ledger entry the settlement wrote, machine balance included.
	ledger := repository.NewLedgerRepository(pool)
	entries, err := ledger.ListByMachine(ctx, m.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2, "opening entry plus exactly one settlement entry")
	assert.Equal(t, int64(10), entries[0].Bet)
	assert.Equal(t, int64(990), entries[0].ResultingBalance)
	require.NotNil(t, entries[0].SessionID)
	assert.Equal(t, sess.ID, *entries[0].SessionID)

	machine, err := repository.NewMachineRepository(pool).GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(990), machine.Balance)

	// Settling again mutates nothing.
	_, err = sessions.Settle(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrAlreadySettled)

	machine, err = repository.NewMachineRepository(pool).GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(990), machine.Balance)

	_, err = sessions.RecordPress(ctx, sess.ID, 1, 5)
	assert.ErrorIs(t, err, ErrSessionNotActive)
}

// TestSessionService_JackpotWindowSingleUse settles twice inside a jackpot
// window: the first settlement consumes it, the second falls back to the
// regular policy.
func TestSessionService_JackpotWindowSingleUse(t *testing.T) {
	pool, cleanup := setupServiceDB(t)
	defer cleanup()

	sessions, machines := newServices(pool)
	ctx := context.Background()

	m, err := machines.Provision(ctx, "lobby-1", 100000, 10)
	require.NoError(t, err)

	rules := repository.NewRuleRepository(pool)
	_, err = rules.CreateJackpotWindow(ctx, m.ID, "00:00", "23:59", 2)
	require.NoError(t, err)

	sessions.now = func() time.Time {
		return time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	}
	sessions.newRand = func() *rand.Rand { return rand.New(rand.NewSource(9)) }

	settleWithPresses := func() *SettleResult {
		sess, err := sessions.Start(ctx, m.ID)
		require.NoError(t, err)
		for b := 1; b <= model.ButtonCount; b++ {
			_, err = sessions.RecordPress(ctx, sess.ID, b, 10)
			require.NoError(t, err)
		}
		res, err := sessions.Settle(ctx, sess.ID)
		require.NoError(t, err)
		return res
	}

	first := settleWithPresses()
	require.NotNil(t, first.Session.AppliedRuleKind)
	assert.Equal(t, model.RuleKindJackpot, *first.Session.AppliedRuleKind)
	assert.Len(t, first.Winners, 2)
	for _, w := range first.Winners {
		assert.Equal(t, model.WinnerTypeJackpot, w.WinnerType)
	}

	second := settleWithPresses()
	assert.Nil(t, second.Session.AppliedRuleKind, "window already consumed")
	assert.Len(t, second.Winners, 1)
	assert.Equal(t, model.WinnerTypeRegular, second.Winners[0].WinnerType)
}

// TestSessionService_WinnerRuleManualWin settles under a winner rule: pressed
// buttons in the allowed set win in full as manual winners.
func TestSessionService_WinnerRuleManualWin(t *testing.T) {
	pool, cleanup := setupServiceDB(t)
	defer cleanup()

	sessions, machines := newServices(pool)
	ctx := context.Background()

	m, err := machines.Provision(ctx, "lobby-1", 100000, 10)
	require.NoError(t, err)

	rules := repository.NewRuleRepository(pool)
	_, err = rules.CreateWinnerRule(ctx, m.ID, "00:00", "23:59", []int{2, 7})
	require.NoError(t, err)

	sessions.now = func() time.Time {
		return time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)
	}

	sess, err := sessions.Start(ctx, m.ID)
	require.NoError(t, err)
	_, err = sessions.RecordPress(ctx, sess.ID, 2, 3)
	require.NoError(t, err)
	_, err = sessions.RecordPress(ctx, sess.ID, 5, 4)
	require.NoError(t, err)

	res, err := sessions.Settle(ctx, sess.ID)
	require.NoError(t, err)

	require.NotNil(t, res.Session.AppliedRuleKind)
	assert.Equal(t, model.RuleKindWinnerRule, *res.Session.AppliedRuleKind)
	require.Len(t, res.Winners, 1)
	assert.Equal(t, 2, res.Winners[0].ButtonNumber)
	assert.Equal(t, model.WinnerTypeManual, res.Winners[0].WinnerType)
	assert.Equal(t, int64(300), res.Winners[0].PayOutAmount)
}

// TestSessionService_InsufficientFunds rejects settlement when the machine
// cannot cover the players' bets, leaving everything untouched.
func TestSessionService_InsufficientFunds(t *testing.T) {
	pool, cleanup := setupServiceDB(t)
	defer cleanup()

	sessions, machines := newServices(pool)
	ctx := context.Background()

	m, err := machines.Provision(ctx, "lobby-1", 50, 10)
	require.NoError(t, err)

	sess, err := sessions.Start(ctx, m.ID)
	require.NoError(t, err)
	_, err = sessions.RecordPress(ctx, sess.ID, 3, 10) // bet 100 > balance 50
	require.NoError(t, err)

	_, err = sessions.Settle(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, got.Status, "failed settlement keeps the session active")

	machine, err := repository.NewMachineRepository(pool).GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), machine.Balance)
}

// TestSessionService_InactiveMachine rejects settlement on a machine taken
// out of service.
func TestSessionService_InactiveMachine(t *testing.T) {
	pool, cleanup := setupServiceDB(t)
	defer cleanup()

	sessions, machines := newServices(pool)
	ctx := context.Background()

	m, err := machines.Provision(ctx, "lobby-1", 1000, 10)
	require.NoError(t, err)

	sess, err := sessions.Start(ctx, m.ID)
	require.NoError(t, err)

	machineRepo := repository.NewMachineRepository(pool)
	require.NoError(t, machineRepo.SetStatus(ctx, m.ID, model.MachineMaintenance))

	_, err = sessions.Settle(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrMachineNotActive)
}
