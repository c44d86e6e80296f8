// Package main is the entry point for the coinpress settlement service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"coinpress/internal/config"
	"coinpress/internal/event"
	"coinpress/internal/heartbeat"
	"coinpress/internal/pkg/db"
	"coinpress/internal/pkg/lock"
	"coinpress/internal/repository"
	"coinpress/internal/server"
	"coinpress/internal/service"
	"coinpress/internal/settlement"
)

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Optional .env for local development; real deployments use the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load("config")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve timezone")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.NewPool(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer dbPool.Close()

	if err := runMigrations(ctx, dbPool); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	// Outbound events go to Kafka when configured, otherwise stay on the
	// in-process broadcaster.
	var publisher event.Publisher
	if cfg.Kafka.Enabled {
		kp := event.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log.Logger)
		defer kp.Close()
		publisher = kp
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).
			Msg("Publishing events to Kafka")
	} else {
		publisher = event.NewBroadcaster(64)
		log.Info().Msg("Publishing events on the in-process broadcaster")
	}

	params := settlement.Params{
		UnitPrice:         cfg.Settlement.UnitPrice,
		PayoutMultiplier:  cfg.Settlement.PayoutMultiplier,
		TopUpCap:          cfg.Settlement.TopUpCap,
		DefaultMaxWinners: cfg.Settlement.DefaultMaxWinners,
	}

	machineLock := lock.NewMachineLock()
	sessionService := service.NewSessionService(dbPool, machineLock, publisher, params, loc, log.Logger)

	machineRepo := repository.NewMachineRepository(dbPool)
	sweeper := heartbeat.NewSweeper(machineRepo, cfg.Heartbeat.Interval, cfg.Heartbeat.OfflineAfter, log.Logger)
	go sweeper.Run(ctx)

	srv := server.New(&cfg.Server, sessionService, log.Logger)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()
	log.Info().Msg("Service stopped gracefully")
}

// runMigrations executes database migrations.
func runMigrations(ctx context.Context, pool *db.Pool) error {
	log.Info().Msg("Running database migrations...")

	// Migration 1: machines
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS machines (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			status VARCHAR(20) NOT NULL DEFAULT 'active',
			last_heartbeat_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			offline BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_machines_heartbeat ON machines(last_heartbeat_at);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 1: machines table created")

	// Migration 2: sessions and per-button counters
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
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
		CREATE INDEX IF NOT EXISTS idx_sessions_machine_status ON sessions(machine_id, status);

		CREATE TABLE IF NOT EXISTS session_buttons (
			session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			button_number INT NOT NULL,
			press_count INT NOT NULL DEFAULT 0,
			computed_amount BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (session_id, button_number)
		);

		CREATE TABLE IF NOT EXISTS session_winners (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			button_number INT NOT NULL,
			amount BIGINT NOT NULL,
			payout_amount BIGINT NOT NULL,
			is_winner BOOLEAN NOT NULL DEFAULT true,
			winner_type VARCHAR(20) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_winners_session ON session_winners(session_id);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 2: session tables created")

	// Migration 3: deduction time frames and override rules
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS time_frames (
			id UUID PRIMARY KEY,
			machine_id BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			time_of_day CHAR(5) NOT NULL,
			deduct_percent BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (machine_id, time_of_day)
		);

		CREATE TABLE IF NOT EXISTS jackpot_windows (
			id UUID PRIMARY KEY,
			machine_id BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			start_time CHAR(5) NOT NULL,
			end_time CHAR(5) NOT NULL,
			max_winners INT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_jackpot_windows_active ON jackpot_windows(machine_id, active);

		CREATE TABLE IF NOT EXISTS winner_rules (
			id UUID PRIMARY KEY,
			machine_id BIGINT NOT NULL REFERENCES machines(id) ON DELETE CASCADE,
			start_time CHAR(5) NOT NULL,
			end_time CHAR(5) NOT NULL,
			allowed_buttons INT[] NOT NULL,
			active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_winner_rules_active ON winner_rules(machine_id, active);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 3: rule tables created")

	// Migration 4: append-only ledger
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ledger_entries (
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
		CREATE INDEX IF NOT EXISTS idx_ledger_entries_machine ON ledger_entries(machine_id, id DESC);
	`)
	if err != nil {
		return err
	}
	log.Info().Msg("Migration 4: ledger table created")

	log.Info().Msg("All migrations completed successfully")
	return nil
}
