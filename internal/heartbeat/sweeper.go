// Package heartbeat implements the periodic offline-detection sweep for
// machines.
package heartbeat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// MachineMarker is the slice of the machine repository the sweeper needs.
type MachineMarker interface {
	MarkOffline(ctx context.Context, cutoff time.Time) (int64, error)
	MarkOnline(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper periodically flags machines offline when no heartbeat arrived
// within the timeout window, and back online otherwise. Each sweep is
// idempotent and tolerant of skipped or delayed runs; it is fully
// independent of settlement transactions.
type Sweeper struct {
	machines     MachineMarker
	interval     time.Duration
	offlineAfter time.Duration
	logger       zerolog.Logger
	now          func() time.Time
}

// NewSweeper creates a sweeper with the given interval and offline timeout.
func NewSweeper(machines MachineMarker, interval, offlineAfter time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		machines:     machines,
		interval:     interval,
		offlineAfter: offlineAfter,
		logger:       logger.With().Str("component", "heartbeat-sweeper").Logger(),
		now:          time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Dur("offline_after", s.offlineAfter).
		Msg("Heartbeat sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Heartbeat sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one offline/online classification pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.offlineAfter)

	offline, err := s.machines.MarkOffline(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Offline sweep failed")
		return
	}

	online, err := s.machines.MarkOnline(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("Online sweep failed")
		return
	}

	if offline > 0 || online > 0 {
		s.logger.Info().Int64("marked_offline", offline).Int64("marked_online", online).
			Msg("Heartbeat sweep applied changes")
	}
}
