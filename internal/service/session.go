// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coinpress/internal/event"
	"coinpress/internal/model"
	"coinpress/internal/pkg/db"
	"coinpress/internal/pkg/lock"
	"coinpress/internal/repository"
	"coinpress/internal/settlement"
)

// Common errors for session operations.
var (
	ErrMachineNotActive  = errors.New("machine is not active")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrAlreadySettled    = errors.New("session already settled")
	ErrInsufficientFunds = errors.New("machine balance cannot cover the settlement")
	ErrInvalidButton     = errors.New("button number out of range")
	ErrInvalidPressCount = errors.New("press count must not be negative")
)

// SessionService manages the session lifecycle: start, press updates and
// settlement.
type SessionService struct {
	pool      *db.Pool
	machines  *repository.MachineRepository
	sessions  *repository.SessionRepository
	locks     *lock.MachineLock
	publisher event.Publisher
	params    settlement.Params
	loc       *time.Location
	logger    zerolog.Logger

	// Injection points for deterministic tests.
	now     func() time.Time
	newRand func() *rand.Rand
}

// NewSessionService creates a new SessionService instance.
func NewSessionService(
	pool *db.Pool,
	locks *lock.MachineLock,
	publisher event.Publisher,
	params settlement.Params,
	loc *time.Location,
	logger zerolog.Logger,
) *SessionService {
	return &SessionService{
		pool:      pool,
		machines:  repository.NewMachineRepository(pool),
		sessions:  repository.NewSessionRepository(pool),
		locks:     locks,
		publisher: publisher,
		params:    params,
		loc:       loc,
		logger:    logger.With().Str("component", "session-service").Logger(),
		now:       time.Now,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
	}
}

// Start creates an active session with zeroed counters on the machine and
// touches the machine heartbeat.
func (s *SessionService) Start(ctx context.Context, machineID int64) (*model.GameSession, error) {
	if _, err := s.machines.GetByID(ctx, machineID); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Create(ctx, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	if err := s.machines.TouchHeartbeat(ctx, machineID); err != nil {
		s.logger.Warn().Err(err).Int64("machine_id", machineID).Msg("Heartbeat touch failed")
	}

	s.publishAsync(event.TypeSessionStarted, sess)
	return sess, nil
}

// RecordPress sets one button's press counter in place. Updates are
// last-write-wins per button and never trigger settlement.
func (s *SessionService) RecordPress(ctx context.Context, sessionID uuid.UUID, button int, pressCount int) (*model.GameSession, error) {
	if button < 1 || button > model.ButtonCount {
		return nil, fmt.Errorf("%w: %d", ErrInvalidButton, button)
	}
	if pressCount < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPressCount, pressCount)
	}

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionActive {
		return nil, ErrSessionNotActive
	}

	computed := int64(pressCount) * s.params.UnitPrice
	if err := s.sessions.SetPressCount(ctx, sessionID, button, pressCount, computed); err != nil {
		return nil, err
	}

	if err := s.machines.TouchHeartbeat(ctx, sess.MachineID); err != nil {
		s.logger.Warn().Err(err).Int64("machine_id", sess.MachineID).Msg("Heartbeat touch failed")
	}

	sess, err = s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.publishAsync(event.TypePressesUpdated, sess)
	return sess, nil
}

// Get retrieves the full session record.
func (s *SessionService) Get(ctx context.Context, sessionID uuid.UUID) (*model.GameSession, error) {
	return s.sessions.GetByID(ctx, sessionID)
}

// publishAsync publishes a session event outside any transaction, looking up
// whether other sessions on the machine remain active. Failures are logged
// and never surfaced to the caller.
func (s *SessionService) publishAsync(eventType string, sess *model.GameSession) {
	snapshot := *sess
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		active, err := s.sessions.CountActiveByMachine(ctx, snapshot.MachineID, snapshot.ID)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Liveness lookup failed, publishing without it")
		}

		e := event.Envelope{
			Type:        eventType,
			MachineID:   snapshot.MachineID,
			Session:     &snapshot,
			MachineLive: active > 0 || snapshot.Status == model.SessionActive,
			OccurredAt:  time.Now(),
		}
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.logger.Warn().Err(err).Str("type", eventType).
				Str("session_id", snapshot.ID.String()).Msg("Event publish failed")
		}
	}()
}
