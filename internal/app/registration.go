package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
	"quiz-arena/internal/metrics"
)

// Register opts identity into a session before it starts. Registering twice succeeds
// with Created=false.
func (s *QuizService) Register(ctx context.Context, identity domain.Identity, sessionID int64) (result domain.RegistrationResult, err error) {
	defer func() {
		switch {
		case err != nil:
			metrics.Registrations.WithLabelValues(domain.ErrorCode(err)).Inc()
		case result.Created:
			metrics.Registrations.WithLabelValues("created").Inc()
		default:
			metrics.Registrations.WithLabelValues("repeat").Inc()
		}
	}()

	if identity.ID == "" {
		return domain.RegistrationResult{}, domain.ErrNotAuthenticated
	}
	session, _, plan, err := s.load(ctx, sessionID)
	if err != nil {
		return domain.RegistrationResult{}, err
	}
	now := s.clock.Now()
	if session.Status != domain.StatusScheduled || plan.Resolve(now).InPlay() {
		return domain.RegistrationResult{}, domain.ErrRegistrationClosed
	}

	created, err := s.sessions.Register(ctx, domain.Registration{
		SessionID:    sessionID,
		Identity:     identity.ID,
		RegisteredAt: now,
	})
	if err != nil {
		return domain.RegistrationResult{}, fmt.Errorf("register: %w", err)
	}
	count, err := s.sessions.CountRegistrations(ctx, sessionID)
	if err != nil {
		return domain.RegistrationResult{}, fmt.Errorf("count registrations: %w", err)
	}
	if created {
		log.Info().Int64("session_id", sessionID).Str("identity", identity.ID).Int("count", count).Msg("participant registered")
	}
	return domain.RegistrationResult{Registered: true, Created: created, Count: count}, nil
}

// IsRegistered reports whether identity holds a registration for the session.
func (s *QuizService) IsRegistered(ctx context.Context, identity domain.Identity, sessionID int64) (bool, error) {
	if identity.ID == "" {
		return false, domain.ErrNotAuthenticated
	}
	return s.sessions.IsRegistered(ctx, sessionID, identity.ID)
}

// RegistrationCount returns the number of registrations for the session.
func (s *QuizService) RegistrationCount(ctx context.Context, sessionID int64) (int, error) {
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return 0, err
	}
	return s.sessions.CountRegistrations(ctx, sessionID)
}
