package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
	"quiz-arena/internal/metrics"
)

// TryGoLive moves a session from scheduled to live once its start time has passed.
// Every connected client may race to call it; exactly one observes TransitionPerformed,
// the rest observe TransitionAlready. TransitionConflict means the start has not arrived.
func (s *QuizService) TryGoLive(ctx context.Context, sessionID int64) (domain.TransitionResult, error) {
	now := s.clock.Now()
	return s.transition(ctx, domain.TransitionRequest{
		SessionID: sessionID,
		From:      domain.StatusScheduled,
		To:        domain.StatusLive,
		Now:       now,
		NotBefore: &now,
	}, false)
}

// ForceStart is the admin override: same conditional update, but the start time is
// rewritten to now so every resolver begins counting from the forced instant.
func (s *QuizService) ForceStart(ctx context.Context, identity domain.Identity, sessionID int64) (domain.TransitionResult, error) {
	if !identity.Admin {
		return domain.TransitionResult{}, domain.ErrForbidden
	}
	return s.transition(ctx, domain.TransitionRequest{
		SessionID:  sessionID,
		From:       domain.StatusScheduled,
		To:         domain.StatusLive,
		Now:        s.clock.Now(),
		StampStart: true,
	}, true)
}

// TryFinish moves a live session to finished once the resolver says play is over.
func (s *QuizService) TryFinish(ctx context.Context, sessionID int64) (domain.TransitionResult, error) {
	session, _, plan, err := s.load(ctx, sessionID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	now := s.clock.Now()
	if session.Status == domain.StatusFinished {
		return domain.TransitionResult{Outcome: domain.TransitionAlready, Session: session}, nil
	}
	if end := plan.EndsAt(); end == nil || now.Before(*end) {
		metrics.Transitions.WithLabelValues(string(domain.StatusFinished), string(domain.TransitionConflict)).Inc()
		return domain.TransitionResult{Outcome: domain.TransitionConflict, Session: session}, nil
	}
	return s.transition(ctx, domain.TransitionRequest{
		SessionID: sessionID,
		From:      domain.StatusLive,
		To:        domain.StatusFinished,
		Now:       now,
	}, false)
}

func (s *QuizService) transition(ctx context.Context, req domain.TransitionRequest, forced bool) (domain.TransitionResult, error) {
	res, err := s.sessions.Transition(ctx, req)
	if err != nil {
		return domain.TransitionResult{}, fmt.Errorf("transition %s->%s: %w", req.From, req.To, err)
	}
	metrics.Transitions.WithLabelValues(string(req.To), string(res.Outcome)).Inc()
	if !res.Performed() {
		log.Debug().
			Int64("session_id", req.SessionID).
			Str("to", string(req.To)).
			Str("outcome", string(res.Outcome)).
			Msg("transition not performed")
		return res, nil
	}

	change := domain.StatusChange{
		From:        req.From,
		To:          req.To,
		ScheduledAt: res.Session.ScheduledAt,
		At:          req.Now,
		Forced:      forced,
	}
	log.Info().
		Int64("session_id", req.SessionID).
		Str("from", string(req.From)).
		Str("to", string(req.To)).
		Bool("forced", forced).
		Msg("session status changed")

	s.publish(ctx, "status", StatusTopic(req.SessionID), domain.NewStatusEvent(req.SessionID, change))
	if s.notifier != nil {
		if err := s.notifier.SessionTransitioned(ctx, res.Session, change); err != nil {
			metrics.BroadcastFailures.WithLabelValues("notify").Inc()
			log.Warn().Err(err).Int64("session_id", req.SessionID).Msg("transition notification failed")
		}
	}
	s.notifyWatchers(res.Session)
	return res, nil
}
