package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
	"quiz-arena/internal/metrics"
	"quiz-arena/internal/schedule"
	"quiz-arena/internal/scoring"
)

// SubmitAnswer validates and stores one answer, then broadcasts the submitter's new total.
// Checks run in a fixed order so the first failing rule decides the rejection:
// session started, question active, option valid, caller registered, first answer.
func (s *QuizService) SubmitAnswer(ctx context.Context, identity domain.Identity, sessionID int64, submission domain.AnswerSubmission) (result domain.AnswerResult, err error) {
	began := s.clock.Now()
	defer func() {
		metrics.SubmitDuration.Observe(s.clock.Since(began).Seconds())
		if err != nil {
			metrics.Submissions.WithLabelValues(domain.ErrorCode(err)).Inc()
			return
		}
		metrics.Submissions.WithLabelValues("accepted").Inc()
	}()

	if identity.ID == "" {
		return domain.AnswerResult{}, domain.ErrNotAuthenticated
	}
	session, questions, plan, err := s.load(ctx, sessionID)
	if err != nil {
		return domain.AnswerResult{}, err
	}
	now := s.clock.Now()
	view := plan.Resolve(now)

	switch {
	case session.Status == domain.StatusFinished:
		return domain.AnswerResult{}, domain.ErrOutOfWindow
	case view.Phase == schedule.PhaseUnscheduled || view.Phase == schedule.PhaseLobby:
		return domain.AnswerResult{}, domain.ErrSessionNotLive
	case view.Phase != schedule.PhaseQuestion:
		return domain.AnswerResult{}, domain.ErrOutOfWindow
	}

	if session.Status == domain.StatusScheduled {
		// nobody has flipped the status yet; the resolver already says play started
		if _, err := s.TryGoLive(ctx, sessionID); err != nil {
			return domain.AnswerResult{}, err
		}
	}

	if submission.QuestionIndex != view.QuestionIndex {
		return domain.AnswerResult{}, domain.ErrOutOfWindow
	}
	question := questions[view.QuestionIndex]
	if submission.ChosenIndex < 0 || submission.ChosenIndex >= len(question.Options) {
		return domain.AnswerResult{}, domain.ErrInvalidOption
	}

	registered, err := s.sessions.IsRegistered(ctx, sessionID, identity.ID)
	if err != nil {
		return domain.AnswerResult{}, fmt.Errorf("check registration: %w", err)
	}
	if !registered {
		return domain.AnswerResult{}, domain.ErrNotRegistered
	}

	window := question.Timer()
	latency := scoring.LatencyFromMillis(submission.LatencyMs, window)
	var serverLatency time.Duration
	if view.QuestionStartedAt != nil {
		serverLatency = scoring.ClampLatency(now.Sub(*view.QuestionStartedAt), window)
	}
	correct := submission.ChosenIndex == question.CorrectIndex
	points := s.opts.Scoring.Score(correct, latency, window, question.Points)

	presence := domain.PresenceFor(identity)
	sub := domain.Submission{
		SessionID:       sessionID,
		QuestionIndex:   question.Index,
		Identity:        identity.ID,
		DisplayName:     presence.DisplayName,
		ChosenIndex:     submission.ChosenIndex,
		LatencyMs:       latency.Milliseconds(),
		ServerLatencyMs: serverLatency.Milliseconds(),
		Correct:         correct,
		Points:          points,
		SubmittedAt:     now,
	}
	if err := s.sessions.InsertSubmission(ctx, sub); err != nil {
		if errors.Is(err, domain.ErrDuplicateSubmission) {
			return domain.AnswerResult{}, err
		}
		return domain.AnswerResult{}, fmt.Errorf("insert submission: %w", err)
	}

	totals, err := s.sessions.Totals(ctx, sessionID, identity.ID)
	if err != nil {
		return domain.AnswerResult{}, fmt.Errorf("load totals: %w", err)
	}

	s.publish(ctx, "leaderboard", LeaderboardTopic(sessionID), domain.NewScoreEvent(sessionID, domain.ScoreDelta{
		Identity:      identity.ID,
		DisplayName:   presence.DisplayName,
		QuestionIndex: question.Index,
		Points:        points,
		Total:         totals.Points,
		Answered:      totals.Answered,
		At:            now,
	}))

	log.Debug().
		Int64("session_id", sessionID).
		Str("identity", identity.ID).
		Int("question", question.Index).
		Bool("correct", correct).
		Int("points", points).
		Msg("answer accepted")

	return domain.AnswerResult{
		QuestionIndex: question.Index,
		Accepted:      true,
		Correct:       correct,
		Points:        points,
		TotalScore:    totals.Points,
		CorrectIndex:  question.CorrectIndex,
		Explanation:   question.Explanation,
	}, nil
}

// Question returns one question as the caller may currently see it: locked until its
// window opens, answer hidden until the caller answered or the window closed.
func (s *QuizService) Question(ctx context.Context, identity domain.Identity, sessionID int64, index int) (domain.PublicQuestion, error) {
	session, questions, plan, err := s.load(ctx, sessionID)
	if err != nil {
		return domain.PublicQuestion{}, err
	}
	if index < 0 || index >= len(questions) {
		return domain.PublicQuestion{}, domain.ErrQuestionNotFound
	}
	question := questions[index]
	now := s.clock.Now()
	view := plan.Resolve(now)

	if session.Status == domain.StatusFinished || view.Phase == schedule.PhaseFinished {
		return question.Revealed(), nil
	}
	start, end, ok := plan.QuestionWindow(index)
	if !ok || now.Before(start) {
		return domain.PublicQuestion{}, domain.ErrQuestionLocked
	}
	if !now.Before(end) {
		return question.Revealed(), nil
	}
	if identity.ID != "" {
		answered, err := s.sessions.HasSubmitted(ctx, sessionID, index, identity.ID)
		if err != nil {
			return domain.PublicQuestion{}, fmt.Errorf("check submission: %w", err)
		}
		if answered {
			return question.Revealed(), nil
		}
	}
	return question.Public(), nil
}
