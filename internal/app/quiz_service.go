package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
	"quiz-arena/internal/metrics"
	"quiz-arena/internal/schedule"
	"quiz-arena/internal/scoring"
)

// SessionStore is the relational collaborator: sessions, registrations and submissions.
// Transition must be a compare-and-set and InsertSubmission must rely on a uniqueness
// constraint over (session, identity, question), returning domain.ErrDuplicateSubmission.
type SessionStore interface {
	CreateSession(ctx context.Context, in domain.NewSession, now time.Time) (domain.Session, error)
	GetSession(ctx context.Context, sessionID int64) (domain.Session, error)
	ListSessions(ctx context.Context, statuses ...domain.Status) ([]domain.Session, error)
	Reschedule(ctx context.Context, sessionID int64, start *time.Time, durationMinutes int) (domain.Session, error)
	Transition(ctx context.Context, req domain.TransitionRequest) (domain.TransitionResult, error)

	Register(ctx context.Context, reg domain.Registration) (created bool, err error)
	IsRegistered(ctx context.Context, sessionID int64, identity string) (bool, error)
	CountRegistrations(ctx context.Context, sessionID int64) (int, error)

	InsertSubmission(ctx context.Context, sub domain.Submission) error
	HasSubmitted(ctx context.Context, sessionID int64, questionIndex int, identity string) (bool, error)
	Totals(ctx context.Context, sessionID int64, identity string) (domain.Totals, error)
	Standings(ctx context.Context, sessionID int64) ([]domain.LeaderboardEntry, error)
}

// QuestionLoader fetches a session's ordered questions from the backing store.
type QuestionLoader interface {
	LoadQuestions(ctx context.Context, sessionID int64) ([]domain.Question, error)
}

// QuestionRepository serves questions from a cache in front of a QuestionLoader.
type QuestionRepository interface {
	GetQuestions(ctx context.Context, sessionID int64) ([]domain.Question, error)
	Invalidate(ctx context.Context, sessionID int64)
}

// LobbyRegistry abstracts where in-process lobbies live (in-memory, Redis-mirrored).
type LobbyRegistry interface {
	GetOrCreate(sessionID int64) *Lobby
	Get(sessionID int64) (*Lobby, bool)
	DeleteIfEmpty(sessionID int64)
	OnlineCount(ctx context.Context, sessionID int64) (int, error)
}

// Broadcaster is the ephemeral publish/subscribe primitive. Delivery is at-most-once.
// The returned cancel function must be called to release the subscription.
type Broadcaster interface {
	Publish(ctx context.Context, topic string, ev domain.Event) error
	Subscribe(ctx context.Context, topic string) (<-chan domain.Event, func(), error)
}

// Notifier receives performed transitions, e.g. to alert registered participants.
type Notifier interface {
	SessionTransitioned(ctx context.Context, session domain.Session, change domain.StatusChange) error
}

// LeaderboardTopic is the broadcast topic carrying score deltas of a session.
func LeaderboardTopic(sessionID int64) string { return fmt.Sprintf("quiz.%d.leaderboard", sessionID) }

// StatusTopic is the broadcast topic carrying status changes of a session.
func StatusTopic(sessionID int64) string { return fmt.Sprintf("quiz.%d.status", sessionID) }

// Dependencies are the collaborators of QuizService.
type Dependencies struct {
	Sessions  SessionStore
	Questions QuestionRepository
	Lobbies   LobbyRegistry
	Bus       Broadcaster
	Notifier  Notifier        // optional
	Clock     clockwork.Clock // optional, real clock by default
}

// Options are the tunables of QuizService.
type Options struct {
	Schedule       schedule.Options
	Scoring        scoring.Policy
	PublishTimeout time.Duration
}

// QuizService contains the live quiz use cases.
type QuizService struct {
	sessions  SessionStore
	questions QuestionRepository
	lobbies   LobbyRegistry
	bus       Broadcaster
	notifier  Notifier
	clock     clockwork.Clock
	opts      Options

	watchMu  sync.RWMutex
	watchers []func(domain.Session)
}

func NewQuizService(deps Dependencies, opts Options) *QuizService {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.Scoring.MaxPoints == 0 {
		opts.Scoring = scoring.DefaultPolicy()
	}
	if opts.Schedule.LobbyWindow <= 0 {
		opts.Schedule.LobbyWindow = schedule.DefaultLobbyWindow
	}
	if opts.Schedule.Gap == "" {
		opts.Schedule.Gap = schedule.GapFinish
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	return &QuizService{
		sessions:  deps.Sessions,
		questions: deps.Questions,
		lobbies:   deps.Lobbies,
		bus:       deps.Bus,
		notifier:  deps.Notifier,
		clock:     clock,
		opts:      opts,
	}
}

// Clock exposes the service clock to transports and schedulers.
func (s *QuizService) Clock() clockwork.Clock { return s.clock }

// OnSessionChange registers fn to be called after a session is created, rescheduled
// or transitioned by this process.
func (s *QuizService) OnSessionChange(fn func(domain.Session)) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	s.watchers = append(s.watchers, fn)
}

func (s *QuizService) notifyWatchers(session domain.Session) {
	s.watchMu.RLock()
	watchers := append([]func(domain.Session){}, s.watchers...)
	s.watchMu.RUnlock()
	for _, fn := range watchers {
		fn(session)
	}
}

// SessionStatus is the UI-facing status of a session for one identity.
type SessionStatus struct {
	Session           domain.Session         `json:"session"`
	DurationsSeconds  []int                  `json:"durationsSeconds"`
	RegistrationCount int                    `json:"registrationCount"`
	IsRegistered      bool                   `json:"isRegistered"`
	OnlineCount       int                    `json:"onlineCount"`
	View              schedule.View          `json:"view"`
	Question          *domain.PublicQuestion `json:"question,omitempty"`
}

// GetSessionStatus returns status, schedule, durations and registration facts.
func (s *QuizService) GetSessionStatus(ctx context.Context, sessionID int64, identity domain.Identity) (SessionStatus, error) {
	session, questions, plan, err := s.load(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	count, err := s.sessions.CountRegistrations(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("count registrations: %w", err)
	}
	registered := false
	if identity.ID != "" {
		if registered, err = s.sessions.IsRegistered(ctx, sessionID, identity.ID); err != nil {
			return SessionStatus{}, fmt.Errorf("check registration: %w", err)
		}
	}
	online, err := s.lobbies.OnlineCount(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Msg("online count unavailable")
	}

	durations := make([]int, len(questions))
	for i, q := range questions {
		durations[i] = int(q.Timer() / time.Second)
	}
	view := plan.Resolve(s.clock.Now())
	return SessionStatus{
		Session:           session,
		DurationsSeconds:  durations,
		RegistrationCount: count,
		IsRegistered:      registered,
		OnlineCount:       online,
		View:              view,
		Question:          activeQuestion(view, questions),
	}, nil
}

// CreateSession stores a new session with its questions (admin).
func (s *QuizService) CreateSession(ctx context.Context, identity domain.Identity, in domain.NewSession) (domain.Session, error) {
	if !identity.Admin {
		return domain.Session{}, domain.ErrForbidden
	}
	if err := in.Normalize(); err != nil {
		return domain.Session{}, err
	}
	session, err := s.sessions.CreateSession(ctx, in, s.clock.Now())
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	log.Info().
		Int64("session_id", session.ID).
		Str("title", session.Title).
		Int("questions", len(in.Questions)).
		Msg("quiz session created")
	s.notifyWatchers(session)
	return session, nil
}

// Reschedule edits the start time and duration while the session is still scheduled (admin).
func (s *QuizService) Reschedule(ctx context.Context, identity domain.Identity, sessionID int64, start *time.Time, durationMinutes int) (domain.Session, error) {
	if !identity.Admin {
		return domain.Session{}, domain.ErrForbidden
	}
	if durationMinutes < 0 {
		return domain.Session{}, domain.ErrInvalidSession
	}
	session, err := s.sessions.Reschedule(ctx, sessionID, start, durationMinutes)
	if err != nil {
		return domain.Session{}, err
	}
	log.Info().Int64("session_id", sessionID).Interface("scheduled_at", session.ScheduledAt).Msg("quiz session rescheduled")
	s.notifyWatchers(session)
	s.publish(ctx, "status", StatusTopic(sessionID), domain.NewScheduleEvent(session, s.clock.Now()))
	return session, nil
}

// Plan returns the resolver input for a stored session.
func (s *QuizService) Plan(ctx context.Context, session domain.Session) (schedule.Plan, error) {
	questions, err := s.questions.GetQuestions(ctx, session.ID)
	if err != nil {
		return schedule.Plan{}, err
	}
	return schedule.PlanFor(session, questions, s.opts.Schedule), nil
}

func (s *QuizService) load(ctx context.Context, sessionID int64) (domain.Session, []domain.Question, schedule.Plan, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, schedule.Plan{}, err
	}
	questions, err := s.questions.GetQuestions(ctx, sessionID)
	if err != nil {
		return domain.Session{}, nil, schedule.Plan{}, fmt.Errorf("load questions: %w", err)
	}
	return session, questions, schedule.PlanFor(session, questions, s.opts.Schedule), nil
}

func activeQuestion(view schedule.View, questions []domain.Question) *domain.PublicQuestion {
	if view.Phase != schedule.PhaseQuestion || view.QuestionIndex < 0 || view.QuestionIndex >= len(questions) {
		return nil
	}
	pq := questions[view.QuestionIndex].Public()
	return &pq
}

// publish delivers ev without blocking the caller; failures are logged and dropped.
func (s *QuizService) publish(ctx context.Context, kind, topic string, ev domain.Event) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		pubCtx, cancel := context.WithTimeout(ctx, s.opts.PublishTimeout)
		defer cancel()
		if err := s.bus.Publish(pubCtx, topic, ev); err != nil {
			metrics.BroadcastFailures.WithLabelValues(kind).Inc()
			log.Warn().Err(err).Str("topic", topic).Msg("broadcast dropped")
		}
	}()
}
