package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"quiz-arena/internal/domain"
)

// Store is an in-memory implementation of app.SessionStore and app.QuestionLoader.
// A single mutex makes each operation atomic, which gives Transition its
// compare-and-set semantics and InsertSubmission its uniqueness check.
type Store struct {
	mu            sync.RWMutex
	nextID        int64
	sessions      map[int64]domain.Session
	questions     map[int64][]domain.Question
	registrations map[int64]map[string]time.Time
	submissions   map[int64]map[submissionKey]domain.Submission
}

type submissionKey struct {
	identity string
	question int
}

func NewStore() *Store {
	return &Store{
		sessions:      make(map[int64]domain.Session),
		questions:     make(map[int64][]domain.Question),
		registrations: make(map[int64]map[string]time.Time),
		submissions:   make(map[int64]map[submissionKey]domain.Submission),
	}
}

func (s *Store) CreateSession(_ context.Context, in domain.NewSession, now time.Time) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	session := domain.Session{
		ID:              s.nextID,
		Title:           in.Title,
		Description:     in.Description,
		Category:        in.Category,
		Difficulty:      in.Difficulty,
		DurationMinutes: in.DurationMinutes,
		ScheduledAt:     copyTime(in.ScheduledAt),
		Status:          domain.StatusScheduled,
		CreatedAt:       now,
	}
	questions := make([]domain.Question, len(in.Questions))
	for i, q := range in.Questions {
		q.SessionID = session.ID
		q.Index = i
		q.Options = append([]string(nil), q.Options...)
		questions[i] = q
	}
	s.sessions[session.ID] = session
	s.questions[session.ID] = questions
	return session, nil
}

func (s *Store) GetSession(_ context.Context, sessionID int64) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) ListSessions(_ context.Context, statuses ...domain.Status) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		if len(statuses) > 0 && !containsStatus(statuses, session.Status) {
			continue
		}
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Reschedule(_ context.Context, sessionID int64, start *time.Time, durationMinutes int) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if session.Status != domain.StatusScheduled {
		return domain.Session{}, domain.ErrScheduleLocked
	}
	session.ScheduledAt = copyTime(start)
	if durationMinutes > 0 {
		session.DurationMinutes = durationMinutes
	}
	s.sessions[sessionID] = session
	return session, nil
}

func (s *Store) Transition(_ context.Context, req domain.TransitionRequest) (domain.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[req.SessionID]
	if !ok {
		return domain.TransitionResult{}, domain.ErrSessionNotFound
	}
	if session.Status != req.From {
		return domain.TransitionResult{Outcome: domain.Classify(session.Status, req.To), Session: session}, nil
	}
	if req.NotBefore != nil && (session.ScheduledAt == nil || session.ScheduledAt.After(*req.NotBefore)) {
		return domain.TransitionResult{Outcome: domain.TransitionConflict, Session: session}, nil
	}

	now := req.Now
	session.Status = req.To
	if req.StampStart {
		session.ScheduledAt = &now
	}
	switch req.To {
	case domain.StatusLive:
		session.WentLiveAt = &now
	case domain.StatusFinished:
		session.FinishedAt = &now
	}
	s.sessions[req.SessionID] = session
	return domain.TransitionResult{Outcome: domain.TransitionPerformed, Session: session}, nil
}

func (s *Store) Register(_ context.Context, reg domain.Registration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[reg.SessionID]; !ok {
		return false, domain.ErrSessionNotFound
	}
	regs, ok := s.registrations[reg.SessionID]
	if !ok {
		regs = make(map[string]time.Time)
		s.registrations[reg.SessionID] = regs
	}
	if _, exists := regs[reg.Identity]; exists {
		return false, nil
	}
	regs[reg.Identity] = reg.RegisteredAt
	return true, nil
}

func (s *Store) IsRegistered(_ context.Context, sessionID int64, identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.registrations[sessionID][identity]
	return ok, nil
}

func (s *Store) CountRegistrations(_ context.Context, sessionID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.registrations[sessionID]), nil
}

func (s *Store) InsertSubmission(_ context.Context, sub domain.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.submissions[sub.SessionID]
	if !ok {
		subs = make(map[submissionKey]domain.Submission)
		s.submissions[sub.SessionID] = subs
	}
	key := submissionKey{identity: sub.Identity, question: sub.QuestionIndex}
	if _, exists := subs[key]; exists {
		return domain.ErrDuplicateSubmission
	}
	subs[key] = sub
	return nil
}

func (s *Store) HasSubmitted(_ context.Context, sessionID int64, questionIndex int, identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.submissions[sessionID][submissionKey{identity: identity, question: questionIndex}]
	return ok, nil
}

func (s *Store) Totals(_ context.Context, sessionID int64, identity string) (domain.Totals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var totals domain.Totals
	for key, sub := range s.submissions[sessionID] {
		if key.identity != identity {
			continue
		}
		totals.Points += sub.Points
		totals.Answered++
	}
	return totals, nil
}

func (s *Store) Standings(_ context.Context, sessionID int64) ([]domain.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byIdentity := make(map[string]*domain.LeaderboardEntry)
	for _, sub := range s.submissions[sessionID] {
		e, ok := byIdentity[sub.Identity]
		if !ok {
			e = &domain.LeaderboardEntry{Identity: sub.Identity}
			byIdentity[sub.Identity] = e
		}
		e.Score += sub.Points
		e.Answered++
		if !sub.SubmittedAt.Before(e.LastAt) {
			e.LastAt = sub.SubmittedAt
			e.DisplayName = sub.DisplayName
		}
	}
	out := make([]domain.LeaderboardEntry, 0, len(byIdentity))
	for _, e := range byIdentity {
		out = append(out, *e)
	}
	return out, nil
}

// LoadQuestions implements app.QuestionLoader.
func (s *Store) LoadQuestions(_ context.Context, sessionID int64) ([]domain.Question, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, domain.ErrSessionNotFound
	}
	src := s.questions[sessionID]
	out := make([]domain.Question, len(src))
	for i, q := range src {
		q.Options = append([]string(nil), q.Options...)
		out[i] = q
	}
	return out, nil
}

func containsStatus(statuses []domain.Status, st domain.Status) bool {
	for _, s := range statuses {
		if s == st {
			return true
		}
	}
	return false
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// SampleSession is a small quiz used to seed the in-memory store for demos.
func SampleSession(start time.Time) domain.NewSession {
	return domain.NewSession{
		Title:           "General Knowledge Sprint",
		Description:     "Three quick questions to warm up.",
		Category:        "general",
		Difficulty:      domain.DifficultyEasy,
		DurationMinutes: 5,
		ScheduledAt:     &start,
		Questions: []domain.Question{
			{Prompt: "What is 2 + 2?", Options: []string{"3", "4", "5", "22"}, CorrectIndex: 1, TimerSeconds: 15, Explanation: "Basic addition."},
			{Prompt: "Which planet is known as the Red Planet?", Options: []string{"Venus", "Jupiter", "Mars", "Mercury"}, CorrectIndex: 2, TimerSeconds: 20, Explanation: "Iron oxide gives Mars its color."},
			{Prompt: "What is the chemical symbol for gold?", Options: []string{"Ag", "Au", "Gd", "Go"}, CorrectIndex: 1, TimerSeconds: 10, Explanation: "From the Latin aurum."},
		},
	}
}
