package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
)

// NewLobby is exported for infrastructure layers that keep lobbies per session.
func NewLobby(sessionID int64) *Lobby {
	return NewLobbyWithClock(sessionID, time.Now)
}

// NewLobbyWithClock is test-only for deterministic timestamps.
func NewLobbyWithClock(sessionID int64, now func() time.Time) *Lobby {
	return &Lobby{
		sessionID:   sessionID,
		now:         now,
		members:     make(map[string]*member),
		subscribers: make(map[chan domain.Event]struct{}),
	}
}

// Lobby is the in-process presence channel of one session. An identity may hold
// several connections; it joins on the first and leaves when the last one goes.
type Lobby struct {
	sessionID   int64
	now         func() time.Time
	mu          sync.RWMutex
	members     map[string]*member
	subscribers map[chan domain.Event]struct{}
	observer    func(roster []domain.PresenceRecord)
}

type member struct {
	record   domain.PresenceRecord
	conns    map[string]struct{}
	joinedAt time.Time
}

// SetObserver installs fn to receive the roster after every change.
func (l *Lobby) SetObserver(fn func(roster []domain.PresenceRecord)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observer = fn
}

// Track adds connection connID for the identity in rec.
func (l *Lobby) Track(connID string, rec domain.PresenceRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.members[rec.Identity]
	if ok {
		m.conns[connID] = struct{}{}
		if m.record != rec {
			m.record = rec
			l.broadcastLocked(domain.EventSync, nil)
		}
		return
	}
	l.members[rec.Identity] = &member{
		record:   rec,
		conns:    map[string]struct{}{connID: {}},
		joinedAt: l.now(),
	}
	who := rec
	l.broadcastLocked(domain.EventJoin, &who)
}

// Untrack removes connection connID; the identity leaves with its last connection.
func (l *Lobby) Untrack(connID, identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.members[identity]
	if !ok {
		return
	}
	delete(m.conns, connID)
	if len(m.conns) > 0 {
		return
	}
	delete(l.members, identity)
	who := m.record
	l.broadcastLocked(domain.EventLeave, &who)
}

// Roster returns the current members ordered by arrival.
func (l *Lobby) Roster() []domain.PresenceRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rosterLocked()
}

// IsEmpty reports whether the lobby has no members.
func (l *Lobby) IsEmpty() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.members) == 0
}

// Subscribe returns a channel primed with a sync of the current roster.
// The caller must invoke the returned cancel function to avoid leaks.
func (l *Lobby) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 16)

	// sync goes out under the lock so no later join or leave can overtake it;
	// ch is fresh and buffered, so the send cannot block
	l.mu.Lock()
	l.subscribers[ch] = struct{}{}
	ch <- domain.NewPresenceEvent(domain.EventSync, l.sessionID, nil, l.rosterLocked())
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subscribers[ch]; ok {
			delete(l.subscribers, ch)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

func (l *Lobby) broadcastLocked(typ domain.EventType, who *domain.PresenceRecord) {
	roster := l.rosterLocked()
	ev := domain.NewPresenceEvent(typ, l.sessionID, who, roster)
	for ch := range l.subscribers {
		select {
		case ch <- ev:
		default:
			// slow reader: drop its oldest event, the roster in ev supersedes it
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
	if l.observer != nil {
		l.observer(roster)
	}
}

func (l *Lobby) rosterLocked() []domain.PresenceRecord {
	type entry struct {
		rec domain.PresenceRecord
		at  time.Time
	}
	entries := make([]entry, 0, len(l.members))
	for _, m := range l.members {
		entries = append(entries, entry{rec: m.record, at: m.joinedAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.Before(entries[j].at)
		}
		return entries[i].rec.Identity < entries[j].rec.Identity
	})
	roster := make([]domain.PresenceRecord, len(entries))
	for i, e := range entries {
		roster[i] = e.rec
	}
	return roster
}

// EnterLobby announces identity in the session's lobby and subscribes to presence.
// Only registered identities may enter. leave must be called exactly once.
func (s *QuizService) EnterLobby(ctx context.Context, identity domain.Identity, sessionID int64) (<-chan domain.Event, func(), error) {
	if identity.ID == "" {
		return nil, nil, domain.ErrNotAuthenticated
	}
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, nil, err
	}
	registered, err := s.sessions.IsRegistered(ctx, sessionID, identity.ID)
	if err != nil {
		return nil, nil, err
	}
	if !registered {
		return nil, nil, domain.ErrNotRegistered
	}

	lobby := s.lobbies.GetOrCreate(sessionID)
	ch, cancel := lobby.Subscribe()
	connID := uuid.NewString()
	lobby.Track(connID, domain.PresenceFor(identity))
	log.Debug().Int64("session_id", sessionID).Str("identity", identity.ID).Str("conn", connID).Msg("lobby entered")

	var once sync.Once
	leave := func() {
		once.Do(func() {
			cancel()
			lobby.Untrack(connID, identity.ID)
			if lobby.IsEmpty() {
				s.lobbies.DeleteIfEmpty(sessionID)
			}
		})
	}
	return ch, leave, nil
}

// Presence returns the current lobby roster of a session on this instance.
func (s *QuizService) Presence(sessionID int64) []domain.PresenceRecord {
	lobby, ok := s.lobbies.Get(sessionID)
	if !ok {
		return nil
	}
	return lobby.Roster()
}
