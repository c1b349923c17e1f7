package app

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"quiz-arena/internal/domain"
)

// Board is a receiver-side leaderboard that merges score deltas by identity.
// A delta never rolls an entry back: it applies only if it reports at least as
// many answered questions as the entry already holds, so replays are harmless.
type Board struct {
	sessionID int64
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]domain.LeaderboardEntry
}

func NewBoard(sessionID int64, now func() time.Time) *Board {
	if now == nil {
		now = time.Now
	}
	return &Board{sessionID: sessionID, now: now, entries: make(map[string]domain.LeaderboardEntry)}
}

// Seed merges authoritative standings, e.g. loaded on connect.
func (b *Board) Seed(entries []domain.LeaderboardEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.mergeLocked(e)
	}
}

// Apply merges one delta and reports whether the board changed.
func (b *Board) Apply(delta domain.ScoreDelta) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mergeLocked(domain.LeaderboardEntry{
		Identity:    delta.Identity,
		DisplayName: delta.DisplayName,
		Score:       delta.Total,
		Answered:    delta.Answered,
		LastAt:      delta.At,
	})
}

func (b *Board) mergeLocked(e domain.LeaderboardEntry) bool {
	cur, ok := b.entries[e.Identity]
	if ok {
		if e.Answered < cur.Answered || e == cur {
			return false
		}
		if e.DisplayName == "" {
			e.DisplayName = cur.DisplayName
		}
	}
	b.entries[e.Identity] = e
	return true
}

// Snapshot returns the ranked board.
func (b *Board) Snapshot() domain.Leaderboard {
	b.mu.Lock()
	entries := make([]domain.LeaderboardEntry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	b.mu.Unlock()

	Rank(entries)
	return domain.Leaderboard{SessionID: b.sessionID, Entries: entries, UpdatedAt: b.now()}
}

// Rank orders entries by score desc, then who reached it first, then name.
func Rank(entries []domain.LeaderboardEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, c := entries[i], entries[j]
		if a.Score != c.Score {
			return a.Score > c.Score
		}
		if !a.LastAt.Equal(c.LastAt) {
			return a.LastAt.Before(c.LastAt)
		}
		if a.DisplayName != c.DisplayName {
			return a.DisplayName < c.DisplayName
		}
		return a.Identity < c.Identity
	})
}

// Leaderboard returns the authoritative standings built from stored submissions.
func (s *QuizService) Leaderboard(ctx context.Context, sessionID int64) (domain.Leaderboard, error) {
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return domain.Leaderboard{}, err
	}
	entries, err := s.sessions.Standings(ctx, sessionID)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("load standings: %w", err)
	}
	Rank(entries)
	return domain.Leaderboard{SessionID: sessionID, Entries: entries, UpdatedAt: s.clock.Now()}, nil
}

// SubscribeLeaderboard returns live score deltas plus a board seeded from storage.
// The subscription is opened before the standings are read so no delta falls in between;
// deltas already reflected in the seed are absorbed by the board's merge rule.
func (s *QuizService) SubscribeLeaderboard(ctx context.Context, sessionID int64) (*Board, <-chan domain.Event, func(), error) {
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, nil, nil, err
	}
	ch, cancel, err := s.bus.Subscribe(ctx, LeaderboardTopic(sessionID))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("subscribe leaderboard: %w", err)
	}
	entries, err := s.sessions.Standings(ctx, sessionID)
	if err != nil {
		cancel()
		return nil, nil, nil, fmt.Errorf("load standings: %w", err)
	}
	board := NewBoard(sessionID, s.clock.Now)
	board.Seed(entries)
	return board, ch, cancel, nil
}

// SubscribeStatus returns status-change events of a session.
func (s *QuizService) SubscribeStatus(ctx context.Context, sessionID int64) (<-chan domain.Event, func(), error) {
	ch, cancel, err := s.bus.Subscribe(ctx, StatusTopic(sessionID))
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe status: %w", err)
	}
	return ch, cancel, nil
}
