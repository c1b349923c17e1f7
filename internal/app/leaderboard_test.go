package app_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"quiz-arena/internal/app"
	"quiz-arena/internal/domain"
)

func TestBoardMergeIsIdempotentAndMonotonic(t *testing.T) {
	board := app.NewBoard(1, func() time.Time { return t0 })

	first := domain.ScoreDelta{Identity: "u1", DisplayName: "Ada", Points: 700, Total: 700, Answered: 1, At: t0}
	second := domain.ScoreDelta{Identity: "u1", DisplayName: "Ada", Points: 500, Total: 1200, Answered: 2, At: t0.Add(20 * time.Second)}

	if !board.Apply(first) || !board.Apply(second) {
		t.Fatalf("expected both deltas to apply")
	}
	if board.Apply(second) {
		t.Fatalf("expected replay to be a no-op")
	}
	if board.Apply(first) {
		t.Fatalf("expected stale delta to be ignored")
	}
	entries := board.Snapshot().Entries
	if len(entries) != 1 || entries[0].Score != 1200 || entries[0].Answered != 2 {
		t.Fatalf("unexpected board %+v", entries)
	}
}

func TestBoardOrdering(t *testing.T) {
	board := app.NewBoard(1, func() time.Time { return t0 })
	board.Seed([]domain.LeaderboardEntry{
		{Identity: "u3", DisplayName: "Cy", Score: 900, Answered: 1, LastAt: t0.Add(2 * time.Second)},
		{Identity: "u1", DisplayName: "Ada", Score: 500, Answered: 1, LastAt: t0},
	})
	board.Apply(domain.ScoreDelta{Identity: "u2", DisplayName: "Bob", Total: 900, Answered: 1, At: t0.Add(time.Second)})
	board.Apply(domain.ScoreDelta{Identity: "u4", DisplayName: "Ann", Total: 500, Answered: 1, At: t0})

	var order []string
	for _, e := range board.Snapshot().Entries {
		order = append(order, e.Identity)
	}
	want := []string{"u2", "u3", "u1", "u4"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("ranking mismatch (-want +got):\n%s", diff)
	}
}

func TestBoardSeedThenReplayedDelta(t *testing.T) {
	board := app.NewBoard(1, nil)
	board.Seed([]domain.LeaderboardEntry{{Identity: "u1", DisplayName: "Ada", Score: 1200, Answered: 2, LastAt: t0}})

	// a delta published before the seed was read must not roll the entry back
	if board.Apply(domain.ScoreDelta{Identity: "u1", Total: 700, Answered: 1, At: t0}) {
		t.Fatalf("expected older delta ignored")
	}
	board.Apply(domain.ScoreDelta{Identity: "u1", Total: 1300, Answered: 3, At: t0.Add(time.Second)})
	entries := board.Snapshot().Entries
	if entries[0].Score != 1300 || entries[0].DisplayName != "Ada" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
}
