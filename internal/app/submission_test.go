package app_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"quiz-arena/internal/domain"
	"quiz-arena/internal/schedule"
)

func TestSubmitAnswerScenario(t *testing.T) {
	for _, gap := range gapPolicies {
		t.Run(string(gap), func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, gap)
			session := h.createSession(t, t0.Add(time.Minute))
			h.register(t, session.ID, ada, bob)

			answer := domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 1, LatencyMs: 5000}
			if _, err := h.svc.SubmitAnswer(ctx, ada, session.ID, answer); err != domain.ErrSessionNotLive {
				t.Fatalf("expected not live in lobby, got %v", err)
			}

			// 5s into question 0; nobody flipped the status yet
			h.clock.Advance(time.Minute + 5*time.Second)
			res, err := h.svc.SubmitAnswer(ctx, ada, session.ID, answer)
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if !res.Accepted || !res.Correct || res.Points != 700 || res.TotalScore != 700 {
				t.Fatalf("unexpected result %+v", res)
			}
			if res.CorrectIndex != 1 || res.Explanation == "" {
				t.Fatalf("expected answer revealed to submitter, got %+v", res)
			}
			if got := h.status(t, session.ID); got != domain.StatusLive {
				t.Fatalf("expected lazy go-live, got %s", got)
			}

			if _, err := h.svc.SubmitAnswer(ctx, ada, session.ID, answer); err != domain.ErrDuplicateSubmission {
				t.Fatalf("expected duplicate, got %v", err)
			}
			if _, err := h.svc.SubmitAnswer(ctx, bob, session.ID, domain.AnswerSubmission{QuestionIndex: 1, ChosenIndex: 2}); err != domain.ErrOutOfWindow {
				t.Fatalf("expected out of window for future question, got %v", err)
			}
			if _, err := h.svc.SubmitAnswer(ctx, bob, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 4}); err != domain.ErrInvalidOption {
				t.Fatalf("expected invalid option, got %v", err)
			}
			if _, err := h.svc.SubmitAnswer(ctx, eve, session.ID, answer); err != domain.ErrNotRegistered {
				t.Fatalf("expected not registered, got %v", err)
			}
			if _, err := h.svc.SubmitAnswer(ctx, domain.Identity{}, session.ID, answer); err != domain.ErrNotAuthenticated {
				t.Fatalf("expected not authenticated, got %v", err)
			}

			// question 1 runs from 15s to 35s
			h.clock.Advance(15 * time.Second)
			if _, err := h.svc.SubmitAnswer(ctx, bob, session.ID, answer); err != domain.ErrOutOfWindow {
				t.Fatalf("expected closed question rejected, got %v", err)
			}
			wrong, err := h.svc.SubmitAnswer(ctx, bob, session.ID, domain.AnswerSubmission{QuestionIndex: 1, ChosenIndex: 0, LatencyMs: 1000})
			if err != nil || wrong.Correct || wrong.Points != 0 {
				t.Fatalf("expected accepted wrong answer, got %+v %v", wrong, err)
			}

			// past the last question window at 45s
			h.clock.Advance(30 * time.Second)
			if _, err := h.svc.SubmitAnswer(ctx, ada, session.ID, domain.AnswerSubmission{QuestionIndex: 2, ChosenIndex: 1}); err != domain.ErrOutOfWindow {
				t.Fatalf("expected out of window after play, got %v", err)
			}

			board, err := h.svc.Leaderboard(ctx, session.ID)
			if err != nil {
				t.Fatalf("leaderboard: %v", err)
			}
			if len(board.Entries) != 2 || board.Entries[0].Identity != ada.ID || board.Entries[0].Score != 700 {
				t.Fatalf("unexpected leaderboard %+v", board.Entries)
			}
		})
	}
}

func TestSubmitAfterFinishedStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, schedule.GapIdle)
	session := h.createSession(t, t0.Add(10*time.Second))
	h.register(t, session.ID, ada)
	h.clock.Advance(10 * time.Second)
	if _, err := h.svc.TryGoLive(ctx, session.ID); err != nil {
		t.Fatalf("go live: %v", err)
	}
	h.clock.Advance(5 * time.Minute)
	if res, err := h.svc.TryFinish(ctx, session.ID); err != nil || !res.Performed() {
		t.Fatalf("finish: %v %v", res.Outcome, err)
	}
	_, err := h.svc.SubmitAnswer(ctx, ada, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 1})
	if err != domain.ErrOutOfWindow {
		t.Fatalf("expected out of window once finished, got %v", err)
	}
}

func TestConcurrentSubmitsAcceptOne(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, schedule.GapFinish)
	session := h.createSession(t, t0.Add(10*time.Second))
	h.register(t, session.ID, ada)
	h.clock.Advance(12 * time.Second)

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		accepted   int
		duplicates int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(choice int) {
			defer wg.Done()
			_, err := h.svc.SubmitAnswer(ctx, ada, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: choice})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, domain.ErrDuplicateSubmission):
				duplicates++
			default:
				t.Errorf("unexpected error %v", err)
			}
		}(i)
	}
	wg.Wait()
	if accepted != 1 || duplicates != 1 {
		t.Fatalf("expected one accepted and one duplicate, got %d and %d", accepted, duplicates)
	}
	totals, _ := h.store.Totals(ctx, session.ID, ada.ID)
	if totals.Answered != 1 {
		t.Fatalf("expected a single stored answer, got %+v", totals)
	}
}

func TestSubmitPublishesScoreDelta(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, schedule.GapFinish)
	session := h.createSession(t, t0.Add(10*time.Second))
	h.register(t, session.ID, ada)
	h.clock.Advance(10 * time.Second)

	board, events, cancel, err := h.svc.SubscribeLeaderboard(ctx, session.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	if len(board.Snapshot().Entries) != 0 {
		t.Fatalf("expected empty seed")
	}

	if _, err := h.svc.SubmitAnswer(ctx, ada, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := recv(t, events)
	if ev.Type != domain.EventScoreDelta || ev.Score.Identity != ada.ID || ev.Score.Total != 1000 || ev.Score.Answered != 1 {
		t.Fatalf("unexpected delta %+v", ev.Score)
	}
	if !board.Apply(*ev.Score) {
		t.Fatalf("expected delta to change the board")
	}
	if entries := board.Snapshot().Entries; len(entries) != 1 || entries[0].DisplayName != "Ada" {
		t.Fatalf("unexpected board %+v", entries)
	}
}

func TestRejectedSubmitPublishesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, schedule.GapFinish)
	session := h.createSession(t, t0.Add(10*time.Second))
	h.register(t, session.ID, ada)
	h.clock.Advance(10 * time.Second)
	_, events, cancel, err := h.svc.SubscribeLeaderboard(ctx, session.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if _, err := h.svc.SubmitAnswer(ctx, ada, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 9}); err != domain.ErrInvalidOption {
		t.Fatalf("expected invalid option, got %v", err)
	}
	expectNothing(t, events, 50*time.Millisecond)
}

func TestQuestionRevealRules(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, schedule.GapFinish)
	session := h.createSession(t, t0.Add(time.Minute))
	h.register(t, session.ID, ada)

	if _, err := h.svc.Question(ctx, ada, session.ID, 0); err != domain.ErrQuestionLocked {
		t.Fatalf("expected locked before start, got %v", err)
	}
	if _, err := h.svc.Question(ctx, ada, session.ID, 7); err != domain.ErrQuestionNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	h.clock.Advance(time.Minute + time.Second)
	q, err := h.svc.Question(ctx, ada, session.ID, 0)
	if err != nil {
		t.Fatalf("question: %v", err)
	}
	if q.Revealed || q.CorrectIndex != nil || len(q.Options) != 4 {
		t.Fatalf("expected active question without answer, got %+v", q)
	}
	if _, err := h.svc.Question(ctx, ada, session.ID, 1); err != domain.ErrQuestionLocked {
		t.Fatalf("expected next question locked, got %v", err)
	}

	if _, err := h.svc.SubmitAnswer(ctx, ada, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 0}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	q, _ = h.svc.Question(ctx, ada, session.ID, 0)
	if !q.Revealed || q.CorrectIndex == nil || *q.CorrectIndex != 1 {
		t.Fatalf("expected reveal after answering, got %+v", q)
	}
	q, _ = h.svc.Question(ctx, bob, session.ID, 0)
	if q.Revealed {
		t.Fatalf("expected answer hidden from others while open")
	}

	h.clock.Advance(15 * time.Second)
	q, _ = h.svc.Question(ctx, bob, session.ID, 0)
	if !q.Revealed {
		t.Fatalf("expected reveal after window closed")
	}
}

func TestSubmitAnswerBoundsReportedLatency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, schedule.GapFinish)
	session := h.createSession(t, t0.Add(time.Minute))
	cy := domain.Identity{ID: "u-cy", DisplayName: "Cy"}
	h.register(t, session.ID, ada, bob, eve, cy)
	h.clock.Advance(time.Minute + 5*time.Second)

	cases := []struct {
		who       domain.Identity
		latencyMs int64
		points    int
	}{
		{ada, 15000, 100},
		{bob, 9223372036855, 100},
		{cy, math.MaxInt64, 100},
		{eve, -5, 1000},
	}
	for _, c := range cases {
		res, err := h.svc.SubmitAnswer(ctx, c.who, session.ID, domain.AnswerSubmission{QuestionIndex: 0, ChosenIndex: 1, LatencyMs: c.latencyMs})
		if err != nil {
			t.Fatalf("submit %s: %v", c.who.ID, err)
		}
		if res.Points != c.points {
			t.Fatalf("latency %dms scored %d, want %d", c.latencyMs, res.Points, c.points)
		}
	}
}
