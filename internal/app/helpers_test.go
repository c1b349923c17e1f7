package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-arena/internal/app"
	"quiz-arena/internal/domain"
	"quiz-arena/internal/infra/memory"
	"quiz-arena/internal/schedule"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	admin = domain.Identity{ID: "admin", DisplayName: "Admin", Admin: true}
	ada   = domain.Identity{ID: "u-ada", DisplayName: "Ada", Handle: "ada"}
	bob   = domain.Identity{ID: "u-bob", DisplayName: "Bob", Handle: "bob"}
	eve   = domain.Identity{ID: "u-eve", DisplayName: "Eve"}
)

type harness struct {
	svc   *app.QuizService
	store *memory.Store
	bus   *memory.Broadcaster
	clock *clockwork.FakeClock
}

func newHarness(t *testing.T, gap schedule.GapPolicy) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	store := memory.NewStore()
	bus := memory.NewBroadcaster()
	svc := app.NewQuizService(app.Dependencies{
		Sessions:  store,
		Questions: memory.NewQuestionRepository(store, time.Minute),
		Lobbies:   memory.NewLobbyRegistry(),
		Bus:       bus,
		Clock:     clock,
	}, app.Options{Schedule: schedule.Options{Gap: gap}})
	return &harness{svc: svc, store: store, bus: bus, clock: clock}
}

// createSession stores a session starting at start with question timers of 15, 20 and 10
// seconds and a five minute total duration.
func (h *harness) createSession(t *testing.T, start time.Time) domain.Session {
	t.Helper()
	session, err := h.svc.CreateSession(context.Background(), admin, memory.SampleSession(start))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func (h *harness) register(t *testing.T, sessionID int64, who ...domain.Identity) {
	t.Helper()
	for _, id := range who {
		if _, err := h.svc.Register(context.Background(), id, sessionID); err != nil {
			t.Fatalf("register %s: %v", id.ID, err)
		}
	}
}

func (h *harness) status(t *testing.T, sessionID int64) domain.Status {
	t.Helper()
	session, err := h.store.GetSession(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return session.Status
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}

func expectNothing[T any](t *testing.T, ch <-chan T, wait time.Duration) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %+v", v)
	case <-time.After(wait):
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

var gapPolicies = []schedule.GapPolicy{schedule.GapFinish, schedule.GapIdle}
