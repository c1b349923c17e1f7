package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"quiz-arena/internal/app"
	"quiz-arena/internal/auth"
	"quiz-arena/internal/domain"
	"quiz-arena/internal/infra/memory"
)

var (
	t0    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	admin = domain.Identity{ID: "admin", DisplayName: "Admin", Admin: true}
	ada   = domain.Identity{ID: "u-ada", DisplayName: "Ada", Handle: "ada"}
	bob   = domain.Identity{ID: "u-bob", DisplayName: "Bob", Handle: "bob"}
)

type testServer struct {
	svc   *app.QuizService
	clock *clockwork.FakeClock
	url   string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	store := memory.NewStore()
	svc := app.NewQuizService(app.Dependencies{
		Sessions:  store,
		Questions: memory.NewQuestionRepository(store, time.Minute),
		Lobbies:   memory.NewLobbyRegistry(),
		Bus:       memory.NewBroadcaster(),
		Clock:     clock,
	}, app.Options{})

	authn := auth.DevAuthenticator{}
	server := httptest.NewServer(NewRouter(NewAPIHandler(svc, authn), NewWSHandler(svc, authn), nil))
	t.Cleanup(server.Close)
	return &testServer{svc: svc, clock: clock, url: server.URL}
}

// sampleSession stores the sample quiz starting at start: timers 15, 20 and 10 seconds,
// correct options 1, 2 and 1.
func (s *testServer) sampleSession(t *testing.T, start time.Time) domain.Session {
	t.Helper()
	session, err := s.svc.CreateSession(context.Background(), admin, memory.SampleSession(start))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func (s *testServer) register(t *testing.T, sessionID int64, who domain.Identity) {
	t.Helper()
	if _, err := s.svc.Register(context.Background(), who, sessionID); err != nil {
		t.Fatalf("register %s: %v", who.ID, err)
	}
}

// do sends a JSON request as who (anonymous when nil) and returns status and body.
func (s *testServer) do(t *testing.T, method, path string, who *domain.Identity, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		req.Header.Set("X-User-Id", who.ID)
		req.Header.Set("X-User-Name", who.DisplayName)
		if who.Admin {
			req.Header.Set("X-User-Role", auth.RoleAdmin)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, raw
}

func decodeBody[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func expectError(t *testing.T, status int, raw []byte, wantStatus int, wantCode string) {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("expected status %d, got %d: %s", wantStatus, status, raw)
	}
	body := decodeBody[errorBody](t, raw)
	if body.Error != wantCode {
		t.Fatalf("expected code %s, got %s", wantCode, body.Error)
	}
}
