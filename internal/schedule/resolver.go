package schedule

import (
	"fmt"
	"time"

	"quiz-arena/internal/domain"
)

// Phase is what a session is doing at a given instant.
type Phase string

const (
	PhaseUnscheduled  Phase = "unscheduled"
	PhaseLobby        Phase = "lobby"
	PhaseQuestion     Phase = "question"
	PhaseIntermission Phase = "intermission"
	PhaseFinished     Phase = "finished"
)

// GapPolicy decides what happens between the last question window and total duration.
type GapPolicy string

const (
	// GapFinish ends the session as soon as the last question window closes.
	GapFinish GapPolicy = "finish"
	// GapIdle holds an intermission until the total duration has elapsed.
	GapIdle GapPolicy = "idle"
)

// ParseGapPolicy accepts "finish", "idle" or empty (finish).
func ParseGapPolicy(raw string) (GapPolicy, error) {
	switch GapPolicy(raw) {
	case "", GapFinish:
		return GapFinish, nil
	case GapIdle:
		return GapIdle, nil
	}
	return "", fmt.Errorf("unknown gap policy %q", raw)
}

// DefaultLobbyWindow is how long before start the lobby opens.
const DefaultLobbyWindow = 5 * time.Minute

// Options are the deployment-wide resolver settings.
type Options struct {
	LobbyWindow time.Duration
	Gap         GapPolicy
}

// Plan is the static input of the resolver.
type Plan struct {
	Start       *time.Time
	Durations   []time.Duration
	Total       time.Duration
	LobbyWindow time.Duration
	Gap         GapPolicy
}

// PlanFor builds the plan of a stored session and its ordered questions.
func PlanFor(s domain.Session, questions []domain.Question, opts Options) Plan {
	durations := make([]time.Duration, len(questions))
	for i, q := range questions {
		durations[i] = q.Timer()
	}
	window := opts.LobbyWindow
	if window <= 0 {
		window = DefaultLobbyWindow
	}
	var start *time.Time
	if s.ScheduledAt != nil {
		t := *s.ScheduledAt
		start = &t
	}
	return Plan{
		Start:       start,
		Durations:   durations,
		Total:       s.TotalDuration(),
		LobbyWindow: window,
		Gap:         opts.Gap,
	}
}

// View is the immutable snapshot of "what is happening now" for one session.
type View struct {
	Phase                  Phase      `json:"phase"`
	LobbyOpen              bool       `json:"lobbyOpen"`
	QuestionIndex          int        `json:"questionIndex"`
	QuestionCount          int        `json:"questionCount"`
	ElapsedSeconds         int64      `json:"elapsedSeconds"`
	SecondsUntilStart      int64      `json:"secondsUntilStart"`
	QuestionSecondsLeft    int64      `json:"questionSecondsLeft"`
	SessionSecondsLeft     int64      `json:"sessionSecondsLeft"`
	StartsAt               *time.Time `json:"startsAt,omitempty"`
	QuestionStartedAt      *time.Time `json:"questionStartedAt,omitempty"`
	QuestionEndsAt         *time.Time `json:"questionEndsAt,omitempty"`
	QuestionWindowDuration int64      `json:"questionWindowSeconds"`
}

// Key identifies the view for edge-triggered consumers.
type Key struct {
	Phase     Phase
	Index     int
	LobbyOpen bool
}

func (v View) Key() Key { return Key{Phase: v.Phase, Index: v.QuestionIndex, LobbyOpen: v.LobbyOpen} }

// InPlay reports whether the start time has passed, whatever the phase.
func (v View) InPlay() bool {
	return v.Phase == PhaseQuestion || v.Phase == PhaseIntermission || v.Phase == PhaseFinished
}

// Resolve maps now onto the plan. It is pure: same plan and now, same view.
func (p Plan) Resolve(now time.Time) View {
	v := View{QuestionIndex: -1, QuestionCount: len(p.Durations)}
	if p.Start == nil {
		v.Phase = PhaseUnscheduled
		return v
	}
	start := *p.Start
	v.StartsAt = &start

	if start.After(now) {
		until := start.Sub(now)
		v.Phase = PhaseLobby
		v.SecondsUntilStart = seconds(Until(start, now))
		v.LobbyOpen = until <= p.LobbyWindow
		return v
	}

	elapsed, _ := Elapsed(p.Start, now)
	v.ElapsedSeconds = seconds(elapsed)
	if elapsed >= p.Total {
		v.Phase = PhaseFinished
		return v
	}
	v.SessionSecondsLeft = seconds(p.Total - elapsed)

	var boundary time.Duration
	for i, d := range p.Durations {
		next := boundary + d
		if elapsed >= boundary && elapsed < next {
			qStart := start.Add(boundary)
			qEnd := start.Add(next)
			v.Phase = PhaseQuestion
			v.QuestionIndex = i
			v.QuestionSecondsLeft = seconds(next - elapsed)
			v.QuestionStartedAt = &qStart
			v.QuestionEndsAt = &qEnd
			v.QuestionWindowDuration = seconds(d)
			return v
		}
		boundary = next
	}

	// Past the last question window but before the total duration.
	if p.Gap == GapIdle {
		v.Phase = PhaseIntermission
		return v
	}
	v.Phase = PhaseFinished
	v.SessionSecondsLeft = 0
	return v
}

// EndsAt is the instant the plan resolves to Finished, or nil while unscheduled.
func (p Plan) EndsAt() *time.Time {
	if p.Start == nil {
		return nil
	}
	end := p.Total
	if p.Gap != GapIdle {
		var sum time.Duration
		for _, d := range p.Durations {
			sum += d
		}
		if sum < end {
			end = sum
		}
	}
	t := p.Start.Add(end)
	return &t
}

// QuestionWindow returns the absolute window of question i.
func (p Plan) QuestionWindow(i int) (start, end time.Time, ok bool) {
	if p.Start == nil || i < 0 || i >= len(p.Durations) {
		return time.Time{}, time.Time{}, false
	}
	var boundary time.Duration
	for j := 0; j < i; j++ {
		boundary += p.Durations[j]
	}
	return p.Start.Add(boundary), p.Start.Add(boundary + p.Durations[i]), true
}
