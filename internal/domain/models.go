package domain

import "time"

// Status is the persisted lifecycle state of a quiz session.
// Transitions are monotonic: scheduled -> live -> finished.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLive      Status = "live"
	StatusFinished  Status = "finished"
)

// Rank orders statuses so callers can tell whether a transition already happened.
func (s Status) Rank() int {
	switch s {
	case StatusScheduled:
		return 0
	case StatusLive:
		return 1
	case StatusFinished:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s.Rank() >= 0 }

// Difficulty tier shown to participants.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

const (
	// DefaultDurationMinutes applies when a session is created without a duration.
	DefaultDurationMinutes = 15
	// DefaultTimerSeconds applies to questions created without a timer.
	DefaultTimerSeconds = 15
	// MinOptions is the smallest option list a question may carry.
	MinOptions = 2
)

// Session is one scheduled quiz instance.
type Session struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	Difficulty      Difficulty `json:"difficulty"`
	DurationMinutes int        `json:"durationMinutes"`
	ScheduledAt     *time.Time `json:"scheduledAt,omitempty"`
	Status          Status     `json:"status"`
	WentLiveAt      *time.Time `json:"wentLiveAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// TotalDuration is the session's overall play window.
func (s Session) TotalDuration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// Question is addressed by its 0-based position within the owning session.
// CorrectIndex and Explanation must never leave the server before the reveal rules allow it.
type Question struct {
	SessionID    int64    `json:"sessionId"`
	Index        int      `json:"index"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correctIndex"`
	TimerSeconds int      `json:"timerSeconds"`
	Points       int      `json:"points"` // base points; 0 uses the scoring policy default
	Explanation  string   `json:"explanation"`
}

// Timer returns the question's window, falling back to the default timer.
func (q Question) Timer() time.Duration {
	if q.TimerSeconds <= 0 {
		return DefaultTimerSeconds * time.Second
	}
	return time.Duration(q.TimerSeconds) * time.Second
}

// PublicQuestion is what a participant may see of a question.
// CorrectIndex and Explanation are only set once revealed.
type PublicQuestion struct {
	Index        int      `json:"index"`
	Prompt       string   `json:"prompt"`
	Options      []string `json:"options"`
	TimerSeconds int      `json:"timerSeconds"`
	Revealed     bool     `json:"revealed"`
	CorrectIndex *int     `json:"correctIndex,omitempty"`
	Explanation  string   `json:"explanation,omitempty"`
}

// Public strips answer data from q.
func (q Question) Public() PublicQuestion {
	return PublicQuestion{
		Index:        q.Index,
		Prompt:       q.Prompt,
		Options:      append([]string(nil), q.Options...),
		TimerSeconds: int(q.Timer() / time.Second),
	}
}

// Revealed returns the public view including the answer.
func (q Question) Revealed() PublicQuestion {
	pq := q.Public()
	correct := q.CorrectIndex
	pq.Revealed = true
	pq.CorrectIndex = &correct
	pq.Explanation = q.Explanation
	return pq
}

// Registration records that an identity opted into a session before it went live.
type Registration struct {
	SessionID    int64     `json:"sessionId"`
	Identity     string    `json:"identity"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Submission is one identity's immutable answer to one question.
type Submission struct {
	SessionID       int64     `json:"sessionId"`
	QuestionIndex   int       `json:"questionIndex"`
	Identity        string    `json:"identity"`
	DisplayName     string    `json:"displayName"`
	ChosenIndex     int       `json:"chosenIndex"`
	LatencyMs       int64     `json:"latencyMs"`       // client reported, clamped to the window
	ServerLatencyMs int64     `json:"serverLatencyMs"` // observed from the server clock
	Correct         bool      `json:"correct"`
	Points          int       `json:"points"`
	SubmittedAt     time.Time `json:"submittedAt"`
}

// Totals aggregates a participant's accepted submissions within a session.
type Totals struct {
	Points   int `json:"points"`
	Answered int `json:"answered"`
}

// NewSession is the admin payload for creating a session with its questions.
type NewSession struct {
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Category        string     `json:"category"`
	Difficulty      Difficulty `json:"difficulty"`
	DurationMinutes int        `json:"durationMinutes"`
	ScheduledAt     *time.Time `json:"scheduledAt,omitempty"`
	Questions       []Question `json:"questions"`
}

// Normalize fills defaults and validates the payload.
func (n *NewSession) Normalize() error {
	if n.Title == "" {
		return ErrInvalidSession
	}
	if n.Difficulty == "" {
		n.Difficulty = DifficultyMedium
	}
	if !n.Difficulty.Valid() {
		return ErrInvalidSession
	}
	if n.DurationMinutes == 0 {
		n.DurationMinutes = DefaultDurationMinutes
	}
	if n.DurationMinutes < 0 || len(n.Questions) == 0 {
		return ErrInvalidSession
	}
	for i := range n.Questions {
		q := &n.Questions[i]
		q.Index = i
		if q.TimerSeconds == 0 {
			q.TimerSeconds = DefaultTimerSeconds
		}
		if q.Prompt == "" || len(q.Options) < MinOptions || q.TimerSeconds < 0 || q.Points < 0 {
			return ErrInvalidSession
		}
		if q.CorrectIndex < 0 || q.CorrectIndex >= len(q.Options) {
			return ErrInvalidSession
		}
		for _, opt := range q.Options {
			if opt == "" {
				return ErrInvalidSession
			}
		}
	}
	return nil
}

// Identity is the authenticated caller as resolved by the identity collaborator.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Handle      string `json:"handle"`
	AvatarURL   string `json:"avatar,omitempty"`
	Admin       bool   `json:"-"`
}

// PresenceRecord is the ephemeral lobby announcement of one identity.
type PresenceRecord struct {
	Identity    string `json:"id"`
	DisplayName string `json:"name"`
	Handle      string `json:"handle"`
	AvatarURL   string `json:"avatar,omitempty"`
}

// PresenceFor builds the lobby record for id.
func PresenceFor(id Identity) PresenceRecord {
	name := id.DisplayName
	if name == "" {
		name = "Anonymous Participant"
	}
	handle := id.Handle
	if handle == "" {
		handle = "Guest"
	}
	return PresenceRecord{Identity: id.ID, DisplayName: name, Handle: handle, AvatarURL: id.AvatarURL}
}

// LeaderboardEntry is the latest known score of one participant.
type LeaderboardEntry struct {
	Identity    string    `json:"identity"`
	DisplayName string    `json:"displayName"`
	Score       int       `json:"score"`
	Answered    int       `json:"answered"`
	LastAt      time.Time `json:"lastAt"` // when Score was reached; earlier wins ties
}

// Leaderboard is an ordered scoreboard for a session.
type Leaderboard struct {
	SessionID int64              `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// AnswerSubmission models the scoring signal from clients.
type AnswerSubmission struct {
	QuestionIndex int   `json:"questionIndex"`
	ChosenIndex   int   `json:"chosenIndex"`
	LatencyMs     int64 `json:"latencyMs"`
}

// AnswerResult summarizes the outcome of an accepted submission for the submitter.
type AnswerResult struct {
	QuestionIndex int    `json:"questionIndex"`
	Accepted      bool   `json:"accepted"`
	Correct       bool   `json:"correct"`
	Points        int    `json:"points"`
	TotalScore    int    `json:"totalScore"`
	CorrectIndex  int    `json:"correctIndex"`
	Explanation   string `json:"explanation,omitempty"`
}

// RegistrationResult is returned by a successful (possibly repeated) registration.
type RegistrationResult struct {
	Registered bool `json:"registered"`
	Created    bool `json:"created"`
	Count      int  `json:"count"`
}
