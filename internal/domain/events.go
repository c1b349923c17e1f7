package domain

import "time"

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventSync            EventType = "sync"
	EventJoin            EventType = "join"
	EventLeave           EventType = "leave"
	EventScoreDelta      EventType = "scoreDelta"
	EventStatusChanged   EventType = "statusChanged"
	EventScheduleChanged EventType = "scheduleChanged"
)

// Event is the tagged union pushed over presence, leaderboard and status channels.
// Exactly the field matching Type is set; Roster accompanies every presence event.
type Event struct {
	Type      EventType        `json:"type"`
	SessionID int64            `json:"sessionId"`
	Presence  *PresenceRecord  `json:"presence,omitempty"`
	Roster    []PresenceRecord `json:"roster,omitempty"`
	Score     *ScoreDelta      `json:"score,omitempty"`
	Status    *StatusChange    `json:"status,omitempty"`
}

// ScoreDelta is one participant's newly earned points plus their running totals.
// Receivers merge by identity; Answered orders deltas for the same identity.
type ScoreDelta struct {
	Identity      string    `json:"identity"`
	DisplayName   string    `json:"displayName"`
	QuestionIndex int       `json:"questionIndex"`
	Points        int       `json:"points"`
	Total         int       `json:"total"`
	Answered      int       `json:"answered"`
	At            time.Time `json:"at"`
}

// StatusChange announces a performed transition.
type StatusChange struct {
	From        Status     `json:"from"`
	To          Status     `json:"to"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	At          time.Time  `json:"at"`
	Forced      bool       `json:"forced"`
}

func NewScoreEvent(sessionID int64, delta ScoreDelta) Event {
	return Event{Type: EventScoreDelta, SessionID: sessionID, Score: &delta}
}

func NewStatusEvent(sessionID int64, change StatusChange) Event {
	return Event{Type: EventStatusChanged, SessionID: sessionID, Status: &change}
}

// NewScheduleEvent announces a new start time; From and To both carry the unchanged status.
func NewScheduleEvent(session Session, at time.Time) Event {
	return Event{Type: EventScheduleChanged, SessionID: session.ID, Status: &StatusChange{
		From:        session.Status,
		To:          session.Status,
		ScheduledAt: session.ScheduledAt,
		At:          at,
	}}
}

func NewPresenceEvent(typ EventType, sessionID int64, who *PresenceRecord, roster []PresenceRecord) Event {
	return Event{Type: typ, SessionID: sessionID, Presence: who, Roster: roster}
}
