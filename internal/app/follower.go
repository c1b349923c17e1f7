package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
	"quiz-arena/internal/schedule"
)

// FollowInterval is how often a follower re-resolves the session view.
const FollowInterval = time.Second

// Snapshot is what a connected client needs to render the session at one instant.
type Snapshot struct {
	Session  domain.Session         `json:"session"`
	View     schedule.View          `json:"view"`
	Question *domain.PublicQuestion `json:"question,omitempty"`
}

// Follow re-resolves the session every FollowInterval and emits a Snapshot whenever
// the phase, active question or lobby flag changes, and after every status or
// schedule change.
// When the resolver says play has started or ended but the stored status lags, the
// follower fires the matching transition itself; any number of followers may race.
// The channel is closed when ctx is done.
func (s *QuizService) Follow(ctx context.Context, sessionID int64) (<-chan Snapshot, error) {
	session, questions, plan, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	status, cancelStatus, err := s.SubscribeStatus(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	f := &follower{
		svc:       s,
		sessionID: sessionID,
		session:   session,
		questions: questions,
		plan:      plan,
		out:       make(chan Snapshot, 1),
		settled:   make(chan struct{}, 1),
	}
	ticker := s.clock.NewTicker(FollowInterval)
	go func() {
		defer close(f.out)
		defer ticker.Stop()
		defer cancelStatus()
		f.step(ctx, true, true)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				f.step(ctx, false, true)
			case <-f.settled:
				f.inflight = false
				f.refresh(ctx)
				f.step(ctx, true, false)
			case ev, ok := <-status:
				if !ok {
					status = nil
					continue
				}
				if ev.Type == domain.EventStatusChanged || ev.Type == domain.EventScheduleChanged {
					f.refresh(ctx)
					f.step(ctx, true, false)
				}
			}
		}
	}()
	return f.out, nil
}

type follower struct {
	svc       *QuizService
	sessionID int64
	session   domain.Session
	questions []domain.Question
	plan      schedule.Plan

	last     schedule.Key
	emitted  bool
	inflight bool
	out      chan Snapshot
	settled  chan struct{}
}

func (f *follower) refresh(ctx context.Context) {
	session, questions, plan, err := f.svc.load(ctx, f.sessionID)
	if err != nil {
		log.Warn().Err(err).Int64("session_id", f.sessionID).Msg("follower refresh failed")
		return
	}
	f.session, f.questions, f.plan = session, questions, plan
}

// step emits the current view. Transitions are only attempted when fire is set,
// so a transition that keeps failing is retried once per tick.
func (f *follower) step(ctx context.Context, force, fire bool) {
	view := f.plan.Resolve(f.svc.clock.Now())
	if fire {
		f.maybeTransition(ctx, view)
	}

	key := view.Key()
	if !force && f.emitted && key == f.last {
		return
	}
	f.last, f.emitted = key, true
	snap := Snapshot{Session: f.session, View: view, Question: activeQuestion(view, f.questions)}
	select {
	case f.out <- snap:
	default:
		// reader is behind: replace the stale snapshot
		select {
		case <-f.out:
		default:
		}
		f.out <- snap
	}
}

func (f *follower) maybeTransition(ctx context.Context, view schedule.View) {
	if f.inflight {
		return
	}
	var fire func(context.Context, int64) (domain.TransitionResult, error)
	switch {
	case f.session.Status == domain.StatusScheduled && view.InPlay():
		fire = f.svc.TryGoLive
	case f.session.Status == domain.StatusLive && view.Phase == schedule.PhaseFinished:
		fire = f.svc.TryFinish
	default:
		return
	}
	f.inflight = true
	go func() {
		res, err := fire(ctx, f.sessionID)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int64("session_id", f.sessionID).Msg("follower transition failed")
		} else if err == nil && !res.Settled() {
			log.Debug().Int64("session_id", f.sessionID).Str("outcome", string(res.Outcome)).Msg("follower transition deferred")
		}
		select {
		case f.settled <- struct{}{}:
		default:
		}
	}()
}
