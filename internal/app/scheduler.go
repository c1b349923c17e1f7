package app

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"quiz-arena/internal/domain"
)

// DefaultRetryInterval is how long the scheduler waits before retrying a transition
// that failed or found its guard unmet.
const DefaultRetryInterval = 5 * time.Second

// Scheduler fires status transitions at their deadlines even when no client is
// connected. It is one more racer on the same compare-and-set, so it may run on
// every instance.
type Scheduler struct {
	svc   *QuizService
	clock clockwork.Clock
	retry time.Duration

	mu     sync.Mutex
	timers map[int64]*armedTimer
	armed  map[int64]deadline
}

// armedTimer pairs a timer with the channel that releases its waiting goroutine
// once the timer is replaced or cancelled.
type armedTimer struct {
	timer clockwork.Timer
	done  chan struct{}
}

func (a *armedTimer) halt() {
	stopAndDrainTimer(a.timer)
	close(a.done)
}

type deadline struct {
	status domain.Status
	at     time.Time
}

func NewScheduler(svc *QuizService, retry time.Duration) *Scheduler {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	return &Scheduler{
		svc:    svc,
		clock:  svc.Clock(),
		retry:  retry,
		timers: make(map[int64]*armedTimer),
		armed:  make(map[int64]deadline),
	}
}

// Run arms timers for every open session, follows session changes made through the
// service, and blocks until ctx is done.
func (sc *Scheduler) Run(ctx context.Context) error {
	sc.svc.OnSessionChange(func(session domain.Session) {
		if ctx.Err() == nil {
			sc.Watch(ctx, session)
		}
	})
	sessions, err := sc.svc.sessions.ListSessions(ctx, domain.StatusScheduled, domain.StatusLive)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		sc.Watch(ctx, session)
	}
	log.Info().Int("sessions", len(sessions)).Msg("transition scheduler started")

	<-ctx.Done()
	sc.mu.Lock()
	for id, t := range sc.timers {
		t.halt()
		delete(sc.timers, id)
	}
	sc.mu.Unlock()
	return nil
}

// Watch arms the next transition of session: go-live at its start time, finish at
// the end of play. Re-arming the same deadline is a no-op.
func (sc *Scheduler) Watch(ctx context.Context, session domain.Session) {
	var (
		next deadline
		fire func(context.Context, int64) (domain.TransitionResult, error)
	)
	switch session.Status {
	case domain.StatusScheduled:
		if session.ScheduledAt == nil {
			sc.cancel(session.ID)
			return
		}
		next = deadline{status: domain.StatusLive, at: *session.ScheduledAt}
		fire = sc.svc.TryGoLive
	case domain.StatusLive:
		plan, err := sc.svc.Plan(ctx, session)
		if err != nil {
			log.Warn().Err(err).Int64("session_id", session.ID).Msg("scheduler could not plan session")
			sc.arm(ctx, session.ID, deadline{status: domain.StatusFinished, at: sc.clock.Now().Add(sc.retry)}, sc.svc.TryFinish)
			return
		}
		end := plan.EndsAt()
		if end == nil {
			sc.cancel(session.ID)
			return
		}
		next = deadline{status: domain.StatusFinished, at: *end}
		fire = sc.svc.TryFinish
	default:
		sc.cancel(session.ID)
		return
	}
	sc.arm(ctx, session.ID, next, fire)
}

// Pending reports the deadline armed for a session, if any.
func (sc *Scheduler) Pending(sessionID int64) (domain.Status, time.Time, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	d, ok := sc.armed[sessionID]
	return d.status, d.at, ok
}

func (sc *Scheduler) arm(ctx context.Context, sessionID int64, next deadline, fire func(context.Context, int64) (domain.TransitionResult, error)) {
	sc.mu.Lock()
	if cur, ok := sc.armed[sessionID]; ok && cur.status == next.status && cur.at.Equal(next.at) {
		sc.mu.Unlock()
		return
	}
	sc.armed[sessionID] = next
	wait := next.at.Sub(sc.clock.Now())
	if wait < 0 {
		wait = 0
	}
	armed := &armedTimer{timer: sc.clock.NewTimer(wait), done: make(chan struct{})}
	if old, ok := sc.timers[sessionID]; ok {
		old.halt()
	}
	sc.timers[sessionID] = armed
	sc.mu.Unlock()

	log.Debug().
		Int64("session_id", sessionID).
		Str("to", string(next.status)).
		Time("at", next.at).
		Msg("transition armed")

	go func() {
		select {
		case <-armed.timer.Chan():
		case <-armed.done:
			return
		case <-ctx.Done():
			return
		}
		if !sc.release(sessionID, armed) {
			return
		}
		sc.fire(ctx, sessionID, next, fire)
	}()
}

// release forgets armed if it is still the armed timer for the session.
func (sc *Scheduler) release(sessionID int64, armed *armedTimer) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.timers[sessionID] != armed {
		return false
	}
	delete(sc.timers, sessionID)
	delete(sc.armed, sessionID)
	return true
}

func (sc *Scheduler) fire(ctx context.Context, sessionID int64, due deadline, fire func(context.Context, int64) (domain.TransitionResult, error)) {
	res, err := fire(ctx, sessionID)
	switch {
	case err != nil:
		log.Warn().Err(err).Int64("session_id", sessionID).Str("to", string(due.status)).Msg("scheduled transition failed")
	case res.Settled():
		// performed or already done elsewhere: follow the session to its next deadline
		session, err := sc.svc.sessions.GetSession(ctx, sessionID)
		if err != nil {
			log.Warn().Err(err).Int64("session_id", sessionID).Msg("scheduler reload failed")
			break
		}
		sc.Watch(ctx, session)
		return
	}
	if ctx.Err() != nil {
		return
	}
	sc.arm(ctx, sessionID, deadline{status: due.status, at: sc.clock.Now().Add(sc.retry)}, fire)
}

func (sc *Scheduler) cancel(sessionID int64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if t, ok := sc.timers[sessionID]; ok {
		t.halt()
		delete(sc.timers, sessionID)
	}
	delete(sc.armed, sessionID)
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
