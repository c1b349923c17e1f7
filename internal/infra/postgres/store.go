package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-arena/internal/domain"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

const sessionColumns = `id, title, description, category, difficulty, duration_minutes,
	scheduled_at, status, went_live_at, finished_at, created_at`

// Store implements app.SessionStore and app.QuestionLoader on Postgres.
// Status changes are single conditional UPDATEs and duplicate answers are
// rejected by the unique constraint on (session_id, identity, question_index).
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreateSession(ctx context.Context, in domain.NewSession, now time.Time) (domain.Session, error) {
	var session domain.Session
	err := s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO quiz_sessions (title, description, category, difficulty, duration_minutes, scheduled_at, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'scheduled', $7)
			RETURNING `+sessionColumns,
			in.Title, in.Description, in.Category, string(in.Difficulty), in.DurationMinutes, in.ScheduledAt, now)
		var err error
		if session, err = scanSession(row); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, q := range in.Questions {
			batch.Queue(`
				INSERT INTO quiz_questions (session_id, position, prompt, options, correct_option_index, timer_seconds, points, explanation)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				session.ID, i, q.Prompt, q.Options, q.CorrectIndex, q.TimerSeconds, q.Points, q.Explanation)
		}
		br := tx.SendBatch(ctx, batch)
		for range in.Questions {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert question: %w", err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID int64) (domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM quiz_sessions WHERE id = $1`, sessionID)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *Store) ListSessions(ctx context.Context, statuses ...domain.Status) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM quiz_sessions`
	var args []interface{}
	if len(statuses) > 0 {
		raw := make([]string, len(statuses))
		for i, st := range statuses {
			raw[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, raw)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *Store) Reschedule(ctx context.Context, sessionID int64, start *time.Time, durationMinutes int) (domain.Session, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE quiz_sessions
		SET scheduled_at = $2,
		    duration_minutes = CASE WHEN $3::int > 0 THEN $3::int ELSE duration_minutes END
		WHERE id = $1 AND status = 'scheduled'
		RETURNING `+sessionColumns,
		sessionID, start, durationMinutes)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return domain.Session{}, err
		}
		return domain.Session{}, domain.ErrScheduleLocked
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("reschedule: %w", err)
	}
	return session, nil
}

// Transition is one conditional UPDATE; when it matches no row the current status
// decides between TransitionAlready and TransitionConflict.
func (s *Store) Transition(ctx context.Context, req domain.TransitionRequest) (domain.TransitionResult, error) {
	set := []string{"status = $3"}
	switch req.To {
	case domain.StatusLive:
		set = append(set, "went_live_at = $4")
	case domain.StatusFinished:
		set = append(set, "finished_at = $4")
	}
	if req.StampStart {
		set = append(set, "scheduled_at = $4")
	}
	where := "id = $1 AND status = $2"
	args := []interface{}{req.SessionID, string(req.From), string(req.To), req.Now}
	if req.NotBefore != nil {
		where += " AND scheduled_at IS NOT NULL AND scheduled_at <= $5"
		args = append(args, *req.NotBefore)
	}

	query := `UPDATE quiz_sessions SET ` + strings.Join(set, ", ") + ` WHERE ` + where + ` RETURNING ` + sessionColumns
	session, err := scanSession(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return domain.TransitionResult{Outcome: domain.TransitionPerformed, Session: session}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.TransitionResult{}, fmt.Errorf("transition: %w", err)
	}
	current, err := s.GetSession(ctx, req.SessionID)
	if err != nil {
		return domain.TransitionResult{}, err
	}
	return domain.TransitionResult{Outcome: domain.Classify(current.Status, req.To), Session: current}, nil
}

func (s *Store) Register(ctx context.Context, reg domain.Registration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO quiz_registrations (session_id, identity, registered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id, identity) DO NOTHING`,
		reg.SessionID, reg.Identity, reg.RegisteredAt)
	if err != nil {
		if pgCode(err) == foreignKeyViolation {
			return false, domain.ErrSessionNotFound
		}
		return false, fmt.Errorf("insert registration: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) IsRegistered(ctx context.Context, sessionID int64, identity string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM quiz_registrations WHERE session_id = $1 AND identity = $2)`,
		sessionID, identity).Scan(&ok)
	return ok, err
}

func (s *Store) CountRegistrations(ctx context.Context, sessionID int64) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM quiz_registrations WHERE session_id = $1`, sessionID).Scan(&n)
	return int(n), err
}

func (s *Store) InsertSubmission(ctx context.Context, sub domain.Submission) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quiz_submissions (session_id, question_index, identity, display_name, chosen_index,
			latency_ms, server_latency_ms, correct, points, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.SessionID, sub.QuestionIndex, sub.Identity, sub.DisplayName, sub.ChosenIndex,
		sub.LatencyMs, sub.ServerLatencyMs, sub.Correct, sub.Points, sub.SubmittedAt)
	switch pgCode(err) {
	case "":
		return err
	case uniqueViolation:
		return domain.ErrDuplicateSubmission
	case foreignKeyViolation:
		return domain.ErrSessionNotFound
	}
	return fmt.Errorf("insert submission: %w", err)
}

func (s *Store) HasSubmitted(ctx context.Context, sessionID int64, questionIndex int, identity string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM quiz_submissions WHERE session_id = $1 AND question_index = $2 AND identity = $3)`,
		sessionID, questionIndex, identity).Scan(&ok)
	return ok, err
}

func (s *Store) Totals(ctx context.Context, sessionID int64, identity string) (domain.Totals, error) {
	var points, answered int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(sum(points), 0), count(*)
		FROM quiz_submissions WHERE session_id = $1 AND identity = $2`,
		sessionID, identity).Scan(&points, &answered)
	if err != nil {
		return domain.Totals{}, fmt.Errorf("totals: %w", err)
	}
	return domain.Totals{Points: int(points), Answered: int(answered)}, nil
}

func (s *Store) Standings(ctx context.Context, sessionID int64) ([]domain.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identity,
		       (array_agg(display_name ORDER BY submitted_at DESC))[1],
		       COALESCE(sum(points), 0),
		       count(*),
		       max(submitted_at)
		FROM quiz_submissions
		WHERE session_id = $1
		GROUP BY identity`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("standings: %w", err)
	}
	defer rows.Close()
	var out []domain.LeaderboardEntry
	for rows.Next() {
		var (
			e               domain.LeaderboardEntry
			score, answered int64
		)
		if err := rows.Scan(&e.Identity, &e.DisplayName, &score, &answered, &e.LastAt); err != nil {
			return nil, fmt.Errorf("scan standing: %w", err)
		}
		e.Score, e.Answered = int(score), int(answered)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LoadQuestions implements app.QuestionLoader.
func (s *Store) LoadQuestions(ctx context.Context, sessionID int64) ([]domain.Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT position, prompt, options, correct_option_index, timer_seconds, points, explanation
		FROM quiz_questions WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load questions: %w", err)
	}
	defer rows.Close()
	var out []domain.Question
	for rows.Next() {
		q := domain.Question{SessionID: sessionID}
		if err := rows.Scan(&q.Index, &q.Prompt, &q.Options, &q.CorrectIndex, &q.TimerSeconds, &q.Points, &q.Explanation); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var (
		session            domain.Session
		difficulty, status string
		duration           int32
	)
	err := row.Scan(&session.ID, &session.Title, &session.Description, &session.Category, &difficulty, &duration,
		&session.ScheduledAt, &status, &session.WentLiveAt, &session.FinishedAt, &session.CreatedAt)
	if err != nil {
		return domain.Session{}, err
	}
	session.Difficulty = domain.Difficulty(difficulty)
	session.Status = domain.Status(status)
	session.DurationMinutes = int(duration)
	return session, nil
}

func pgCode(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return "other"
}
