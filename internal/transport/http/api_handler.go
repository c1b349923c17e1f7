package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"quiz-arena/internal/app"
	"quiz-arena/internal/auth"
	"quiz-arena/internal/domain"
)

// APIHandler exposes the quiz use cases as JSON over HTTP.
type APIHandler struct {
	service *app.QuizService
	authn   auth.Authenticator
}

func NewAPIHandler(service *app.QuizService, authn auth.Authenticator) *APIHandler {
	return &APIHandler{service: service, authn: authn}
}

// Register mounts the API routes on mux.
func (h *APIHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions/{id}", h.getSession)
	mux.HandleFunc("POST /sessions/{id}/registrations", h.register)
	mux.HandleFunc("POST /sessions/{id}/start", h.forceStart)
	mux.HandleFunc("POST /sessions/{id}/answers", h.submitAnswer)
	mux.HandleFunc("GET /sessions/{id}/questions/{index}", h.question)
	mux.HandleFunc("GET /sessions/{id}/leaderboard", h.leaderboard)
	mux.HandleFunc("POST /admin/sessions", h.createSession)
	mux.HandleFunc("PUT /admin/sessions/{id}/schedule", h.reschedule)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type startResponse struct {
	Performed bool                     `json:"performed"`
	Outcome   domain.TransitionOutcome `json:"outcome"`
	Session   domain.Session           `json:"session"`
}

type scheduleRequest struct {
	ScheduledAt     *time.Time `json:"scheduledAt"`
	DurationMinutes int        `json:"durationMinutes"`
}

func (h *APIHandler) getSession(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.prepare(w, r)
	if !ok {
		return
	}
	status, err := h.service.GetSessionStatus(r.Context(), id, identity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *APIHandler) register(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.prepare(w, r)
	if !ok {
		return
	}
	res, err := h.service.Register(r.Context(), identity, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	writeJSON(w, code, res)
}

func (h *APIHandler) forceStart(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.prepare(w, r)
	if !ok {
		return
	}
	res, err := h.service.ForceStart(r.Context(), identity, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Performed: res.Performed(), Outcome: res.Outcome, Session: res.Session})
}

func (h *APIHandler) submitAnswer(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.prepare(w, r)
	if !ok {
		return
	}
	var sub domain.AnswerSubmission
	if err := decode(w, r, &sub); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.service.SubmitAnswer(r.Context(), identity, id, sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *APIHandler) question(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.prepare(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		writeError(w, r, domain.ErrQuestionNotFound)
		return
	}
	q, err := h.service.Question(r.Context(), identity, id, index)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *APIHandler) leaderboard(w http.ResponseWriter, r *http.Request) {
	_, id, ok := h.prepare(w, r)
	if !ok {
		return
	}
	lb, err := h.service.Leaderboard(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

func (h *APIHandler) createSession(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authn.Authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var in domain.NewSession
	if err := decode(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.service.CreateSession(r.Context(), identity, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *APIHandler) reschedule(w http.ResponseWriter, r *http.Request) {
	identity, id, ok := h.prepare(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	session, err := h.service.Reschedule(r.Context(), identity, id, req.ScheduledAt, req.DurationMinutes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// prepare authenticates the caller and parses the {id} path segment.
func (h *APIHandler) prepare(w http.ResponseWriter, r *http.Request) (domain.Identity, int64, bool) {
	identity, err := h.authn.Authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return domain.Identity{}, 0, false
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, domain.ErrSessionNotFound)
		return domain.Identity{}, 0, false
	}
	return identity, id, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidSession, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func statusFor(code string) int {
	switch code {
	case "not_authenticated":
		return http.StatusUnauthorized
	case "forbidden", "not_registered":
		return http.StatusForbidden
	case "session_not_found", "question_not_found":
		return http.StatusNotFound
	case "invalid_request", "invalid_option":
		return http.StatusBadRequest
	case "question_locked":
		return http.StatusTooEarly
	case "registration_closed", "session_not_live", "out_of_window", "duplicate_submission", "schedule_locked":
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
