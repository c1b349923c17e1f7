package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quiz-arena/internal/app"
	"quiz-arena/internal/auth"
	"quiz-arena/internal/domain"
	"quiz-arena/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type WSHandler struct {
	service  *app.QuizService
	authn    auth.Authenticator
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.QuizService, authn auth.Authenticator) *WSHandler {
	return &WSHandler{
		service: service,
		authn:   authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorMessage(err error) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: errorPayload{Code: domain.ErrorCode(err), Message: err.Error()}}
}

// ServeWS upgrades /ws?sessionId= requests and streams the session to the client:
// "state" on every view change, "leaderboard" on every score change, "status" on
// transitions, "schedule" on reschedules and "presence" once the caller is in the
// lobby. Clients send "answer" and, after registering mid-connection, "join".
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authn.Authenticate(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessionID, err := strconv.ParseInt(r.URL.Query().Get("sessionId"), 10, 64)
	if err != nil || sessionID <= 0 {
		http.Error(w, "missing or invalid sessionId", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snapshots, err := h.service.Follow(ctx, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	board, deltas, cancelBoard, err := h.service.SubscribeLeaderboard(ctx, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer cancelBoard()
	status, cancelStatus, err := h.service.SubscribeStatus(ctx, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer cancelStatus()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()
	metrics.OpenSockets.Inc()
	defer metrics.OpenSockets.Dec()

	logger := log.With().Int64("session_id", sessionID).Str("identity", identity.ID).Logger()
	logger.Debug().Msg("ws connected")

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	pumpDone := make(chan struct{})
	lobbies := make(chan (<-chan domain.Event), 1)

	emit := func(msg outboundMessage[any]) bool {
		select {
		case send <- msg:
			return true
		case <-writerDone:
			return false
		case <-closeSignals:
			return false
		}
	}

	// Single writer: gorilla connections allow one concurrent writer.
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case msg, ok := <-send:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug().Err(err).Msg("ws write error")
					conn.Close()
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	emit(outboundMessage[any]{Type: "leaderboard", Payload: board.Snapshot()})

	var leave func()
	enterLobby := func() error {
		if leave != nil {
			return nil
		}
		presence, fn, err := h.service.EnterLobby(ctx, identity, sessionID)
		if err != nil {
			return err
		}
		leave = fn
		lobbies <- presence
		return nil
	}
	defer func() {
		if leave != nil {
			leave()
		}
	}()
	if identity.ID != "" {
		if err := enterLobby(); err != nil && !errors.Is(err, domain.ErrNotRegistered) {
			logger.Warn().Err(err).Msg("lobby unavailable")
		}
	}

	go func() {
		defer close(pumpDone)
		var presence <-chan domain.Event
		for {
			var msg outboundMessage[any]
			select {
			case <-closeSignals:
				return
			case ch := <-lobbies:
				presence = ch
				continue
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				msg = outboundMessage[any]{Type: "state", Payload: snap}
			case ev, ok := <-deltas:
				if !ok {
					deltas = nil
					continue
				}
				if ev.Score == nil || !board.Apply(*ev.Score) {
					continue
				}
				msg = outboundMessage[any]{Type: "leaderboard", Payload: board.Snapshot()}
			case ev, ok := <-status:
				if !ok {
					status = nil
					continue
				}
				typ := "status"
				if ev.Type == domain.EventScheduleChanged {
					typ = "schedule"
				}
				msg = outboundMessage[any]{Type: typ, Payload: ev.Status}
			case ev, ok := <-presence:
				if !ok {
					presence = nil
					continue
				}
				msg = outboundMessage[any]{Type: "presence", Payload: ev}
			}
			if !emit(msg) {
				return
			}
		}
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		var reply outboundMessage[any]
		switch inbound.Type {
		case "answer":
			var sub domain.AnswerSubmission
			if err := json.Unmarshal(inbound.Payload, &sub); err != nil {
				reply = outboundMessage[any]{Type: "error", Payload: errorPayload{Code: "invalid_request", Message: "invalid answer payload"}}
				break
			}
			res, err := h.service.SubmitAnswer(ctx, identity, sessionID, sub)
			if err != nil {
				reply = errorMessage(err)
				break
			}
			reply = outboundMessage[any]{Type: "answerResult", Payload: res}
		case "join":
			if err := enterLobby(); err != nil {
				reply = errorMessage(err)
				break
			}
			continue
		default:
			reply = outboundMessage[any]{Type: "error", Payload: errorPayload{Code: "invalid_request", Message: "unsupported message type"}}
		}
		if !emit(reply) {
			break
		}
	}

	close(closeSignals)
	<-pumpDone
	close(send)
	<-writerDone
	logger.Debug().Msg("ws disconnected")
}
