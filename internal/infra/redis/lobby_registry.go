package redis

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"quiz-arena/internal/app"
	"quiz-arena/internal/domain"
)

// LobbyRegistry keeps lobbies in process, like the memory registry, and mirrors each
// roster into HSET quiz:{sessionID}:presence {identity} {json} so every instance can
// report how many participants are waiting. Mirroring is best-effort.
type LobbyRegistry struct {
	client *redis.Client
	ttl    time.Duration

	mu      sync.RWMutex
	lobbies map[int64]*app.Lobby
	mirrors map[int64]*rosterMirror
}

func NewLobbyRegistry(client *redis.Client, ttl time.Duration) *LobbyRegistry {
	return &LobbyRegistry{
		client:  client,
		ttl:     ttl,
		lobbies: make(map[int64]*app.Lobby),
		mirrors: make(map[int64]*rosterMirror),
	}
}

func (r *LobbyRegistry) GetOrCreate(sessionID int64) *app.Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lobby, ok := r.lobbies[sessionID]; ok {
		return lobby
	}
	lobby := app.NewLobby(sessionID)
	mirror := newRosterMirror(r, sessionID)
	go mirror.run()
	lobby.SetObserver(mirror.offer)
	r.lobbies[sessionID] = lobby
	r.mirrors[sessionID] = mirror
	return lobby
}

func (r *LobbyRegistry) Get(sessionID int64) (*app.Lobby, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lobby, ok := r.lobbies[sessionID]
	return lobby, ok
}

// DeleteIfEmpty drops an empty lobby; its mirror flushes the final roster and exits.
func (r *LobbyRegistry) DeleteIfEmpty(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lobby, ok := r.lobbies[sessionID]
	if !ok {
		return
	}
	if lobby.IsEmpty() {
		delete(r.lobbies, sessionID)
		if mirror, ok := r.mirrors[sessionID]; ok {
			mirror.close()
			delete(r.mirrors, sessionID)
		}
	}
}

// OnlineCount counts identities mirrored by all instances.
func (r *LobbyRegistry) OnlineCount(ctx context.Context, sessionID int64) (int, error) {
	n, err := r.client.HLen(ctx, r.key(sessionID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// rosterMirror applies roster changes of one lobby to the shared hash. The lobby
// observer only hands over the newest roster; a single goroutine talks to Redis,
// so a slow server delays the mirror, never joins and leaves.
type rosterMirror struct {
	registry  *LobbyRegistry
	sessionID int64
	key       string
	wake      chan struct{}

	mu      sync.Mutex
	pending []domain.PresenceRecord
	dirty   bool
	closed  bool

	known map[string]struct{}
}

func newRosterMirror(r *LobbyRegistry, sessionID int64) *rosterMirror {
	return &rosterMirror{
		registry:  r,
		sessionID: sessionID,
		key:       r.key(sessionID),
		wake:      make(chan struct{}, 1),
		known:     make(map[string]struct{}),
	}
}

// offer replaces any roster still waiting to be written. It never blocks.
func (m *rosterMirror) offer(roster []domain.PresenceRecord) {
	m.mu.Lock()
	m.pending, m.dirty = roster, true
	m.mu.Unlock()
	m.signal()
}

func (m *rosterMirror) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *rosterMirror) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *rosterMirror) run() {
	for range m.wake {
		m.mu.Lock()
		roster, dirty, closed := m.pending, m.dirty, m.closed
		m.pending, m.dirty = nil, false
		m.mu.Unlock()

		if dirty {
			m.apply(roster)
		}
		if closed {
			return
		}
	}
}

func (m *rosterMirror) apply(roster []domain.PresenceRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	current := make(map[string]struct{}, len(roster))
	values := make([]interface{}, 0, len(roster)*2)
	for _, rec := range roster {
		current[rec.Identity] = struct{}{}
		raw, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		values = append(values, rec.Identity, string(raw))
	}
	var gone []string
	for id := range m.known {
		if _, ok := current[id]; !ok {
			gone = append(gone, id)
		}
	}

	client := m.registry.client
	pipe := client.TxPipeline()
	if len(gone) > 0 {
		pipe.HDel(ctx, m.key, gone...)
	}
	if len(values) > 0 {
		pipe.HSet(ctx, m.key, values...)
		if m.registry.ttl > 0 {
			pipe.Expire(ctx, m.key, m.registry.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Int64("session_id", m.sessionID).Msg("presence mirror failed")
		return
	}
	m.known = current
}

func (r *LobbyRegistry) key(sessionID int64) string {
	return "quiz:" + strconv.FormatInt(sessionID, 10) + ":presence"
}
