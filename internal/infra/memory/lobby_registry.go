package memory

import (
	"context"
	"sync"

	"quiz-arena/internal/app"
)

// LobbyRegistry is an in-memory implementation of app.LobbyRegistry.
type LobbyRegistry struct {
	mu      sync.RWMutex
	lobbies map[int64]*app.Lobby
}

func NewLobbyRegistry() *LobbyRegistry {
	return &LobbyRegistry{
		lobbies: make(map[int64]*app.Lobby),
	}
}

func (r *LobbyRegistry) GetOrCreate(sessionID int64) *app.Lobby {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lobby, ok := r.lobbies[sessionID]; ok {
		return lobby
	}
	lobby := app.NewLobby(sessionID)
	r.lobbies[sessionID] = lobby
	return lobby
}

func (r *LobbyRegistry) Get(sessionID int64) (*app.Lobby, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lobby, ok := r.lobbies[sessionID]
	return lobby, ok
}

func (r *LobbyRegistry) DeleteIfEmpty(sessionID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lobby, ok := r.lobbies[sessionID]
	if !ok {
		return
	}
	if lobby.IsEmpty() {
		delete(r.lobbies, sessionID)
	}
}

// OnlineCount counts identities in the session's lobby on this instance.
func (r *LobbyRegistry) OnlineCount(_ context.Context, sessionID int64) (int, error) {
	lobby, ok := r.Get(sessionID)
	if !ok {
		return 0, nil
	}
	return len(lobby.Roster()), nil
}
