package http

import (
	"net/http"

	"github.com/rs/cors"

	"quiz-arena/internal/metrics"
)

// NewRouter mounts the API, the websocket endpoint, health and metrics, wrapped with CORS.
// An empty origins list allows any origin.
func NewRouter(api *APIHandler, ws *WSHandler, origins []string) http.Handler {
	mux := http.NewServeMux()
	api.Register(mux)
	mux.HandleFunc("GET /ws", ws.ServeWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler())

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
		},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-User-Id", "X-User-Name", "X-User-Handle", "X-User-Role"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}
