package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lzA6/doubao2api-go/internal/proxy"
	"github.com/lzA6/doubao2api-go/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(proxyServer *proxy.Server, rateLimiter *ratelimit.Limiter, masterKey string, requestsPerHour int) *mux.Router {
	r := mux.NewRouter()

	// Health probe (no auth, no rate limit)
	r.HandleFunc("/healthz", h.Healthz).Methods("GET")

	// API v1 routes, all behind the master key
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(AuthMiddleware(masterKey))

	// Chat endpoints (rate limited)
	chat := api.PathPrefix("").Subrouter()
	chat.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))
	chat.HandleFunc("/chat/completions", h.ChatCompletions).Methods("POST", "OPTIONS")
	chat.HandleFunc("/chat/ws", proxyServer.HandleChatConnection).Methods("GET")

	// Catalog and introspection endpoints (not rate limited)
	api.HandleFunc("/models", h.ListModels).Methods("GET")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.DeleteSession).Methods("DELETE")

	// CORS middleware
	r.Use(corsMiddleware)

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
