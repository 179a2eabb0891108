// Package gateway exposes the HTTP surface of the STT gateway: the
// streaming, compare, replay and voice websockets plus the REST
// endpoints for provider availability, latency stats and replay
// uploads.
package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/openvoicelab/sttgate/internal/config"
	"github.com/openvoicelab/sttgate/internal/observability"
	"github.com/openvoicelab/sttgate/internal/provider"
	"github.com/openvoicelab/sttgate/internal/session"
	"github.com/openvoicelab/sttgate/internal/store"
	"github.com/openvoicelab/sttgate/internal/voice"
)

// Deps carries the long-lived collaborators every handler shares.
type Deps struct {
	Config   config.Config
	Registry *provider.Registry
	Health   *provider.HealthCache
	Sessions *session.Manager
	Store    store.Store
	Metrics  *observability.Metrics
	Latency  *observability.LatencyWindow
	Voice    *voice.Orchestrator
	Logger   *log.Logger
}

// Server routes REST and websocket traffic onto the session machinery.
type Server struct {
	cfg      config.Config
	registry *provider.Registry
	health   *provider.HealthCache
	sessions *session.Manager
	store    store.Store
	metrics  *observability.Metrics
	latency  *observability.LatencyWindow
	voice    *voice.Orchestrator
	replays  *replayStore
	logger   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	replays, err := newReplayStore()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      deps.Config,
		registry: deps.Registry,
		health:   deps.Health,
		sessions: deps.Sessions,
		store:    deps.Store,
		metrics:  deps.Metrics,
		latency:  deps.Latency,
		voice:    deps.Voice,
		replays:  replays,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Router builds the chi mux with all REST and websocket routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Get("/v1/providers", s.handleProviders)
	r.Post("/v1/providers/refresh", s.handleProvidersRefresh)
	r.Get("/v1/latency", s.handleLatency)
	r.Get("/v1/sessions/{sessionID}/latency", s.handleSessionLatency)
	r.Post("/v1/replay/upload", s.handleReplayUpload)

	r.Get("/ws/stream", s.handleStreamWS)
	r.Get("/ws/stream/compare", s.handleCompareWS)
	r.Get("/ws/replay", s.handleReplayWS)
	r.Get("/ws/voice", s.handleVoiceWS)

	return r
}

// checkOrigin admits same-host browsers and the configured allow-list.
// Non-browser clients send no Origin header and are always admitted.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if host := originHost(origin); host != "" && strings.EqualFold(host, r.Host) {
		return true
	}
	return s.cfg.OriginAllowed(origin)
}

func originHost(origin string) string {
	rest := origin
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"activeSessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"providers": s.health.Snapshot()})
}

func (s *Server) handleProvidersRefresh(w http.ResponseWriter, _ *http.Request) {
	s.health.Invalidate()
	respondJSON(w, http.StatusOK, map[string]any{"providers": s.health.Snapshot()})
}

func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

func (s *Server) handleSessionLatency(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	summaries, err := s.store.SummariesForSession(r.Context(), sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"summaries": summaries,
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
