// Package http implements the daemon's local status API: health and
// status endpoints, the notification log, presence, the active
// conversation gate, and a websocket event stream for UI shells.
//
// The API is loopback-facing; it carries no authentication and should
// never be bound to a public interface.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/DIGONADA/candlelife-85/internal/domain/events"
	"github.com/DIGONADA/candlelife-85/internal/domain/ports"
	"github.com/DIGONADA/candlelife-85/internal/notify"
	"github.com/DIGONADA/candlelife-85/internal/presence"
	"github.com/DIGONADA/candlelife-85/internal/subscription"
)

// StatusProvider reports daemon-wide status for /api/status and the
// websocket heartbeat.
type StatusProvider interface {
	Status() events.StatusResponsePayload
}

// ChannelLister exposes the live subscription table.
type ChannelLister interface {
	Channels() []subscription.ChannelInfo
}

// Deps are the server's collaborators. Nil entries disable their
// endpoints with 404s rather than panics.
type Deps struct {
	Hub           ports.EventHub
	Status        StatusProvider
	Channels      ChannelLister
	Notifications *notify.Log
	Presence      *presence.Tracker
	Gate          *Gate
}

// Server is the local HTTP API server.
type Server struct {
	addr string
	deps Deps

	httpServer *http.Server
	clients    *clientSet

	heartbeatDone chan struct{}
	heartbeatSeq  int64
	startTime     time.Time
}

// NewServer creates a local API server on host:port.
func NewServer(host string, port int, deps Deps) *Server {
	return &Server{
		addr:          fmt.Sprintf("%s:%d", host, port),
		deps:          deps,
		clients:       newClientSet(),
		heartbeatDone: make(chan struct{}),
		startTime:     time.Now(),
	}
}

// Router builds the route table. Exposed for tests.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/channels", s.handleChannels).Methods("GET")

	api.HandleFunc("/notifications", s.handleListNotifications).Methods("GET")
	api.HandleFunc("/notifications/read", s.handleMarkNotificationsRead).Methods("POST")
	api.HandleFunc("/notifications", s.handleClearNotifications).Methods("DELETE")

	api.HandleFunc("/presence", s.handlePresence).Methods("GET")
	api.HandleFunc("/presence/{user_id}", s.handlePresenceUser).Methods("GET")

	api.HandleFunc("/conversations/{id}/active", s.handleConversationActive).Methods("POST")
	api.HandleFunc("/conversations/{id}/active", s.handleConversationInactive).Methods("DELETE")

	router.HandleFunc("/ws/events", s.handleEvents)

	return corsMiddleware(router)
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
		// No Read/WriteTimeout: they would sever long-lived websocket
		// connections. The ws pumps manage their own deadlines.
		IdleTimeout: 120 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("status API starting")

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status API server error")
		}
	}()

	go s.heartbeatLoop()

	return nil
}

// Stop shuts the server down, closing websocket clients first.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("status API stopping")

	close(s.heartbeatDone)
	s.clients.closeAll()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	return s.clients.count()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "candlelife",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Status == nil {
		respondError(w, http.StatusNotFound, "status unavailable")
		return
	}
	payload := s.deps.Status.Status()
	payload.ConnectedClients = s.clients.count()
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Channels == nil {
		respondError(w, http.StatusNotFound, "channels unavailable")
		return
	}
	channels := s.deps.Channels.Channels()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"channels": channels,
		"count":    len(channels),
	})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		respondError(w, http.StatusNotFound, "notifications unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": s.deps.Notifications.List(),
		"unread":        s.deps.Notifications.Unread(),
	})
}

func (s *Server) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		respondError(w, http.StatusNotFound, "notifications unavailable")
		return
	}
	s.deps.Notifications.MarkAllRead()
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	if s.deps.Notifications == nil {
		respondError(w, http.StatusNotFound, "notifications unavailable")
		return
	}
	s.deps.Notifications.Clear()
	if s.deps.Hub != nil {
		s.deps.Hub.Publish(events.NewNotificationsClearedEvent())
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.deps.Presence == nil {
		respondError(w, http.StatusNotFound, "presence unavailable")
		return
	}
	snapshot := s.deps.Presence.Snapshot()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"presence": snapshot,
		"online":   s.deps.Presence.OnlineCount(),
	})
}

func (s *Server) handlePresenceUser(w http.ResponseWriter, r *http.Request) {
	if s.deps.Presence == nil {
		respondError(w, http.StatusNotFound, "presence unavailable")
		return
	}
	userID := mux.Vars(r)["user_id"]
	entry, ok := s.deps.Presence.Get(userID)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("no presence for %s", userID))
		return
	}
	respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleConversationActive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gate == nil {
		respondError(w, http.StatusNotFound, "conversations unavailable")
		return
	}
	id := mux.Vars(r)["id"]
	s.deps.Gate.SetActive(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{"active": id})
}

func (s *Server) handleConversationInactive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Gate == nil {
		respondError(w, http.StatusNotFound, "conversations unavailable")
		return
	}
	id := mux.Vars(r)["id"]
	s.deps.Gate.ClearActive(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error": message,
	})
}

// heartbeatLoop broadcasts periodic heartbeat events to connected
// websocket clients so UIs can detect a wedged daemon above the
// ping/pong layer.
func (s *Server) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	log.Debug().Dur("interval", heartbeatInterval).Msg("heartbeat loop started")

	for {
		select {
		case <-s.heartbeatDone:
			log.Debug().Msg("heartbeat loop stopped")
			return

		case <-ticker.C:
			s.broadcastHeartbeat()
		}
	}
}

// broadcastHeartbeat goes straight to the clients rather than through
// the hub so type filters never starve a client of liveness signals.
func (s *Server) broadcastHeartbeat() {
	clientCount := s.clients.count()
	if clientCount == 0 {
		return
	}

	socketConnected := false
	uptimeSeconds := int64(time.Since(s.startTime).Seconds())
	if s.deps.Status != nil {
		status := s.deps.Status.Status()
		socketConnected = status.SocketConnected
		uptimeSeconds = status.UptimeSeconds
	}

	seq := atomic.AddInt64(&s.heartbeatSeq, 1)
	heartbeat := events.NewHeartbeatEvent(seq, socketConnected, uptimeSeconds)

	data, err := heartbeat.ToJSON()
	if err != nil {
		log.Warn().Err(err).Msg("failed to serialize heartbeat")
		return
	}

	s.clients.broadcast(data)
	log.Trace().Int64("seq", seq).Int("clients", clientCount).Msg("heartbeat sent")
}

// corsMiddleware allows local UI shells served from dev origins.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
