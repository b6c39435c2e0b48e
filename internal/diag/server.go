// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package diag serves the read-only diagnostics surface: health and
// aggregate stats, live resource and command snapshots, Prometheus
// metrics, and a websocket stream of lifecycle events. Everything here is
// observational; mutations go through the command channel.
package diag

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"grimm.is/flyhook/internal/cleanup"
	"grimm.is/flyhook/internal/dispatch"
	"grimm.is/flyhook/internal/errors"
	"grimm.is/flyhook/internal/events"
	"grimm.is/flyhook/internal/hookattach"
	"grimm.is/flyhook/internal/logging"
	"grimm.is/flyhook/internal/metrics"
	"grimm.is/flyhook/internal/provider"
)

// eventBuffer is the per-websocket subscription depth. A client that falls
// further behind loses events rather than stalling the bus.
const eventBuffer = 256

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Loopback-only listener; origin checks add nothing here.
		return true
	},
}

// Config controls the diagnostics listener.
type Config struct {
	Enabled bool   `hcl:"enabled,optional"`
	Listen  string `hcl:"listen,optional"`
}

// DefaultConfig returns the diagnostics defaults. The API carries no
// authentication, so the default bind is loopback only.
func DefaultConfig() Config {
	return Config{Listen: "127.0.0.1:9814"}
}

// Deps are the subsystems the diagnostics API reads from. Nil fields are
// allowed; the matching endpoints then report empty data.
type Deps struct {
	Manager    *hookattach.Manager
	Dispatcher *dispatch.Dispatcher
	Providers  *provider.Registry
	Coord      *cleanup.Coordinator
	Hooks      dispatch.HookLister
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Version    string

	// Ready reports whether the daemon is serving commands. Nil means
	// always ready. The health endpoint answers 503 while it is false.
	Ready func() bool
}

// Server is the diagnostics HTTP server.
type Server struct {
	cfg     Config
	deps    Deps
	router  *mux.Router
	httpSrv *http.Server
	log     *logging.Logger
	started time.Time

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds the diagnostics server. Call Start to begin serving.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultConfig().Listen
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  mux.NewRouter(),
		log:     logging.WithComponent("diag"),
		started: time.Now(),
	}
	s.routes()
	s.httpSrv = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/resources", s.handleResources).Methods("GET")
	api.HandleFunc("/resources/{id}", s.handleResource).Methods("GET")
	api.HandleFunc("/commands", s.handleCommands).Methods("GET")
	api.HandleFunc("/hooks", s.handleHooks).Methods("GET")
	api.HandleFunc("/providers", s.handleProviders).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}
}

// Start binds the listener and serves in the background. A disabled config
// is a no-op.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, errors.KindInternal, "listen on %s", s.cfg.Listen)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("Diagnostics API listening", "addr", listener.Addr().String())

	go func() {
		if err := s.httpSrv.Serve(listener); err != http.ErrServerClosed {
			s.log.WithError(err).Error("Diagnostics server failed")
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to five seconds for in-flight
// requests. Shutdown does not touch hijacked connections, so Close follows
// to sever any remaining event streams.
func (s *Server) Stop() error {
	s.mu.Lock()
	started := s.listener != nil
	s.mu.Unlock()
	if !started {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(ctx)
	s.httpSrv.Close()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.deps.Ready == nil || s.deps.Ready()

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": ready,
		"version": s.deps.Version,
		"uptime":  time.Since(s.started).String(),
	})
}

// Stats is the aggregate snapshot served at /stats.
type Stats struct {
	Version          string `json:"version"`
	Uptime           string `json:"uptime"`
	Resources        int    `json:"resources"`
	Clients          int    `json:"clients"`
	Rules            int    `json:"rules"`
	PendingCommands  int    `json:"pending_commands"`
	CleanupResources int    `json:"cleanup_resources"`
	CleanupProviders int    `json:"cleanup_providers"`
	EventSubscribers int    `json:"event_subscribers"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	reply := Stats{
		Version: s.deps.Version,
		Uptime:  time.Since(s.started).String(),
	}
	if s.deps.Manager != nil {
		for _, info := range s.deps.Manager.List() {
			reply.Resources++
			reply.Clients += len(info.Clients)
			reply.Rules += len(info.Rules)
		}
	}
	if s.deps.Dispatcher != nil {
		reply.PendingCommands = s.deps.Dispatcher.PendingCount()
	}
	if s.deps.Coord != nil {
		reply.CleanupResources, reply.CleanupProviders = s.deps.Coord.Pending()
	}
	if s.deps.Bus != nil {
		reply.EventSubscribers = s.deps.Bus.Subscribers()
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	list := []hookattach.Info{}
	if s.deps.Manager != nil {
		list = s.deps.Manager.List()
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.deps.Manager != nil {
		for _, info := range s.deps.Manager.List() {
			if info.ID == id {
				writeJSON(w, http.StatusOK, info)
				return
			}
		}
	}
	writeError(w, http.StatusNotFound, "no such resource")
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	list := []dispatch.PendingInfo{}
	if s.deps.Dispatcher != nil {
		list = s.deps.Dispatcher.Pending()
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request) {
	list := []dispatch.HookPointInfo{}
	if s.deps.Hooks != nil {
		list = s.deps.Hooks.ListHooks()
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if s.deps.Providers != nil {
		names = s.deps.Providers.Names()
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

// handleEvents upgrades to a websocket and forwards bus events as JSON
// until the client disconnects or the subscription closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, cancel := s.deps.Bus.Subscribe(eventBuffer)
	defer cancel()

	// The read loop exists to notice the peer going away; incoming
	// payloads are ignored.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
