// Package api provides the HTTP API for observing the simulation.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/stella-invicta/internal/ecs"
	"github.com/talgya/stella-invicta/internal/engine"
	"github.com/talgya/stella-invicta/internal/persistence"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// Server serves the simulation state over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Eng      *engine.Engine
	DB       *persistence.DB // Nil disables snapshots
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.

	// TrustProxy honours X-Forwarded-For when rate limiting.
	TrustProxy bool

	started time.Time
	srv     *http.Server
}

// Handler builds the routing tree. Start serves it; tests call it directly.
func (s *Server) Handler() http.Handler {
	if s.started.IsZero() {
		s.started = time.Now()
	}
	snapshotLimiter := NewRateLimiter(10, time.Hour)
	snapshotLimiter.TrustForwarded = s.TrustProxy

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/sites", s.handleSites)
	mux.HandleFunc("/api/v1/site/", s.handleSiteDetail)
	mux.HandleFunc("/api/v1/characters", s.handleCharacters)
	mux.HandleFunc("/api/v1/events", s.handleEvents)

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("/api/v1/speed", s.adminOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/snapshot", s.adminOnly(RateLimitMiddleware(snapshotLimiter, s.handleSnapshot)))

	return corsMiddleware(mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops a server started with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// CORS_ORIGINS holds a comma-separated list of extra allowed origins.
// Localhost dev servers are always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
// GET requests pass through (for endpoints that support both GET and POST).
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no admin_key set)", http.StatusForbidden)
				return
			}

			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.Sim.RLock()
	defer s.Sim.RUnlock()

	date := s.Sim.Date()
	stats := s.Sim.Stats
	status := map[string]any{
		"name":      "Stella Invicta",
		"tick":      s.Sim.CurrentTick(),
		"date":      date,
		"date_long": date.Long(),
		"season":    date.Season().String(),
		"sim_time":  engine.SimTime(date, s.Sim.CurrentTick()),
		"speed":     s.Eng.Speed(),
		"running":   s.Eng.Running(),
		"started":   humanize.Time(s.started),
		"entities":  humanize.Comma(int64(s.Sim.World.Len())),
		"produced":  humanize.Commaf(stats.Produced.Total()),
		"stats":     stats,
	}
	writeJSON(w, status)
}

func (s *Server) handleSites(w http.ResponseWriter, r *http.Request) {
	s.Sim.RLock()
	sites := s.Sim.SiteSummaries()
	s.Sim.RUnlock()

	if r.URL.Query().Get("stalled") == "true" {
		var filtered []engine.SiteSummary
		for _, site := range sites {
			if site.Stalled {
				filtered = append(filtered, site)
			}
		}
		sites = filtered
	}
	if sites == nil {
		sites = []engine.SiteSummary{}
	}
	writeJSON(w, sites)
}

func (s *Server) handleSiteDetail(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(r.URL.Path, "/")
	if len(parts) < 5 || parts[4] == "" {
		http.Error(w, "missing site id", http.StatusBadRequest)
		return
	}
	id, err := strconv.ParseUint(parts[4], 10, 64)
	if err != nil {
		http.Error(w, "invalid site id", http.StatusBadRequest)
		return
	}

	s.Sim.RLock()
	site, ok := s.Sim.Site(ecs.EntityID(id))
	var workers []map[string]any
	if ok {
		for wk := range s.Sim.World.Related(site.ID, ecs.RelEmploys) {
			if wk.WorkForce == nil {
				continue
			}
			workers = append(workers, map[string]any{
				"id":        wk.ID,
				"name":      wk.Name,
				"workforce": float64(*wk.WorkForce),
			})
		}
	}
	s.Sim.RUnlock()

	if !ok {
		http.Error(w, "site not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"site":    site,
		"workers": workers,
	})
}

func (s *Server) handleCharacters(w http.ResponseWriter, r *http.Request) {
	s.Sim.RLock()
	chars := s.Sim.CharacterSummaries()
	s.Sim.RUnlock()

	if chars == nil {
		chars = []engine.CharacterSummary{}
	}
	writeJSON(w, chars)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := defaultEventLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxEventLimit {
			limit = n
		}
	}

	s.Sim.RLock()
	events := make([]engine.Event, len(s.Sim.Events))
	copy(events, s.Sim.Events)
	s.Sim.RUnlock()

	// Optional category filter.
	if category := r.URL.Query().Get("category"); category != "" {
		var filtered []engine.Event
		for _, e := range events {
			if e.Category == category {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	start := 0
	if len(events) > limit {
		start = len(events) - limit
	}
	out := events[start:]
	if out == nil {
		out = []engine.Event{}
	}
	writeJSON(w, out)
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed < 0 || req.Speed > 1000 {
			http.Error(w, "speed must be 0-1000", http.StatusBadRequest)
			return
		}
		s.Eng.SetSpeed(req.Speed)
		slog.Info("speed changed", "speed", req.Speed)
	}

	writeJSON(w, map[string]float64{"speed": s.Eng.Speed()})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}

	// Saving drains the event backlog, so it takes the write lock.
	s.Sim.Lock()
	err := s.DB.SaveWorldState(s.Sim)
	tick := s.Sim.CurrentTick()
	s.Sim.Unlock()

	if err != nil {
		slog.Error("snapshot save failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"tick":    tick,
		"message": "snapshot saved",
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
