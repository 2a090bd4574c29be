// Package api is the HTTP gateway: tenant-authenticated mutation and query
// routes under /v1, an operator status surface, and a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/tradeweave/loopengine/internal/chain"
	"github.com/tradeweave/loopengine/internal/eventbus"
	"github.com/tradeweave/loopengine/internal/scheduler"
	"github.com/tradeweave/loopengine/internal/service"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

const statusCacheTTL = 5 * time.Second

// Config tunes the HTTP server. Zero fields take the defaults below.
type Config struct {
	Port string
	// JWTSecret enables Bearer-token auth when non-empty. X-API-Key auth
	// works either way.
	JWTSecret string
	// RateRPS and RateBurst bound per-client-IP request rates.
	// RateRPS <= 0 disables rate limiting.
	RateRPS   float64
	RateBurst int
}

type Server struct {
	svc        *service.Service
	sched      *scheduler.Scheduler
	mat        *chain.Materializer
	bus        *eventbus.Bus
	jwtSecret  []byte
	limiter    *ipLimiter
	httpServer *http.Server
	startedAt  time.Time

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

// NewServer wires the gateway. sched and mat may be nil; /status then omits
// scheduler stats and trade detail responses carry no settlement payload.
func NewServer(cfg Config, svc *service.Service, sched *scheduler.Scheduler, mat *chain.Materializer, bus *eventbus.Bus) *Server {
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	s := &Server{
		svc:       svc,
		sched:     sched,
		mat:       mat,
		bus:       bus,
		jwtSecret: []byte(cfg.JWTSecret),
		limiter:   newIPLimiter(cfg.RateRPS, cfg.RateBurst),
		startedAt: time.Now(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(s.rateLimitMiddleware)

	registerBaseRoutes(r, s)
	registerTradeRoutes(r, s)

	s.httpServer = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	return s
}

// Handler exposes the router, mainly for tests driving httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"commit": BuildCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := s.statusPayload()
	w.Write(payload)
}

// statusPayload serves a short-TTL cached snapshot so dashboards polling
// /status do not hammer every tenant's locks.
func (s *Server) statusPayload() []byte {
	now := time.Now()

	s.statusCache.mu.Lock()
	defer s.statusCache.mu.Unlock()

	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		return s.statusCache.payload
	}

	body := map[string]interface{}{
		"status":         "ok",
		"commit":         BuildCommit,
		"uptime_seconds": int64(now.Sub(s.startedAt).Seconds()),
		"generated_at":   now.UTC().Format(time.RFC3339),
		"tenants":        s.svc.Status(),
	}
	if s.sched != nil {
		body["scheduler"] = s.sched.Stats()
	}
	if s.bus != nil {
		body["bus_dropped"] = s.bus.Dropped()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return []byte(`{"status":"error"}`)
	}
	s.statusCache.payload = payload
	s.statusCache.expiresAt = now.Add(statusCacheTTL)
	return payload
}
