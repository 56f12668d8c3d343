// Package rest serves the relay's operational HTTP surface: health and
// Prometheus metrics, ban administration, identity administration, nickname
// debugging, and the opaque blob cache that feeds the status dashboard.
package rest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parley/chat-relay/internal/hub"
	"github.com/parley/chat-relay/internal/metrics"
	"github.com/parley/chat-relay/internal/snapshot"
)

// maxCacheBlob bounds request bodies on the cache PUT endpoint.
const maxCacheBlob = 1 << 20

// cachePrefix namespaces dashboard blobs away from state snapshots in the
// shared key-value store.
const cachePrefix = "cache:"

// Config holds the ops listener settings. An empty AdminKey leaves every
// mutating endpoint closed.
type Config struct {
	ListenAddr string
	AdminKey   string
}

// DefaultConfig returns the default ops surface configuration.
func DefaultConfig() Config {
	return Config{ListenAddr: ":8081"}
}

// Server is the ops HTTP server. It reads and mutates relay state only
// through the hub's exported surface.
type Server struct {
	cfg     Config
	hub     *hub.Hub
	cache   snapshot.Store // nil when the relay runs memory-only
	started time.Time
	httpSrv *http.Server
}

// NewServer creates an ops server over the given hub. cache may be nil, in
// which case the cache endpoints answer 503.
func NewServer(cfg Config, h *hub.Hub, cache snapshot.Store) *Server {
	return &Server{cfg: cfg, hub: h, cache: cache, started: time.Now()}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/api/bans/ips", s.handleListBannedIPs)
	r.With(s.adminOnly).Delete("/api/bans/ips/{ip}", s.handleUnbanIP)
	r.With(s.adminOnly).Delete("/api/bans", s.handleClearBans)
	r.With(s.adminOnly).Delete("/api/identities", s.handleClearIdentities)
	r.Get("/api/debug/nickname/{nick}", s.handleLookupNickname)

	r.Get("/api/cache/{key}", s.handleGetCache)
	r.With(s.adminOnly).Put("/api/cache/{key}", s.handlePutCache)

	return r
}

// Start runs the listener until Shutdown is called.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	log.Printf("rest: listening on %s", s.cfg.ListenAddr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// adminOnly gates mutating endpoints behind the X-Admin-Key header. With no
// key configured the endpoints stay closed rather than open.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" {
			writeError(w, http.StatusForbidden, "admin_disabled")
			return
		}
		key := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1 {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handlers

type healthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	hub.Stats
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Stats:         s.hub.Stats(),
	})
}

func (s *Server) handleListBannedIPs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"ips": s.hub.BannedIPs()})
}

func (s *Server) handleUnbanIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if !s.hub.UnbanIP(ip) {
		writeError(w, http.StatusNotFound, "ip_not_banned")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearBans(w http.ResponseWriter, _ *http.Request) {
	s.hub.ClearBans()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearIdentities(w http.ResponseWriter, _ *http.Request) {
	s.hub.ClearIdentities()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLookupNickname(w http.ResponseWriter, r *http.Request) {
	nick := chi.URLParam(r, "nick")
	writeJSON(w, http.StatusOK, s.hub.LookupNickname(nick))
}

func (s *Server) handleGetCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache_unavailable")
		return
	}
	key := chi.URLParam(r, "key")
	blob, err := s.cache.Get(r.Context(), cachePrefix+key)
	if errors.Is(err, snapshot.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	if err != nil {
		log.Printf("rest: cache get key=%s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) handlePutCache(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "cache_unavailable")
		return
	}
	key := chi.URLParam(r, "key")
	blob, err := io.ReadAll(io.LimitReader(r.Body, maxCacheBlob+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(blob) > maxCacheBlob {
		writeError(w, http.StatusRequestEntityTooLarge, "blob_too_large")
		return
	}
	if err := s.cache.Put(r.Context(), cachePrefix+key, blob); err != nil {
		log.Printf("rest: cache put key=%s: %v", key, err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
