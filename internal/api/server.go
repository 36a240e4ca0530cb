// Package api serves the mirrored tree to remote consumers over HTTP.
package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/oklog/ulid/v2"

	"github.com/fruitsalade/treemirror/internal/auth"
	"github.com/fruitsalade/treemirror/internal/backend"
	"github.com/fruitsalade/treemirror/internal/events"
	"github.com/fruitsalade/treemirror/internal/logging"
	"github.com/fruitsalade/treemirror/internal/metrics"
	"github.com/fruitsalade/treemirror/internal/mirror"
	"github.com/fruitsalade/treemirror/pkg/models"
	"github.com/fruitsalade/treemirror/pkg/tree"
)

const (
	maxRequestBody = 64 << 10
	wsWriteTimeout = 5 * time.Second
)

var gzipPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

// Store is the tree store served by the API.
type Store interface {
	Snapshot() *models.Snapshot
	CreateDirectory(ctx context.Context, name string) error
	CreateFile(ctx context.Context, name string) error
	RemoveAll(ctx context.Context) error
	Refresh(ctx context.Context) error
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

type nameRequest struct {
	Name string `json:"name"`
}

// Server is the HTTP server.
type Server struct {
	store       Store
	broadcaster *events.Broadcaster
	guard       *auth.Guard
	limiter     *rate.Limiter

	// instance prefixes every ETag so tags from an earlier process, whose
	// generations restarted at zero, never match.
	instance string
}

// NewServer creates a server. Mutations are limited to mutationsPerMinute
// requests; zero means unlimited.
func NewServer(store Store, broadcaster *events.Broadcaster, guard *auth.Guard, mutationsPerMinute int) *Server {
	s := &Server{
		store:       store,
		broadcaster: broadcaster,
		guard:       guard,
		instance:    ulid.Make().String(),
	}
	if mutationsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(mutationsPerMinute)/60), mutationsPerMinute)
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/tree", s.handleTree)
	mux.HandleFunc("GET /api/v1/tree/{path...}", s.handleSubtree)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	mux.Handle("POST /api/v1/dirs", s.mutation(s.handleCreateDirectory))
	mux.Handle("POST /api/v1/files", s.mutation(s.handleCreateFile))
	mux.Handle("DELETE /api/v1/tree", s.mutation(s.handleRemoveAll))
	mux.Handle("POST /api/v1/refresh", s.mutation(s.handleRefresh))

	return logging.Middleware(metrics.Middleware(mux))
}

// mutation wraps a handler with the auth guard and the rate limiter.
func (s *Server) mutation(h http.HandlerFunc) http.Handler {
	var next http.Handler = h
	if s.limiter != nil {
		next = s.rateLimit(next)
	}
	if s.guard != nil {
		next = s.guard.Middleware(next)
	}
	return next
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			metrics.RecordRateLimitHit()
			w.Header().Set("Retry-After", "60")
			s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ─── Tree ───────────────────────────────────────────────────────────────────

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	snap := s.store.Snapshot()
	etag := s.etag(snap)
	w.Header().Set("ETag", etag)
	if match := r.Header.Get("If-None-Match"); match != "" && (match == etag || match == "*") {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	s.sendJSON(w, r, http.StatusOK, snap.Response())
}

func (s *Server) handleSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.PathValue("path"), "/")
	if path == "" {
		s.handleTree(w, r)
		return
	}

	snap := s.store.Snapshot()
	entry, ok := tree.FindByPath(snap.Root, path)
	if !ok {
		s.sendError(w, http.StatusNotFound, "path not found: "+path)
		return
	}
	w.Header().Set("ETag", s.etag(snap))
	s.sendJSON(w, r, http.StatusOK, entry)
}

// ─── Mutations ──────────────────────────────────────────────────────────────

func (s *Server) handleCreateDirectory(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeName(w, r)
	if !ok {
		return
	}
	if err := s.store.CreateDirectory(r.Context(), req.Name); err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	s.sendSnapshot(w, r, http.StatusCreated)
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeName(w, r)
	if !ok {
		return
	}
	if err := s.store.CreateFile(r.Context(), req.Name); err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	s.sendSnapshot(w, r, http.StatusCreated)
}

func (s *Server) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveAll(r.Context()); err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	s.sendSnapshot(w, r, http.StatusOK)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Refresh(r.Context()); err != nil {
		s.sendStoreError(w, r, err)
		return
	}
	s.sendSnapshot(w, r, http.StatusOK)
}

func (s *Server) decodeName(w http.ResponseWriter, r *http.Request) (nameRequest, bool) {
	var req nameRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	// Start every stream with the current state.
	writeEvent(w, events.SnapshotEvent(s.store.Snapshot()))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, event)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	data, err := events.MarshalEvent(event)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
}

// ─── WebSocket ──────────────────────────────────────────────────────────────

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logging.WithContext(r.Context())
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer ws.Close(websocket.StatusInternalError, "")

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	// The client only listens; CloseRead handles its control frames and
	// cancels ctx when it goes away.
	ctx := ws.CloseRead(r.Context())

	log.Debug("websocket client connected", zap.String("remote_addr", r.RemoteAddr))

	last := s.store.Snapshot()
	if err := writeSnapshot(ctx, log, ws, last); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-ch:
			if !ok {
				ws.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if event.Type != events.EventSnapshot {
				continue
			}
			snap := s.store.Snapshot()
			if snap == last {
				continue
			}
			if err := writeSnapshot(ctx, log, ws, snap); err != nil {
				return
			}
			last = snap
		}
	}
}

func writeSnapshot(ctx context.Context, log *zap.Logger, ws *websocket.Conn, snap *models.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	err := wsjson.Write(ctx, ws, snap.Response())
	if err != nil {
		log.Debug("websocket write failed", zap.Error(err))
	} else {
		metrics.RecordStreamEvent("ws_" + events.EventSnapshot)
	}
	return err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) etag(snap *models.Snapshot) string {
	return `"` + s.instance + "-" + strconv.FormatUint(snap.Generation, 10) + `"`
}

func acceptsGzip(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
}

func (s *Server) sendSnapshot(w http.ResponseWriter, r *http.Request, code int) {
	snap := s.store.Snapshot()
	w.Header().Set("ETag", s.etag(snap))
	s.sendJSON(w, r, code, snap.Response())
}

func (s *Server) sendJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if acceptsGzip(r) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Add("Vary", "Accept-Encoding")
		w.WriteHeader(code)
		gw := gzipPool.Get().(*gzip.Writer)
		gw.Reset(w)
		json.NewEncoder(gw).Encode(v)
		gw.Close()
		gzipPool.Put(gw)
		return
	}
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// sendStoreError maps store failures to HTTP status codes.
func (s *Server) sendStoreError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, backend.ErrInvalidName):
		code = http.StatusBadRequest
	case errors.Is(err, backend.ErrTypeMismatch):
		code = http.StatusConflict
	case errors.Is(err, mirror.ErrBackendUnavailable), errors.Is(err, mirror.ErrWalkAborted):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.Error(err))
	}
	s.sendError(w, code, err.Error())
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
		Code:  code,
	})
}
