// Package api provides the cairod HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pweids/cairo/internal/auth"
	"github.com/pweids/cairo/internal/config"
	"github.com/pweids/cairo/internal/events"
	"github.com/pweids/cairo/internal/logging"
	"github.com/pweids/cairo/internal/metrics"
	"github.com/pweids/cairo/internal/store"
	"github.com/pweids/cairo/internal/store/codec"
	"github.com/pweids/cairo/pkg/clock"
	"github.com/pweids/cairo/pkg/models"
	"github.com/pweids/cairo/pkg/protocol"
	"github.com/pweids/cairo/pkg/tree"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth happens in middleware; origins are not restricted.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the HTTP server.
type Server struct {
	tree        *tree.Tree
	clk         clock.Source
	auth        *auth.Auth
	store       store.Store
	broadcaster *events.Broadcaster
	config      *config.Config
	started     time.Time
}

// NewServer creates a new server.
func NewServer(t *tree.Tree, clk clock.Source, authHandler *auth.Auth, st store.Store, broadcaster *events.Broadcaster, cfg *config.Config) *Server {
	return &Server{
		tree:        t,
		clk:         clk,
		auth:        authHandler,
		store:       st,
		broadcaster: broadcaster,
		config:      cfg,
		started:     time.Now(),
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/token", s.auth.HandleLogin)

	protected := http.NewServeMux()

	// Sync protocol
	protected.HandleFunc("GET /api/v1/ledger", s.handleLedger)
	protected.HandleFunc("POST /api/v1/changes", s.handleChanges)
	protected.HandleFunc("POST /api/v1/push", s.handlePush)

	// Tree
	protected.HandleFunc("GET /api/v1/tree", s.handleSnapshot)
	protected.HandleFunc("POST /api/v1/tree/mutate", s.handleMutate)
	protected.HandleFunc("POST /api/v1/tree/search", s.handleSearch)
	protected.HandleFunc("GET /api/v1/status", s.handleStatus)

	// Live updates
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)
	protected.HandleFunc("GET /api/v1/ws", s.handleWebsocket)

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health and status ──────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	led := s.tree.Ledger()
	head, _ := led.Head()
	s.sendJSON(w, protocol.StatusResponse{
		Nodes:    s.tree.Len(),
		Versions: led.Len(),
		Head:     head,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
	})
}

// ─── Sync protocol ──────────────────────────────────────────────────────────

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, protocol.LedgerResponse{Versions: s.tree.Ledger().Versions()})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	var req protocol.ChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	led := s.tree.Ledger()
	versions := make([]models.Version, 0, len(req.Versions))
	for _, id := range req.Versions {
		v, ok := led.Get(id)
		if !ok {
			s.sendError(w, http.StatusNotFound, fmt.Sprintf("unknown version %s", id))
			return
		}
		versions = append(versions, v)
	}

	tx := s.tree.BeginSync()
	changes := tx.ChangesIn(versions)
	tx.Release()

	s.sendJSON(w, protocol.ChangesResponse{Changes: changes})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req protocol.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Changes) == 0 {
		s.sendJSON(w, protocol.PushResponse{})
		return
	}

	tx := s.tree.BeginSync()
	err := tx.MergeCommit(req.Changes, nil)
	tx.Release()
	if err != nil {
		var ooo *tree.OutOfOrderError
		if errors.As(err, &ooo) {
			// The pusher is behind; it must pull and re-merge first.
			s.sendError(w, http.StatusConflict, err.Error())
			return
		}
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.persist(r)
	reconciled := make(map[models.VersionID]struct{}, len(req.Reconciled))
	for _, id := range req.Reconciled {
		reconciled[id] = struct{}{}
	}
	for _, ch := range req.Changes {
		typ := events.TypeMerge
		if _, ok := reconciled[ch.Mod.Version.ID]; ok {
			typ = events.TypeReconcile
		}
		s.publishEvent(typ, ch.Node, ch.Mod.Field, ch.Mod.Version)
	}
	logging.Info("push merged",
		zap.Int("changes", len(req.Changes)),
		zap.String("user", s.username(r)))
	s.sendJSON(w, protocol.PushResponse{Accepted: len(req.Changes)})
}

// ─── Tree ───────────────────────────────────────────────────────────────────

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	asOf := models.Version{}
	if id := r.URL.Query().Get("as_of"); id != "" {
		v, ok := s.tree.Ledger().Get(models.VersionID(id))
		if !ok {
			s.sendError(w, http.StatusNotFound, fmt.Sprintf("unknown version %s", id))
			return
		}
		asOf = v
	}

	start := time.Now()
	snap, err := s.tree.Resolve(asOf)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.RecordResolve(time.Since(start))
	s.sendJSON(w, protocol.SnapshotResponse{Snapshot: *snap})
}

func (s *Server) handleMutate(w http.ResponseWriter, r *http.Request) {
	var req protocol.MutateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Node == "" || req.Field == "" {
		s.sendError(w, http.StatusBadRequest, "node and field are required")
		return
	}

	v := s.clk.NewVersion()
	if err := s.tree.Mutate(req.Node, req.Kind, v, req.Field, req.Value); err != nil {
		metrics.RecordMutation(string(req.Field), false)
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	metrics.RecordMutation(string(req.Field), true)
	metrics.SetTreeNodes(s.tree.Len())

	s.persist(r)
	s.publishEvent(events.TypeMutation, req.Node, req.Field, v)
	s.sendJSON(w, protocol.MutateResponse{Version: v})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req protocol.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		s.sendError(w, http.StatusBadRequest, "query is required")
		return
	}

	hits, err := s.tree.Search(req.Query)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.sendJSON(w, protocol.SearchResponse{Hits: hits})
}

// ─── Live updates ───────────────────────────────────────────────────────────

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
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (s *Server) publishEvent(eventType string, node models.NodeID, field models.Field, v models.Version) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(protocol.Event{
		Type:    eventType,
		Node:    node,
		Field:   field,
		Version: v,
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// persist writes the current archive. Failures are logged, not fatal:
// the in-memory state stays authoritative and the next write retries.
func (s *Server) persist(r *http.Request) {
	if s.store == nil {
		return
	}
	a := &codec.Archive{
		SavedAt: time.Now().UTC(),
		Ledger:  s.tree.Ledger().State(),
		Tree:    s.tree.State(),
	}
	if err := s.store.Save(r.Context(), a); err != nil {
		logging.Error("persist failed", zap.Error(err))
	}
}

func (s *Server) username(r *http.Request) string {
	if claims := auth.GetClaims(r.Context()); claims != nil {
		return claims.Username
	}
	return ""
}

func (s *Server) sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
