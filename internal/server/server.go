package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rickgao/panelfeed/internal/subscription"
	"github.com/rickgao/panelfeed/internal/version"
	"github.com/rickgao/panelfeed/internal/widget"
)

// Workspace is the widget set the server drives.
type Workspace interface {
	Mount(kind subscription.ChannelType, symbol string) (widget.View, error)
	Switch(id, symbol string) (widget.View, error)
	Unmount(id string) error
	Get(id string) (widget.View, error)
	List() []widget.View
	Len() int
}

// Subscriptions exposes the coordinator's read side.
type Subscriptions interface {
	Entries() []subscription.EntryInfo
	Stats() subscription.Stats
}

// Feed reports whether the feed connection is up.
type Feed interface {
	IsConnected() bool
}

// Server serves health, widget and debug endpoints.
type Server struct {
	ws     Workspace
	subs   Subscriptions
	feed   Feed
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Server and registers its routes.
func New(ws Workspace, subs Subscriptions, feed Feed, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ws:     ws,
		subs:   subs,
		feed:   feed,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /widgets", s.handleListWidgets)
	s.mux.HandleFunc("POST /widgets", s.handleMountWidget)
	s.mux.HandleFunc("GET /widgets/{id}", s.handleGetWidget)
	s.mux.HandleFunc("PUT /widgets/{id}/market", s.handleSwitchMarket)
	s.mux.HandleFunc("DELETE /widgets/{id}", s.handleUnmountWidget)
	s.mux.HandleFunc("GET /debug/subscriptions", s.handleSubscriptions)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type healthResponse struct {
	Status        string       `json:"status"`
	Version       version.Info `json:"version"`
	FeedConnected bool         `json:"feed_connected"`
	Widgets       int          `json:"widgets"`
	Subscriptions int          `json:"subscriptions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "healthy",
		Version:       version.Get(),
		FeedConnected: s.feed.IsConnected(),
		Widgets:       s.ws.Len(),
		Subscriptions: s.subs.Stats().Keys,
	}

	code := http.StatusOK
	if !resp.FeedConnected {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleListWidgets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ws.List())
}

type mountRequest struct {
	Kind   string `json:"kind"`
	Symbol string `json:"symbol"`
}

func (s *Server) handleMountWidget(w http.ResponseWriter, r *http.Request) {
	var req mountRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	kind, err := subscription.ParseChannelType(req.Kind)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	v, err := s.ws.Mount(kind, req.Symbol)
	if err != nil {
		s.writeWidgetError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleGetWidget(w http.ResponseWriter, r *http.Request) {
	v, err := s.ws.Get(r.PathValue("id"))
	if err != nil {
		s.writeWidgetError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

type switchRequest struct {
	Symbol string `json:"symbol"`
}

func (s *Server) handleSwitchMarket(w http.ResponseWriter, r *http.Request) {
	var req switchRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Symbol) == "" {
		s.writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}

	v, err := s.ws.Switch(r.PathValue("id"), req.Symbol)
	if err != nil {
		s.writeWidgetError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUnmountWidget(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.Unmount(r.PathValue("id")); err != nil {
		s.writeWidgetError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type entryResponse struct {
	Channel          subscription.ChannelType `json:"channel"`
	Symbol           string                   `json:"symbol"`
	RefCount         int                      `json:"refcount"`
	WireState        string                   `json:"wire_state"`
	SnapshotReceived bool                     `json:"snapshot_received"`
}

type subscriptionsResponse struct {
	Stats   subscription.Stats `json:"stats"`
	Entries []entryResponse    `json:"entries"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	entries := s.subs.Entries()
	resp := subscriptionsResponse{
		Stats:   s.subs.Stats(),
		Entries: make([]entryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, entryResponse{
			Channel:          e.Channel,
			Symbol:           e.Symbol,
			RefCount:         e.RefCount,
			WireState:        e.WireState.String(),
			SnapshotReceived: e.SnapshotReceived,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// statusFor maps workspace and coordinator errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, widget.ErrWidgetNotFound):
		return http.StatusNotFound
	case errors.Is(err, subscription.ErrLogic),
		errors.Is(err, widget.ErrTooManyWidgets),
		errors.Is(err, widget.ErrNotMounted),
		errors.Is(err, widget.ErrAlreadyMounted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeWidgetError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("widget operation failed", "error", err)
	}
	s.writeError(w, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
