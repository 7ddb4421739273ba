// Package transport exposes the observation surface the UI consumes: the
// pending permission queue and approve/deny over HTTP, the event stream
// and decision events over WebSocket, and the metrics endpoint. The core
// loop works with zero observers attached; this package is strictly
// additive.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/kadirpekel/loopcore/events"
	"github.com/kadirpekel/loopcore/observability"
	"github.com/kadirpekel/loopcore/permission"
)

// Server serves the observation API.
type Server struct {
	arbiter *permission.Arbiter
	broker  *events.Broker
	metrics *observability.Metrics
	router  chi.Router

	upgrader websocket.Upgrader
}

// New builds the Server and its routes. metrics may be nil.
func New(arbiter *permission.Arbiter, broker *events.Broker, metrics *observability.Metrics) *Server {
	s := &Server{
		arbiter: arbiter,
		broker:  broker,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The surface binds to loopback; browser-based local UIs
			// connect from file:// or localhost origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/permissions/pending", s.handlePending)
		r.Post("/permissions/{id}/approve", s.handleApprove)
		r.Post("/permissions/{id}/deny", s.handleDeny)
		r.Get("/events/ws", s.handleEventsWS)
	})
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("transport: listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type pendingEntry struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Operation string         `json:"operation"`
	Target    string         `json:"target"`
	Class     string         `json:"class"`
	Params    map[string]any `json:"params,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	pending := s.arbiter.Pending()
	out := make([]pendingEntry, 0, len(pending))
	for _, req := range pending {
		out = append(out, pendingEntry{
			ID:        req.ID,
			Tool:      req.ToolName,
			Operation: req.Operation,
			Target:    req.Target,
			Class:     req.Class.String(),
			Params:    req.Params,
			Timestamp: req.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, chi.URLParam(r, "id"), s.arbiter.Approve)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.decide(w, chi.URLParam(r, "id"), s.arbiter.Deny)
}

func (s *Server) decide(w http.ResponseWriter, id string, decide func(string) error) {
	switch err := decide(id); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, permission.ErrAlreadyDecided):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, permission.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

// wsFrame is one WebSocket message: either a loop event or a permission
// decision event.
type wsFrame struct {
	Kind     string                    `json:"kind"`
	Event    *events.Event             `json:"event,omitempty"`
	Decision *permission.DecisionEvent `json:"decision,omitempty"`
}

// handleEventsWS streams loop events and permission decisions to one
// attached UI until it disconnects.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	eventCh, unsubEvents := s.broker.Subscribe()
	defer unsubEvents()
	decisionCh, unsubDecisions := s.arbiter.Subscribe()
	defer unsubDecisions()

	// Drain the read side so close frames are processed.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var frame wsFrame
		select {
		case <-clientGone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			frame = wsFrame{Kind: "event", Event: &ev}
		case dec, ok := <-decisionCh:
			if !ok {
				return
			}
			frame = wsFrame{Kind: "decision", Decision: &dec}
		}

		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("transport: write response failed", "error", err)
	}
}
