// Package httpapi serves the local console: message injection, live event
// stream, and health.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jlia0/tinyclaw/internal/config"
	"github.com/jlia0/tinyclaw/internal/events"
	"github.com/jlia0/tinyclaw/internal/plugins"
	"github.com/jlia0/tinyclaw/internal/queue"
)

// Channel is the channel tag stamped on messages injected over HTTP.
const Channel = "http"

// Server is the local HTTP/SSE console.
type Server struct {
	cfg      config.APISettings
	q        *queue.FileQueue
	bus      *events.Bus
	pipeline *plugins.Pipeline

	httpServer *http.Server
}

// NewServer wires the console endpoints.
func NewServer(cfg config.APISettings, q *queue.FileQueue, bus *events.Bus, pipeline *plugins.Pipeline) *Server {
	return &Server{cfg: cfg, q: q, bus: bus, pipeline: pipeline}
}

// Mux registers the console routes.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.Mux()}

	slog.Info("httpapi: listening", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("httpapi server: %w", err)
	}
	return nil
}

type messageRequest struct {
	Sender   string `json:"sender"`
	SenderID string `json:"senderId"`
	Message  string `json:"message"`
	Agent    string `json:"agent,omitempty"`
}

// handleMessage enqueues one incoming message on the http channel.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if req.Sender == "" {
		req.Sender = "console"
	}

	msg := &queue.IncomingMessage{
		Channel:   Channel,
		Sender:    req.Sender,
		SenderID:  req.SenderID,
		Message:   req.Message,
		Timestamp: time.Now().UnixMilli(),
		MessageID: uuid.NewString(),
		Agent:     req.Agent,
	}
	if err := s.q.Enqueue(msg, ""); err != nil {
		slog.Error("httpapi: enqueue failed", "error", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"messageId": msg.MessageID})
}

// handleEvents streams bus events as SSE until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, cancel := s.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

type healthResponse struct {
	Status  string            `json:"status"`
	Plugins map[string]string `json:"plugins,omitempty"`
}

// handleHealth runs the plugin health hooks and reports failures.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	failures := s.pipeline.OnHealth(r.Context())

	resp := healthResponse{Status: "ok"}
	if len(failures) > 0 {
		resp.Status = "degraded"
		resp.Plugins = make(map[string]string, len(failures))
		for name, err := range failures {
			resp.Plugins[name] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if resp.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
