package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/link-assistant/agent/internal/core/event"
	"github.com/link-assistant/agent/internal/core/provider"
	"github.com/link-assistant/agent/internal/core/runtime"
	"github.com/link-assistant/agent/internal/core/types"
)

func init() {
	rootCmd.Flags().IntVar(&serverPortFlag, "port", 8080, "HTTP port for --server mode")
}

var serverPortFlag int

var chatTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "agent_server_chat_turns_total",
	Help: "Completed /chat turns, labeled by outcome.",
}, []string{"outcome"})

// serverDeps collects the collaborators --server mode drives one HTTP
// request's turn through, already wired by runDefault.
type serverDeps struct {
	loop         *runtime.Loop
	store        *runtime.Store
	resolver     *provider.Resolver
	bus          *event.Bus
	providerID   string
	modelID      string
	systemPrompt []string
	logger       *log.Logger
}

// chatRequest is one HTTP turn: an empty sessionID starts a fresh session.
type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

type chatResponse struct {
	SessionID string      `json:"sessionId"`
	Parts     []types.Part `json:"parts"`
	Usage     types.Usage `json:"usage"`
}

type serverHandler struct {
	deps serverDeps
}

func (h *serverHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "invalid request: message is required", http.StatusBadRequest)
		return
	}

	var rec *runtime.Record
	if req.SessionID != "" {
		loaded, err := h.deps.store.Load(req.SessionID)
		if err != nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		rec = loaded
	} else {
		rec = runtime.NewRecord(uuid.New().String())
	}

	appendUserMessage(rec, req.Message)
	if err := h.deps.loop.Run(r.Context(), rec, h.deps.providerID, h.deps.modelID, h.deps.systemPrompt); err != nil {
		chatTurnsTotal.WithLabelValues("error").Inc()
		http.Error(w, fmt.Sprintf("turn failed: %v", err), http.StatusInternalServerError)
		return
	}
	chatTurnsTotal.WithLabelValues("ok").Inc()

	var parts []types.Part
	if len(rec.Messages) > 0 {
		parts = rec.Messages[len(rec.Messages)-1].Parts
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(chatResponse{SessionID: rec.ID, Parts: parts, Usage: rec.Usage})
}

func (h *serverHandler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.deps.store.Load(id); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *serverHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// runServerMode serves the same session runtime over HTTP instead of
// stdio: one POST /chat per turn, addressed by an optional sessionId.
func runServerMode(ctx context.Context, deps serverDeps) error {
	h := &serverHandler{deps: deps}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/chat", h.handleChat).Methods("POST")
	r.HandleFunc("/session/{id}", h.handleDeleteSession).Methods("DELETE")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, req)
			deps.logger.Info("http request", "method", req.Method, "path", req.URL.Path, "duration", time.Since(start))
		})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", serverPortFlag),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		deps.logger.Info("serving", "port", serverPortFlag)
		serverErrors <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("agent: server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
