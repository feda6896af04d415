// Gateway module - HTTP surface over the task core.
// Uses dependency injection for all collaborators.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gliderlab/taskpilot/ledger"
	"github.com/gliderlab/taskpilot/pkg/config"
	"github.com/gliderlab/taskpilot/storage"
)

// Core is the task lifecycle surface the gateway fronts.
type Core interface {
	Submit(text, origin, tierOverride string) (string, error)
	Resume(taskID, input string) error
	Cancel(taskID string) error
	Status(taskID string) (*storage.Task, error)
	ActiveCount() map[string]int
}

// SpendReader exposes budget aggregates for the status endpoint.
type SpendReader interface {
	Aggregates(ctx context.Context, taskID string) (ledger.Aggregates, error)
}

// TaskLister pages recent tasks out of storage.
type TaskLister interface {
	RecentTasks(limit int) ([]*storage.Task, error)
}

// Gateway serves the HTTP and websocket API.
type Gateway struct {
	cfg    config.GatewayConfig
	core   Core
	spend  SpendReader
	lister TaskLister
	hub    *Hub
	server *http.Server
	mu     sync.Mutex
}

// New creates a gateway over the given core.
func New(cfg config.GatewayConfig, core Core, spend SpendReader, lister TaskLister) *Gateway {
	return NewWithHub(cfg, core, spend, lister, NewHub())
}

// NewWithHub creates a gateway around an existing event hub. The hub is
// usually built first so the core can emit into it before the gateway
// itself is wired.
func NewWithHub(cfg config.GatewayConfig, core Core, spend SpendReader, lister TaskLister, hub *Hub) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		core:   core,
		spend:  spend,
		lister: lister,
		hub:    hub,
	}

	// Apply defaults
	if g.cfg.Port == 0 {
		g.cfg.Port = 55010
	}
	if g.cfg.Host == "" {
		g.cfg.Host = "0.0.0.0"
	}
	if g.cfg.MaxBodyTask == 0 {
		g.cfg.MaxBodyTask = 256 * 1024
	}
	if g.cfg.ReadTimeout == 0 {
		g.cfg.ReadTimeout = 120 * time.Second
	}
	if g.cfg.WriteTimeout == 0 {
		g.cfg.WriteTimeout = 180 * time.Second
	}
	if g.cfg.IdleTimeout == 0 {
		g.cfg.IdleTimeout = 300 * time.Second
	}

	return g
}

// Hub returns the event hub, which satisfies the core's emitter interface.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Config returns the gateway configuration after defaults.
func (g *Gateway) Config() config.GatewayConfig {
	return g.cfg
}

// Handler builds the route table.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /tasks", g.handleSubmit)
	mux.HandleFunc("GET /tasks", g.handleList)
	mux.HandleFunc("GET /tasks/{id}", g.handleTask)
	mux.HandleFunc("POST /tasks/{id}/resume", g.handleResume)
	mux.HandleFunc("POST /tasks/{id}/cancel", g.handleCancel)
	mux.HandleFunc("GET /status", g.handleStatus)
	mux.HandleFunc("GET /events", g.hub.HandleWebSocket)

	return g.addCORS(mux)
}

// Start runs the HTTP server until Stop is called.
func (g *Gateway) Start() error {
	addr := fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port)
	g.mu.Lock()
	g.server = &http.Server{
		Addr:         addr,
		Handler:      g.Handler(),
		ReadTimeout:  g.cfg.ReadTimeout,
		WriteTimeout: g.cfg.WriteTimeout,
		IdleTimeout:  g.cfg.IdleTimeout,
	}
	server := g.server
	g.mu.Unlock()

	log.Printf("[OK] gateway listening on %s", addr)
	return server.ListenAndServe()
}

// Stop drains the server and closes all websocket clients.
func (g *Gateway) Stop() {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("[WARN] gateway graceful shutdown failed: %v", err)
			server.Close()
		}
	}
	g.hub.Close()
}

// writeJSON writes a JSON response with proper Content-Type header
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[WARN] encode response: %v", err)
	}
}

// writeError emits a structured error payload.
func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

func (g *Gateway) addCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	Text   string `json:"text"`
	Origin string `json:"origin,omitempty"`
	Tier   string `json:"tier,omitempty"`
}

func (g *Gateway) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyTask)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body exceeds %d bytes", tooLarge.Limit)
			return
		}
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "parse body: %v", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	origin := req.Origin
	if origin == "" {
		origin = "http"
	}

	id, err := g.core.Submit(req.Text, origin, req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (g *Gateway) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	tasks, err := g.lister.RecentTasks(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list tasks: %v", err)
		return
	}
	if tasks == nil {
		tasks = []*storage.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

func (g *Gateway) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := g.core.Status(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown task %s", id)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type resumeRequest struct {
	Input string `json:"input"`
}

func (g *Gateway) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxBodyTask)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: %v", err)
		return
	}
	var req resumeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "parse body: %v", err)
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}

	if err := g.core.Resume(id, req.Input); err != nil {
		writeCoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "resumed"})
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := g.core.Cancel(id); err != nil {
		writeCoreError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
}

// writeCoreError maps core failures: unknown tasks are 404, state
// conflicts are 409.
func writeCoreError(w http.ResponseWriter, id string, err error) {
	if strings.Contains(err.Error(), "unknown task") {
		writeError(w, http.StatusNotFound, "unknown task %s", id)
		return
	}
	writeError(w, http.StatusConflict, "%v", err)
}

type statusResponse struct {
	Active        map[string]int `json:"active"`
	DaySpendUSD   float64        `json:"day_spend_usd"`
	MonthSpendUSD float64        `json:"month_spend_usd"`
	Clients       int            `json:"event_clients"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	agg, err := g.spend.Aggregates(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "spend aggregates: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Active:        g.core.ActiveCount(),
		DaySpendUSD:   agg.DaySpend,
		MonthSpendUSD: agg.MonthSpend,
		Clients:       g.hub.ClientCount(),
	})
}
