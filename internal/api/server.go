// Package api provides the HTTP and WebSocket control plane.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/helios-quant/strategy-engine/internal/engine"
	"github.com/helios-quant/strategy-engine/internal/eventlog"
	"github.com/helios-quant/strategy-engine/internal/execution"
	"github.com/helios-quant/strategy-engine/internal/marketdata"
	"github.com/helios-quant/strategy-engine/internal/metrics"
	"github.com/helios-quant/strategy-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns the standard local settings.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Server is the HTTP/WebSocket API server.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	engine     *engine.Engine
	metrics    *metrics.Metrics
	// live feeds by run id, for the push endpoint
	feeds map[string]*marketdata.LiveSource
}

// StartRunRequest is the POST /runs payload. Snapshots seed a backtest's
// replay series; DataFile loads one from disk.
type StartRunRequest struct {
	Config    types.RunConfig        `json:"config"`
	Snapshots []types.MarketSnapshot `json:"snapshots,omitempty"`
	DataFile  string                 `json:"dataFile,omitempty"`
}

// NewServer creates the API server.
func NewServer(logger *zap.Logger, config *ServerConfig, eng *engine.Engine, m *metrics.Metrics) *Server {
	server := &Server{
		logger:  logger.Named("api"),
		config:  config,
		router:  mux.NewRouter(),
		hub:     NewHub(logger),
		engine:  eng,
		metrics: m,
		feeds:   make(map[string]*marketdata.LiveSource),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // local control plane
			},
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/runs", s.handleStartRun).Methods("POST")
	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}/stop", s.handleStopRun).Methods("POST")
	s.router.HandleFunc("/api/v1/runs/{id}/instructions", s.handleSubmitInstruction).Methods("POST")
	s.router.HandleFunc("/api/v1/runs/{id}/marketdata", s.handlePushMarketData).Methods("POST")
	s.router.HandleFunc("/api/v1/runs/{id}/decisions", s.handleGetDecisions).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}/positions", s.handleGetPositions).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}/pnl", s.handleGetPnL).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}/events", s.handleGetEvents).Methods("GET")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Router exposes the configured router (tests drive it directly).
func (s *Server) Router() http.Handler { return s.router }

// Start starts the hub and the HTTP server.
func (s *Server) Start() error {
	go s.hub.Run()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("Starting API server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  types.ErrorCode(err),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
		"runs":   len(s.engine.RunIDs()),
	})
}

// handleStartRun builds the run's market data source and paper venues from
// the request and launches it.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	cfg := req.Config
	var source marketdata.Source
	var feed *marketdata.LiveSource
	tracker := &priceTracker{}

	switch cfg.Mode {
	case types.ModeLive:
		feed = marketdata.NewLiveSource(s.logger, 256)
		source = tracker.wrapStreaming(feed)
	default:
		replay := marketdata.NewReplaySource(s.logger)
		if req.DataFile != "" {
			if err := replay.LoadFile(req.DataFile); err != nil {
				s.writeError(w, http.StatusBadRequest, err)
				return
			}
		}
		for i := range req.Snapshots {
			replay.Add(&req.Snapshots[i])
		}
		source = tracker.wrapReplayable(replay)
	}

	exec := execution.NewManager(s.logger)
	for _, vc := range cfg.Venues {
		exec.Register(execution.NewPaperVenue(vc.Name, s.logger, tracker.price), vc.SubmitTimeout)
	}
	// Wallet-held instruments settle internally at the tracked price.
	exec.Register(execution.NewPaperVenue("wallet", s.logger, tracker.price), 0)

	// The run outlives the request; never tie its loop to r.Context().
	id, err := s.engine.StartRun(context.Background(), &cfg, source, exec)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if feed != nil {
		s.mu.Lock()
		s.feeds[id] = feed
		s.mu.Unlock()
	}

	run, err := s.engine.Run(id)
	if err == nil {
		s.hub.StreamRun(id, run.EventLog().Subscribe(256))
	}

	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": s.engine.RunIDs()})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request) (*engine.Run, bool) {
	id := mux.Vars(r)["id"]
	run, err := s.engine.Run(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return run, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	resp := map[string]interface{}{
		"id":    run.ID(),
		"state": string(run.State()),
	}
	if err := run.Err(); err != nil {
		resp["error"] = err.Error()
		resp["errorCode"] = types.ErrorCode(err)
	}
	if risk := run.LastRisk(); risk != nil {
		resp["riskLevel"] = string(risk.Overall)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.StopRun(id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "stopped": true})
}

func (s *Server) handleSubmitInstruction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var instr types.Instruction
	if err := json.NewDecoder(r.Body).Decode(&instr); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid instruction body: %w", err))
		return
	}
	if err := s.engine.SubmitExternalInstruction(id, instr); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"queued": true})
}

func (s *Server) handlePushMarketData(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.RLock()
	feed, ok := s.feeds[id]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("run %s has no live feed", id))
		return
	}

	var snap types.MarketSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid snapshot body: %w", err))
		return
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	feed.Push(&snap)
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true})
}

func (s *Server) handleGetDecisions(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": run.Decisions()})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run.Positions())
}

func (s *Server) handleGetPnL(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}
	history := run.PnLHistory()
	resp := map[string]interface{}{"history": history}
	if len(history) > 0 {
		last := history[len(history)-1]
		resp["latest"] = last
		resp["total"] = last.Total().String()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.run(w, r)
	if !ok {
		return
	}

	filter := eventlog.Filter{}
	q := r.URL.Query()
	for _, t := range q["type"] {
		filter.Types = append(filter.Types, types.EventType(t))
	}
	filter.Sources = q["source"]
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from timestamp: %w", err))
			return
		}
		filter.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid to timestamp: %w", err))
			return
		}
		filter.To = ts
	}
	if v := q.Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &filter.Limit); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %w", err))
			return
		}
	}

	events, err := run.Events(filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), s.hub, conn)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}

// priceTracker remembers the last snapshot the engine pulled so paper
// venues fill at that tick's prices.
type priceTracker struct {
	mu   sync.RWMutex
	snap *types.MarketSnapshot
}

func (t *priceTracker) price(instrument types.InstrumentKey) (decimal.Decimal, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.snap == nil {
		return decimal.Zero, false
	}
	return t.snap.Price(instrument)
}

func (t *priceTracker) record(snap *types.MarketSnapshot) {
	t.mu.Lock()
	t.snap = snap
	t.mu.Unlock()
}

type trackedReplayable struct {
	marketdata.Replayable
	tracker *priceTracker
}

func (s *trackedReplayable) GetSnapshot(ctx context.Context, ts time.Time) (*types.MarketSnapshot, error) {
	snap, err := s.Replayable.GetSnapshot(ctx, ts)
	if err == nil {
		s.tracker.record(snap)
	}
	return snap, err
}

type trackedStreaming struct {
	marketdata.Streaming
	tracker *priceTracker
}

func (s *trackedStreaming) GetSnapshot(ctx context.Context, ts time.Time) (*types.MarketSnapshot, error) {
	snap, err := s.Streaming.GetSnapshot(ctx, ts)
	if err == nil {
		s.tracker.record(snap)
	}
	return snap, err
}

// Updates records each pushed snapshot on its way to the live loop so
// paper venues fill at the prices the loop is seeing.
func (s *trackedStreaming) Updates() <-chan *types.MarketSnapshot {
	in := s.Streaming.Updates()
	out := make(chan *types.MarketSnapshot)
	go func() {
		defer close(out)
		for snap := range in {
			s.tracker.record(snap)
			out <- snap
		}
	}()
	return out
}

func (t *priceTracker) wrapReplayable(src marketdata.Replayable) marketdata.Replayable {
	return &trackedReplayable{Replayable: src, tracker: t}
}

func (t *priceTracker) wrapStreaming(src marketdata.Streaming) marketdata.Streaming {
	return &trackedStreaming{Streaming: src, tracker: t}
}
