package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"asset-optimizer/internal/config"
	"asset-optimizer/internal/optimizer"
	"asset-optimizer/internal/report"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// OptimizerFactory builds a batch optimizer that reports every outcome to hook.
type OptimizerFactory func(hook optimizer.ProgressHook) optimizer.BatchOptimizer

type Server struct {
	cfg          *config.Config
	log          *logrus.Logger
	router       *mux.Router
	httpServer   *http.Server
	httpMutex    sync.Mutex
	stopped      bool
	wsUpgrader   websocket.Upgrader
	wsClients    map[*websocket.Conn]bool
	wsMutex      sync.Mutex
	newOptimizer OptimizerFactory

	// Current operation state
	operationMutex sync.RWMutex
	isRunning      bool
	runID          string
	processed      int
	cancel         context.CancelFunc
	lastReport     *report.Report
	runs           sync.WaitGroup
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type OptimizeRequest struct {
	Directory      string   `json:"directory"`
	Subdirectories []string `json:"subdirectories,omitempty"`
	Recursive      *bool    `json:"recursive,omitempty"`
	Policy         string   `json:"policy,omitempty"`
	ThresholdKB    *float64 `json:"threshold_kb,omitempty"`
	Quality        *int     `json:"quality,omitempty"`
	DryRun         bool     `json:"dry_run"`
}

type AssetEntry struct {
	Path          string  `json:"path"`
	Name          string  `json:"name"`
	SizeKB        float64 `json:"size_kb"`
	OverThreshold bool    `json:"over_threshold"`
	ModifiedTime  string  `json:"modified_time"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func NewServer(cfg *config.Config, log *logrus.Logger, factory OptimizerFactory) *Server {
	s := &Server{
		cfg:          cfg,
		log:          log,
		router:       mux.NewRouter(),
		wsClients:    make(map[*websocket.Conn]bool),
		newOptimizer: factory,
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local tool, no cross-origin policy
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/optimize", s.handleOptimize).Methods("POST")
	api.HandleFunc("/stop", s.handleStop).Methods("POST")
	api.HandleFunc("/report", s.handleReport).Methods("GET")
	api.HandleFunc("/assets", s.handleListAssets).Methods("GET")
	api.HandleFunc("/policies", s.handlePolicies).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpMutex.Lock()
	if s.stopped {
		s.httpMutex.Unlock()
		return http.ErrServerClosed
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv := s.httpServer
	s.httpMutex.Unlock()

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return srv.ListenAndServe()
}

// Stop cancels a running batch, waits for it and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.operationMutex.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.operationMutex.Unlock()
	s.runs.Wait()

	s.httpMutex.Lock()
	s.stopped = true
	srv := s.httpServer
	s.httpMutex.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Wait blocks until the running batch, if any, has finished.
func (s *Server) Wait() {
	s.runs.Wait()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	running := s.isRunning
	runID := s.runID
	processed := s.processed
	last := s.lastReport
	s.operationMutex.RUnlock()

	var totals interface{}
	if last != nil {
		totals = last.Totals()
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":   running,
			"run_id":    runID,
			"processed": processed,
			"totals":    totals,
		},
	})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req OptimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Directory == "" {
		s.writeError(w, "Directory is required", http.StatusBadRequest)
		return
	}

	if info, err := os.Stat(req.Directory); err != nil || !info.IsDir() {
		s.writeError(w, "Directory does not exist", http.StatusBadRequest)
		return
	}

	opts, err := s.optionsFor(req)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.operationMutex.Lock()
	if s.isRunning {
		s.operationMutex.Unlock()
		s.writeError(w, "Operation already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	runID := uuid.NewString()
	s.isRunning = true
	s.runID = runID
	s.processed = 0
	s.cancel = cancel
	s.runs.Add(1)
	s.operationMutex.Unlock()

	go s.runOptimizeAsync(ctx, runID, opts)

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Optimization started",
		Data:    map[string]interface{}{"run_id": runID},
	})
}

// optionsFor overlays request fields on the server configuration.
func (s *Server) optionsFor(req OptimizeRequest) (optimizer.Options, error) {
	cfg := *s.cfg
	cfg.Directory = req.Directory
	if req.Subdirectories != nil {
		cfg.Subdirectories = req.Subdirectories
	}
	if req.Recursive != nil {
		cfg.Recursive = *req.Recursive
	}
	if req.Policy != "" {
		cfg.Optimization.Policy = req.Policy
	}
	if req.ThresholdKB != nil {
		cfg.Optimization.ThresholdKB = *req.ThresholdKB
	}
	if req.Quality != nil {
		cfg.Optimization.Quality = *req.Quality
	}
	cfg.Optimization.DryRun = req.DryRun

	if err := cfg.Validate(); err != nil {
		return optimizer.Options{}, err
	}
	return optimizer.OptionsFromConfig(&cfg)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.Lock()
	running := s.isRunning
	if s.cancel != nil {
		s.cancel()
	}
	s.operationMutex.Unlock()

	if !running {
		s.writeJSON(w, APIResponse{
			Success: true,
			Message: "No operation in progress",
		})
		return
	}

	s.broadcastWSMessage("run_stopping", map[string]interface{}{
		"message": "Operation stopped by user",
	})

	s.writeJSON(w, APIResponse{
		Success: true,
		Message: "Operation stopping",
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	last := s.lastReport
	s.operationMutex.RUnlock()

	if last == nil {
		s.writeJSON(w, APIResponse{
			Success: true,
			Data:    nil,
		})
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    last.Snapshot(),
	})
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "."
	}

	// Security check - prevent directory traversal
	path = filepath.Clean(path)
	if strings.Contains(path, "..") {
		s.writeError(w, "Invalid path", http.StatusBadRequest)
		return
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		s.writeError(w, fmt.Sprintf("Failed to read directory: %v", err), http.StatusInternalServerError)
		return
	}

	opts, err := optimizer.OptionsFromConfig(s.cfg)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	opts.Directory = path

	assets := make([]AssetEntry, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fullPath := filepath.Join(path, entry.Name())
		if !opts.Accepts(fullPath) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		sizeKB := float64(info.Size()) / 1024
		assets = append(assets, AssetEntry{
			Path:          fullPath,
			Name:          entry.Name(),
			SizeKB:        sizeKB,
			OverThreshold: sizeKB > opts.ThresholdKB,
			ModifiedTime:  info.ModTime().Format(time.RFC3339),
		})
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    assets,
	})
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, APIResponse{
		Success: true,
		Data:    config.GetAvailablePolicies(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

func (s *Server) runOptimizeAsync(ctx context.Context, runID string, opts optimizer.Options) {
	defer s.runs.Done()

	s.broadcastWSMessage("run_started", map[string]interface{}{
		"run_id":    runID,
		"directory": opts.Directory,
		"policy":    opts.Policy,
		"threshold": opts.ThresholdKB,
		"quality":   opts.Quality,
		"dry_run":   opts.DryRun,
	})

	opt := s.newOptimizer(func(outcome report.Outcome) {
		s.operationMutex.Lock()
		s.processed++
		s.operationMutex.Unlock()
		s.broadcastWSMessage("asset_done", map[string]interface{}{
			"run_id":  runID,
			"outcome": outcome,
		})
	})

	rep, err := opt.Run(ctx, opts)

	s.operationMutex.Lock()
	s.isRunning = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if rep != nil {
		s.lastReport = rep
	}
	s.operationMutex.Unlock()

	if err != nil {
		s.log.Errorf("Run %s failed: %v", runID, err)
		s.broadcastWSMessage("run_error", map[string]interface{}{
			"run_id": runID,
			"error":  err.Error(),
		})
		return
	}

	s.broadcastWSMessage("run_completed", map[string]interface{}{
		"run_id":  runID,
		"summary": rep.SummaryLine(),
		"totals":  rep.Totals(),
	})
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// gorilla connections allow one concurrent writer
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{
		Success: false,
		Error:   message,
	})
}
