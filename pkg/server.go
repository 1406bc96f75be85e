package triggerdaq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// wsClient is one websocket subscriber of the status feed.
type wsClient struct {
	conn *websocket.Conn
	send chan StatusReport
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for report := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteJSON(report); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// Server exposes the DAQ control over HTTP and pushes every status change
// to websocket clients.
type Server struct {
	control  *DAQControl
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func NewServer(control *DAQControl, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		control:  control,
		gatherer: gatherer,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*wsClient]bool),
	}
	control.OnStatusChange(s.broadcast)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/activate", s.handleActivate)
	mux.HandleFunc("POST /api/deactivate", s.handleDeactivate)
	mux.HandleFunc("POST /api/start-run", s.handleStartRun)
	mux.HandleFunc("POST /api/stop-run", s.handleStopRun)
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("/ws", s.handleWebsocket)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Control server listening on %s", addr), "server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(fmt.Sprintf("error encoding response: %v", err))
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.control.Report())
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Activate(context.Background()); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.control.Report())
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	if err := s.control.Deactivate(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.control.Report())
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid run request: %w", err))
			return
		}
	}
	runID, err := s.control.StartRun(req)
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"run_id": runID})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	if err := s.control.StopRun(); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, s.control.Report())
}

type commandRequest struct {
	Node    string            `json:"node"`
	Command string            `json:"command"`
	Args    map[string]string `json:"args"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid command: %w", err))
		return
	}
	if req.Node == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("node and command are required"))
		return
	}
	if err := s.control.RunCommand(req.Node, req.Command, req.Args); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	runs, err := s.control.ListRuns(limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn(fmt.Sprintf("Upgrade: %v", err), "server")
		return
	}
	client := &wsClient{conn: conn, send: make(chan StatusReport, 16)}
	client.send <- s.control.Report()

	s.mu.Lock()
	s.clients[client] = true
	s.mu.Unlock()
	logger.Debug("Client connected", "server")

	go client.writePump()

	defer func() {
		s.mu.Lock()
		if s.clients[client] {
			delete(s.clients, client)
			close(client.send)
		}
		s.mu.Unlock()
		logger.Debug("Client disconnected", "server")
	}()

	// The feed is one-way; reading only detects the client going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcast drops the report for clients that are not keeping up.
func (s *Server) broadcast(report StatusReport) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- report:
		default:
		}
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		close(client.send)
		delete(s.clients, client)
	}
}
