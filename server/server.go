// Package server streams job progress to subscribers over WebSocket and
// serves the job status and enqueue endpoints.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/pawnx/am"
	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/pawn"
	"github.com/teranos/pawnx/pulse"
	"github.com/teranos/pawnx/pulse/async"
	"github.com/teranos/pawnx/version"
)

// ShutdownTimeout bounds how long Stop waits for connections to drain
const ShutdownTimeout = 5 * time.Second

// Server is the progress and status HTTP server
type Server struct {
	service        *pawn.Service
	queue          *async.Queue
	bus            *pulse.Bus
	allowedOrigins []string
	logger         *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[*Client]bool
	http    *http.Server
}

// New creates a server over a wired runtime's service, queue and bus
func New(cfg am.ServerConfig, service *pawn.Service, queue *async.Queue, bus *pulse.Bus, log *zap.SugaredLogger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		service:        service,
		queue:          queue,
		bus:            bus,
		allowedOrigins: cfg.AllowedOrigins,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		clients:        make(map[*Client]bool),
	}
}

// Handler returns the server's routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/progress", s.corsMiddleware(s.HandleProgress))
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/api/pulse/jobs/", s.corsMiddleware(s.HandlePulseJob)) // status (GET), cancel (DELETE)
	mux.HandleFunc("/api/pulse/jobs", s.corsMiddleware(s.HandlePulseJobs))
	mux.HandleFunc("/api/repayments", s.corsMiddleware(s.HandleRepayments))
	mux.HandleFunc("/api/mints", s.corsMiddleware(s.HandleMints))
	mux.HandleFunc("/api/purchases", s.corsMiddleware(s.HandlePurchases))
	mux.HandleFunc("/api/discovery", s.corsMiddleware(s.HandleDiscovery))
	mux.HandleFunc("/api/tokens/", s.corsMiddleware(s.HandleTokenFailures)) // /api/tokens/{id}/failures
	return mux
}

// Start listens on port until Stop. It returns http.ErrServerClosed after a
// clean Stop.
func (s *Server) Start(port int) error {
	if port == 0 {
		port = am.DefaultServerPort
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", port)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Infow("Server ready", "addr", ln.Addr().String())
	return srv.Serve(ln)
}

// Stop closes every progress connection and shuts the listener down
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.cancel()

	s.mu.Lock()
	srv := s.http
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range clients {
		c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Connection shutdown timed out", "timeout", ShutdownTimeout)
	}
	s.logger.Infow("Server shutdown complete")
	return err
}

// ClientCount is the number of connected progress subscribers
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// HandleProgress upgrades to a WebSocket that receives every progress event
// addressed to ?subscriber=<id>
func (s *Server) HandleProgress(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("subscriber")
	if subscriberID == "" {
		writeError(w, http.StatusBadRequest, "Missing subscriber")
		return
	}
	if s.ctx.Err() != nil {
		writeError(w, http.StatusServiceUnavailable, "Server shutting down")
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	events, unsubscribe := s.bus.Subscribe(subscriberID)
	c := &Client{
		server:       s,
		conn:         conn,
		events:       events,
		unsubscribe:  unsubscribe,
		subscriberID: subscriberID,
		id:           uuid.NewString(),
	}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	s.logger.Infow("Progress subscriber connected", "client_id", shortID(c.id), "subscriber", subscriberID)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// HandleHealth reports liveness and connected subscriber count
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": version.Get().Short(),
		"clients": s.ClientCount(),
	})
}
