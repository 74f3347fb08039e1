// Package dashboard serves a live feed of the sync state over WebSocket.
//
// Every change to the coordinator's state is broadcast to connected
// clients as a sync_state message, followed by a queue message whenever the
// number of pending mutations changes.
//
// Each client has its own bounded send queue drained by its own writer. A
// client that falls a full queue behind is disconnected; the others never
// wait on it.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names the payload carried by a Message.
type MessageType string

const (
	// MessageTypeSyncState carries a coordinator.State.
	MessageTypeSyncState MessageType = "sync_state"

	// MessageTypeQueue carries a QueueData.
	MessageTypeQueue MessageType = "queue"
)

// Message is one frame sent to dashboard clients.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	clientQueueSize = 32
	writeTimeout    = 5 * time.Second
)

// client is one WebSocket connection and its pending frames.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server fans dashboard messages out to WebSocket clients.
type Server struct {
	addr     string
	mux      *http.ServeMux
	listener net.Listener
	httpSrv  *http.Server
	logger   *log.Logger

	mu       sync.RWMutex
	clients  map[*client]struct{}
	snapshot func() []Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8788). Port 0 picks a free port.
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:   "127.0.0.1:8788",
		Logger: log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// NewServer returns a server ready to accept clients through Handler. Start
// additionally listens on the configured address.
func NewServer(config *Config) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	s := &Server{
		addr:    config.Addr,
		logger:  config.Logger,
		clients: make(map[*client]struct{}),
	}
	if s.addr == "" {
		s.addr = defaults.Addr
	}
	if s.logger == nil {
		s.logger = defaults.Logger
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	return s
}

// Handler returns the HTTP handler with all dashboard routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// SetSnapshot registers the function producing the messages a client
// receives right after connecting, and that GET /state returns.
func (s *Server) SetSnapshot(fn func() []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = fn
}

func (s *Server) currentSnapshot() []Message {
	s.mu.RLock()
	fn := s.snapshot
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		delete(s.clients, c)
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	var err error
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := s.httpSrv.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("server shutdown error: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return err
}

// Broadcast queues msg for every connected client. Clients whose queue is
// full are dropped.
func (s *Server) Broadcast(msg Message) {
	if s.ctx.Err() != nil {
		return
	}
	data, err := encode(msg)
	if err != nil {
		s.logger.Printf("Failed to encode %s message: %v", msg.Type, err)
		return
	}

	var slow []*client
	s.mu.RLock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.Println("Dropping client that stopped reading")
		s.disconnect(c, websocket.StatusPolicyViolation, "too slow")
	}
}

func encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return json.Marshal(msg)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueueSize)}
	// The snapshot is queued ahead of any broadcast.
	for _, msg := range s.currentSnapshot() {
		data, err := encode(msg)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Client connected (total: %d)", n)

	// Clients only listen. CloseRead's context ends when the peer goes away
	// or sends a data frame.
	s.writeLoop(conn.CloseRead(s.ctx), c)
}

// writeLoop sends queued frames until the connection or server ends.
func (s *Server) writeLoop(ctx context.Context, c *client) {
	defer s.disconnect(c, websocket.StatusNormalClosure, "")

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				s.logger.Printf("Failed to send to client: %v", err)
				return
			}
		}
	}
}

func (s *Server) disconnect(c *client, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()

	_ = c.conn.Close(code, reason)
	s.logger.Printf("Client disconnected (total: %d)", n)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// handleState returns the connect snapshot as a JSON array.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	msgs := s.currentSnapshot()
	if msgs == nil {
		msgs = []Message{}
	}
	writeJSON(w, msgs)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>agentdesk sync</title></head>
<body>
<h1>agentdesk sync</h1>
<ul>
<li>Live feed: <code>ws://%[1]s/ws</code></li>
<li><a href="/state">Current state</a></li>
<li><a href="/health">Health</a></li>
</ul>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
