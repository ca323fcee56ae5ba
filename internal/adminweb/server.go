// Package adminweb serves a small operations dashboard: a JSON stats
// endpoint, a health check, and a websocket feed that pushes store and
// worker counters to connected operators once per second.
package adminweb

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"notifyfeed/server/internal/logging"
	"notifyfeed/server/internal/profilestore"
	"notifyfeed/server/internal/transport"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	pushInterval = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected dashboard observer.
type client struct {
	conn *websocket.Conn
	send chan []byte
	id   string
}

type statsPayload struct {
	Type          string `json:"type"`
	Profiles      int    `json:"profiles"`
	Sessions      int    `json:"sessions"`
	PendingNotifs int    `json:"pending_notifs"`
	Workers       int    `json:"workers"`
	TimestampUnix int64  `json:"timestamp_unix"`
}

// Server serves the dashboard's HTTP surface and fans periodic stats
// snapshots out to every connected websocket client.
type Server struct {
	store      *profilestore.Store
	transport  *transport.ReliableTransport
	workerList func() []string
	logger     *logging.Logger
	limiter    *slidingWindowLimiter

	mu      sync.Mutex
	clients map[*client]bool

	stop chan struct{}
	done chan struct{}
}

// New builds a Server. workerList, if non-nil, is queried for the current
// worker names each push tick (used only for the reported worker count).
// rateWindow/rateBurst bound how many new websocket connections are
// accepted per window; callers pass cfg.AdminRateWindow/AdminRateBurst.
func New(store *profilestore.Store, t *transport.ReliableTransport, workerList func() []string, logger *logging.Logger, rateWindow time.Duration, rateBurst int) *Server {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	s := &Server{
		store:      store,
		transport:  t,
		workerList: workerList,
		logger:     logger,
		limiter:    newSlidingWindowLimiter(rateWindow, rateBurst, time.Now),
		clients:    make(map[*client]bool),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go s.pushLoop()
	return s
}

// Handler returns the dashboard's http.Handler, mountable under any prefix.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/api/stats", s.serveStats)
	mux.HandleFunc("/healthz", s.serveHealthz)
	return mux
}

// Close stops the push loop and disconnects every websocket client.
func (s *Server) Close() {
	close(s.stop)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
}

func (s *Server) snapshot() statsPayload {
	stats := s.store.Stats()
	workers := 0
	if s.workerList != nil {
		workers = len(s.workerList())
	}
	return statsPayload{
		Type:          "stats",
		Profiles:      stats.Profiles,
		Sessions:      stats.Sessions,
		PendingNotifs: stats.PendingNotifs,
		Workers:       workers,
		TimestampUnix: time.Now().Unix(),
	}
}

func (s *Server) pushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.snapshot())
			if err != nil {
				s.logger.Error("failed to marshal dashboard stats", logging.Error(err))
				continue
			}
			s.broadcast(payload)
		}
	}
}

func (s *Server) broadcast(msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			close(c.send)
			delete(s.clients, c)
		}
	}
}

func (s *Server) serveStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.snapshot()); err != nil {
		s.logger.Error("encode stats response failed", logging.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) serveHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.logger.Warn("refusing dashboard connection: rate limit exceeded", logging.String("remote_addr", r.RemoteAddr))
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("dashboard websocket upgrade failed", logging.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16), id: r.RemoteAddr}
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		s.logger.Error("failed to set initial read deadline", logging.Error(err))
		s.deregister(c)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.readPump(c)
	go s.writePump(c)
}

func (s *Server) deregister(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	_ = c.conn.Close()
}

// readPump discards inbound frames; the dashboard is push-only, but a
// reader goroutine is required to drive the pong handler and notice a
// closed connection.
func (s *Server) readPump(c *client) {
	defer s.deregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
