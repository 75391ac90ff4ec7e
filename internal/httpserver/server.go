package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rbarinov/echoshell/internal/router"
)

// Server is LocalHTTPServer: a loopback-only REST+WS surface, reusing the
// same Handler the tunnel's demultiplexed HTTP requests dispatch into, plus
// the two endpoints that need a real hijackable connection.
type Server struct {
	Deps   Deps
	Router *router.Router // for /terminal/:id/stream output fan-out

	mu       sync.Mutex
	listener net.Listener
}

// New returns a Server. Call Start to begin listening.
func New(deps Deps, rtr *router.Router) *Server {
	return &Server{Deps: deps, Router: rtr}
}

// Start listens on addr (expected to be a loopback address, e.g.
// "127.0.0.1:4590") and serves until the listener is closed.
func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/", NewHandler(s.Deps))
	if s.Deps.Agent != nil {
		mux.HandleFunc("GET /agent/ws", s.Deps.Agent.HandleWS)
	}
	mux.HandleFunc("GET /terminal/{id}/stream", s.handleTerminalStream)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("local http listen: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Printf("[httpserver] listening on %s", addr)
	return http.Serve(ln, loopbackOnly(mux))
}

// Close stops the listener.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// loopbackOnly rejects any request whose RemoteAddr isn't 127.0.0.1 or ::1,
// per spec: this server binds to loopback but a misconfigured host network
// (e.g. a container port mapped outward) shouldn't turn that into an open
// proxy.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			http.Error(w, "forbidden: loopback only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type streamInbound struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
}

type streamOutbound struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// handleTerminalStream serves ws://.../terminal/:id/stream: raw terminal
// bytes out (mirroring Router's local-listener fan-out), keystrokes in.
func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, _, ok := s.Deps.Registry.Get(id); !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1024 * 1024)

	ctx := r.Context()

	if s.Router != nil {
		s.Router.AddLocalListener(id, func(sessionID string, data []byte) {
			out := streamOutbound{
				Type:      "output",
				SessionID: sessionID,
				Data:      string(data),
				Timestamp: time.Now().UnixMilli(),
			}
			payload, err := json.Marshal(out)
			if err != nil {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			conn.Write(writeCtx, websocket.MessageText, payload)
		})
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var in streamInbound
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		if in.Type != "input" {
			continue
		}
		if err := s.Deps.Registry.WriteInput(id, []byte(in.Data)); err != nil {
			log.Printf("httpserver: write input to %s: %v", id, err)
		}
	}
}
