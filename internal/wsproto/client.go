package wsproto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// ErrAuthRejected is returned when the relay rejects the registration key.
var ErrAuthRejected = errors.New("relay rejected registration key (401)")

// ErrTunnelDisconnected is returned by SendFrame when the socket is not open
// and the caller's context expires before a reconnect occurs.
var ErrTunnelDisconnected = errors.New("tunnel disconnected")

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	maxReconnectDelay = 30 * time.Second
	baseReconnectDelay = 1 * time.Second
	livenessTimeout    = 60 * time.Second
	requestTimeout     = 30 * time.Second
	outboundQueueCap   = 256
)

// Client is the laptop's persistent outbound connection to the rendezvous
// relay. It demultiplexes RPC (http_request/http_response) and per-session
// streaming traffic (terminal_input/output, recording_output, ...) over a
// single socket, reconnecting with backoff whenever the relay drops it.
type Client struct {
	RelayURL        string
	RegistrationKey string
	DisplayName     string
	Version         string

	// TunnelID is reused across reconnects and restarts so the relay grants
	// the same public URL. Empty on first run; populated after registration.
	TunnelID string

	// Handler answers demultiplexed http_request frames. It is invoked with
	// an http.Request reconstructed from the frame and must write to the
	// supplied http.ResponseWriter before returning.
	Handler http.Handler

	OnTerminalInput func(sessionID string, data []byte)
	OnResize        func(sessionID string, cols, rows int)
	OnRegistered    func(tunnelID, publicURL, wsURL string)
	OnReconnect     func(ctx context.Context)
	OnStateChange   func(state string, err error)

	OnMigrateAnswer   func(sessionID, sdp string)
	OnMigrateICE      func(sessionID, candidate string)
	OnMigrateFallback func(sessionID string)

	mu    sync.Mutex
	conn  *websocket.Conn
	outCh chan []byte
}

// Run connects to the relay and processes frames until ctx is cancelled,
// reconnecting automatically with exponential backoff. It returns
// ErrAuthRejected if the relay rejects the registration key, or ctx.Err()
// on clean shutdown.
func (c *Client) Run(ctx context.Context) error {
	c.notifyState("connecting", nil)
	backoff := NewBackoff(baseReconnectDelay, maxReconnectDelay)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if isAuthError(err) {
			c.notifyState("auth_failed", err)
			return ErrAuthRejected
		}
		if connected {
			backoff.Reset()
		}
		c.notifyState("disconnected", err)
		delay := backoff.Next()
		log.Printf("tunnel disconnected: %v — reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "401")
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.RelayURL, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(4 * 1024 * 1024)
	c.mu.Lock()
	c.conn = conn
	c.outCh = make(chan []byte, outboundQueueCap)
	c.mu.Unlock()
	defer func() {
		conn.CloseNow()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()
	connected = true

	if err := c.writeJSON(ctx, RegisterMsg{
		Type:            TypeRegister,
		TunnelID:        c.TunnelID,
		RegistrationKey: c.RegistrationKey,
		DisplayName:     c.DisplayName,
		Version:         c.Version,
	}); err != nil {
		return connected, fmt.Errorf("register: %w", err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writerLoop(serveCtx, conn)
	go c.heartbeatLoop(serveCtx)

	lastData := time.Now()
	livenessCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-serveCtx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				last := lastData
				c.mu.Unlock()
				if time.Since(last) > livenessTimeout {
					close(livenessCh)
					return
				}
			}
		}
	}()

	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, data, rerr := conn.Read(serveCtx)
			if rerr != nil {
				readErrCh <- rerr
				return
			}
			c.mu.Lock()
			lastData = time.Now()
			c.mu.Unlock()
			c.handleFrame(serveCtx, data)
		}
	}()

	select {
	case <-livenessCh:
		return connected, errors.New("no data for 60s, forcing reconnect")
	case rerr := <-readErrCh:
		return connected, fmt.Errorf("read: %w", rerr)
	case <-ctx.Done():
		return connected, ctx.Err()
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("tunnel: bad frame: %v", err)
		return
	}
	switch env.Type {
	case TypeRegistered:
		var msg RegisteredMsg
		json.Unmarshal(data, &msg)
		c.TunnelID = msg.TunnelID
		c.notifyState("connected", nil)
		if c.OnRegistered != nil {
			c.OnRegistered(msg.TunnelID, msg.PublicURL, msg.WSURL)
		}
		if c.OnReconnect != nil {
			go c.OnReconnect(ctx)
		}

	case TypeHTTPRequest:
		var req HTTPRequestMsg
		if err := json.Unmarshal(data, &req); err != nil {
			return
		}
		go c.serveHTTPRequest(ctx, req)

	case TypeTerminalInput:
		var msg TerminalInputMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if msg.Resize {
			if c.OnResize != nil {
				c.OnResize(msg.SessionID, msg.Cols, msg.Rows)
			}
			return
		}
		if c.OnTerminalInput == nil {
			return
		}
		raw, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			return
		}
		c.OnTerminalInput(msg.SessionID, raw)

	case TypeMigrateAnswer:
		var msg MigrateAnswerMsg
		json.Unmarshal(data, &msg)
		if c.OnMigrateAnswer != nil {
			c.OnMigrateAnswer(msg.SessionID, msg.SDP)
		}
	case TypeMigrateICE:
		var msg MigrateICEMsg
		json.Unmarshal(data, &msg)
		if c.OnMigrateICE != nil {
			c.OnMigrateICE(msg.SessionID, msg.Candidate)
		}
	case TypeMigrateFallback:
		var msg MigrateFallbackMsg
		json.Unmarshal(data, &msg)
		if c.OnMigrateFallback != nil {
			c.OnMigrateFallback(msg.SessionID)
		}

	case TypeError:
		var msg ErrorMsg
		json.Unmarshal(data, &msg)
		log.Printf("tunnel: relay error: %s", msg.Message)

	case TypeRelayRestart:
		log.Printf("tunnel: relay restarting, expect disconnect")

	default:
		log.Printf("tunnel: unknown frame type %q", env.Type)
	}
}

// serveHTTPRequest reconstructs an *http.Request from the frame, dispatches
// it to Handler, and writes the http_response frame back within
// requestTimeout; a slower handler yields a 504.
func (c *Client) serveHTTPRequest(ctx context.Context, req HTTPRequestMsg) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var bodyReader io.Reader = bytes.NewReader(nil)
	if req.Body != "" {
		raw, err := base64.StdEncoding.DecodeString(req.Body)
		if err == nil {
			bodyReader = bytes.NewReader(raw)
		}
	}

	url := req.Path
	if req.Query != "" {
		url += "?" + req.Query
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, url, bodyReader)
	if err != nil {
		c.respond(ctx, req.RequestID, 400, []byte(`{"error":"bad request"}`))
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	rec := newRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if c.Handler != nil {
			c.Handler.ServeHTTP(rec, httpReq)
		} else {
			rec.WriteHeader(http.StatusNotImplemented)
		}
	}()

	select {
	case <-done:
		c.respond(ctx, req.RequestID, rec.status, rec.body.Bytes())
	case <-reqCtx.Done():
		c.respond(ctx, req.RequestID, http.StatusGatewayTimeout, []byte(`{"error":"upstream timeout"}`))
	}
}

func (c *Client) respond(ctx context.Context, requestID string, status int, body []byte) {
	c.writeJSON(ctx, HTTPResponseMsg{
		Type:       TypeHTTPResponse,
		RequestID:  requestID,
		StatusCode: status,
		Body:       base64.StdEncoding.EncodeToString(body),
	})
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeJSON(ctx, HeartbeatMsg{Type: TypeHeartbeat, TunnelID: c.TunnelID})
		}
	}
}

func (c *Client) writerLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.outCh:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// Connected reports whether the tunnel socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendFrame enqueues an outbound frame. If the socket is down, it blocks
// until ctx is done (the caller typically supplies a 10s timeout per the
// TunnelDisconnected error policy) and returns ErrTunnelDisconnected.
func (c *Client) SendFrame(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ch := c.outCh
	c.mu.Unlock()
	for ch == nil {
		select {
		case <-ctx.Done():
			return ErrTunnelDisconnected
		case <-time.After(10 * time.Millisecond):
		}
		c.mu.Lock()
		ch = c.outCh
		c.mu.Unlock()
	}
	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ErrTunnelDisconnected
	}
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	return c.SendFrame(ctx, v)
}

// responseRecorder is a minimal http.ResponseWriter implementation so
// Handler can be reused unmodified by both the tunnel RPC path and the
// loopback HTTP server.
type responseRecorder struct {
	status int
	header http.Header
	body   *bytes.Buffer
}

func newRecorder() *responseRecorder {
	return &responseRecorder{status: 200, header: make(http.Header), body: &bytes.Buffer{}}
}

func (r *responseRecorder) Header() http.Header { return r.header }
func (r *responseRecorder) Write(b []byte) (int, error) { return r.body.Write(b) }
func (r *responseRecorder) WriteHeader(status int) { r.status = status }
