package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rbarinov/echoshell/internal/headless"
	"github.com/rbarinov/echoshell/internal/ptysession"
	"github.com/rbarinov/echoshell/internal/wsproto"
)

func newTestRelay(t *testing.T, handler func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(r.Context(), conn)
	}))
}

func connectedTunnel(t *testing.T, onFrame func(frameType string, raw []byte)) (*wsproto.Client, func()) {
	t.Helper()
	srv := newTestRelay(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.Read(ctx) // register
		reply, _ := json.Marshal(wsproto.RegisteredMsg{Type: wsproto.TypeRegistered, TunnelID: "tun-1"})
		conn.Write(ctx, websocket.MessageText, reply)
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env wsproto.Envelope
			json.Unmarshal(data, &env)
			onFrame(env.Type, data)
		}
	})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := &wsproto.Client{RelayURL: wsURL, RegistrationKey: "k"}
	registered := make(chan struct{})
	c.OnRegistered = func(string, string, string) { close(registered) }

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)

	select {
	case <-registered:
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel never registered")
	}

	return c, func() { cancel(); srv.Close() }
}

func TestRouteForwardsToLocalListener(t *testing.T) {
	r := New(nil, nil)
	received := make(chan []byte, 1)
	r.AddLocalListener("s1", func(sessionID string, data []byte) {
		received <- data
	})

	desc := ptysession.Descriptor{SessionID: "s1", TerminalType: ptysession.Regular}
	r.Route(desc, []byte("hello\n"))

	select {
	case data := <-received:
		if string(data) != "hello\n" {
			t.Errorf("data = %q, want %q", data, "hello\n")
		}
	case <-time.After(time.Second):
		t.Fatal("local listener never received output")
	}
}

func TestRouteForwardsTerminalOutputOverTunnel(t *testing.T) {
	var mu sync.Mutex
	var gotData string
	frames := make(chan struct{}, 1)
	tunnel, closeFn := connectedTunnel(t, func(frameType string, raw []byte) {
		if frameType != wsproto.TypeTerminalOutput {
			return
		}
		var msg wsproto.TerminalOutputMsg
		json.Unmarshal(raw, &msg)
		mu.Lock()
		gotData = msg.Data
		mu.Unlock()
		frames <- struct{}{}
	})
	defer closeFn()

	r := New(tunnel, nil)
	desc := ptysession.Descriptor{SessionID: "s1", TerminalType: ptysession.Regular}
	r.Route(desc, []byte("abc"))

	select {
	case <-frames:
		mu.Lock()
		defer mu.Unlock()
		if gotData == "" {
			t.Error("expected base64 terminal output data")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal_output frame")
	}
}

func TestRouteHeadlessEmitsChatMessageAndFinalRecording(t *testing.T) {
	r := New(nil, nil)
	var msgs []headless.Message
	var mu sync.Mutex
	done := make(chan struct{})
	r.AddChatListener(func(sessionID string, msg headless.Message) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
		if msg.IsFinal {
			close(done)
		}
	})

	desc := ptysession.Descriptor{SessionID: "s1", TerminalType: ptysession.ClaudeCLI}
	line1 := `{"role":"assistant","content":"hi"}` + "\n"
	line2 := `{"type":"result","text":"done"}` + "\n"
	r.Route(desc, []byte(line1))
	r.Route(desc, []byte(line2))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("final headless message never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(msgs) != 2 {
		t.Fatalf("got %d chat messages, want 2", len(msgs))
	}
	if !msgs[1].IsFinal {
		t.Error("second message should be final")
	}
}

func TestMaybeSynthesizeSkippedWhenDisabled(t *testing.T) {
	synth := &recordingSynth{}
	r := New(nil, synth)
	r.SetTTSSettings("s1", TTSSettings{Enabled: false})
	r.maybeSynthesize("s1", "hello")
	if synth.calls != 0 {
		t.Errorf("Synthesize called %d times, want 0 when disabled", synth.calls)
	}
}

type recordingSynth struct {
	calls int
}

func (r *recordingSynth) Synthesize(text, voice string, speed float64, language string) ([]byte, string, error) {
	r.calls++
	return []byte("audio"), "wav", nil
}

type stubP2P struct {
	mu      sync.Mutex
	calls   int
	accept  bool
	lastArg []byte
}

func (s *stubP2P) Write(sessionID string, data []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastArg = data
	return s.accept, nil
}

func TestForwardDisplayPrefersP2PWhenOpen(t *testing.T) {
	r := New(nil, nil)
	p2p := &stubP2P{accept: true}
	r.SetP2P(p2p)

	desc := ptysession.Descriptor{SessionID: "s1", TerminalType: ptysession.Regular}
	r.Route(desc, []byte("abc"))

	p2p.mu.Lock()
	defer p2p.mu.Unlock()
	if p2p.calls != 1 {
		t.Fatalf("P2P.Write called %d times, want 1", p2p.calls)
	}
	if string(p2p.lastArg) != "abc" {
		t.Errorf("P2P.Write got %q, want %q", p2p.lastArg, "abc")
	}
}

func TestForwardDisplayFallsBackToTunnelWhenP2PDeclines(t *testing.T) {
	var gotFrame bool
	frames := make(chan struct{}, 1)
	tunnel, closeFn := connectedTunnel(t, func(frameType string, raw []byte) {
		if frameType == wsproto.TypeTerminalOutput {
			gotFrame = true
			frames <- struct{}{}
		}
	})
	defer closeFn()

	r := New(tunnel, nil)
	r.SetP2P(&stubP2P{accept: false})

	desc := ptysession.Descriptor{SessionID: "s1", TerminalType: ptysession.Regular}
	r.Route(desc, []byte("abc"))

	select {
	case <-frames:
		if !gotFrame {
			t.Error("expected a terminal_output frame over the tunnel fallback")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tunnel fallback frame")
	}
}
