package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/rbarinov/echoshell/internal/llm"
	"github.com/rbarinov/echoshell/internal/registry"
)

func TestHandleWSStreamsChunksThenCompletes(t *testing.T) {
	o := New(llm.NewDummyProvider(), nil, nil, registry.New(nil), nil)
	srv := httptest.NewServer(http.HandlerFunc(o.HandleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	req, _ := json.Marshal(inboundFrame{Type: frameText, Text: "hello"})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("write: %v", err)
	}

	var sawChunk, sawComplete bool
	for !sawComplete {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f outboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		switch f.Type {
		case frameChunk:
			sawChunk = true
		case frameComplete:
			sawComplete = true
			if f.Text == "" {
				t.Error("complete frame has empty text")
			}
		case frameError:
			t.Fatalf("unexpected error frame: %s", f.Error)
		}
	}
	if !sawChunk {
		t.Error("never saw a chunk frame before complete")
	}
}

func TestHandleWSResetContextClearsHistory(t *testing.T) {
	o := New(llm.NewDummyProvider(), nil, nil, registry.New(nil), nil)
	srv := httptest.NewServer(http.HandlerFunc(o.HandleWS))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	reset, _ := json.Marshal(inboundFrame{Type: frameResetContext})
	if err := conn.Write(ctx, websocket.MessageText, reset); err != nil {
		t.Fatalf("write reset: %v", err)
	}

	req, _ := json.Marshal(inboundFrame{Type: frameText, Text: "hi"})
	if err := conn.Write(ctx, websocket.MessageText, req); err != nil {
		t.Fatalf("write text: %v", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f outboundFrame
		json.Unmarshal(data, &f)
		if f.Type == frameComplete {
			return
		}
		if f.Type == frameError {
			t.Fatalf("unexpected error frame: %s", f.Error)
		}
	}
}

func TestExecuteWithoutSessionUsesLLM(t *testing.T) {
	o := New(llm.NewDummyProvider(), nil, nil, registry.New(nil), nil)
	result, err := o.Execute(context.Background(), "help", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Output == "" {
		t.Error("expected non-empty LLM output")
	}
}

func TestExecuteDispatchesToolSurfaceBeforeLLM(t *testing.T) {
	reg := registry.New(nil)
	tools := NewToolSurface(reg, nil)
	o := New(llm.NewDummyProvider(), nil, nil, reg, tools)

	result, err := o.Execute(context.Background(), "/sessions list", "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Output != "" {
		t.Errorf("Output = %q, want empty for zero sessions", result.Output)
	}
}

func TestExecuteUnknownSessionErrors(t *testing.T) {
	o := New(llm.NewDummyProvider(), nil, nil, registry.New(nil), nil)
	_, err := o.Execute(context.Background(), "ls", "does-not-exist")
	if err == nil {
		t.Error("expected error for unknown session id")
	}
}
