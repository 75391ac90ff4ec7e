// Package agent implements AgentOrchestrator: the supervisor-mode chat
// websocket and the per-session execute path that binds typed commands or
// transcribed speech to either a headless agent process or the LLM.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/rbarinov/echoshell/internal/llm"
	"github.com/rbarinov/echoshell/internal/registry"
)

// maxHistoryMessages bounds per-socket conversation history; oldest turns
// are evicted first once the cap is hit. A real token-budget accountant
// would replace this, but message count is the implementation-chosen proxy.
const maxHistoryMessages = 40

// frame type discriminators for the /agent/ws protocol.
const (
	frameText          = "text"
	frameAudio         = "audio"
	frameResetContext  = "reset_context"
	frameTranscription = "transcription"
	frameChunk         = "chunk"
	frameComplete      = "complete"
	frameError         = "error"
)

type inboundFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"` // base64, present for type=="audio"
}

type outboundFrame struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Audio string `json:"audio,omitempty"` // base64
	Error string `json:"error,omitempty"`
}

// Transcriber turns recorded audio into text for supervisor-mode voice
// input, mirroring the ProxyLayer's STT forwarding but invoked directly by
// the gateway rather than by a remote device.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, language string) (text string, err error)
}

// Synthesizer turns completed assistant text into audio, the same
// interface shape OutputRouter consumes for recording-stream TTS.
type Synthesizer interface {
	Synthesize(text, voice string, speed float64, language string) (audio []byte, format string, err error)
}

// Orchestrator implements AgentOrchestrator's two modes: the process-wide
// supervisor chat and the per-session execute path.
type Orchestrator struct {
	LLM      llm.Provider
	STT      Transcriber // optional; nil disables voice input on /agent/ws
	TTS      Synthesizer // optional; nil disables spoken replies
	Registry *registry.Registry
	Tools    *ToolSurface // optional; nil disables tool dispatch in Execute
}

// New returns an Orchestrator. stt and tts may be nil.
func New(provider llm.Provider, stt Transcriber, tts Synthesizer, reg *registry.Registry, tools *ToolSurface) *Orchestrator {
	return &Orchestrator{LLM: provider, STT: stt, TTS: tts, Registry: reg, Tools: tools}
}

// HandleWS serves the supervisor-mode /agent/ws endpoint: one websocket
// connection, one conversation, until the socket closes.
func (o *Orchestrator) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(16 * 1024 * 1024) // audio frames can be large

	ctx := r.Context()
	var mu sync.Mutex
	var history []llm.Message

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}

		switch in.Type {
		case frameResetContext:
			mu.Lock()
			history = nil
			mu.Unlock()

		case frameText, frameAudio:
			userText := in.Text
			if in.Type == frameAudio {
				if o.STT == nil {
					writeFrame(ctx, conn, outboundFrame{Type: frameError, Error: "speech-to-text not configured"})
					continue
				}
				raw, err := base64.StdEncoding.DecodeString(in.Audio)
				if err != nil {
					writeFrame(ctx, conn, outboundFrame{Type: frameError, Error: "invalid audio encoding"})
					continue
				}
				text, err := o.STT.Transcribe(ctx, raw, "")
				if err != nil {
					writeFrame(ctx, conn, outboundFrame{Type: frameError, Error: fmt.Sprintf("transcription failed: %v", err)})
					continue
				}
				userText = text
				writeFrame(ctx, conn, outboundFrame{Type: frameTranscription, Text: text})
			}

			if strings.TrimSpace(userText) == "" {
				continue
			}

			mu.Lock()
			history = appendCapped(history, llm.Message{Role: "user", Content: userText})
			turn := append([]llm.Message(nil), history...)
			mu.Unlock()

			reply, err := o.streamReply(ctx, conn, turn)
			if err != nil {
				writeFrame(ctx, conn, outboundFrame{Type: frameError, Error: err.Error()})
				continue
			}

			mu.Lock()
			history = appendCapped(history, llm.Message{Role: "assistant", Content: reply})
			mu.Unlock()

			complete := outboundFrame{Type: frameComplete, Text: reply}
			if o.TTS != nil && reply != "" {
				if audio, format, err := o.TTS.Synthesize(reply, "", 1.0, ""); err == nil {
					complete.Audio = base64.StdEncoding.EncodeToString(audio)
					complete.Text = reply
					_ = format
				}
			}
			writeFrame(ctx, conn, complete)
		}
	}
}

func (o *Orchestrator) streamReply(ctx context.Context, conn *websocket.Conn, messages []llm.Message) (string, error) {
	stream, err := o.LLM.Stream(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("llm stream: %w", err)
	}
	var full strings.Builder
	for {
		chunk, ok := stream.Next()
		if !ok {
			break
		}
		full.WriteString(chunk.Text)
		writeFrame(ctx, conn, outboundFrame{Type: frameChunk, Text: chunk.Text})
	}
	if err := stream.Err(); err != nil {
		return full.String(), fmt.Errorf("llm stream: %w", err)
	}
	return full.String(), nil
}

func appendCapped(history []llm.Message, msg llm.Message) []llm.Message {
	history = append(history, msg)
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	return history
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f outboundFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		log.Printf("agent: write frame: %v", err)
	}
}

// ExecuteResult is the response shape for the per-session execute path.
type ExecuteResult struct {
	Output    string
	SessionID string
}

// Execute implements the per-session agent mode. When sessionID names a
// session, command is written to it (as a stdin line for a headless
// session, via ExecuteCommand otherwise) and Output is empty: the session's
// reply is not collected into the result. Without a sessionID, command goes
// to the tool surface first and then to the LLM.
func (o *Orchestrator) Execute(ctx context.Context, command, sessionID string) (ExecuteResult, error) {
	if sessionID != "" {
		desc, _, ok := o.Registry.Get(sessionID)
		if !ok {
			return ExecuteResult{}, fmt.Errorf("unknown session %q", sessionID)
		}
		if desc.TerminalType.IsHeadless() {
			if err := o.Registry.WriteInput(sessionID, []byte(command+"\n")); err != nil {
				return ExecuteResult{}, err
			}
			return ExecuteResult{Output: "", SessionID: sessionID}, nil
		}
		if err := o.Registry.ExecuteCommand(sessionID, command); err != nil {
			return ExecuteResult{}, err
		}
		return ExecuteResult{Output: "", SessionID: sessionID}, nil
	}

	if o.Tools != nil {
		if output, handled, err := o.Tools.Dispatch(ctx, command); handled {
			return ExecuteResult{Output: output}, err
		}
	}

	stream, err := o.LLM.Stream(ctx, []llm.Message{
		{Role: "system", Content: "You help operate a developer's terminal sessions. Answer concisely."},
		{Role: "user", Content: command},
	})
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("llm stream: %w", err)
	}
	var full strings.Builder
	for {
		chunk, ok := stream.Next()
		if !ok {
			break
		}
		full.WriteString(chunk.Text)
	}
	if err := stream.Err(); err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{Output: full.String()}, nil
}
