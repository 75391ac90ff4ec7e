// Package router fans out PTY output to the tunnel's terminal_display
// channel, the recording/chat pipeline, and localhost websocket listeners.
package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rbarinov/echoshell/internal/headless"
	"github.com/rbarinov/echoshell/internal/ptysession"
	"github.com/rbarinov/echoshell/internal/recording"
	"github.com/rbarinov/echoshell/internal/wsproto"
)

// LocalListener receives raw terminal bytes for one session, mirroring what
// a subscribed localhost websocket client would see.
type LocalListener func(sessionID string, data []byte)

// ChatListener receives a parsed headless chat message.
type ChatListener func(sessionID string, message headless.Message)

// TTSSettings is the per-session, consume-on-completion TTS configuration.
type TTSSettings struct {
	Enabled  bool
	Speed    float64
	Language string
}

// TTSSynthesizer turns completed recording text into audio.
type TTSSynthesizer interface {
	Synthesize(text, voice string, speed float64, language string) (audio []byte, format string, err error)
}

// HTTPTTSSynthesizer forwards to an upstream TTS HTTP endpoint, mirroring
// ProxyLayer's own upstream-forwarding shape since this is the
// router-initiated counterpart of the same call.
type HTTPTTSSynthesizer struct {
	UpstreamURL string
	httpClient  *http.Client
}

// NewHTTPTTSSynthesizer returns a synthesizer that POSTs to upstreamURL.
func NewHTTPTTSSynthesizer(upstreamURL string) *HTTPTTSSynthesizer {
	return &HTTPTTSSynthesizer{UpstreamURL: upstreamURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type ttsRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Language string  `json:"language,omitempty"`
}

type ttsResponse struct {
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

// Synthesize implements TTSSynthesizer.
func (h *HTTPTTSSynthesizer) Synthesize(text, voice string, speed float64, language string) ([]byte, string, error) {
	body, _ := json.Marshal(ttsRequest{Text: text, Voice: voice, Speed: speed, Language: language})
	resp, err := h.httpClient.Post(h.UpstreamURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("tts upstream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("tts upstream status %s", resp.Status)
	}
	var tr ttsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, "", fmt.Errorf("decode tts response: %w", err)
	}
	audio, err := base64.StdEncoding.DecodeString(tr.Audio)
	if err != nil {
		return nil, "", fmt.Errorf("decode audio: %w", err)
	}
	return audio, tr.Format, nil
}

type sessionState struct {
	recording *recording.State
	headless  bool
	fullText  string
	tts       TTSSettings
}

// P2PWriter is the subset of p2pmigrator.Migrator the router needs: an
// attempt to write terminal_display bytes directly over a session's data
// channel, reporting whether one is currently open.
type P2PWriter interface {
	Write(sessionID string, data []byte) (ok bool, err error)
}

// Router implements spec.md's OutputRouter: per-(session,bytes) fan-out.
type Router struct {
	Tunnel *wsproto.Client // non-owning; may be nil while reconnecting
	TTS    TTSSynthesizer
	P2P    P2PWriter // non-owning; nil disables the data-channel fast path

	mu             sync.Mutex
	sessions       map[string]*sessionState
	localListeners map[string][]LocalListener
	chatListeners  []ChatListener
}

// New returns a Router. tunnel may be nil initially.
func New(tunnel *wsproto.Client, tts TTSSynthesizer) *Router {
	return &Router{
		Tunnel:         tunnel,
		TTS:            tts,
		sessions:       make(map[string]*sessionState),
		localListeners: make(map[string][]LocalListener),
	}
}

// SetP2P installs (or, with nil, removes) the data-channel fast path used
// by forwardDisplay before it falls back to the tunnel.
func (r *Router) SetP2P(p2p P2PWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.P2P = p2p
}

// SetTunnel swaps the tunnel reference; called on reconnect/disconnect.
func (r *Router) SetTunnel(tunnel *wsproto.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tunnel = tunnel
}

// AddLocalListener subscribes fn to raw output for sessionID.
func (r *Router) AddLocalListener(sessionID string, fn LocalListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localListeners[sessionID] = append(r.localListeners[sessionID], fn)
}

// AddChatListener subscribes fn to every parsed headless chat message,
// across all sessions.
func (r *Router) AddChatListener(fn ChatListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chatListeners = append(r.chatListeners, fn)
}

// SetTTSSettings configures (or clears, on zero value) TTS for a session;
// settings are consumed on the next completion.
func (r *Router) SetTTSSettings(sessionID string, settings TTSSettings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(sessionID, false).tts = settings
}

// NotifyCommand resets recording dedup state for a new command submission.
func (r *Router) NotifyCommand(sessionID, command string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state(sessionID, false).recording.SetLastCommand(command)
}

func (r *Router) state(sessionID string, headlessType bool) *sessionState {
	st, ok := r.sessions[sessionID]
	if !ok {
		st = &sessionState{recording: recording.NewState(), headless: headlessType}
		r.sessions[sessionID] = st
	}
	return st
}

// Route implements the registry's global output listener signature: for
// every (session, bytes) it forwards to terminal_display, runs the
// recording/chat pipeline, and triggers TTS on completion.
func (r *Router) Route(descriptor ptysession.Descriptor, data []byte) {
	r.forwardDisplay(descriptor.SessionID, data)

	if descriptor.TerminalType.IsHeadless() {
		r.routeHeadless(descriptor.SessionID, data)
		return
	}
	if descriptor.TerminalType == ptysession.CursorAgent {
		r.routeRecording(descriptor.SessionID, data)
	}
}

func (r *Router) forwardDisplay(sessionID string, data []byte) {
	r.mu.Lock()
	tunnel := r.Tunnel
	p2p := r.P2P
	listeners := append([]LocalListener(nil), r.localListeners[sessionID]...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(sessionID, data)
	}

	if p2p != nil {
		if sent, err := p2p.Write(sessionID, data); sent && err == nil {
			return
		}
	}
	if tunnel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tunnel.SendFrame(ctx, wsproto.TerminalOutputMsg{
		Type:      wsproto.TypeTerminalOutput,
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(data),
	})
}

func (r *Router) routeRecording(sessionID string, data []byte) {
	r.mu.Lock()
	st := r.state(sessionID, false)
	fullScreen := st.recording.Emulator.GetScreenContent()
	r.mu.Unlock()

	out, ok := st.recording.ProcessOutput(data, fullScreen)
	if !ok {
		return
	}

	r.sendRecordingOutput(sessionID, out.FullText, out.Delta, out.Raw, false)
}

func (r *Router) routeHeadless(sessionID string, data []byte) {
	r.mu.Lock()
	st := r.state(sessionID, true)
	r.mu.Unlock()

	for _, line := range splitLines(data) {
		msg, ok := headless.ParseLine(line)
		if !ok {
			continue
		}

		r.mu.Lock()
		st.fullText += msg.Text
		full := st.fullText
		r.mu.Unlock()

		r.emitChatMessage(sessionID, msg)

		if msg.Text != "" {
			r.sendRecordingOutput(sessionID, full, msg.Text, msg.Text, false)
		}
		if msg.IsFinal {
			r.sendRecordingOutput(sessionID, full, "", full, true)
			r.maybeSynthesize(sessionID, full)
			r.mu.Lock()
			st.fullText = ""
			r.mu.Unlock()
		}
	}
}

func splitLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}

func (r *Router) emitChatMessage(sessionID string, msg headless.Message) {
	r.mu.Lock()
	tunnel := r.Tunnel
	listeners := append([]ChatListener(nil), r.chatListeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(sessionID, msg)
	}
	if tunnel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tunnel.SendFrame(ctx, wsproto.ChatMessageMsg{
		Type:      wsproto.TypeChatMessage,
		SessionID: sessionID,
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (r *Router) sendRecordingOutput(sessionID, text, delta, raw string, isComplete bool) {
	r.mu.Lock()
	tunnel := r.Tunnel
	r.mu.Unlock()
	if tunnel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tunnel.SendFrame(ctx, wsproto.RecordingOutputMsg{
		Type:       wsproto.TypeRecordingOutput,
		SessionID:  sessionID,
		Text:       text,
		Delta:      delta,
		Raw:        raw,
		Timestamp:  time.Now().UnixMilli(),
		IsComplete: isComplete,
	})
}

func (r *Router) maybeSynthesize(sessionID, text string) {
	r.mu.Lock()
	st, ok := r.sessions[sessionID]
	tunnel := r.Tunnel
	r.mu.Unlock()
	if !ok || !st.tts.Enabled || r.TTS == nil || tunnel == nil || text == "" {
		return
	}

	audio, format, err := r.TTS.Synthesize(text, "", st.tts.Speed, st.tts.Language)
	r.mu.Lock()
	st.tts = TTSSettings{}
	r.mu.Unlock()
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tunnel.SendFrame(ctx, wsproto.TTSAudioMsg{
		Type:      wsproto.TypeTTSAudio,
		SessionID: sessionID,
		Audio:     base64.StdEncoding.EncodeToString(audio),
		Format:    format,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	})
}
