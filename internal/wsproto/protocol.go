// Package wsproto defines the JSON wire protocol spoken between the laptop
// gateway and the rendezvous relay, and the message shapes forwarded on to
// mobile/browser clients.
package wsproto

// Message types exchanged over the tunnel WebSocket.
const (
	// Laptop -> Relay (control)
	TypeRegister  = "wing.register"
	TypeHeartbeat = "wing.heartbeat"

	// Relay -> Laptop (control)
	TypeRegistered   = "registered"
	TypeRelayRestart = "relay.restart"
	TypeError        = "error"

	// Relay -> Laptop: demultiplexed RPC
	TypeHTTPRequest = "http_request"

	// Laptop -> Relay: RPC reply
	TypeHTTPResponse = "http_response"

	// Relay -> Laptop: terminal input/resize from the client
	TypeTerminalInput = "terminal_input"

	// Laptop -> Relay: terminal/recording/chat fan-out
	TypeTerminalOutput = "terminal_output"
	TypeRecordingOutput = "recording_output"
	TypeTTSAudio        = "tts_audio"
	TypeChatMessage     = "chat_message"

	// P2P migration (expansion)
	TypeMigrateOffer    = "migrate_offer"
	TypeMigrateAnswer   = "migrate_answer"
	TypeMigrateICE      = "migrate_ice"
	TypeMigrateFallback = "migrate_fallback"
)

// Envelope is the common header every frame carries; callers decode Type
// first, then re-decode into the concrete shape.
type Envelope struct {
	Type string `json:"type"`
}

// RegisterMsg announces the laptop to the relay, requesting (or reclaiming)
// a tunnel identity.
type RegisterMsg struct {
	Type            string `json:"type"`
	TunnelID        string `json:"tunnel_id,omitempty"`
	RegistrationKey string `json:"registration_key"`
	DisplayName     string `json:"display_name,omitempty"`
	Version         string `json:"version,omitempty"`
}

// RegisteredMsg acknowledges registration with the (possibly reclaimed)
// tunnel identity.
type RegisteredMsg struct {
	Type      string `json:"type"`
	TunnelID  string `json:"tunnel_id"`
	PublicURL string `json:"public_url"`
	WSURL     string `json:"ws_url"`
}

// HeartbeatMsg is sent periodically to keep the relay connection alive.
type HeartbeatMsg struct {
	Type     string `json:"type"`
	TunnelID string `json:"tunnel_id"`
}

// ErrorMsg carries a relay-side protocol error.
type ErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// HTTPRequestMsg is a demultiplexed HTTP request the relay forwards for the
// laptop to answer.
type HTTPRequestMsg struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      string            `json:"body,omitempty"` // base64
	Query     string            `json:"query,omitempty"`
}

// HTTPResponseMsg answers an HTTPRequestMsg by RequestID.
type HTTPResponseMsg struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body,omitempty"` // base64
}

// TerminalInputMsg carries keystrokes or a resize request from the client.
type TerminalInputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data,omitempty"` // base64, present for keystrokes
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Resize    bool   `json:"resize,omitempty"`
}

// TerminalOutputMsg carries raw PTY bytes to the client's live terminal view.
type TerminalOutputMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Data      string `json:"data"` // base64
}

// RecordingOutputMsg carries denoised/deduplicated text suitable for TTS.
type RecordingOutputMsg struct {
	Type        string `json:"type"`
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Delta       string `json:"delta"`
	Raw         string `json:"raw"`
	Timestamp   int64  `json:"timestamp"`
	IsComplete  bool   `json:"isComplete"`
	IsTTSReady  bool   `json:"isTTSReady,omitempty"`
}

// TTSAudioMsg carries synthesized audio for completed recording output.
type TTSAudioMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Audio     string `json:"audio"` // base64
	Format    string `json:"format"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ChatMessageMsg wraps a parsed headless-agent chat message for the client's
// chat history view.
type ChatMessageMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Message   any    `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// MigrateOfferMsg/AnswerMsg/ICEMsg/FallbackMsg carry WebRTC negotiation for
// the optional P2P terminal-display upgrade. Never used for RPC traffic.
type MigrateOfferMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

type MigrateAnswerMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	SDP       string `json:"sdp"`
}

type MigrateICEMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Candidate string `json:"candidate"`
}

type MigrateFallbackMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}
