// Package headless parses newline-delimited JSON emitted by headless agent
// CLIs (claude, codex, and similar) into a normalized chat-message shape,
// recognizing the two NDJSON dialects those tools actually emit.
package headless

import "encoding/json"

// Message is the normalized shape produced regardless of source dialect.
type Message struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Raw       any    `json:"raw,omitempty"`
	IsFinal   bool   `json:"-"`
}

// sessionIDProbe looks for a session id at any of the locations the
// recognized dialects use: a top-level session_id/sessionId, or nested
// under message/result.
type sessionIDProbe struct {
	SessionIDSnake string `json:"session_id"`
	SessionIDCamel string `json:"sessionId"`
	Message        *struct {
		SessionID string `json:"session_id"`
	} `json:"message,omitempty"`
	Result *struct {
		SessionID string `json:"session_id"`
	} `json:"result,omitempty"`
}

func extractSessionID(line string) string {
	var p sessionIDProbe
	if err := json.Unmarshal([]byte(line), &p); err != nil {
		return ""
	}
	switch {
	case p.SessionIDSnake != "":
		return p.SessionIDSnake
	case p.SessionIDCamel != "":
		return p.SessionIDCamel
	case p.Message != nil && p.Message.SessionID != "":
		return p.Message.SessionID
	case p.Result != nil && p.Result.SessionID != "":
		return p.Result.SessionID
	default:
		return ""
	}
}

// dialectA matches the role-based shape: {"role": "...", "content": ...}
// where content is either a plain string or an array of {type, text} blocks.
type dialectA struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type dialectAContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// dialectB matches the type-based shape used by stream-json CLIs.
type dialectB struct {
	Type    string          `json:"type"`
	Message *dialectBNested `json:"message,omitempty"`
	Item    *dialectBNested `json:"item,omitempty"`
	Delta   *dialectBNested `json:"delta,omitempty"`
	Text    string          `json:"text,omitempty"`
}

type dialectBNested struct {
	Content []dialectAContentBlock `json:"content,omitempty"`
	Text    string                 `json:"text,omitempty"`
}

var dialectBTypes = map[string]bool{
	"user": true, "assistant": true, "tool": true, "tool_use": true,
	"tool_result": true, "system": true, "error": true, "result": true,
}

// ParseLine parses a single NDJSON line into a Message. ok is false when the
// line is not valid JSON or matches neither recognized dialect.
func ParseLine(line string) (Message, bool) {
	if len(line) == 0 {
		return Message{}, false
	}

	var probe struct {
		Role string `json:"role"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		return Message{}, false
	}

	if probe.Role == "user" || probe.Role == "assistant" {
		var a dialectA
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			return Message{}, false
		}
		return Message{Type: a.Role, Text: extractContentText(a.Content), SessionID: extractSessionID(line)}, true
	}

	if dialectBTypes[probe.Type] {
		var b dialectB
		if err := json.Unmarshal([]byte(line), &b); err != nil {
			return Message{}, false
		}
		text := b.Text
		switch {
		case b.Message != nil:
			text = nestedText(b.Message)
		case b.Item != nil:
			text = nestedText(b.Item)
		case b.Delta != nil:
			text = nestedText(b.Delta)
		}
		var raw any
		json.Unmarshal([]byte(line), &raw)
		return Message{Type: probe.Type, Text: text, SessionID: extractSessionID(line), Raw: raw, IsFinal: probe.Type == "result"}, true
	}

	return Message{}, false
}

func nestedText(n *dialectBNested) string {
	if n.Text != "" {
		return n.Text
	}
	var buf string
	for _, block := range n.Content {
		if block.Type == "text" {
			buf += block.Text
		}
	}
	return buf
}

func extractContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []dialectAContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var buf string
		for _, b := range blocks {
			if b.Type == "text" {
				buf += b.Text
			}
		}
		return buf
	}
	return ""
}
