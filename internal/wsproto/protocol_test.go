package wsproto

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeDiscriminatesType(t *testing.T) {
	data, err := json.Marshal(HTTPRequestMsg{
		Type:      TypeHTTPRequest,
		RequestID: "req-1",
		Method:    "GET",
		Path:      "/terminal/abc/history",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	if env.Type != TypeHTTPRequest {
		t.Errorf("Type = %q, want %q", env.Type, TypeHTTPRequest)
	}

	var req HTTPRequestMsg
	if err := json.Unmarshal(data, &req); err != nil {
		t.Fatalf("Unmarshal request: %v", err)
	}
	if req.RequestID != "req-1" || req.Method != "GET" {
		t.Errorf("decoded request mismatch: %+v", req)
	}
}

func TestTerminalInputRoundTrip(t *testing.T) {
	orig := TerminalInputMsg{
		Type:      TypeTerminalInput,
		SessionID: "sess-1",
		Cols:      120,
		Rows:      40,
		Resize:    true,
	}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded TerminalInputMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != orig {
		t.Errorf("decoded = %+v, want %+v", decoded, orig)
	}
}

func TestRecordingOutputOmitsEmptyIsTTSReady(t *testing.T) {
	data, err := json.Marshal(RecordingOutputMsg{
		Type:      TypeRecordingOutput,
		SessionID: "s1",
		Text:      "hello",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, present := raw["isTTSReady"]; present {
		t.Errorf("isTTSReady should be omitted when false, got %v", raw["isTTSReady"])
	}
}
