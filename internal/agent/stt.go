package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPTranscriber forwards audio to an upstream STT HTTP endpoint,
// mirroring ProxyLayer's own upstream-forwarding shape since this is the
// gateway-initiated counterpart of the same proxied call.
type HTTPTranscriber struct {
	UpstreamURL string
	httpClient  *http.Client
}

// NewHTTPTranscriber returns a Transcriber that POSTs to upstreamURL.
func NewHTTPTranscriber(upstreamURL string) *HTTPTranscriber {
	return &HTTPTranscriber{UpstreamURL: upstreamURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type transcribeRequest struct {
	Audio    string `json:"audio"` // base64
	Language string `json:"language,omitempty"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe implements Transcriber.
func (h *HTTPTranscriber) Transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	body, _ := json.Marshal(transcribeRequest{
		Audio:    base64.StdEncoding.EncodeToString(audio),
		Language: language,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("stt upstream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("stt upstream status %s", resp.Status)
	}

	var tr transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return tr.Text, nil
}
