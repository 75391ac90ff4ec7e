// Package proxy exposes the STT/TTS HTTP endpoints that verify an ephemeral
// key and forward to the configured upstream provider.
package proxy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rbarinov/echoshell/internal/keys"
)

// Layer answers /proxy/stt/transcribe and /proxy/tts/synthesize.
type Layer struct {
	Issuer *keys.Issuer

	STTUpstreamURL string
	TTSUpstreamURL string

	httpClient *http.Client
}

// New returns a Layer. A nil issuer is invalid; callers always wire one.
func New(issuer *keys.Issuer, sttUpstreamURL, ttsUpstreamURL string) *Layer {
	return &Layer{
		Issuer:         issuer,
		STTUpstreamURL: sttUpstreamURL,
		TTSUpstreamURL: ttsUpstreamURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
}

type transcribeRequest struct {
	Audio    string `json:"audio"`
	Language string `json:"language,omitempty"`
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// HandleTranscribe implements POST /proxy/stt/transcribe.
func (l *Layer) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	key := bearerToken(r)
	if _, ok := l.Issuer.VerifySTT(key); !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired STT key")
		return
	}

	var req transcribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	body, _ := json.Marshal(req)
	resp, err := l.httpClient.Post(l.STTUpstreamURL, "application/json", bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream STT request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.WriteHeader(resp.StatusCode)
		return
	}

	var upstream transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&upstream); err != nil {
		writeError(w, http.StatusBadGateway, "invalid upstream STT response")
		return
	}

	writeJSON(w, http.StatusOK, upstream)
}

type synthesizeRequest struct {
	Text     string  `json:"text"`
	Voice    string  `json:"voice,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
	Language string  `json:"language,omitempty"`
}

type synthesizeResponse struct {
	Audio  string `json:"audio"`
	Format string `json:"format"`
}

// HandleSynthesize implements POST /proxy/tts/synthesize.
func (l *Layer) HandleSynthesize(w http.ResponseWriter, r *http.Request) {
	key := bearerToken(r)
	if _, ok := l.Issuer.VerifyTTS(key); !ok {
		writeError(w, http.StatusUnauthorized, "invalid or expired TTS key")
		return
	}

	var req synthesizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	body, _ := json.Marshal(req)
	resp, err := l.httpClient.Post(l.TTSUpstreamURL, "application/json", bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream TTS request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.WriteHeader(resp.StatusCode)
		return
	}

	var upstream synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&upstream); err != nil {
		writeError(w, http.StatusBadGateway, "invalid upstream TTS response")
		return
	}

	writeJSON(w, http.StatusOK, upstream)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
