// Package httpserver implements the REST surface shared by the
// tunnel-proxied path (dispatched by wsproto.Client.Handler) and the
// loopback LocalHTTPServer, plus the two endpoints — /agent/ws and
// /terminal/:id/stream — that need a real hijackable connection and so
// are mounted only on the loopback server.
package httpserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rbarinov/echoshell/internal/agent"
	"github.com/rbarinov/echoshell/internal/historystore"
	"github.com/rbarinov/echoshell/internal/keys"
	"github.com/rbarinov/echoshell/internal/p2pmigrator"
	"github.com/rbarinov/echoshell/internal/passkeygate"
	"github.com/rbarinov/echoshell/internal/proxy"
	"github.com/rbarinov/echoshell/internal/ptysession"
	"github.com/rbarinov/echoshell/internal/registry"
	"github.com/rbarinov/echoshell/internal/workspace"
)

// terminalAllowlist is the set of terminal types /terminal/create accepts.
var terminalAllowlist = map[ptysession.TerminalType]bool{
	ptysession.Regular:     true,
	ptysession.CursorAgent: true,
	ptysession.CursorCLI:   true,
	ptysession.ClaudeCLI:   true,
}

// Deps wires every component the REST surface calls into. Fields other
// than Registry and LaptopAuthKey are optional — a nil component disables
// the routes that need it with a 503, rather than panicking.
type Deps struct {
	LaptopAuthKey string
	Registry      *registry.Registry
	Issuer        *keys.Issuer
	History       *historystore.Store
	Proxy         *proxy.Layer
	Agent         *agent.Orchestrator
	Workspace     *workspace.Manager
	Passkey       *passkeygate.Gate
	Migrator      *p2pmigrator.Migrator
	TunnelStatus  func() bool // reports TunnelClient.Connected(); nil -> always false
}

// NewHandler returns the shared REST handler. It does not mount /agent/ws
// or /terminal/:id/stream — see Server for those.
func NewHandler(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /keys/request", d.handleKeysRequest)
	mux.HandleFunc("POST /keys/refresh", d.handleKeysRefresh)
	mux.HandleFunc("DELETE /keys/revoke", d.handleKeysRevoke)

	mux.HandleFunc("GET /terminal/list", d.handleTerminalList)
	mux.HandleFunc("POST /terminal/create", d.handleTerminalCreate)
	mux.HandleFunc("GET /terminal/{id}/history", d.handleTerminalHistory)
	mux.HandleFunc("POST /terminal/{id}/execute", d.handleTerminalExecute)
	mux.HandleFunc("POST /terminal/{id}/rename", d.handleTerminalRename)
	mux.HandleFunc("POST /terminal/{id}/resize", d.handleTerminalResize)
	mux.HandleFunc("POST /terminal/{id}/migrate", d.handleTerminalMigrate)
	mux.HandleFunc("DELETE /terminal/{id}", d.handleTerminalDestroy)

	mux.HandleFunc("POST /agent/execute", d.handleAgentExecute)

	mux.HandleFunc("POST /proxy/stt/transcribe", d.proxyOr503(func(p *proxy.Layer) http.HandlerFunc { return p.HandleTranscribe }))
	mux.HandleFunc("POST /proxy/tts/synthesize", d.proxyOr503(func(p *proxy.Layer) http.HandlerFunc { return p.HandleSynthesize }))

	mux.HandleFunc("GET /tunnel-status", d.handleTunnelStatus)

	mux.HandleFunc("POST /passkey/register", d.handlePasskeyRegister)
	mux.HandleFunc("POST /passkey/challenge", d.handlePasskeyChallenge)

	mux.HandleFunc("/workspace/", d.handleWorkspace)

	return d.withAuth(mux)
}

// withAuth enforces the X-Laptop-Auth-Key header the proxied REST surface
// requires, skipping only the passkey routes (which authenticate via
// WebAuthn assertion instead, for the bootstrap case where the auth key
// hasn't reached the device yet).
func (d Deps) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/passkey/") {
			next.ServeHTTP(w, r)
			return
		}
		if d.LaptopAuthKey != "" && r.Header.Get("X-Laptop-Auth-Key") != d.LaptopAuthKey {
			writeError(w, http.StatusUnauthorized, "missing or invalid X-Laptop-Auth-Key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (d Deps) proxyOr503(pick func(*proxy.Layer) http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Proxy == nil {
			writeError(w, http.StatusServiceUnavailable, "stt/tts proxy not configured")
			return
		}
		pick(d.Proxy)(w, r)
	}
}

func (d Deps) handleKeysRequest(w http.ResponseWriter, r *http.Request) {
	if d.Issuer == nil {
		writeError(w, http.StatusServiceUnavailable, "key issuer not configured")
		return
	}
	var req struct {
		DeviceID        string   `json:"device_id"`
		DurationSeconds int      `json:"duration_seconds,omitempty"`
		Permissions     []string `json:"permissions,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if req.DurationSeconds <= 0 {
		req.DurationSeconds = 3600
	}
	perms := make([]keys.Permission, 0, len(req.Permissions))
	for _, p := range req.Permissions {
		perms = append(perms, keys.Permission(p))
	}
	if len(perms) == 0 {
		perms = []keys.Permission{keys.PermSTT, keys.PermTTS}
	}
	result, err := d.Issuer.Issue(req.DeviceID, req.DurationSeconds, perms)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (d Deps) handleKeysRefresh(w http.ResponseWriter, r *http.Request) {
	if d.Issuer == nil {
		writeError(w, http.StatusServiceUnavailable, "key issuer not configured")
		return
	}
	var req struct {
		DeviceID        string `json:"device_id"`
		DurationSeconds int    `json:"duration_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	if req.DurationSeconds <= 0 {
		req.DurationSeconds = 3600
	}
	if err := d.Issuer.Refresh(req.DeviceID, req.DurationSeconds); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (d Deps) handleKeysRevoke(w http.ResponseWriter, r *http.Request) {
	if d.Issuer == nil {
		writeError(w, http.StatusServiceUnavailable, "key issuer not configured")
		return
	}
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	d.Issuer.Revoke(deviceID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (d Deps) handleTerminalList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": d.Registry.List()})
}

func (d Deps) handleTerminalCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TerminalType string `json:"terminal_type"`
		WorkingDir   string `json:"working_dir,omitempty"`
		Name         string `json:"name,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tt := ptysession.TerminalType(req.TerminalType)
	if !terminalAllowlist[tt] {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported terminal_type %q", req.TerminalType))
		return
	}
	desc, err := d.Registry.Create(tt, req.WorkingDir, req.Name, 80, 24)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (d Deps) handleTerminalHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if r.URL.Query().Get("full") == "1" {
		if d.History == nil {
			writeError(w, http.StatusServiceUnavailable, "history store not configured")
			return
		}
		messages, err := d.History.ListBySession(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
		return
	}

	data, err := d.Registry.GetHistory(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"history": string(data)})
}

func (d Deps) handleTerminalExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := d.Registry.ExecuteCommand(id, req.Command); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": ""})
}

func (d Deps) handleTerminalRename(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := d.Registry.Rename(id, req.Name); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "renamed"})
}

func (d Deps) handleTerminalResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := d.Registry.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resized"})
}

func (d Deps) handleTerminalDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := d.Registry.Destroy(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// handleTerminalMigrate initiates a P2PMigrator offer for a session and
// returns the SDP for the caller to relay to the client over the tunnel.
// This endpoint sends no migrate_offer frame itself; the client's answer,
// arriving as a migrate_answer frame, is applied through the tunnel's
// OnMigrateAnswer hook that Supervisor wires to the Migrator.
func (d Deps) handleTerminalMigrate(w http.ResponseWriter, r *http.Request) {
	if d.Migrator == nil {
		writeError(w, http.StatusServiceUnavailable, "p2p migration not configured")
		return
	}
	id := r.PathValue("id")
	if _, _, ok := d.Registry.Get(id); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown session %q", id))
		return
	}
	sdp, err := d.Migrator.Offer(id, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("migration offer failed: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sdp": sdp})
}

func (d Deps) handleAgentExecute(w http.ResponseWriter, r *http.Request) {
	if d.Agent == nil {
		writeError(w, http.StatusServiceUnavailable, "agent orchestrator not configured")
		return
	}
	var req struct {
		Command   string `json:"command"`
		SessionID string `json:"session_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := d.Agent.Execute(r.Context(), req.Command, req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (d Deps) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	connected := d.TunnelStatus != nil && d.TunnelStatus()
	writeJSON(w, http.StatusOK, map[string]bool{"connected": connected})
}

func (d Deps) handlePasskeyRegister(w http.ResponseWriter, r *http.Request) {
	if d.Passkey == nil {
		writeError(w, http.StatusServiceUnavailable, "passkey gate not configured")
		return
	}
	if d.Passkey.Enabled() && r.Header.Get("X-Laptop-Auth-Key") != d.LaptopAuthKey {
		writeError(w, http.StatusUnauthorized, "registering an additional device requires the laptop auth key")
		return
	}

	registrantID := r.URL.Query().Get("registrant_id")
	if registrantID == "" {
		writeError(w, http.StatusBadRequest, "registrant_id is required")
		return
	}

	if r.URL.Query().Get("stage") == "begin" {
		options, err := d.Passkey.BeginRegistration(registrantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, options)
		return
	}

	label := r.URL.Query().Get("label")
	cred, err := d.Passkey.FinishRegistration(registrantID, label, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"credential_id": cred.CredentialID})
}

func (d Deps) handlePasskeyChallenge(w http.ResponseWriter, r *http.Request) {
	if d.Passkey == nil {
		writeError(w, http.StatusServiceUnavailable, "passkey gate not configured")
		return
	}
	challenge, err := passkeygate.GenerateChallenge()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"challenge": base64.RawURLEncoding.EncodeToString(challenge)})
}

func (d Deps) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	if d.Workspace == nil {
		writeError(w, http.StatusServiceUnavailable, "workspace manager not configured")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/workspace/")
	parts := strings.Split(rest, "/")

	switch {
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "clone":
		d.workspaceClone(w, r)
	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "worktree":
		d.workspaceCreateWorktree(w, r)
	case r.Method == http.MethodDelete && len(parts) == 1 && parts[0] == "worktree":
		d.workspaceRemoveWorktree(w, r)
	case r.Method == http.MethodGet && len(parts) >= 1:
		d.workspaceListWorktrees(w, r, rest)
	default:
		writeError(w, http.StatusNotFound, "unknown workspace operation")
	}
}

func (d Deps) workspaceClone(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL  string `json:"url"`
		Dest string `json:"dest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := d.Workspace.Clone(r.Context(), req.URL, req.Dest); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cloned"})
}

func (d Deps) workspaceCreateWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoDir string `json:"repo_dir"`
		Branch  string `json:"branch"`
		Dest    string `json:"dest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := d.Workspace.CreateWorktree(r.Context(), req.RepoDir, req.Branch, req.Dest); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "created"})
}

func (d Deps) workspaceRemoveWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RepoDir string `json:"repo_dir"`
		Dest    string `json:"dest"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := d.Workspace.RemoveWorktree(r.Context(), req.RepoDir, req.Dest); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (d Deps) workspaceListWorktrees(w http.ResponseWriter, r *http.Request, rest string) {
	repoDir := strings.TrimSuffix(rest, "/worktrees")
	repoDir = strings.TrimSuffix(repoDir, "/")
	worktrees, err := d.Workspace.ListWorktrees(r.Context(), repoDir)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, worktrees)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
