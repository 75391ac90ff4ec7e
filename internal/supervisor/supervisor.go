// Package supervisor wires every other package into one running gateway
// process and owns its startup and shutdown sequencing, the same role
// runWingForeground plays for wingthing's client daemon.
package supervisor

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/rbarinov/echoshell/internal/agent"
	"github.com/rbarinov/echoshell/internal/config"
	"github.com/rbarinov/echoshell/internal/headless"
	"github.com/rbarinov/echoshell/internal/historystore"
	"github.com/rbarinov/echoshell/internal/httpserver"
	"github.com/rbarinov/echoshell/internal/keys"
	"github.com/rbarinov/echoshell/internal/llm"
	"github.com/rbarinov/echoshell/internal/p2pmigrator"
	"github.com/rbarinov/echoshell/internal/passkeygate"
	"github.com/rbarinov/echoshell/internal/proxy"
	"github.com/rbarinov/echoshell/internal/ptysession"
	"github.com/rbarinov/echoshell/internal/registry"
	"github.com/rbarinov/echoshell/internal/router"
	"github.com/rbarinov/echoshell/internal/state"
	"github.com/rbarinov/echoshell/internal/workspace"
	"github.com/rbarinov/echoshell/internal/wsproto"
)

// sessionDestroyTimeout bounds how long shutdown waits for any one
// session's PTY to exit before moving on.
const sessionDestroyTimeout = 5 * time.Second

// drainPause gives the tunnel's outbound goroutine a last chance to flush
// queued frames before sessions start dying underneath it.
const drainPause = 200 * time.Millisecond

// Options configures a Supervisor. Every directory/address field is the
// caller's responsibility to resolve, the same split cmd/wtd/main.go makes
// between flag parsing and relay.OpenRelay/relay.NewServer.
type Options struct {
	Config        *config.Config
	UserConfigDir string
	StateDir      string
	HistoryDBPath string
	WorkspaceDir  string // empty disables WorkspaceManager
	HTTPAddr      string
}

// Supervisor owns every long-lived component and the goroutines driving
// them. It implements spec.md's Supervisor module: concrete startup order,
// graceful shutdown on signal, forced exit on a second one.
type Supervisor struct {
	opts Options

	State      *state.Store
	History    *historystore.Store
	Issuer     *keys.Issuer
	issuerStop func()
	Registry   *registry.Registry
	Router     *router.Router
	Proxy      *proxy.Layer
	Workspace  *workspace.Manager
	Agent      *agent.Orchestrator
	Passkey    *passkeygate.Gate
	Migrator   *p2pmigrator.Migrator
	Tunnel     *wsproto.Client
	HTTP       *httpserver.Server

	offeredMu sync.Mutex
	offered   map[string]bool
}

// New constructs every component and wires their callbacks, but starts
// nothing — call Run to begin serving.
func New(opts Options) (*Supervisor, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("supervisor: nil config")
	}

	st, err := state.New(opts.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	hist, err := historystore.Open(opts.HistoryDBPath)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	issuer, issuerStop := keys.NewIssuer(cfg.STTProvider, cfg.TTSProvider, keys.Config{Voice: cfg.TTSVoice}, cfg.STTUpstreamURL, cfg.TTSUpstreamURL)

	sv := &Supervisor{
		opts:       opts,
		State:      st,
		History:    hist,
		Issuer:     issuer,
		issuerStop: issuerStop,
		offered:    make(map[string]bool),
	}

	sv.Registry = registry.New(func(descriptors []ptysession.Descriptor) {
		if err := st.SaveSessionDescriptors(descriptors); err != nil {
			log.Printf("supervisor: save session descriptors: %v", err)
		}
	})

	var tts router.TTSSynthesizer
	var synth agent.Synthesizer
	if cfg.TTSUpstreamURL != "" {
		httpTTS := router.NewHTTPTTSSynthesizer(cfg.TTSUpstreamURL)
		tts = httpTTS
		synth = httpTTS
	}
	sv.Router = router.New(nil, tts)
	sv.Registry.AddGlobalOutputListener(func(d ptysession.Descriptor, data []byte) {
		sv.Router.Route(d, data)
		sv.maybeOfferMigration(d.SessionID)
	})
	sv.Router.AddChatListener(func(sessionID string, message headless.Message) {
		if err := hist.Append(historystore.ChatMessage{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Timestamp: time.Now().UTC(),
			Type:      message.Type,
			Content:   message.Text,
		}); err != nil {
			log.Printf("supervisor: append chat history: %v", err)
		}
	})

	sv.Proxy = proxy.New(issuer, cfg.STTUpstreamURL, cfg.TTSUpstreamURL)

	if opts.WorkspaceDir != "" {
		ws, err := workspace.New(opts.WorkspaceDir)
		if err != nil {
			return nil, fmt.Errorf("open workspace: %w", err)
		}
		sv.Workspace = ws
	}
	var workspacer agent.Workspacer
	if sv.Workspace != nil {
		workspacer = sv.Workspace
	}
	tools := agent.NewToolSurface(sv.Registry, workspacer)

	var provider llm.Provider
	if cfg.AnthropicAPIKey != "" {
		provider = llm.NewAnthropicProvider(cfg.AnthropicAPIKey, "")
	} else {
		provider = llm.NewDummyProvider()
	}
	var transcriber agent.Transcriber
	if cfg.STTUpstreamURL != "" {
		transcriber = agent.NewHTTPTranscriber(cfg.STTUpstreamURL)
	}
	sv.Agent = agent.New(provider, transcriber, synth, sv.Registry, tools)

	creds, err := decodeCredentials(cfg.PasskeyAllowlist)
	if err != nil {
		return nil, fmt.Errorf("decode passkey allowlist: %w", err)
	}
	sv.Passkey = passkeygate.New(cfg.DisplayName, []string{"https://" + cfg.DisplayName}, creds, func(updated []passkeygate.Credential) {
		if err := config.SaveCredentials(opts.UserConfigDir, encodeCredentials(updated)); err != nil {
			log.Printf("supervisor: persist passkey allowlist: %v", err)
		}
	})

	sv.Migrator = p2pmigrator.New(convertICEServers(cfg.ICEServers), func(sessionID string, data []byte) {
		if err := sv.Registry.WriteInput(sessionID, data); err != nil {
			log.Printf("supervisor: write migrated input to %s: %v", sessionID, err)
		}
	})
	sv.Router.SetP2P(sv.Migrator)

	tunnel := &wsproto.Client{
		RelayURL:        cfg.RelayURL,
		RegistrationKey: cfg.RegistrationKey,
		DisplayName:     cfg.DisplayName,
	}
	tunnel.OnTerminalInput = func(sessionID string, data []byte) {
		if err := sv.Registry.WriteInput(sessionID, data); err != nil {
			log.Printf("supervisor: write input to %s: %v", sessionID, err)
		}
	}
	tunnel.OnResize = func(sessionID string, cols, rows int) {
		if err := sv.Registry.Resize(sessionID, cols, rows); err != nil {
			log.Printf("supervisor: resize %s: %v", sessionID, err)
		}
	}
	tunnel.OnRegistered = func(tunnelID, publicURL, wsURL string) {
		if err := st.SaveTunnelIdentity(state.TunnelIdentity{
			TunnelID:        tunnelID,
			RegistrationKey: cfg.RegistrationKey,
			PublicURL:       publicURL,
			WSURL:           wsURL,
			LaptopAuthKey:   cfg.LaptopAuthKey,
			CreatedAt:       time.Now(),
		}); err != nil {
			log.Printf("supervisor: save tunnel identity: %v", err)
		}
	}
	tunnel.OnReconnect = func(ctx context.Context) {
		descriptors, err := st.LoadSessionDescriptors()
		if err != nil {
			log.Printf("supervisor: load session descriptors on reconnect: %v", err)
			return
		}
		sv.Registry.RestoreSessions(descriptors)
	}
	tunnel.OnMigrateAnswer = func(sessionID, sdp string) {
		if err := sv.Migrator.HandleAnswer(sessionID, sdp); err != nil {
			log.Printf("supervisor: handle migrate answer for %s: %v", sessionID, err)
		}
	}
	tunnel.OnMigrateICE = sv.Migrator.HandleICECandidate
	tunnel.OnMigrateFallback = sv.Migrator.Fallback
	sv.Tunnel = tunnel
	sv.Router.SetTunnel(tunnel)

	deps := httpserver.Deps{
		LaptopAuthKey: cfg.LaptopAuthKey,
		Registry:      sv.Registry,
		Issuer:        issuer,
		History:       hist,
		Proxy:         sv.Proxy,
		Agent:         sv.Agent,
		Workspace:     sv.Workspace,
		Passkey:       sv.Passkey,
		Migrator:      sv.Migrator,
		TunnelStatus:  tunnel.Connected,
	}
	tunnel.Handler = httpserver.NewHandler(deps)
	sv.HTTP = httpserver.New(deps, sv.Router)

	return sv, nil
}

// maybeOfferMigration pushes a WebRTC offer for sessionID the first time
// it produces output, so chatty PTYs move off the relay onto a direct
// data channel as soon as there's something worth moving.
func (sv *Supervisor) maybeOfferMigration(sessionID string) {
	sv.offeredMu.Lock()
	if sv.offered[sessionID] {
		sv.offeredMu.Unlock()
		return
	}
	sv.offered[sessionID] = true
	sv.offeredMu.Unlock()

	go func() {
		sdp, err := sv.Migrator.Offer(sessionID, func(connected bool) {
			if !connected {
				sv.Migrator.Fallback(sessionID)
			}
		})
		if err != nil {
			log.Printf("supervisor: offer migration for %s: %v", sessionID, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := sv.Tunnel.SendFrame(ctx, wsproto.MigrateOfferMsg{
			Type:      wsproto.TypeMigrateOffer,
			SessionID: sessionID,
			SDP:       sdp,
		}); err != nil {
			log.Printf("supervisor: send migrate offer for %s: %v", sessionID, err)
		}
	}()
}

// Run restores prior sessions, starts the local HTTP server and the
// tunnel, and blocks until ctx is cancelled, at which point it runs the
// shutdown sequence before returning.
func (sv *Supervisor) Run(ctx context.Context) error {
	descriptors, err := sv.State.LoadSessionDescriptors()
	if err != nil {
		return fmt.Errorf("load session descriptors: %w", err)
	}
	sv.Registry.RestoreSessions(descriptors)

	httpErrCh := make(chan error, 1)
	go func() {
		if err := sv.HTTP.Start(sv.opts.HTTPAddr); err != nil {
			httpErrCh <- err
		}
	}()

	tunnelErrCh := make(chan error, 1)
	go func() {
		tunnelErrCh <- sv.Tunnel.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-httpErrCh:
		runErr = fmt.Errorf("local http server: %w", err)
	case err := <-tunnelErrCh:
		if err != nil && err != context.Canceled {
			runErr = fmt.Errorf("tunnel client: %w", err)
		}
	}

	sv.shutdown()

	if ctx.Err() != nil && runErr == nil {
		return ctx.Err()
	}
	return runErr
}

// shutdown implements the stop-accepting -> drain -> destroy -> flush
// sequence. It never returns an error: every step is best-effort and
// logged, since the process is exiting regardless.
func (sv *Supervisor) shutdown() {
	if err := sv.HTTP.Close(); err != nil {
		log.Printf("supervisor: close local http server: %v", err)
	}

	// wsproto.Client exposes no explicit drain API; Run's own teardown on
	// ctx cancellation is the closest equivalent, so this is a best-effort
	// pause rather than a tracked flush.
	time.Sleep(drainPause)

	var wg sync.WaitGroup
	for _, d := range sv.Registry.List() {
		wg.Add(1)
		go func(sessionID string) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() { done <- sv.Registry.Destroy(sessionID) }()
			select {
			case err := <-done:
				if err != nil {
					log.Printf("supervisor: destroy session %s: %v", sessionID, err)
				}
			case <-time.After(sessionDestroyTimeout):
				log.Printf("supervisor: destroy session %s timed out after %s", sessionID, sessionDestroyTimeout)
			}
		}(d.SessionID)
	}
	wg.Wait()

	sv.Migrator.Close()
	sv.issuerStop()

	if err := sv.State.SaveSessionDescriptors(sv.Registry.List()); err != nil {
		log.Printf("supervisor: flush session descriptors: %v", err)
	}
	if err := sv.History.Close(); err != nil {
		log.Printf("supervisor: close history store: %v", err)
	}
}

func convertICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func decodeCredentials(allowlist []config.PasskeyCredential) ([]passkeygate.Credential, error) {
	out := make([]passkeygate.Credential, 0, len(allowlist))
	for _, c := range allowlist {
		key, err := hex.DecodeString(c.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("decode public key for %s: %w", c.CredentialID, err)
		}
		out = append(out, passkeygate.Credential{
			CredentialID: c.CredentialID,
			PublicKey:    key,
			Label:        c.Label,
		})
	}
	return out, nil
}

func encodeCredentials(creds []passkeygate.Credential) []config.PasskeyCredential {
	out := make([]config.PasskeyCredential, 0, len(creds))
	for _, c := range creds {
		out = append(out, config.PasskeyCredential{
			CredentialID: c.CredentialID,
			PublicKey:    hex.EncodeToString(c.PublicKey),
			Label:        c.Label,
		})
	}
	return out
}
