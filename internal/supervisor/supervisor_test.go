package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rbarinov/echoshell/internal/config"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		RelayURL:        "ws://127.0.0.1:1/tunnel", // unreachable; exercises the reconnect loop, never dials successfully
		RegistrationKey: "test-key",
		DisplayName:     "test-laptop",
		STTProvider:     "openai",
		TTSProvider:     "openai",
		DefaultTerminalType: "regular",
	}
	return Options{
		Config:        cfg,
		UserConfigDir: dir,
		StateDir:      filepath.Join(dir, "state"),
		HistoryDBPath: filepath.Join(dir, "history.db"),
		HTTPAddr:      "127.0.0.1:0",
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	sv, err := New(testOptions(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		sv.issuerStop()
		sv.History.Close()
	})

	if sv.State == nil || sv.History == nil || sv.Issuer == nil {
		t.Fatal("expected State, History, Issuer to be constructed")
	}
	if sv.Registry == nil || sv.Router == nil || sv.Proxy == nil {
		t.Fatal("expected Registry, Router, Proxy to be constructed")
	}
	if sv.Agent == nil || sv.Passkey == nil || sv.Migrator == nil {
		t.Fatal("expected Agent, Passkey, Migrator to be constructed")
	}
	if sv.Tunnel == nil || sv.HTTP == nil {
		t.Fatal("expected Tunnel, HTTP to be constructed")
	}
	if sv.Tunnel.Handler == nil {
		t.Error("expected tunnel.Handler to be wired to the shared REST handler")
	}
	if sv.Workspace != nil {
		t.Error("expected no Workspace when Options.WorkspaceDir is empty")
	}
	if sv.Passkey.Enabled() {
		t.Error("expected Passkey gate disabled with an empty allowlist")
	}
}

func TestNewRejectsNilConfig(t *testing.T) {
	opts := testOptions(t)
	opts.Config = nil
	if _, err := New(opts); err == nil {
		t.Fatal("expected an error for a nil Config")
	}
}

func TestNewDecodesPasskeyAllowlist(t *testing.T) {
	opts := testOptions(t)
	opts.Config.PasskeyAllowlist = []config.PasskeyCredential{
		{CredentialID: "cred-1", PublicKey: "deadbeef", Label: "yubikey"},
	}
	sv, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		sv.issuerStop()
		sv.History.Close()
	})
	if !sv.Passkey.Enabled() {
		t.Error("expected Passkey gate enabled with a non-empty allowlist")
	}
}

func TestNewRejectsMalformedPasskeyPublicKey(t *testing.T) {
	opts := testOptions(t)
	opts.Config.PasskeyAllowlist = []config.PasskeyCredential{
		{CredentialID: "cred-1", PublicKey: "not-hex!!", Label: "yubikey"},
	}
	if _, err := New(opts); err == nil {
		t.Fatal("expected an error for a non-hex public key")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sv, err := New(testOptions(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sv.Run(ctx) }()

	// Give the local HTTP server and tunnel goroutines time to start before
	// asking everything to shut down.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-runErrCh:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return within 10s of cancellation")
	}
}
