package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rbarinov/echoshell/internal/ptysession"
)

func TestLoadTunnelIdentityMissingReturnsNil(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id, err := s.LoadTunnelIdentity()
	if err != nil {
		t.Fatalf("LoadTunnelIdentity: %v", err)
	}
	if id != nil {
		t.Errorf("LoadTunnelIdentity() = %+v, want nil", id)
	}
}

func TestSaveAndLoadTunnelIdentityRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := TunnelIdentity{TunnelID: "tun-1", RegistrationKey: "rk", PublicURL: "https://x", WSURL: "wss://x"}
	if err := s.SaveTunnelIdentity(want); err != nil {
		t.Fatalf("SaveTunnelIdentity: %v", err)
	}

	got, err := s.LoadTunnelIdentity()
	if err != nil {
		t.Fatalf("LoadTunnelIdentity: %v", err)
	}
	if got == nil || got.TunnelID != want.TunnelID || got.RegistrationKey != want.RegistrationKey {
		t.Errorf("LoadTunnelIdentity() = %+v, want %+v", got, want)
	}
}

func TestSaveSessionDescriptorsRoundTrips(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	descriptors := []ptysession.Descriptor{
		ptysession.New(ptysession.Regular, "/tmp", "shell", 80, 24),
		ptysession.New(ptysession.ClaudeCLI, "/tmp/proj", "agent", 120, 40),
	}
	if err := s.SaveSessionDescriptors(descriptors); err != nil {
		t.Fatalf("SaveSessionDescriptors: %v", err)
	}

	got, err := s.LoadSessionDescriptors()
	if err != nil {
		t.Fatalf("LoadSessionDescriptors: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadSessionDescriptors() returned %d descriptors, want 2", len(got))
	}
	if got[0].SessionID != descriptors[0].SessionID {
		t.Errorf("SessionID[0] = %q, want %q", got[0].SessionID, descriptors[0].SessionID)
	}
}

func TestLoadSessionDescriptorsQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := os.WriteFile(s.sessionsPath(), []byte("{not valid json"), 0600); err != nil {
		t.Fatalf("write corrupt sessions.json: %v", err)
	}

	got, err := s.LoadSessionDescriptors()
	if err != nil {
		t.Fatalf("LoadSessionDescriptors: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("LoadSessionDescriptors() = %+v, want empty after quarantine", got)
	}
	if _, err := os.Stat(s.sessionsPath()); !os.IsNotExist(err) {
		t.Errorf("expected sessions.json to be renamed aside, stat err = %v", err)
	}
	matches, _ := filepath.Glob(s.sessionsPath() + ".corrupt-*")
	if len(matches) != 1 {
		t.Errorf("expected one quarantined file, found %v", matches)
	}
}

func TestWriteJSONAtomicLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.SaveTunnelIdentity(TunnelIdentity{TunnelID: "t"}); err != nil {
		t.Fatalf("SaveTunnelIdentity: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(dir, ".tmp-*"))
	if len(matches) != 0 {
		t.Errorf("found leftover temp files: %v", matches)
	}
}
