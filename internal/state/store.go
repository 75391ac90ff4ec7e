// Package state is the durable JSON StateStore: tunnel identity and session
// descriptors, each written atomically. Ephemeral keys are not persisted
// here; they exist only in keys.Issuer's memory.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rbarinov/echoshell/internal/ptysession"
)

// TunnelIdentity is the persisted half of the tunnel registration.
type TunnelIdentity struct {
	TunnelID        string    `json:"tunnelId"`
	RegistrationKey string    `json:"registrationKey"`
	PublicURL       string    `json:"publicUrl"`
	WSURL           string    `json:"wsUrl"`
	LaptopAuthKey   string    `json:"laptopAuthKey"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Store owns tunnel.json and sessions.json. No other component writes to
// either file.
type Store struct {
	Dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) tunnelPath() string   { return filepath.Join(s.Dir, "tunnel.json") }
func (s *Store) sessionsPath() string { return filepath.Join(s.Dir, "sessions.json") }

// LoadTunnelIdentity returns (nil, nil) when no identity has been persisted yet.
func (s *Store) LoadTunnelIdentity() (*TunnelIdentity, error) {
	var id TunnelIdentity
	ok, err := readJSON(s.tunnelPath(), &id)
	if err != nil || !ok {
		return nil, err
	}
	return &id, nil
}

// SaveTunnelIdentity atomically replaces tunnel.json.
func (s *Store) SaveTunnelIdentity(id TunnelIdentity) error {
	return writeJSONAtomic(s.tunnelPath(), id)
}

// LoadSessionDescriptors returns the persisted descriptor set, or nil if none exists yet.
func (s *Store) LoadSessionDescriptors() ([]ptysession.Descriptor, error) {
	var descriptors []ptysession.Descriptor
	ok, err := readJSON(s.sessionsPath(), &descriptors)
	if err != nil || !ok {
		return nil, err
	}
	return descriptors, nil
}

// SaveSessionDescriptors atomically replaces sessions.json with the full set.
func (s *Store) SaveSessionDescriptors(descriptors []ptysession.Descriptor) error {
	if descriptors == nil {
		descriptors = []ptysession.Descriptor{}
	}
	return writeJSONAtomic(s.sessionsPath(), descriptors)
}

// readJSON reports ok=false (no error) when the file does not exist yet. A
// file that fails to parse is quarantined by renaming it aside with a
// timestamp suffix, and treated the same as absent, so one corrupt file
// never blocks startup.
func readJSON(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		quarantined := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, quarantined); renameErr != nil {
			return false, fmt.Errorf("parse %s: %w (and quarantine failed: %v)", path, err, renameErr)
		}
		return false, nil
	}
	return true, nil
}

// writeJSONAtomic writes to a temp file in the same directory and renames it
// over the target, so a crash mid-write never leaves a truncated file.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
