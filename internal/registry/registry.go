// Package registry owns the session-id -> PTYSession map and fans out
// global output/input/destroyed listeners across every session it manages.
package registry

import (
	"fmt"
	"sync"

	"github.com/rbarinov/echoshell/internal/ptysession"
)

// GlobalOutputListener observes output for any session the registry owns.
type GlobalOutputListener func(descriptor ptysession.Descriptor, data []byte)

// GlobalInputListener observes input written to any session.
type GlobalInputListener func(descriptor ptysession.Descriptor, data []byte)

// SessionDestroyedListener observes a session's teardown.
type SessionDestroyedListener func(descriptor ptysession.Descriptor)

// PersistFunc is called whenever the set of descriptors changes, so the
// caller can hand it to a StateStore.
type PersistFunc func(descriptors []ptysession.Descriptor)

// Registry owns all live PTYSessions.
type Registry struct {
	mu          sync.Mutex
	descriptors map[string]ptysession.Descriptor
	sessions    map[string]*ptysession.Session

	globalOutput    []GlobalOutputListener
	globalInput     []GlobalInputListener
	destroyedListen []SessionDestroyedListener

	persist PersistFunc
}

// New returns an empty Registry. persist may be nil.
func New(persist PersistFunc) *Registry {
	return &Registry{
		descriptors: make(map[string]ptysession.Descriptor),
		sessions:    make(map[string]*ptysession.Session),
		persist:     persist,
	}
}

// Create generates a new descriptor, persists it, and spawns its PTY.
func (r *Registry) Create(terminalType ptysession.TerminalType, workingDir, name string, cols, rows int) (ptysession.Descriptor, error) {
	d := ptysession.New(terminalType, workingDir, name, cols, rows)

	sess, err := ptysession.Spawn(d)
	if err != nil {
		return ptysession.Descriptor{}, err
	}

	r.mu.Lock()
	r.descriptors[d.SessionID] = d
	r.sessions[d.SessionID] = sess
	r.mu.Unlock()

	r.wireSession(sess)
	r.persistLocked()
	return d, nil
}

// List returns descriptors for all known sessions (not runtime handles).
func (r *Registry) List() []ptysession.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ptysession.Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}

// Get returns the descriptor and, if currently spawned, the live session.
func (r *Registry) Get(sessionID string) (ptysession.Descriptor, *ptysession.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[sessionID]
	if !ok {
		return ptysession.Descriptor{}, nil, false
	}
	return d, r.sessions[sessionID], true
}

// ensureSpawned lazily spawns a session whose descriptor exists but whose
// process was not yet (re)started, e.g. after RestoreSessions.
func (r *Registry) ensureSpawned(sessionID string) (*ptysession.Session, error) {
	r.mu.Lock()
	if sess, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		return sess, nil
	}
	d, ok := r.descriptors[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	sess, err := ptysession.Spawn(d)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[sessionID] = sess
	r.mu.Unlock()
	r.wireSession(sess)
	return sess, nil
}

// Rename updates the descriptor's display name.
func (r *Registry) Rename(sessionID, name string) error {
	r.mu.Lock()
	d, ok := r.descriptors[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s not found", sessionID)
	}
	d.Name = name
	r.descriptors[sessionID] = d
	r.mu.Unlock()
	r.persistLocked()
	return nil
}

// Resize changes a session's PTY geometry and updates its descriptor.
func (r *Registry) Resize(sessionID string, cols, rows int) error {
	sess, err := r.ensureSpawned(sessionID)
	if err != nil {
		return err
	}
	if err := sess.Resize(cols, rows); err != nil {
		return err
	}
	r.mu.Lock()
	d := r.descriptors[sessionID]
	d.Cols, d.Rows = cols, rows
	r.descriptors[sessionID] = d
	r.mu.Unlock()
	r.persistLocked()
	return nil
}

// Destroy tears down a session's process and removes it from the registry.
func (r *Registry) Destroy(sessionID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	delete(r.descriptors, sessionID)
	r.mu.Unlock()
	if ok {
		sess.Destroy()
	}
	r.persistLocked()
	return nil
}

// GetHistory returns the output ring snapshot for a session, spawning it
// lazily if needed.
func (r *Registry) GetHistory(sessionID string) ([]byte, error) {
	sess, err := r.ensureSpawned(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.History(), nil
}

// ExecuteCommand writes cmd plus a trailing newline to the session's stdin
// without waiting for any reply.
func (r *Registry) ExecuteCommand(sessionID, cmd string) error {
	return r.WriteInput(sessionID, append([]byte(cmd), '\n'))
}

// WriteInput writes raw bytes to a session's stdin.
func (r *Registry) WriteInput(sessionID string, data []byte) error {
	sess, err := r.ensureSpawned(sessionID)
	if err != nil {
		return err
	}
	return sess.Write(data)
}

// RestoreSessions re-reads already-loaded descriptors (the caller is
// expected to have populated them from StateStore) without spawning
// processes; spawning happens lazily on first access.
func (r *Registry) RestoreSessions(descriptors []ptysession.Descriptor) {
	r.mu.Lock()
	for _, d := range descriptors {
		r.descriptors[d.SessionID] = d
	}
	r.mu.Unlock()
}

// AddGlobalOutputListener registers fn for output on every session.
func (r *Registry) AddGlobalOutputListener(fn GlobalOutputListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalOutput = append(r.globalOutput, fn)
}

// AddGlobalInputListener registers fn for input on every session.
func (r *Registry) AddGlobalInputListener(fn GlobalInputListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.globalInput = append(r.globalInput, fn)
}

// AddSessionDestroyedListener registers fn to be notified on any session teardown.
func (r *Registry) AddSessionDestroyedListener(fn SessionDestroyedListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyedListen = append(r.destroyedListen, fn)
}

// wireSession hooks a freshly spawned session's per-session listeners into
// the registry's global fan-out, preserving per-session FIFO order since
// PTYSession itself invokes its listeners serially from one pump goroutine.
func (r *Registry) wireSession(sess *ptysession.Session) {
	d := sess.Descriptor
	sess.AddOutputListener(func(data []byte) {
		r.mu.Lock()
		listeners := append([]GlobalOutputListener(nil), r.globalOutput...)
		r.mu.Unlock()
		for _, fn := range listeners {
			fn(d, data)
		}
	})
	sess.AddInputListener(func(data []byte) {
		r.mu.Lock()
		listeners := append([]GlobalInputListener(nil), r.globalInput...)
		r.mu.Unlock()
		for _, fn := range listeners {
			fn(d, data)
		}
	})
	sess.AddDestroyedListener(func() {
		r.mu.Lock()
		listeners := append([]SessionDestroyedListener(nil), r.destroyedListen...)
		r.mu.Unlock()
		for _, fn := range listeners {
			fn(d)
		}
	})
}

func (r *Registry) persistLocked() {
	if r.persist == nil {
		return
	}
	r.persist(r.List())
}
