// Package ptysession owns a single PTY-backed child process: its stdin/
// stdout pumps, history ring, resize, and graceful-then-forceful teardown.
package ptysession

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// TerminalType selects the spawned command and output-processing path.
type TerminalType string

const (
	Regular    TerminalType = "regular"
	CursorAgent TerminalType = "cursor_agent"
	CursorCLI   TerminalType = "cursor_cli"
	ClaudeCLI   TerminalType = "claude_cli"
)

// IsHeadless reports whether this terminal type emits NDJSON rather than a
// TUI's rendered screen.
func (t TerminalType) IsHeadless() bool {
	return t == CursorCLI || t == ClaudeCLI
}

// State is the PTYSession lifecycle state machine.
type State int

const (
	StateSpawning State = iota
	StateRunning
	StateTerminating
	StateDead
)

const (
	historyRingCapacity = 256 * 1024
	killGrace           = 5 * time.Second
	defaultCols         = 80
	defaultRows         = 24
)

// Descriptor is the persisted, restart-surviving half of a session.
type Descriptor struct {
	SessionID    string       `json:"session_id"`
	TerminalType TerminalType `json:"terminal_type"`
	WorkingDir   string       `json:"working_dir"`
	Name         string       `json:"name,omitempty"`
	Cols         int          `json:"cols"`
	Rows         int          `json:"rows"`
	CreatedAt    time.Time    `json:"created_at"`
}

// OutputListener is notified of every chunk of child stdout, in the order
// the PTY produced it.
type OutputListener func(data []byte)

// InputListener is notified of every chunk written to child stdin.
type InputListener func(data []byte)

// DestroyedListener is notified once, when the session is fully torn down.
type DestroyedListener func()

// Session is one PTY + child process.
type Session struct {
	Descriptor Descriptor

	mu         sync.Mutex
	state      State
	ptmx       *os.File
	cmd        *exec.Cmd
	destroyed  bool

	history     []byte
	historyHead int

	outputListeners    map[int]OutputListener
	inputListeners     map[int]InputListener
	destroyedListeners []DestroyedListener
	nextListenerID     int
}

// New builds a Descriptor for a not-yet-spawned session with a freshly
// generated id, applying the spec's default 80x24 geometry when unset.
func New(terminalType TerminalType, workingDir, name string, cols, rows int) Descriptor {
	if cols <= 0 {
		cols = defaultCols
	}
	if rows <= 0 {
		rows = defaultRows
	}
	return Descriptor{
		SessionID:    uuid.NewString(),
		TerminalType: terminalType,
		WorkingDir:   workingDir,
		Name:         name,
		Cols:         cols,
		Rows:         rows,
		CreatedAt:    time.Now(),
	}
}

// Spawn starts the child process for d and returns a running Session.
func Spawn(d Descriptor) (*Session, error) {
	name, args, err := commandFor(d.TerminalType)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = d.WorkingDir
	cmd.Env = os.Environ()
	cmd.WaitDelay = killGrace

	size := &pty.Winsize{Cols: uint16(d.Cols), Rows: uint16(d.Rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	s := &Session{
		Descriptor:      d,
		state:           StateRunning,
		ptmx:            ptmx,
		cmd:             cmd,
		history:         make([]byte, historyRingCapacity),
		outputListeners: make(map[int]OutputListener),
		inputListeners:  make(map[int]InputListener),
	}

	go s.pumpOutput()
	go s.waitExit()

	return s, nil
}

func commandFor(t TerminalType) (string, []string, error) {
	switch t {
	case Regular:
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/bash"
		}
		return shell, nil, nil
	case CursorAgent:
		return "cursor-agent", nil, nil
	case CursorCLI:
		return "cursor-agent", []string{"--headless", "--output-format", "stream-json"}, nil
	case ClaudeCLI:
		return "claude", []string{"-p", "--output-format", "stream-json", "--verbose"}, nil
	default:
		return "", nil, fmt.Errorf("unknown terminal type %q", t)
	}
}

// pumpOutput is the single writer of history; it is the only goroutine that
// appends to it, satisfying the one-writer invariant.
func (s *Session) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.mu.Lock()
			running := s.state == StateRunning
			if running {
				s.appendHistory(chunk)
			}
			listeners := make([]OutputListener, 0, len(s.outputListeners))
			for _, fn := range s.outputListeners {
				listeners = append(listeners, fn)
			}
			s.mu.Unlock()
			if running {
				for _, fn := range listeners {
					fn(chunk)
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				// Read error other than EOF on an already-closing PTY is
				// expected; nothing actionable for the caller.
			}
			return
		}
	}
}

// appendHistory must be called with mu held.
func (s *Session) appendHistory(chunk []byte) {
	for _, b := range chunk {
		s.history[s.historyHead] = b
		s.historyHead = (s.historyHead + 1) % len(s.history)
	}
}

func (s *Session) waitExit() {
	s.cmd.Wait()
	s.mu.Lock()
	alreadyDestroying := s.state == StateTerminating || s.state == StateDead
	s.state = StateDead
	s.mu.Unlock()
	if !alreadyDestroying {
		s.Destroy()
	}
}

// Write enqueues bytes to the child's stdin. It blocks only if the child's
// stdin pipe itself is full; the PTY file descriptor already provides that
// backpressure without any buffering of our own.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return fmt.Errorf("session is not running")
	}
	ptmx := s.ptmx
	listeners := make([]InputListener, 0, len(s.inputListeners))
	for _, fn := range s.inputListeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	_, err := ptmx.Write(data)
	for _, fn := range listeners {
		fn(data)
	}
	return err
}

// Resize changes the PTY's terminal geometry.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Descriptor.Cols = cols
	s.Descriptor.Rows = rows
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Destroy sends SIGTERM, waits up to 5s, then SIGKILL, and notifies
// destroyed listeners exactly once.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.state = StateTerminating
	cmd := s.cmd
	ptmx := s.ptmx
	listeners := append([]DestroyedListener(nil), s.destroyedListeners...)
	s.mu.Unlock()

	if cmd.Process != nil {
		cmd.Process.Signal(syscall.SIGTERM)
		done := make(chan struct{})
		go func() {
			cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(killGrace):
			cmd.Process.Kill()
		}
	}
	ptmx.Close()

	s.mu.Lock()
	s.state = StateDead
	s.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// History returns a snapshot of the output ring, oldest bytes first.
func (s *Session) History() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked()
}

func (s *Session) historyLocked() []byte {
	if s.historyHead == 0 {
		return append([]byte(nil), s.history...)
	}
	out := make([]byte, 0, len(s.history))
	out = append(out, s.history[s.historyHead:]...)
	out = append(out, s.history[:s.historyHead]...)
	return out
}

// AddOutputListener registers fn to be called with every output chunk while
// the session is running; it returns an id for RemoveOutputListener.
func (s *Session) AddOutputListener(fn OutputListener) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerID
	s.nextListenerID++
	s.outputListeners[id] = fn
	return id
}

// RemoveOutputListener unregisters a listener by the id AddOutputListener returned.
func (s *Session) RemoveOutputListener(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outputListeners, id)
}

// AddInputListener registers fn to be called with every chunk written to stdin.
func (s *Session) AddInputListener(fn InputListener) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListenerID
	s.nextListenerID++
	s.inputListeners[id] = fn
	return id
}

// RemoveInputListener unregisters a listener by the id AddInputListener returned.
func (s *Session) RemoveInputListener(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inputListeners, id)
}

// AddDestroyedListener registers fn to be called once, after teardown completes.
func (s *Session) AddDestroyedListener(fn DestroyedListener) {
	s.mu.Lock()
	alreadyDestroyed := s.destroyed
	if !alreadyDestroyed {
		s.destroyedListeners = append(s.destroyedListeners, fn)
	}
	s.mu.Unlock()
	if alreadyDestroyed {
		fn()
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
