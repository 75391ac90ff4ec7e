package ptysession

import (
	"strings"
	"testing"
	"time"
)

func TestNewAppliesDefaultGeometry(t *testing.T) {
	d := New(Regular, "/tmp", "", 0, 0)
	if d.Cols != defaultCols || d.Rows != defaultRows {
		t.Errorf("geometry = %dx%d, want %dx%d", d.Cols, d.Rows, defaultCols, defaultRows)
	}
	if d.SessionID == "" {
		t.Error("expected a generated SessionID")
	}
}

func TestIsHeadless(t *testing.T) {
	cases := map[TerminalType]bool{
		Regular:     false,
		CursorAgent: false,
		CursorCLI:   true,
		ClaudeCLI:   true,
	}
	for tt, want := range cases {
		if got := tt.IsHeadless(); got != want {
			t.Errorf("%s.IsHeadless() = %v, want %v", tt, got, want)
		}
	}
}

func TestSpawnWriteHistoryDestroy(t *testing.T) {
	if _, _, err := commandFor(Regular); err != nil {
		t.Skip("no shell resolvable in this environment")
	}

	d := New(Regular, ".", "", 80, 24)
	sess, err := Spawn(d)
	if err != nil {
		t.Skipf("pty spawn unavailable in this environment: %v", err)
	}
	defer sess.Destroy()

	var got []byte
	done := make(chan struct{})
	id := sess.AddOutputListener(func(data []byte) {
		got = append(got, data...)
		if strings.Contains(string(got), "HELLO_ECHOSHELL") {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	defer sess.RemoveOutputListener(id)

	if err := sess.Write([]byte("echo HELLO_ECHOSHELL\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for PTY echo output")
	}
}

func TestDestroyedListenerFiresAfterTeardown(t *testing.T) {
	if _, _, err := commandFor(Regular); err != nil {
		t.Skip("no shell resolvable in this environment")
	}
	d := New(Regular, ".", "", 80, 24)
	sess, err := Spawn(d)
	if err != nil {
		t.Skipf("pty spawn unavailable in this environment: %v", err)
	}

	fired := make(chan struct{})
	sess.AddDestroyedListener(func() { close(fired) })
	sess.Destroy()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("destroyed listener never fired")
	}

	if sess.State() != StateDead {
		t.Errorf("State() = %v, want StateDead", sess.State())
	}
}
