package registry

import (
	"testing"
	"time"

	"github.com/rbarinov/echoshell/internal/ptysession"
)

func TestCreateListGetDestroy(t *testing.T) {
	var persisted []ptysession.Descriptor
	r := New(func(d []ptysession.Descriptor) { persisted = d })

	d, err := r.Create(ptysession.Regular, ".", "shell", 80, 24)
	if err != nil {
		t.Skipf("pty spawn unavailable in this environment: %v", err)
	}
	defer r.Destroy(d.SessionID)

	list := r.List()
	if len(list) != 1 || list[0].SessionID != d.SessionID {
		t.Fatalf("List() = %v, want one descriptor with SessionID %q", list, d.SessionID)
	}
	if len(persisted) != 1 {
		t.Errorf("persist callback got %d descriptors, want 1", len(persisted))
	}

	_, sess, ok := r.Get(d.SessionID)
	if !ok || sess == nil {
		t.Fatal("Get() did not return a live session")
	}

	if err := r.Destroy(d.SessionID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if len(r.List()) != 0 {
		t.Errorf("List() after Destroy = %v, want empty", r.List())
	}
}

func TestGlobalOutputListenerFanOut(t *testing.T) {
	r := New(nil)
	received := make(chan []byte, 8)
	r.AddGlobalOutputListener(func(d ptysession.Descriptor, data []byte) {
		received <- data
	})

	d, err := r.Create(ptysession.Regular, ".", "", 80, 24)
	if err != nil {
		t.Skipf("pty spawn unavailable in this environment: %v", err)
	}
	defer r.Destroy(d.SessionID)

	if err := r.ExecuteCommand(d.SessionID, "echo FANOUT_TEST"); err != nil {
		t.Fatalf("ExecuteCommand: %v", err)
	}

	select {
	case <-received:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for global output listener fan-out")
	}
}

func TestDestroyedListenerFiresOnRegistryDestroy(t *testing.T) {
	r := New(nil)
	fired := make(chan ptysession.Descriptor, 1)
	r.AddSessionDestroyedListener(func(d ptysession.Descriptor) { fired <- d })

	d, err := r.Create(ptysession.Regular, ".", "", 80, 24)
	if err != nil {
		t.Skipf("pty spawn unavailable in this environment: %v", err)
	}

	r.Destroy(d.SessionID)

	select {
	case got := <-fired:
		if got.SessionID != d.SessionID {
			t.Errorf("destroyed descriptor SessionID = %q, want %q", got.SessionID, d.SessionID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for destroyed listener")
	}
}
