package recording

import "testing"

func TestProcessOutputFirstChunkEmitsFull(t *testing.T) {
	s := NewState()
	s.SetLastCommand("echo hi")
	out, ok := s.ProcessOutput([]byte("hi there"), "hi there")
	if !ok {
		t.Fatal("expected output to be reported")
	}
	if out.Raw != "hi there" {
		t.Errorf("Raw = %q, want %q", out.Raw, "hi there")
	}
}

func TestProcessOutputSuppressesExactRepeat(t *testing.T) {
	s := NewState()
	s.SetLastCommand("")
	s.ProcessOutput([]byte("same text"), "same text")
	_, ok := s.ProcessOutput([]byte("same text"), "same text")
	if ok {
		t.Error("expected exact repeat to be suppressed")
	}
}

func TestProcessOutputSuppressesLargeSuffix(t *testing.T) {
	s := NewState()
	s.SetLastCommand("")
	s.ProcessOutput([]byte("and this is a long line of streaming text"), "")
	_, ok := s.ProcessOutput([]byte("this is a long line of streaming text"), "")
	if ok {
		t.Error("expected a >=90% trailing suffix to be suppressed")
	}
}

func TestProcessOutputEmitsGrowingDelta(t *testing.T) {
	s := NewState()
	s.SetLastCommand("")
	s.ProcessOutput([]byte("paragraph one is fairly long content here"), "")
	out, ok := s.ProcessOutput([]byte("totally unrelated second paragraph appears now"), "")
	if !ok {
		t.Fatal("expected new unrelated content to be reported")
	}
	if out.Delta == "" {
		t.Error("expected a non-empty delta for new content")
	}
}

func TestSetLastCommandResetsState(t *testing.T) {
	s := NewState()
	s.SetLastCommand("first")
	s.ProcessOutput([]byte("output one"), "")
	s.SetLastCommand("second")
	out, ok := s.ProcessOutput([]byte("output one"), "")
	if !ok {
		t.Fatal("expected dedup state to reset on new command")
	}
	if out.Raw != "output one" {
		t.Errorf("Raw = %q, want %q", out.Raw, "output one")
	}
}
