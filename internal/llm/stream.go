// Package llm provides the streaming chat provider AgentOrchestrator's
// supervisor mode talks to.
package llm

import (
	"context"
	"strings"
	"sync"
)

// Message is one turn of conversation history.
type Message struct {
	Role    string // "user" | "assistant" | "system"
	Content string
}

// Chunk is one piece of a streamed completion.
type Chunk struct {
	Text string
}

// Stream delivers chunks as they arrive and the final error (nil on clean
// completion) once the provider is done.
type Stream struct {
	ctx    context.Context
	ch     chan Chunk
	mu     sync.Mutex
	chunks []Chunk
	err    error
	done   bool
}

// NewStream returns a Stream bound to ctx; providers call send/close on it.
func NewStream(ctx context.Context) *Stream {
	return &Stream{ctx: ctx, ch: make(chan Chunk, 64)}
}

// Send delivers a chunk, dropping it silently if ctx is already done.
func (s *Stream) Send(c Chunk) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.ch <- c:
	case <-s.ctx.Done():
	}
}

// Close marks the stream complete, recording err (nil on success).
func (s *Stream) Close(err error) {
	s.mu.Lock()
	s.err = err
	s.done = true
	s.mu.Unlock()
	close(s.ch)
}

// Next blocks for the next chunk; ok is false once the stream is closed.
func (s *Stream) Next() (Chunk, bool) {
	c, ok := <-s.ch
	if ok {
		s.mu.Lock()
		s.chunks = append(s.chunks, c)
		s.mu.Unlock()
	}
	return c, ok
}

// Text concatenates every chunk delivered so far.
func (s *Stream) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, c := range s.chunks {
		b.WriteString(c.Text)
	}
	return b.String()
}

// Err returns the terminal error, if any, once the stream is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Provider is a streaming chat backend.
type Provider interface {
	// Stream begins a completion for the given history and returns
	// immediately; chunks arrive on the returned Stream.
	Stream(ctx context.Context, messages []Message) (*Stream, error)
}
