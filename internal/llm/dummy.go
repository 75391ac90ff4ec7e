package llm

import (
	"context"
	"strings"
)

// DummyProvider is a canned streaming provider used in tests and as a
// fallback when no API key is configured.
type DummyProvider struct{}

// NewDummyProvider returns a DummyProvider.
func NewDummyProvider() *DummyProvider {
	return &DummyProvider{}
}

// Stream implements Provider with a few canned responses, mirroring the
// keyword-triggered style of a fixture LLM.
func (d *DummyProvider) Stream(ctx context.Context, messages []Message) (*Stream, error) {
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = strings.ToLower(messages[i].Content)
			break
		}
	}

	response := "I'm a local test assistant. Ask me about files, commands, or just say hello."
	switch {
	case strings.Contains(last, "hello") || strings.Contains(last, "hi"):
		response = "Hello! How can I help with this session?"
	case strings.Contains(last, "help"):
		response = "I can discuss the current terminal session and answer questions about it."
	}

	stream := NewStream(ctx)
	go func() {
		for _, word := range strings.Fields(response) {
			stream.Send(Chunk{Text: word + " "})
		}
		stream.Close(nil)
	}()
	return stream, nil
}
