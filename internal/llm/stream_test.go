package llm

import (
	"context"
	"testing"
	"time"
)

func TestDummyProviderStreamsWords(t *testing.T) {
	p := NewDummyProvider()
	stream, err := p.Stream(context.Background(), []Message{{Role: "user", Content: "hello there"}})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	for {
		_, ok := stream.Next()
		if !ok {
			break
		}
	}
	if stream.Err() != nil {
		t.Errorf("Err() = %v, want nil", stream.Err())
	}
	if stream.Text() == "" {
		t.Error("Text() is empty, want the assembled response")
	}
}

func TestStreamSendAfterCancelDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStream(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Send(Chunk{Text: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-contextTimeout():
		t.Fatal("Send blocked after context cancellation")
	}
}

func contextTimeout() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		<-ctx.Done()
		close(ch)
	}()
	return ch
}
