package pipeline

import (
	"context"
	"time"
)

// Synthesizer streams synthesized audio for a response text onto out. It
// must not close out or push the end-of-stream sentinel; the pipeline
// owns stream termination.
type Synthesizer interface {
	Speak(ctx context.Context, text string, out chan<- []byte) error
}

// SilenceSynthesizer stands in for a streaming TTS backend: it emits one
// chunk of silence per utterance after a short synthesis delay.
type SilenceSynthesizer struct {
	ChunkBytes int
	Delay      time.Duration
}

func (s SilenceSynthesizer) Speak(ctx context.Context, text string, out chan<- []byte) error {
	delay := s.Delay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	size := s.ChunkBytes
	if size <= 0 {
		size = 3200 // 100ms of pcm16 mono at 16kHz
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case out <- make([]byte, size):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
