package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/gateway/realtime"
)

// TranscriptEvent is one unit of transcription progress: a partial delta,
// or the final text of a completed utterance.
type TranscriptEvent struct {
	Delta string
	Text  string
	Final bool
}

// Transcriber streams client audio to the upstream transcription endpoint
// and relays transcript progress onto a queue.
type Transcriber struct {
	// Dial opens the transcription websocket. Injected so tests can point
	// at a fake upstream.
	Dial   func(ctx context.Context) (*websocket.Conn, error)
	Model  string
	Prompt string
	Logger *slog.Logger
}

// Stream drains audioIn (nil chunk = end of input) into the transcription
// connection and pushes transcript events until one utterance completes.
func (t *Transcriber) Stream(ctx context.Context, audioIn <-chan []byte, out chan<- TranscriptEvent) error {
	if t.Dial == nil {
		return fmt.Errorf("transcriber dial is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ws, err := t.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("transcription connect: %w", err)
	}
	conn := realtime.NewConn(ws, 0)
	defer conn.Close()

	// Unblock the read loop when the stage is canceled.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	setup := realtime.TranscriptionSessionUpdate{
		Type: realtime.TypeTranscriptionSessionUpdate,
		Session: realtime.TranscriptionSession{
			InputAudioFormat: "pcm16",
			InputAudioTranscription: realtime.TranscriptionSettings{
				Model:  t.Model,
				Prompt: t.Prompt,
			},
			TurnDetection: realtime.TurnDetection{Type: "server_vad"},
		},
	}
	if err := conn.WriteJSON(setup); err != nil {
		return fmt.Errorf("transcription setup: %w", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- t.sendAudio(ctx, conn, audioIn) }()
	go func() { errCh <- t.receive(ctx, conn, out) }()

	// The receive side finishing ends the stage; cancel releases the
	// sender if input is still open.
	err = <-errCh
	cancel()
	<-errCh
	if ctx.Err() != nil && err != nil {
		// Canceled stages report cleanly.
		return nil
	}
	return err
}

func (t *Transcriber) sendAudio(ctx context.Context, conn *realtime.Conn, audioIn <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-audioIn:
			if chunk == nil {
				end := realtime.InputAudioBufferEnd{Type: realtime.TypeInputAudioBufferEnd}
				if err := conn.WriteJSON(end); err != nil {
					return fmt.Errorf("transcription end: %w", err)
				}
				return nil
			}
			frame := realtime.InputAudioBufferAppend{
				Type:  realtime.TypeInputAudioBufferAppend,
				Audio: base64.StdEncoding.EncodeToString(chunk),
			}
			if err := conn.WriteJSON(frame); err != nil {
				return fmt.Errorf("transcription append: %w", err)
			}
		}
	}
}

func (t *Transcriber) receive(ctx context.Context, conn *realtime.Conn, out chan<- TranscriptEvent) error {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for {
		_, data, err := conn.Read()
		if err != nil {
			return fmt.Errorf("transcription read: %w", err)
		}
		var event realtime.TranscriptionEvent
		if err := json.Unmarshal(data, &event); err != nil {
			logger.Warn("dropping unreadable transcription event", "error", err)
			continue
		}
		switch event.Type {
		case realtime.TypeTranscriptionDelta:
			select {
			case out <- TranscriptEvent{Delta: event.Delta}:
			case <-ctx.Done():
				return nil
			}
		case realtime.TypeTranscriptionCompleted:
			select {
			case out <- TranscriptEvent{Text: event.Transcript, Final: true}:
			case <-ctx.Done():
				return nil
			}
			return nil
		}
	}
}
