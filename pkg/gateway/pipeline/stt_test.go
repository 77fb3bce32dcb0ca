package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/gateway/realtime"
)

// fakeTranscriptionServer stands in for the upstream streaming
// transcription endpoint: it verifies the session setup, then answers the
// first audio append with two deltas and a completed transcript.
func fakeTranscriptionServer(t *testing.T) func(ctx context.Context) (*websocket.Conn, error) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		_, setup, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var update realtime.TranscriptionSessionUpdate
		if err := json.Unmarshal(setup, &update); err != nil {
			t.Errorf("decode setup: %v", err)
			return
		}
		if update.Type != realtime.TypeTranscriptionSessionUpdate {
			t.Errorf("setup type=%q", update.Type)
			return
		}
		if update.Session.InputAudioFormat != "pcm16" {
			t.Errorf("input_audio_format=%q", update.Session.InputAudioFormat)
		}
		if update.Session.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection=%q", update.Session.TurnDetection.Type)
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			if frame.Type != realtime.TypeInputAudioBufferAppend {
				continue
			}
			for _, delta := range []string{"hel", "lo"} {
				msg, _ := json.Marshal(realtime.TranscriptionEvent{
					Type:  realtime.TypeTranscriptionDelta,
					Delta: delta,
				})
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			}
			msg, _ := json.Marshal(realtime.TranscriptionEvent{
				Type:       realtime.TypeTranscriptionCompleted,
				Transcript: "hello",
			})
			_ = conn.WriteMessage(websocket.TextMessage, msg)
			return
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	return func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return conn, err
	}
}

func TestTranscriber_StreamOneUtterance(t *testing.T) {
	tr := &Transcriber{
		Dial:   fakeTranscriptionServer(t),
		Model:  "test-transcribe",
		Prompt: "Respond in English.",
	}

	audioIn := make(chan []byte, 4)
	out := make(chan TranscriptEvent, 8)
	audioIn <- []byte{0, 1, 2, 3}

	done := make(chan error, 1)
	go func() { done <- tr.Stream(context.Background(), audioIn, out) }()

	var events []TranscriptEvent
	timeout := time.After(3 * time.Second)
	for len(events) < 3 {
		select {
		case ev := <-out:
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(events))
		}
	}

	if events[0].Delta != "hel" || events[0].Final {
		t.Fatalf("event 0: %+v", events[0])
	}
	if events[1].Delta != "lo" || events[1].Final {
		t.Fatalf("event 1: %+v", events[1])
	}
	if !events[2].Final || events[2].Text != "hello" {
		t.Fatalf("event 2: %+v", events[2])
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stream err=%v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("stream did not finish")
	}
}

func TestTranscriber_CancelEndsCleanly(t *testing.T) {
	tr := &Transcriber{
		Dial:  fakeTranscriptionServer(t),
		Model: "test-transcribe",
	}
	ctx, cancel := context.WithCancel(context.Background())

	audioIn := make(chan []byte)
	out := make(chan TranscriptEvent, 1)
	done := make(chan error, 1)
	go func() { done <- tr.Stream(ctx, audioIn, out) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("canceled stream err=%v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("stream did not stop on cancel")
	}
}

func TestTranscriber_RequiresDial(t *testing.T) {
	tr := &Transcriber{}
	if err := tr.Stream(context.Background(), nil, nil); err == nil {
		t.Fatalf("expected error without a dial function")
	}
}
