// Package pipeline is the gateway's staged session driver: streaming
// speech-to-text, a reasoning step, and text-to-speech, connected by
// queues. It is an alternative to the direct relay for the same client
// endpoint.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/gateway/metrics"
	"github.com/voicewire/voicewire/pkg/gateway/realtime"
)

type Config struct {
	Client      *realtime.Conn
	Transcriber *Transcriber
	Reasoner    Reasoner
	Synth       Synthesizer
	SessionID   string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	QueueSize   int
}

// Pipeline drives one client connection through the three stages. Queues
// are buffered channels; a nil chunk is the end-of-stream sentinel on the
// audio queues.
type Pipeline struct {
	client      *realtime.Conn
	transcriber *Transcriber
	reasoner    Reasoner
	synth       Synthesizer
	sessionID   string
	logger      *slog.Logger
	metrics     *metrics.Metrics
	queueSize   int

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("pipeline requires a client connection")
	}
	if cfg.Transcriber == nil {
		return nil, fmt.Errorf("pipeline requires a transcriber")
	}
	if cfg.Reasoner == nil {
		cfg.Reasoner = EchoReasoner{}
	}
	if cfg.Synth == nil {
		cfg.Synth = SilenceSynthesizer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		client:      cfg.Client,
		transcriber: cfg.Transcriber,
		reasoner:    cfg.Reasoner,
		synth:       cfg.Synth,
		sessionID:   cfg.SessionID,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		queueSize:   cfg.QueueSize,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Cancel aborts the session from outside (shutdown, tracker).
func (p *Pipeline) Cancel() { p.cancel() }

// SendWarning notifies the client out of band, best effort.
func (p *Pipeline) SendWarning(code, message string) error {
	return p.client.WriteJSON(map[string]string{
		"type":    "warning",
		"code":    code,
		"message": message,
	})
}

// Run blocks until the client disconnects or the session is canceled. On
// exit the speech-to-text and any running speech task are canceled; no
// background work survives.
func (p *Pipeline) Run() error {
	defer p.cancel()

	audioIn := make(chan []byte, p.queueSize)
	transcripts := make(chan TranscriptEvent, 32)
	audioOut := make(chan []byte, p.queueSize)

	go func() {
		<-p.ctx.Done()
		_ = p.client.Close()
	}()

	sttDone := make(chan error, 1)
	go func() {
		sttDone <- p.transcriber.Stream(p.ctx, audioIn, transcripts)
	}()

	readDone := make(chan error, 1)
	go func() {
		readDone <- p.readClient(audioIn)
	}()

	var speechTasks sync.WaitGroup
	defer speechTasks.Wait()

	// Receiving on a nil channel blocks forever, so a drained sttDone is
	// nilled out and waitSTT is the only way to drain it.
	waitSTT := func() {
		if sttDone != nil {
			<-sttDone
			sttDone = nil
		}
	}

	// Once the transcription stage ends nothing else consumes audioIn.
	// The loop takes over draining it so readClient never wedges on a
	// full buffer and still observes the client close.
	var drainAudioIn <-chan []byte

	for {
		select {
		case <-p.ctx.Done():
			waitSTT()
			return nil

		case err := <-readDone:
			p.cancel()
			waitSTT()
			if isExpectedDisconnect(err) {
				return nil
			}
			return err

		case err := <-sttDone:
			sttDone = nil
			drainAudioIn = audioIn
			if err != nil {
				p.logger.Warn("transcription stage ended",
					"session_id", p.sessionID, "error", err)
			}

		case <-drainAudioIn:

		case ev := <-transcripts:
			if err := p.forwardTranscript(ev); err != nil {
				p.cancel()
				return err
			}
			if ev.Final {
				if p.metrics != nil {
					p.metrics.TranscriptsTotal.Inc()
				}
				speechTasks.Add(1)
				go func(text string) {
					defer speechTasks.Done()
					p.speak(text, audioOut)
				}(ev.Text)
			}

		case chunk := <-audioOut:
			if chunk == nil {
				continue
			}
			if p.metrics != nil {
				p.metrics.AudioBytesTotal.WithLabelValues("out").Add(float64(len(chunk)))
			}
			if err := p.client.WriteBinary(chunk); err != nil {
				p.cancel()
				return err
			}
		}
	}
}

// readClient classifies inbound frames: binary is audio, text is control.
// A disconnect pushes the end-of-input sentinel so the transcription
// stage can flush.
func (p *Pipeline) readClient(audioIn chan<- []byte) error {
	for {
		messageType, data, err := p.client.Read()
		if err != nil {
			select {
			case audioIn <- nil:
			case <-p.ctx.Done():
			}
			return err
		}
		switch messageType {
		case websocket.BinaryMessage:
			if p.metrics != nil {
				p.metrics.AudioBytesTotal.WithLabelValues("in").Add(float64(len(data)))
			}
			select {
			case audioIn <- data:
			case <-p.ctx.Done():
				return nil
			}
		case websocket.TextMessage:
			// Control frames are accepted but carry nothing the pipeline
			// acts on today.
		}
	}
}

func (p *Pipeline) forwardTranscript(ev TranscriptEvent) error {
	if ev.Final {
		return p.client.WriteJSON(realtime.TranscriptFinal{
			Type: realtime.TypeTranscriptFinal,
			Text: ev.Text,
		})
	}
	return p.client.WriteJSON(realtime.TranscriptDelta{
		Type:  realtime.TypeTranscriptDelta,
		Delta: ev.Delta,
	})
}

// speak runs the reasoning stage then streams synthesized audio, closing
// the utterance with the sentinel.
func (p *Pipeline) speak(transcript string, audioOut chan<- []byte) {
	reply, err := p.reasoner.Respond(p.ctx, transcript)
	if err != nil {
		p.logger.Error("reasoning stage failed",
			"session_id", p.sessionID, "error", err)
		return
	}
	if err := p.synth.Speak(p.ctx, reply, audioOut); err != nil && p.ctx.Err() == nil {
		p.logger.Error("synthesis stage failed",
			"session_id", p.sessionID, "error", err)
	}
	select {
	case audioOut <- nil:
	case <-p.ctx.Done():
	}
}

func isExpectedDisconnect(err error) bool {
	if err == nil {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
