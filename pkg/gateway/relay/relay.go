// Package relay pumps messages between one client connection and its
// upstream counterpart, transforming traffic through the protocol filter
// in both directions.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/gateway/metrics"
	"github.com/voicewire/voicewire/pkg/gateway/realtime"
)

type Config struct {
	Client    *realtime.Conn
	Upstream  *realtime.Conn
	Filter    *Filter
	SessionID string
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Relay owns the two live connections for one session. Run drives both
// pumps until either side closes or errors, then tears everything down.
type Relay struct {
	client    *realtime.Conn
	upstream  *realtime.Conn
	filter    *Filter
	sessionID string
	logger    *slog.Logger
	metrics   *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

func New(cfg Config) (*Relay, error) {
	if cfg.Client == nil || cfg.Upstream == nil {
		return nil, fmt.Errorf("relay requires both connections")
	}
	if cfg.Filter == nil {
		return nil, fmt.Errorf("relay requires a filter")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		client:    cfg.Client,
		upstream:  cfg.Upstream,
		filter:    cfg.Filter,
		sessionID: cfg.SessionID,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Cancel aborts the session from outside (shutdown, tracker).
func (r *Relay) Cancel() { r.cancel() }

// SendWarning notifies the client out of band, best effort.
func (r *Relay) SendWarning(code, message string) error {
	return r.client.WriteJSON(map[string]string{
		"type":    "warning",
		"code":    code,
		"message": message,
	})
}

// Run blocks until the session ends. Closing either side cancels the
// sibling pump and closes both connections.
func (r *Relay) Run() error {
	defer r.cancel()

	go func() {
		<-r.ctx.Done()
		_ = r.client.Close()
		_ = r.upstream.Close()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- r.pumpServerBound() }()
	go func() { errCh <- r.pumpClientBound() }()

	err := <-errCh
	r.cancel()
	<-errCh

	if isExpectedClose(err) {
		return nil
	}
	return err
}

// pumpServerBound moves client messages upstream through the server-bound
// filter half.
func (r *Relay) pumpServerBound() error {
	for {
		messageType, data, err := r.client.Read()
		if err != nil {
			return fmt.Errorf("client read: %w", err)
		}
		if messageType == websocket.BinaryMessage {
			r.countAudio("in", len(data))
			if err := r.upstream.WriteBinary(data); err != nil {
				return fmt.Errorf("upstream write: %w", err)
			}
			continue
		}

		out, err := r.filter.ServerBound(data)
		if err != nil {
			r.dropMessage("server_bound", err)
			continue
		}
		if err := r.upstream.WriteText(out); err != nil {
			return fmt.Errorf("upstream write: %w", err)
		}
	}
}

// pumpClientBound moves upstream messages to the client through the
// client-bound filter half, which may also write back upstream (tool
// outputs, forced turns).
func (r *Relay) pumpClientBound() error {
	for {
		messageType, data, err := r.upstream.Read()
		if err != nil {
			return fmt.Errorf("upstream read: %w", err)
		}
		if messageType == websocket.BinaryMessage {
			r.countAudio("out", len(data))
			if err := r.client.WriteBinary(data); err != nil {
				return fmt.Errorf("client write: %w", err)
			}
			continue
		}

		verdict, err := r.filter.ClientBound(r.ctx, data)
		if err != nil {
			r.dropMessage("client_bound", err)
			continue
		}
		for _, msg := range verdict.ToUpstream {
			if err := r.upstream.WriteText(msg); err != nil {
				return fmt.Errorf("upstream write: %w", err)
			}
		}
		for _, msg := range verdict.ToClient {
			if err := r.client.WriteText(msg); err != nil {
				return fmt.Errorf("client write: %w", err)
			}
		}
		if verdict.Forward == nil {
			if r.metrics != nil {
				r.metrics.SuppressedEventsTotal.WithLabelValues(verdict.Type).Inc()
			}
			continue
		}
		if err := r.client.WriteText(verdict.Forward); err != nil {
			return fmt.Errorf("client write: %w", err)
		}
	}
}

// dropMessage absorbs a message-local failure without ending the session.
func (r *Relay) dropMessage(direction string, err error) {
	r.logger.Warn("dropping message",
		"session_id", r.sessionID, "direction", direction, "error", err)
	if r.metrics != nil {
		r.metrics.ProtocolErrorsTotal.WithLabelValues(direction).Inc()
	}
}

func (r *Relay) countAudio(direction string, n int) {
	if r.metrics != nil {
		r.metrics.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
			return true
		}
		return false
	}
	// Local teardown: the watcher closed the socket under a blocked read.
	return errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent)
}
