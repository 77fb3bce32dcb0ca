package realtime

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// TokenProvider supplies a bearer token for upstream authentication when
// no static API key is configured. Acquisition and caching live with the
// credential provider, not here.
type TokenProvider func(ctx context.Context) (string, error)

type DialConfig struct {
	// Endpoint is the upstream HTTP(S) base, e.g. https://host. The
	// scheme is rewritten to ws(s) before dialing.
	Endpoint string
	Path     string
	Query    url.Values

	APIKey        string
	TokenProvider TokenProvider

	HandshakeTimeout time.Duration
}

// Dial opens an authenticated websocket to an upstream streaming
// endpoint.
func Dial(ctx context.Context, cfg DialConfig) (*websocket.Conn, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}

	u, err := url.Parse(endpoint + cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	if cfg.Query != nil {
		u.RawQuery = cfg.Query.Encode()
	}

	headers := http.Header{}
	switch {
	case cfg.APIKey != "":
		headers.Set("api-key", cfg.APIKey)
	case cfg.TokenProvider != nil:
		token, err := cfg.TokenProvider(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire upstream token: %w", err)
		}
		headers.Set("Authorization", "Bearer "+token)
	default:
		return nil, fmt.Errorf("upstream credentials are required")
	}

	handshakeTimeout := cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("upstream connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("upstream connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream connect: %w", err)
	}
	return conn, nil
}
