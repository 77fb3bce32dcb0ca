package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicewire/voicewire/pkg/gateway/lifecycle"
	"github.com/voicewire/voicewire/pkg/gateway/orderstate"
	"github.com/voicewire/voicewire/pkg/gateway/session"
	"github.com/voicewire/voicewire/pkg/gateway/sessions"
	"github.com/voicewire/voicewire/pkg/gateway/tools"
)

// fakeUpstream runs a local websocket endpoint in place of the model
// service. Every frame handed to send is written to the connected relay;
// frames the relay writes upstream land on recv.
type fakeUpstream struct {
	dial DialFunc
	send chan []byte
	recv chan []byte
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		send: make(chan []byte, 16),
		recv: make(chan []byte, 16),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upstream upgrade: %v", err)
			return
		}
		go func() {
			for frame := range f.send {
				if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.recv <- data
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(f.send) })

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	f.dial = func(ctx context.Context) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return conn, err
	}
	return f
}

func newRealtimeHandler(t *testing.T, upstream *fakeUpstream) RealtimeHandler {
	t.Helper()
	store := orderstate.NewMemoryStore()
	reg := tools.NewRegistry()
	return RealtimeHandler{
		Config:       validConfig(),
		Tools:        reg,
		Sessions:     session.NewRegistry(store),
		Lifecycle:    &lifecycle.Lifecycle{},
		LiveSessions: sessions.NewTracker(),
		DialUpstream: upstream.dial,
	}
}

func dialHandler(t *testing.T, h RealtimeHandler, path string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial gateway: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRealtimeHandler_RelaySession(t *testing.T) {
	upstream := newFakeUpstream(t)
	h := newRealtimeHandler(t, upstream)
	h.Config.SystemMessage = "secret prompt"
	h.Config.VoiceChoice = "alloy"

	client := dialHandler(t, h, "/realtime")

	// The upstream greets with confidential session state; the client must
	// see it scrubbed.
	upstream.send <- []byte(`{"type":"session.created","session":{"id":"sess_up","instructions":"secret prompt","tools":[{"name":"x"}],"voice":"verse"}}`)

	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var created struct {
		Type    string `json:"type"`
		Session struct {
			Instructions string `json:"instructions"`
			Voice        string `json:"voice"`
		} `json:"session"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Type != "session.created" {
		t.Fatalf("type=%q", created.Type)
	}
	if created.Session.Instructions != "" {
		t.Fatalf("instructions leaked: %q", created.Session.Instructions)
	}
	if created.Session.Voice != "alloy" {
		t.Fatalf("voice=%q, want alloy", created.Session.Voice)
	}

	// Client traffic flows upstream with enforcement applied.
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.update","session":{"instructions":"client prompt"}}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	select {
	case frame := <-upstream.recv:
		var update struct {
			Session struct {
				Instructions string `json:"instructions"`
			} `json:"session"`
		}
		if err := json.Unmarshal(frame, &update); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if update.Session.Instructions != "secret prompt" {
			t.Fatalf("instructions=%q, want enforced", update.Session.Instructions)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream never saw the session.update")
	}
}

func TestRealtimeHandler_RejectsWhileDraining(t *testing.T) {
	h := newRealtimeHandler(t, newFakeUpstream(t))
	h.Lifecycle.SetDraining(true)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/realtime")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d, want 503", resp.StatusCode)
	}
}

func TestRealtimeHandler_RejectsUnknownMode(t *testing.T) {
	h := newRealtimeHandler(t, newFakeUpstream(t))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/realtime?mode=telepathy")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want 400", resp.StatusCode)
	}
}

func TestRealtimeHandler_RejectsUnknownOrigin(t *testing.T) {
	h := newRealtimeHandler(t, newFakeUpstream(t))
	h.Config.CORSAllowedOrigins = map[string]struct{}{"https://app.example": {}}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/realtime", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status=%d, want 403", resp.StatusCode)
	}
}

func TestRealtimeHandler_UpstreamDialFailure(t *testing.T) {
	h := newRealtimeHandler(t, newFakeUpstream(t))
	h.DialUpstream = func(ctx context.Context) (*websocket.Conn, error) {
		return nil, context.DeadlineExceeded
	}

	client := dialHandler(t, h, "/realtime")
	_ = client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var msg struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != "error" || msg.Code != "upstream_unavailable" {
		t.Fatalf("frame=%s", string(data))
	}
}

func TestRealtimeHandler_TracksLiveSessions(t *testing.T) {
	upstream := newFakeUpstream(t)
	h := newRealtimeHandler(t, upstream)

	client := dialHandler(t, h, "/realtime")

	deadline := time.Now().Add(3 * time.Second)
	for h.LiveSessions.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = client.Close()

	deadline = time.Now().Add(3 * time.Second)
	for h.LiveSessions.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session never unregistered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
