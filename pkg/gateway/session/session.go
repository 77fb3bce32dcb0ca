// Package session maps live client connections to their session ids. One
// session per accepted connection; the id is the correlation key tool
// handlers use to reach the caller's order state.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/voicewire/voicewire/pkg/gateway/orderstate"
	"github.com/voicewire/voicewire/pkg/gateway/realtime"
)

var ErrNoSession = errors.New("no session for connection")

type Registry struct {
	store orderstate.Store

	mu     sync.Mutex
	byConn map[*realtime.Conn]string
}

func NewRegistry(store orderstate.Store) *Registry {
	return &Registry{
		store:  store,
		byConn: make(map[*realtime.Conn]string),
	}
}

// Create allocates a session in the order store and binds it to the
// connection. Called exactly once per accepted connection.
func (r *Registry) Create(ctx context.Context, conn *realtime.Conn) (string, error) {
	id, err := r.store.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.byConn[conn] = id
	r.mu.Unlock()
	return id, nil
}

func (r *Registry) Resolve(conn *realtime.Conn) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byConn[conn]
	if !ok {
		return "", ErrNoSession
	}
	return id, nil
}

// Remove drops the local mapping at connection teardown. The store owns
// expiry of the session's order state.
func (r *Registry) Remove(conn *realtime.Conn) {
	r.mu.Lock()
	delete(r.byConn, conn)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
