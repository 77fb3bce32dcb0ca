// Package sessions tracks the gateway's live voice sessions so shutdown
// can warn, wait for, and finally cancel them.
package sessions

import (
	"context"
	"sync"
)

// Handle is what a running session exposes to the tracker.
type Handle struct {
	Cancel func()
	Warn   func(code, message string) error
}

type Tracker struct {
	mu     sync.Mutex
	active map[string]*entry
	wg     sync.WaitGroup
}

type entry struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{active: make(map[string]*entry)}
}

// Register adds a session and returns its unregister func. Re-registering
// a session id displaces the previous entry.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	e := &entry{handle: h}

	t.mu.Lock()
	prev := t.active[sessionID]
	t.active[sessionID] = e
	t.wg.Add(1)
	t.mu.Unlock()

	if prev != nil {
		t.release(sessionID, prev)
	}
	return func() { t.release(sessionID, e) }
}

func (t *Tracker) release(sessionID string, e *entry) {
	e.once.Do(func() {
		t.mu.Lock()
		if t.active[sessionID] == e {
			delete(t.active, sessionID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// WarnAll notifies every live session, best effort.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	warns := make([]func(string, string) error, 0, len(t.active))
	for _, e := range t.active {
		if e.handle.Warn != nil {
			warns = append(warns, e.handle.Warn)
		}
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

// CancelAll force-cancels every live session.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	cancels := make([]func(), 0, len(t.active))
	for _, e := range t.active {
		if e.handle.Cancel != nil {
			cancels = append(cancels, e.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session unregisters, or the context
// expires. Returns false on timeout.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	if ctx == nil {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
