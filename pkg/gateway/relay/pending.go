package relay

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateCall = errors.New("tool call already pending")
	ErrUnknownCall   = errors.New("unknown tool call")
)

// PendingCall links an announced function call to the conversation item
// that preceded it, so the client-directed result can be anchored there.
type PendingCall struct {
	CallID         string
	PreviousItemID string
}

// PendingCalls tracks in-flight tool calls for one relay. Each relay owns
// its own tracker, so concurrent sessions never see each other's calls.
type PendingCalls struct {
	mu    sync.Mutex
	calls map[string]PendingCall
}

func NewPendingCalls() *PendingCalls {
	return &PendingCalls{calls: make(map[string]PendingCall)}
}

func (p *PendingCalls) Register(callID, previousItemID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.calls[callID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCall, callID)
	}
	p.calls[callID] = PendingCall{CallID: callID, PreviousItemID: previousItemID}
	return nil
}

// Take removes and returns the call. This is the terminal state: a second
// Take on the same id fails.
func (p *PendingCalls) Take(callID string) (PendingCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.calls[callID]
	if !ok {
		return PendingCall{}, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	delete(p.calls, callID)
	return call, nil
}

// ClearAll discards every pending call and reports how many were dropped.
// Used when the upstream declares a response done with calls still open.
func (p *PendingCalls) ClearAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.calls)
	p.calls = make(map[string]PendingCall)
	return n
}

func (p *PendingCalls) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
