// Package tools holds the gateway's server-side tool registry. Tools are
// invisible to clients; the model requests them through function-call
// events and the gateway runs them out of band.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownTool   = errors.New("unknown tool")
	ErrDuplicateTool = errors.New("tool already registered")
)

// Direction says where a tool result goes: back into the model
// conversation, or out of band to the client.
type Direction int

const (
	ToServer Direction = iota
	ToClient
)

// Result is what a handler produces. Payload may be nil, a string, or any
// JSON-marshalable value.
type Result struct {
	Payload   any
	Direction Direction
}

// Render flattens the payload to the wire text: empty for nil, verbatim
// for strings, canonical JSON otherwise.
func (r Result) Render() string {
	switch v := r.Payload.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// Handler runs a tool invocation. The session id identifies the calling
// connection's order state; handlers that don't need it ignore it.
type Handler func(ctx context.Context, args json.RawMessage, sessionID string) (Result, error)

// Tool pairs a handler with the schema advertised to the model.
type Tool struct {
	Name    string
	Schema  json.RawMessage
	Handler Handler
}

// Registry maps tool names to handlers. Registration happens at startup;
// lookups are concurrent-safe afterwards.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Tool
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

func (r *Registry) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", name)
	}
	if len(t.Schema) == 0 {
		return fmt.Errorf("tool %q: schema is required", name)
	}
	t.Name = name

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.byName[name] = t
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	if !ok {
		return Tool{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Schemas returns the advertised tool schemas in registration order.
func (r *Registry) Schemas() []json.RawMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]json.RawMessage, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name].Schema)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
