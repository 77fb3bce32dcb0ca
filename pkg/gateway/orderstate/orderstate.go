// Package orderstate is the gateway's narrow contract against the order
// store: allocate a session, read its order, replace its items. Expiry of
// abandoned sessions is owned by the store backend.
package orderstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNoSession = errors.New("no such session")

type Item struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Notes    string `json:"notes,omitempty"`
}

type Order struct {
	SessionID string    `json:"session_id"`
	Items     []Item    `json:"items"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store interface {
	// CreateSession allocates a fresh session with an empty order.
	CreateSession(ctx context.Context) (string, error)
	// GetOrder returns the current order; ErrNoSession if unknown.
	GetOrder(ctx context.Context, sessionID string) (Order, error)
	// UpdateOrder replaces the order's items; ErrNoSession if unknown.
	UpdateOrder(ctx context.Context, sessionID string, items []Item) (Order, error)
}

// MemoryStore keeps orders in process memory. Used for single-instance
// deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]Order
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]Order), now: time.Now}
}

func (s *MemoryStore) CreateSession(ctx context.Context) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[id] = Order{SessionID: id, Items: []Item{}, UpdatedAt: s.now()}
	return id, nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, sessionID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[sessionID]
	if !ok {
		return Order{}, ErrNoSession
	}
	return order, nil
}

func (s *MemoryStore) UpdateOrder(ctx context.Context, sessionID string, items []Item) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[sessionID]
	if !ok {
		return Order{}, ErrNoSession
	}
	if items == nil {
		items = []Item{}
	}
	order.Items = items
	order.UpdatedAt = s.now()
	s.orders[sessionID] = order
	return order, nil
}
