package orderstate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	id, err := s.CreateSession(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == "" {
		t.Fatalf("empty session id")
	}

	order, err := s.GetOrder(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if order.SessionID != id {
		t.Fatalf("session_id=%q, want %q", order.SessionID, id)
	}
	if len(order.Items) != 0 {
		t.Fatalf("new order has %d items, want 0", len(order.Items))
	}
	if order.Items == nil {
		t.Fatalf("items must be an empty slice, not nil")
	}
}

func TestMemoryStore_SessionsAreDistinct(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, _ := s.CreateSession(ctx)
	b, _ := s.CreateSession(ctx)
	if a == b {
		t.Fatalf("duplicate session ids")
	}

	if _, err := s.UpdateOrder(ctx, a, []Item{{Name: "latte", Quantity: 1}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	orderB, err := s.GetOrder(ctx, b)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(orderB.Items) != 0 {
		t.Fatalf("session b sees session a's items")
	}
}

func TestMemoryStore_UpdateReplacesItems(t *testing.T) {
	s := NewMemoryStore()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	ctx := context.Background()

	id, _ := s.CreateSession(ctx)
	if _, err := s.UpdateOrder(ctx, id, []Item{{Name: "latte", Quantity: 1}, {Name: "muffin", Quantity: 2}}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	order, err := s.UpdateOrder(ctx, id, []Item{{Name: "espresso", Quantity: 1, Notes: "double"}})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if len(order.Items) != 1 || order.Items[0].Name != "espresso" {
		t.Fatalf("update must replace, got %+v", order.Items)
	}
	if !order.UpdatedAt.Equal(fixed) {
		t.Fatalf("updated_at=%v, want %v", order.UpdatedAt, fixed)
	}
}

func TestMemoryStore_NilItemsBecomeEmpty(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id, _ := s.CreateSession(ctx)
	order, err := s.UpdateOrder(ctx, id, nil)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if order.Items == nil || len(order.Items) != 0 {
		t.Fatalf("items=%v, want empty slice", order.Items)
	}
}

func TestMemoryStore_UnknownSession(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.GetOrder(ctx, "ghost"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("get err=%v, want ErrNoSession", err)
	}
	if _, err := s.UpdateOrder(ctx, "ghost", nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("update err=%v, want ErrNoSession", err)
	}
}
