package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/voicewire/voicewire/pkg/gateway/orderstate"
	"github.com/voicewire/voicewire/pkg/gateway/tools"
)

func newRegistryWithStore(t *testing.T) (*tools.Registry, orderstate.Store, string) {
	t.Helper()
	store := orderstate.NewMemoryStore()
	reg := tools.NewRegistry()
	if err := RegisterOrderTools(reg, store); err != nil {
		t.Fatalf("register: %v", err)
	}
	sessionID, err := store.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return reg, store, sessionID
}

func TestGetOrder(t *testing.T) {
	reg, store, sessionID := newRegistryWithStore(t)
	if _, err := store.UpdateOrder(context.Background(), sessionID, []orderstate.Item{{Name: "latte", Quantity: 2}}); err != nil {
		t.Fatalf("seed order: %v", err)
	}

	tool, err := reg.Lookup(ToolGetOrder)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	result, err := tool.Handler(context.Background(), json.RawMessage(`{}`), sessionID)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.Direction != tools.ToServer {
		t.Fatalf("direction=%v, want ToServer", result.Direction)
	}

	var order orderstate.Order
	if err := json.Unmarshal([]byte(result.Render()), &order); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(order.Items) != 1 || order.Items[0].Name != "latte" || order.Items[0].Quantity != 2 {
		t.Fatalf("order=%+v", order)
	}
}

func TestGetOrder_UnknownSession(t *testing.T) {
	reg, _, _ := newRegistryWithStore(t)
	tool, _ := reg.Lookup(ToolGetOrder)
	_, err := tool.Handler(context.Background(), json.RawMessage(`{}`), "ghost")
	if !errors.Is(err, orderstate.ErrNoSession) {
		t.Fatalf("err=%v, want ErrNoSession", err)
	}
}

func TestUpdateOrder(t *testing.T) {
	reg, store, sessionID := newRegistryWithStore(t)
	tool, err := reg.Lookup(ToolUpdateOrder)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}

	args := json.RawMessage(`{"items":[{"name":"espresso","quantity":1,"notes":"double"}]}`)
	result, err := tool.Handler(context.Background(), args, sessionID)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result.Direction != tools.ToClient {
		t.Fatalf("direction=%v, want ToClient", result.Direction)
	}

	order, err := store.GetOrder(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(order.Items) != 1 || order.Items[0].Notes != "double" {
		t.Fatalf("stored order=%+v", order.Items)
	}
}

func TestUpdateOrder_InvalidArguments(t *testing.T) {
	reg, _, sessionID := newRegistryWithStore(t)
	tool, _ := reg.Lookup(ToolUpdateOrder)
	if _, err := tool.Handler(context.Background(), json.RawMessage(`{"items":"nope"}`), sessionID); err == nil {
		t.Fatalf("expected error for malformed items")
	}
}

func TestSchemasAdvertiseBothTools(t *testing.T) {
	reg, _, _ := newRegistryWithStore(t)
	schemas := reg.Schemas()
	if len(schemas) != 2 {
		t.Fatalf("schemas=%d, want 2", len(schemas))
	}
	var first struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(schemas[0], &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Type != "function" || first.Name != ToolGetOrder {
		t.Fatalf("first schema=%+v", first)
	}
}
