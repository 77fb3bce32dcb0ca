// Package builtins registers the gateway's stock tools.
package builtins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voicewire/voicewire/pkg/gateway/orderstate"
	"github.com/voicewire/voicewire/pkg/gateway/tools"
)

const (
	ToolGetOrder    = "get_order"
	ToolUpdateOrder = "update_order"
)

var getOrderSchema = json.RawMessage(`{
	"type": "function",
	"name": "get_order",
	"description": "Look up the caller's current order: every item with its quantity and notes.",
	"parameters": {
		"type": "object",
		"properties": {},
		"required": [],
		"additionalProperties": false
	}
}`)

var updateOrderSchema = json.RawMessage(`{
	"type": "function",
	"name": "update_order",
	"description": "Replace the caller's order with the given items. Send the complete order, not a diff.",
	"parameters": {
		"type": "object",
		"properties": {
			"items": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"name": {"type": "string", "description": "Menu item name"},
						"quantity": {"type": "integer", "minimum": 1},
						"notes": {"type": "string", "description": "Customizations, e.g. oat milk"}
					},
					"required": ["name", "quantity"]
				}
			}
		},
		"required": ["items"],
		"additionalProperties": false
	}
}`)

// RegisterOrderTools wires the order read/update tools against the store.
// get_order feeds the model; update_order additionally notifies the client
// so its view of the order stays current.
func RegisterOrderTools(reg *tools.Registry, store orderstate.Store) error {
	if err := reg.Register(tools.Tool{
		Name:    ToolGetOrder,
		Schema:  getOrderSchema,
		Handler: getOrderHandler(store),
	}); err != nil {
		return err
	}
	return reg.Register(tools.Tool{
		Name:    ToolUpdateOrder,
		Schema:  updateOrderSchema,
		Handler: updateOrderHandler(store),
	})
}

func getOrderHandler(store orderstate.Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage, sessionID string) (tools.Result, error) {
		order, err := store.GetOrder(ctx, sessionID)
		if err != nil {
			return tools.Result{}, fmt.Errorf("get_order: %w", err)
		}
		return tools.Result{Payload: order, Direction: tools.ToServer}, nil
	}
}

type updateOrderArgs struct {
	Items []orderstate.Item `json:"items"`
}

func updateOrderHandler(store orderstate.Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage, sessionID string) (tools.Result, error) {
		var parsed updateOrderArgs
		if err := json.Unmarshal(args, &parsed); err != nil {
			return tools.Result{}, fmt.Errorf("update_order: invalid arguments: %w", err)
		}
		order, err := store.UpdateOrder(ctx, sessionID, parsed.Items)
		if err != nil {
			return tools.Result{}, fmt.Errorf("update_order: %w", err)
		}
		return tools.Result{Payload: order, Direction: tools.ToClient}, nil
	}
}
