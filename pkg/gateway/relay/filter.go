package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/voicewire/voicewire/pkg/gateway/metrics"
	"github.com/voicewire/voicewire/pkg/gateway/realtime"
	"github.com/voicewire/voicewire/pkg/gateway/tools"
)

// Enforced carries the server-controlled session parameters. When a field
// is set it overrides the client's negotiated value upstream and is
// scrubbed from everything the client sees.
type Enforced struct {
	SystemMessage string
	Voice         string
	Temperature   *float64
	MaxTokens     *int
	DisableAudio  *bool
}

// Verdict is the outcome of filtering one upstream-to-client message.
// A nil Forward suppresses the message. Extra messages are written in
// order: upstream first, then client.
type Verdict struct {
	Type       string
	Forward    []byte
	ToUpstream [][]byte
	ToClient   [][]byte
}

// Filter is the per-session message transformation state machine. The
// server-bound half enforces session configuration; the client-bound half
// hides tool-call machinery and dispatches tool invocations.
type Filter struct {
	enforced  Enforced
	tools     *tools.Registry
	pending   *PendingCalls
	sessionID string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type FilterConfig struct {
	Enforced  Enforced
	Tools     *tools.Registry
	Pending   *PendingCalls
	SessionID string
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func NewFilter(cfg FilterConfig) *Filter {
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}
	if cfg.Pending == nil {
		cfg.Pending = NewPendingCalls()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Filter{
		enforced:  cfg.Enforced,
		tools:     cfg.Tools,
		pending:   cfg.Pending,
		sessionID: cfg.SessionID,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// ServerBound transforms one client message headed upstream. Only
// session.update is touched; everything else passes through verbatim.
func (f *Filter) ServerBound(data []byte) ([]byte, error) {
	env, err := realtime.ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Type != realtime.TypeSessionUpdate {
		return data, nil
	}

	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, realtime.Malformed("invalid session.update payload")
	}
	sess, ok := msg["session"].(map[string]any)
	if !ok {
		return nil, realtime.Malformed("session.update without session object")
	}

	if f.enforced.SystemMessage != "" {
		sess["instructions"] = f.enforced.SystemMessage
	}
	if f.enforced.Temperature != nil {
		sess["temperature"] = *f.enforced.Temperature
	}
	if f.enforced.MaxTokens != nil {
		sess["max_response_output_tokens"] = *f.enforced.MaxTokens
	}
	if f.enforced.DisableAudio != nil {
		sess["disable_audio"] = *f.enforced.DisableAudio
	}
	if f.enforced.Voice != "" {
		sess["voice"] = f.enforced.Voice
	}
	if f.tools.Len() > 0 {
		sess["tool_choice"] = "auto"
	} else {
		sess["tool_choice"] = "none"
	}
	sess["tools"] = f.tools.Schemas()

	out, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("re-encode session.update: %w", err)
	}
	return out, nil
}

// ClientBound transforms one upstream message headed to the client,
// invoking tool handlers as a side effect of output-item completion.
func (f *Filter) ClientBound(ctx context.Context, data []byte) (Verdict, error) {
	env, err := realtime.ParseEnvelope(data)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{Type: env.Type, Forward: data}

	switch env.Type {
	case realtime.TypeSessionCreated:
		forward, err := f.scrubSessionCreated(data)
		if err != nil {
			return Verdict{}, err
		}
		v.Forward = forward

	case realtime.TypeResponseOutputItemAdded:
		if env.Item != nil && env.Item.Type == realtime.ItemFunctionCall {
			v.Forward = nil
		}

	case realtime.TypeConversationItemCreated:
		if env.Item == nil {
			break
		}
		switch env.Item.Type {
		case realtime.ItemFunctionCall:
			if err := f.pending.Register(env.Item.CallID, env.PreviousItemID); err != nil {
				f.logger.Warn("duplicate tool call announcement",
					"session_id", f.sessionID, "call_id", env.Item.CallID)
			}
			v.Forward = nil
		case realtime.ItemFunctionCallOutput:
			v.Forward = nil
		}

	case realtime.TypeFunctionCallArgsDelta, realtime.TypeFunctionCallArgsDone:
		v.Forward = nil

	case realtime.TypeResponseOutputItemDone:
		if env.Item != nil && env.Item.Type == realtime.ItemFunctionCall {
			if err := f.dispatch(ctx, env.Item, &v); err != nil {
				return Verdict{}, err
			}
			v.Forward = nil
		}

	case realtime.TypeResponseDone:
		if n := f.pending.ClearAll(); n > 0 {
			f.logger.Info("forcing follow-up turn for outstanding tool calls",
				"session_id", f.sessionID, "discarded", n)
			followUp, err := json.Marshal(realtime.NewResponseCreate())
			if err != nil {
				return Verdict{}, err
			}
			v.ToUpstream = append(v.ToUpstream, followUp)
		}
		forward, err := stripFunctionCalls(data)
		if err != nil {
			return Verdict{}, err
		}
		v.Forward = forward
	}

	return v, nil
}

// dispatch resolves and runs the tool behind a completed function-call
// item, queueing the call output upstream and, for client-directed
// results, the extension event to the client.
func (f *Filter) dispatch(ctx context.Context, item *realtime.Item, v *Verdict) error {
	call, err := f.pending.Take(item.CallID)
	if err != nil {
		return err
	}
	tool, err := f.tools.Lookup(item.Name)
	if err != nil {
		return err
	}

	args := json.RawMessage(item.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return realtime.Malformed(fmt.Sprintf("tool %s: arguments are not valid json", item.Name))
	}

	result, err := tool.Handler(ctx, args, f.sessionID)
	if f.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		f.metrics.ToolCallsTotal.WithLabelValues(item.Name, outcome).Inc()
	}
	if err != nil {
		// The conversation continues: feed the failure back to the model
		// instead of tearing the session down.
		f.logger.Error("tool handler failed",
			"session_id", f.sessionID, "tool", item.Name, "error", err)
		result = tools.Result{
			Payload:   map[string]string{"error": err.Error()},
			Direction: tools.ToServer,
		}
	}

	output := ""
	if result.Direction == tools.ToServer {
		output = result.Render()
	}
	callOutput, err := json.Marshal(realtime.NewFunctionCallOutput(item.CallID, output))
	if err != nil {
		return err
	}
	v.ToUpstream = append(v.ToUpstream, callOutput)

	if result.Direction == tools.ToClient {
		ext, err := json.Marshal(realtime.ToolResponseExtension{
			Type:           realtime.TypeToolResponseExtension,
			PreviousItemID: call.PreviousItemID,
			ToolName:       item.Name,
			ToolResult:     result.Render(),
		})
		if err != nil {
			return err
		}
		v.ToClient = append(v.ToClient, ext)
	}
	return nil
}

// scrubSessionCreated blanks the server-confidential session fields before
// the event reaches the client.
func (f *Filter) scrubSessionCreated(data []byte) ([]byte, error) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, realtime.Malformed("invalid session.created payload")
	}
	sess, ok := msg["session"].(map[string]any)
	if !ok {
		return nil, realtime.Malformed("session.created without session object")
	}
	sess["instructions"] = ""
	sess["tools"] = []any{}
	sess["voice"] = f.enforced.Voice
	sess["tool_choice"] = "none"
	sess["max_response_output_tokens"] = nil
	return json.Marshal(msg)
}

// stripFunctionCalls removes function-call entries from response.output,
// re-encoding only when something was actually removed.
func stripFunctionCalls(data []byte) ([]byte, error) {
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, realtime.Malformed("invalid response.done payload")
	}
	resp, ok := msg["response"].(map[string]any)
	if !ok {
		return data, nil
	}
	output, ok := resp["output"].([]any)
	if !ok {
		return data, nil
	}

	kept := make([]any, 0, len(output))
	for _, entry := range output {
		if obj, ok := entry.(map[string]any); ok {
			if t, _ := obj["type"].(string); t == realtime.ItemFunctionCall {
				continue
			}
		}
		kept = append(kept, entry)
	}
	if len(kept) == len(output) {
		return data, nil
	}
	resp["output"] = kept
	return json.Marshal(msg)
}
