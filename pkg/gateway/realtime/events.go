// Package realtime defines the subset of the upstream realtime event
// vocabulary the gateway recognizes, plus the gateway's own extension
// events. Anything outside this set is relayed opaquely.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Upstream event types the gateway inspects. The set is intentionally
// closed: unrecognized types pass through untouched.
const (
	TypeSessionCreated             = "session.created"
	TypeSessionUpdate              = "session.update"
	TypeResponseOutputItemAdded    = "response.output_item.added"
	TypeResponseOutputItemDone     = "response.output_item.done"
	TypeConversationItemCreated    = "conversation.item.created"
	TypeConversationItemCreate     = "conversation.item.create"
	TypeFunctionCallArgsDelta      = "response.function_call_arguments.delta"
	TypeFunctionCallArgsDone       = "response.function_call_arguments.done"
	TypeResponseDone               = "response.done"
	TypeResponseCreate             = "response.create"
	TypeTranscriptionSessionUpdate = "transcription_session.update"
	TypeInputAudioBufferAppend     = "input_audio_buffer.append"
	TypeInputAudioBufferEnd        = "input_audio_buffer.end"
	TypeTranscriptionDelta         = "conversation.item.input_audio_transcription.delta"
	TypeTranscriptionCompleted     = "conversation.item.input_audio_transcription.completed"
)

// Gateway-originated event types sent to clients.
const (
	TypeToolResponseExtension = "extension.middle_tier_tool_response"
	TypeTranscriptDelta       = "transcript.delta"
	TypeTranscriptFinal       = "transcript.final"
)

// Conversation item types.
const (
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

// ProtocolError marks a message-local protocol violation. Processing of
// the offending message stops, but the connection stays up.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Code) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func Malformed(message string) *ProtocolError {
	return &ProtocolError{Code: "malformed", Message: message}
}

// Item is the typed view of a conversation item. Only the fields the
// gateway dispatches on are decoded.
type Item struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
}

// Envelope is the typed header of any upstream or client event. The full
// payload is kept raw so forwarding preserves fields the gateway does not
// model.
type Envelope struct {
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id,omitempty"`
	Item           *Item  `json:"item,omitempty"`
}

// ParseEnvelope decodes the header of a JSON event frame.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, Malformed("invalid json frame")
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, Malformed("missing event type")
	}
	return env, nil
}

// FunctionCallOutput is the item shape the gateway injects upstream after
// running a tool.
type FunctionCallOutput struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type ConversationItemCreate struct {
	Type string             `json:"type"`
	Item FunctionCallOutput `json:"item"`
}

func NewFunctionCallOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: FunctionCallOutput{
			Type:   ItemFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	}
}

// ResponseCreate forces a follow-up model turn.
type ResponseCreate struct {
	Type string `json:"type"`
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

// ToolResponseExtension carries a client-directed tool result. Clients
// that predate the extension must tolerate (ignore) it.
type ToolResponseExtension struct {
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id"`
	ToolName       string `json:"tool_name"`
	ToolResult     string `json:"tool_result"`
}

// Transcription session configuration sent when the audio pipeline opens
// its streaming transcription connection.
type TranscriptionSettings struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt,omitempty"`
}

type TurnDetection struct {
	Type string `json:"type"`
}

type TranscriptionSession struct {
	InputAudioFormat        string                `json:"input_audio_format"`
	InputAudioTranscription TranscriptionSettings `json:"input_audio_transcription"`
	TurnDetection           TurnDetection         `json:"turn_detection"`
}

type TranscriptionSessionUpdate struct {
	Type    string               `json:"type"`
	Session TranscriptionSession `json:"session"`
}

type InputAudioBufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type InputAudioBufferEnd struct {
	Type string `json:"type"`
}

// TranscriptionEvent is the typed view of transcription stream events.
type TranscriptionEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// TranscriptDelta and TranscriptFinal are the pipeline's client-facing
// transcript events.
type TranscriptDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

type TranscriptFinal struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
