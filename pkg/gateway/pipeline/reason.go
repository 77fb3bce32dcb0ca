package pipeline

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Reasoner turns a finalized transcript into a response text. This is the
// integration point for tool-augmented reasoning; the contract is only
// "some text for every final transcript".
type Reasoner interface {
	Respond(ctx context.Context, transcript string) (string, error)
}

// EchoReasoner repeats the transcript back. Default when no model is
// configured.
type EchoReasoner struct{}

func (EchoReasoner) Respond(ctx context.Context, transcript string) (string, error) {
	return transcript, nil
}

// ModelReasoner answers with a generative model.
type ModelReasoner struct {
	client *genai.Client
	model  string
}

func NewModelReasoner(ctx context.Context, apiKey, model string) (*ModelReasoner, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("reasoner api key is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("reasoner model is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create reasoner client: %w", err)
	}
	return &ModelReasoner{client: client, model: model}, nil
}

func (r *ModelReasoner) Respond(ctx context.Context, transcript string) (string, error) {
	resp, err := r.client.Models.GenerateContent(ctx, r.model, genai.Text(transcript), nil)
	if err != nil {
		return "", fmt.Errorf("reasoner: %w", err)
	}
	return resp.Text(), nil
}
