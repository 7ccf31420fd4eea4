package llm

import (
	"context"
	"errors"

	"github.com/kalambet/querysmith/internal/engine"
)

// ollamaProvider generates text with the local engine.
type ollamaProvider struct {
	engine engine.Engine
	model  string
}

// NewOllamaProvider returns a Provider backed by a local engine.
func NewOllamaProvider(e engine.Engine, model string) Provider {
	return &ollamaProvider{engine: e, model: model}
}

func (p *ollamaProvider) Name() string { return "ollama" }

func (p *ollamaProvider) Complete(ctx context.Context, req Request) (string, error) {
	var msgs []engine.Message
	if req.System != "" {
		msgs = append(msgs, engine.Message{Role: "system", Content: req.System})
	}
	msgs = append(msgs, engine.Message{Role: "user", Content: req.User})

	out, err := p.engine.Chat(ctx, p.model, msgs, engine.ChatOptions{
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		JSON:        req.JSON,
	})
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), StatusCode: engine.StatusCode(err), Retryable: engine.Retryable(err), Err: err}
	}
	if out == "" {
		return "", &ProviderError{Provider: p.Name(), Err: errors.New("empty response")}
	}
	return out, nil
}
