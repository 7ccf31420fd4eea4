package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	googleoption "google.golang.org/api/option"
)

// geminiProvider implements Provider using the Google Generative AI SDK.
// A genai.Client is created per call so that the caller's context governs
// the connection and the client is always closed after use.
type geminiProvider struct {
	apiKey string
	model  string
}

func newGeminiProvider(apiKey, model string) (Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: gemini API key not set")
	}
	return &geminiProvider{apiKey: apiKey, model: model}, nil
}

func (p *geminiProvider) Name() string { return "gemini" }

func (p *geminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	client, err := genai.NewClient(ctx, googleoption.WithAPIKey(p.apiKey))
	if err != nil {
		return "", &ProviderError{Provider: p.Name(), Retryable: true, Err: fmt.Errorf("genai client: %w", err)}
	}
	defer client.Close()

	m := client.GenerativeModel(p.model)
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(req.System)},
	}
	maxOut := int32(req.MaxTokens)
	m.MaxOutputTokens = &maxOut
	temp32 := float32(req.Temperature)
	m.Temperature = &temp32
	if req.JSON {
		m.ResponseMIMEType = "application/json"
	}

	resp, err := m.GenerateContent(ctx, genai.Text(req.User))
	if err != nil {
		// The SDK does not expose an HTTP status; treat its errors as final.
		return "", &ProviderError{Provider: p.Name(), Err: fmt.Errorf("generate content: %w", err)}
	}

	var parts []string
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				parts = append(parts, string(t))
			}
		}
	}
	if len(parts) == 0 {
		return "", &ProviderError{Provider: p.Name(), Err: errors.New("response contained no text content")}
	}
	return strings.Join(parts, ""), nil
}
