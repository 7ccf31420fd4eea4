package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint used by the
// openrouter provider.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// openaiProvider implements Provider using the OpenAI SDK. With a base URL it
// serves any OpenAI-compatible endpoint, OpenRouter included.
type openaiProvider struct {
	client openai.Client
	model  string
	name   string
}

func newOpenAIProvider(name, apiKey, model, baseURL string) (Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llm: %s API key not set", name)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if name == "openrouter" {
		opts = append(opts,
			option.WithHeader("HTTP-Referer", "https://github.com/kalambet/querysmith"),
			option.WithHeader("X-Title", "querysmith"),
		)
	}
	return &openaiProvider{client: openai.NewClient(opts...), model: model, name: name}, nil
}

func (p *openaiProvider) Name() string { return p.name }

func (p *openaiProvider) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		MaxTokens:   openai.Int(int64(req.MaxTokens)),
		Temperature: openai.Float(req.Temperature),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
	})
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return "", &ProviderError{Provider: p.Name(), StatusCode: status, Retryable: retryableStatus(status), Err: err}
	}

	if len(resp.Choices) == 0 {
		return "", &ProviderError{Provider: p.Name(), Err: errors.New("response contained no choices")}
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", &ProviderError{Provider: p.Name(), Err: errors.New("response contained no content")}
	}
	return content, nil
}
