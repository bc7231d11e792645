// Package openai implements the provider contract over the OpenAI chat
// completion API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/blipee-dev/blipee-fabric/internal/orchestrator"
	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
)

// Config holds the provider configuration
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
}

// Provider routes chat and completion tasks to the OpenAI API
type Provider struct {
	name   string
	model  string
	client *openai.Client
	logger *logging.Logger
}

var _ orchestrator.Provider = (*Provider)(nil)

// New creates an OpenAI-backed provider
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, apperrors.NewValidationError("OpenAI API key is required")
	}
	if config.Name == "" {
		config.Name = "openai"
	}
	if config.Model == "" {
		config.Model = openai.GPT4oMini
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Provider{
		name:   config.Name,
		model:  config.Model,
		client: openai.NewClientWithConfig(clientConfig),
		logger: logging.GetLogger(),
	}, nil
}

// Name returns the provider's registration name
func (p *Provider) Name() string {
	return p.name
}

// Capabilities returns the capabilities this provider advertises
func (p *Provider) Capabilities() []string {
	return []string{"chat", "completion"}
}

// IsAvailable reports whether the provider can accept work. The client is
// constructed with a key, so this is a local readiness check only; remote
// health is the circuit breaker's concern.
func (p *Provider) IsAvailable(ctx context.Context) bool {
	return p.client != nil
}

// Invoke executes a chat completion task. The task payload carries the prompt
// under "prompt" and optionally a model override under "model".
func (p *Provider) Invoke(ctx context.Context, task *orchestrator.Task) (*orchestrator.Response, error) {
	prompt, _ := task.Payload["prompt"].(string)
	if prompt == "" {
		return nil, apperrors.NewValidationError("task payload requires a prompt")
	}

	model := p.model
	if override, ok := task.Payload["model"].(string); ok && override != "" {
		model = override
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, p.mapError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, apperrors.NewExternalError(p.name, "completion returned no choices")
	}

	return &orchestrator.Response{
		Provider: p.name,
		Content:  resp.Choices[0].Message.Content,
		Metadata: map[string]interface{}{
			"model":             resp.Model,
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
		},
	}, nil
}

// mapError translates SDK errors into the fabric's taxonomy so the retry
// predicate and breaker see correctly classified failures.
func (p *Provider) mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return apperrors.NewExternalError(p.name,
				fmt.Sprintf("rate limited by upstream: %s", apiErr.Message)).WithCause(err)
		case apiErr.HTTPStatusCode >= 500:
			return apperrors.NewExternalError(p.name, apiErr.Message).WithCause(err)
		case apiErr.HTTPStatusCode >= 400:
			return apperrors.NewValidationError(apiErr.Message).WithCause(err)
		}
	}

	return apperrors.NewExternalError(p.name, err.Error()).WithCause(err)
}
