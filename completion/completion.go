// Package completion defines the language-model contract used by the turn
// pipeline and ships OpenAI and Anthropic drivers.
package completion

import (
	"context"
	"errors"
	"fmt"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/config"
)

// Role is the author of a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PromptMessage is one entry of the prompt sent to the model.
type PromptMessage struct {
	Role    Role
	Content string
}

// Result is a generated reply.
type Result struct {
	Content    string
	TokenUsage int
}

// Service generates a reply for a prompt.
// Failures match tutoring.ErrTimeout or tutoring.ErrUpstream.
type Service interface {
	Complete(ctx context.Context, msgs []PromptMessage, maxTokens int, temperature float32) (Result, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Func adapts a function to Service.
type Func func(ctx context.Context, msgs []PromptMessage, maxTokens int, temperature float32) (Result, error)

// Complete implements Service.
func (f Func) Complete(ctx context.Context, msgs []PromptMessage, maxTokens int, temperature float32) (Result, error) {
	return f(ctx, msgs, maxTokens, temperature)
}

// New builds the Service selected by cfg.Provider.
func New(cfg config.CompletionConfig) (Service, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			MaxRetries: cfg.MaxRetries,
		})
	case "anthropic":
		return NewAnthropic(AnthropicConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			MaxRetries: cfg.MaxRetries,
		})
	default:
		return nil, fmt.Errorf("%w: completion provider %q", tutoring.ErrInvalidConfig, cfg.Provider)
	}
}

// classify maps a driver error onto the turn error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tutoring.E(tutoring.KindTimeout, op, err)
	}
	return tutoring.E(tutoring.KindUpstream, op, err)
}

// isTransientStatus reports HTTP statuses worth retrying within one call.
func isTransientStatus(code int) bool {
	return code == 429 || code >= 500
}

// NewEmbedder builds the embedder used for curriculum retrieval.
// Only the OpenAI provider exposes embeddings.
func NewEmbedder(cfg config.CompletionConfig, model string) (Embedder, error) {
	if cfg.Provider != "openai" && cfg.Provider != "" {
		return nil, fmt.Errorf("%w: provider %q has no embeddings", tutoring.ErrInvalidConfig, cfg.Provider)
	}
	return NewOpenAI(OpenAIConfig{
		APIKey:         cfg.APIKey,
		BaseURL:        cfg.BaseURL,
		Model:          cfg.Model,
		EmbeddingModel: model,
		MaxRetries:     cfg.MaxRetries,
	})
}
