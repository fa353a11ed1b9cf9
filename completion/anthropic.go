package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/creastat/tutoring"
)

// AnthropicConfig configures the Anthropic driver.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
}

// Anthropic implements Service on the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	tokenizer *Tokenizer
}

// NewAnthropic creates an Anthropic driver.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: anthropic api key is required", tutoring.ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}

	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(cfg.APIKey),
		anthropicoption.WithMaxRetries(max(cfg.MaxRetries, 0)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(cfg.BaseURL))
	}

	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		tokenizer: NewTokenizerForModel(cfg.Model),
	}, nil
}

// Complete implements Service.
func (a *Anthropic) Complete(ctx context.Context, msgs []PromptMessage, maxTokens int, temperature float32) (Result, error) {
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	system, turns := splitSystem(msgs)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   int64(maxTokens),
		Messages:    make([]anthropic.MessageParam, 0, len(turns)),
		Temperature: anthropic.Float(float64(temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return Result{}, classify("anthropic complete", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return Result{}, classify("anthropic complete", errors.New("response has no text content"))
	}

	usage := int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	if usage == 0 {
		usage = a.tokenizer.CountPrompt(msgs) + a.tokenizer.CountText(b.String())
	}
	return Result{Content: b.String(), TokenUsage: usage}, nil
}

// splitSystem joins system messages and merges consecutive same-role turns,
// since the Messages API expects alternating roles starting with the user.
func splitSystem(msgs []PromptMessage) (string, []PromptMessage) {
	var (
		system []string
		turns  []PromptMessage
	)
	for _, m := range msgs {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := m.Role
		if role != RoleAssistant {
			role = RoleUser
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role {
			turns[n-1].Content += "\n\n" + m.Content
			continue
		}
		if len(turns) == 0 && role == RoleAssistant {
			continue
		}
		turns = append(turns, PromptMessage{Role: role, Content: m.Content})
	}
	return strings.Join(system, "\n\n"), turns
}

var _ Service = (*Anthropic)(nil)
