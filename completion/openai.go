package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/logging"
)

// OpenAIConfig configures the OpenAI driver.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	MaxRetries     int
}

// OpenAI implements Service and Embedder on the OpenAI chat and embeddings APIs.
type OpenAI struct {
	client         *openai.Client
	model          string
	embeddingModel string
	maxRetries     int
	initialBackoff time.Duration
	tokenizer      *Tokenizer
}

// NewOpenAI creates an OpenAI driver.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: openai api key is required", tutoring.ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}

	return &OpenAI{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		maxRetries:     cfg.MaxRetries,
		initialBackoff: 250 * time.Millisecond,
		tokenizer:      NewTokenizerForModel(cfg.Model),
	}, nil
}

// Complete implements Service.
func (o *OpenAI) Complete(ctx context.Context, msgs []PromptMessage, maxTokens int, temperature float32) (Result, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(msgs)),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	var resp openai.ChatCompletionResponse
	err := o.retry(ctx, func() error {
		var err error
		resp, err = o.client.CreateChatCompletion(ctx, req)
		return err
	})
	if err != nil {
		return Result{}, classify("openai complete", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, classify("openai complete", errors.New("response has no choices"))
	}

	content := resp.Choices[0].Message.Content
	usage := resp.Usage.TotalTokens
	if usage == 0 {
		usage = o.tokenizer.CountPrompt(msgs) + o.tokenizer.CountText(content)
	}
	return Result{Content: content, TokenUsage: usage}, nil
}

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp openai.EmbeddingResponse
	err := o.retry(ctx, func() error {
		var err error
		resp, err = o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(o.embeddingModel),
		})
		return err
	})
	if err != nil {
		return nil, classify("openai embed", err)
	}
	if len(resp.Data) == 0 {
		return nil, classify("openai embed", errors.New("response has no embeddings"))
	}
	return resp.Data[0].Embedding, nil
}

// retry runs op with exponential backoff while it fails with a transient status.
func (o *OpenAI) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.initialBackoff
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !openAITransient(err) {
			return backoff.Permanent(err)
		}
		logging.Debug().Err(err).Int("attempt", attempt).Msg("openai request failed, retrying")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.maxRetries)), ctx))
}

func openAITransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return isTransientStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return isTransientStatus(reqErr.HTTPStatusCode)
	}
	return false
}

var (
	_ Service  = (*OpenAI)(nil)
	_ Embedder = (*OpenAI)(nil)
)
