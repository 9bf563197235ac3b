package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/pavit-health/backend/pkg/circuitbreaker"
	"github.com/pavit-health/backend/pkg/logger"
	"github.com/pavit-health/backend/pkg/retry"
)

const captionPrompt = "Describe this image in one short sentence. Name any visible body part and anything that is not part of a human body."

var ErrEmptyCaption = errors.New("captioner returned no text")

// OpenAICaptioner produces captions with a vision-capable chat model.
type OpenAICaptioner struct {
	client      *openai.Client
	model       string
	maxTokens   int
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// NewOpenAICaptioner creates a captioner. baseURL may be empty for the
// public API.
func NewOpenAICaptioner(apiKey, baseURL, model string, maxTokens int) *OpenAICaptioner {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if maxTokens <= 0 {
		maxTokens = 60
	}

	cb := circuitbreaker.New("openai_caption", circuitbreaker.Config{
		MaxRequests:      5,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable:      retryableOpenAIError,
		Logger:         logger.GetLogger(),
	}

	logger.Info("OpenAI captioner initialized", zap.String("model", model))

	return &OpenAICaptioner{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		maxTokens:   maxTokens,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *OpenAICaptioner) Caption(ctx context.Context, image []byte) (string, error) {
	dataURI := fmt.Sprintf("data:%s;base64,%s",
		mimetype.Detect(image).String(),
		base64.StdEncoding.EncodeToString(image),
	)

	messages := []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: captionPrompt},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURI,
						Detail: openai.ImageURLDetailLow,
					},
				},
			},
		},
	}

	var caption string
	err := c.cb.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, c.retryConfig, func(ctx context.Context) error {
			resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:     c.model,
				Messages:  messages,
				MaxTokens: c.maxTokens,
			})
			if err != nil {
				return fmt.Errorf("failed to create caption: %w", err)
			}
			if len(resp.Choices) == 0 {
				return retry.Permanent(ErrEmptyCaption)
			}

			logger.Debug("Caption generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
			caption = strings.TrimSpace(resp.Choices[0].Message.Content)
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	if caption == "" {
		return "", ErrEmptyCaption
	}
	return caption, nil
}

// retryableOpenAIError retries rate limits and server errors only.
func retryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return true
}
