package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"fable-engine/internal/config"
)

// openAIClient implements Client against any OpenAI-compatible endpoint
// (OpenAI, OpenRouter, vLLM serving).
type openAIClient struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

func newOpenAIClient(cfg *config.Config, logger *zap.Logger) Client {
	openaiConfig := openaigo.DefaultConfig(cfg.AIAPIKey)
	openaiConfig.BaseURL = cfg.AIBaseURL
	openaiConfig.HTTPClient = &http.Client{Timeout: cfg.AITimeout}
	client := openaigo.NewClientWithConfig(openaiConfig)
	logger.Info("OpenAI client created",
		zap.String("baseURL", cfg.AIBaseURL),
		zap.String("model", cfg.AIModel),
		zap.Duration("timeout", cfg.AITimeout))
	return &openAIClient{
		client: client,
		model:  cfg.AIModel,
		logger: logger.Named("OpenAIClient"),
	}
}

func (c *openAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.SystemPrompt) == "" {
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		return Response{}, fmt.Errorf("%w: system prompt is empty", ErrGenerationFailed)
	}

	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: req.SystemPrompt},
	}
	if req.UserInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleUser,
			Content: req.UserInput,
		})
	}

	startTime := time.Now()
	c.logger.Debug("Sending AI request",
		zap.String("model", c.model),
		zap.Int("systemPromptBytes", len(req.SystemPrompt)),
		zap.Int("userInputBytes", len(req.UserInput)))

	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: float32Val(req.Params.Temperature),
		MaxTokens:   intVal(req.Params.MaxTokens),
		TopP:        float32Val(req.Params.TopP),
	})
	duration := time.Since(startTime)

	if err != nil {
		aiRequestsTotal.WithLabelValues(c.model, "error").Inc()
		c.logger.Warn("AI API error", zap.Duration("duration", duration), zap.Error(err))
		if isContentPolicyError(err) {
			return Response{}, fmt.Errorf("%w: %v", ErrContentPolicyViolation, err)
		}
		return Response{}, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		aiRequestsTotal.WithLabelValues(c.model, "error_empty_response").Inc()
		return Response{}, fmt.Errorf("%w: received empty response", ErrGenerationFailed)
	}
	if resp.Choices[0].FinishReason == openaigo.FinishReasonContentFilter {
		aiRequestsTotal.WithLabelValues(c.model, "content_filter").Inc()
		return Response{}, fmt.Errorf("%w: response blocked by content filter", ErrContentPolicyViolation)
	}

	aiRequestsTotal.WithLabelValues(c.model, "success").Inc()
	aiRequestDuration.WithLabelValues(c.model).Observe(duration.Seconds())

	out := Response{Text: resp.Choices[0].Message.Content}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
			EstimatedCostUSD: calculateCost(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
		}
	} else {
		// Some OpenAI-compatible servers omit usage; estimate with tiktoken
		// so the audit log still carries a cost figure.
		out.Usage = c.estimateUsage(req, out.Text)
	}
	observeUsage(c.model, out.Usage)

	c.logger.Debug("AI response received",
		zap.Duration("duration", duration),
		zap.Int("responseChars", len(out.Text)),
		zap.Int("totalTokens", out.Usage.TotalTokens))
	return out, nil
}

func (c *openAIClient) estimateUsage(req Request, responseText string) Usage {
	tke, err := tiktoken.EncodingForModel(c.model)
	if err != nil {
		// Unknown model name for tiktoken; fall back to the common base.
		tke, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return Usage{}
		}
	}
	promptTokens := len(tke.Encode(req.SystemPrompt, nil, nil)) + len(tke.Encode(req.UserInput, nil, nil))
	completionTokens := len(tke.Encode(responseText, nil, nil))
	return Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		EstimatedCostUSD: calculateCost(promptTokens, completionTokens),
	}
}

// isContentPolicyError recognizes provider-side moderation rejections.
func isContentPolicyError(err error) bool {
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		if code, ok := apiErr.Code.(string); ok && strings.Contains(code, "content") && strings.Contains(code, "policy") {
			return true
		}
		if strings.Contains(strings.ToLower(apiErr.Message), "content policy") ||
			strings.Contains(strings.ToLower(apiErr.Message), "content management policy") {
			return true
		}
	}
	return false
}
