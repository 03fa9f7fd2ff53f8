package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"fable-engine/internal/config"
)

// Pricing used for cost estimation when the provider reports usage.
const (
	pricePerMillionInputTokensUSD  = 0.1
	pricePerMillionOutputTokensUSD = 0.4
)

var (
	// ErrGenerationFailed covers transport errors, timeouts and empty
	// responses. Callers may retry within their attempt budget.
	ErrGenerationFailed = errors.New("ai text generation failed")
	// ErrContentPolicyViolation is fatal and must never be retried.
	ErrContentPolicyViolation = errors.New("ai content policy violation")
)

// Params are per-call sampling parameters. Pointers distinguish an
// explicit zero from "not set".
type Params struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// Usage reports token consumption and estimated cost of one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	EstimatedCostUSD float64
}

// Add accumulates another call's usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.EstimatedCostUSD += other.EstimatedCostUSD
}

// Request is one text-generation call.
type Request struct {
	SystemPrompt string
	UserInput    string
	Params       Params
}

// Response carries the generated text plus usage accounting.
type Response struct {
	Text  string
	Usage Usage
}

// Client is the capability boundary to the text-generation service. All
// retry logic lives in the stage generators, not here.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

func calculateCost(promptTokens, completionTokens int) float64 {
	inputCost := float64(promptTokens) * pricePerMillionInputTokensUSD / 1_000_000.0
	outputCost := float64(completionTokens) * pricePerMillionOutputTokensUSD / 1_000_000.0
	return inputCost + outputCost
}

// NewClient builds the configured Client implementation.
func NewClient(cfg *config.Config, logger *zap.Logger) (Client, error) {
	switch strings.ToLower(cfg.AIClientType) {
	case "openai":
		return newOpenAIClient(cfg, logger), nil
	case "ollama":
		return newOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown AI client type: %q", cfg.AIClientType)
	}
}

func float32Val(f64 *float64) float32 {
	if f64 == nil {
		return 1.0
	}
	return float32(*f64)
}

func intVal(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

// Float64Ptr is a convenience for building Params.
func Float64Ptr(v float64) *float64 { return &v }

// IntPtr is a convenience for building Params.
func IntPtr(v int) *int { return &v }
