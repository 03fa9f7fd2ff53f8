// Package stage runs the individual generation stages against the AI
// client: prompt rendering, the attempt loop, output parsing and audit
// accounting. Sequencing across stages belongs to the engine.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fable-engine/internal/ai"
	"fable-engine/internal/config"
	"fable-engine/internal/model"
	"fable-engine/internal/prompts"
	"fable-engine/internal/repository"
	"fable-engine/internal/schemas"
)

// ErrAttemptsExhausted is returned when a stage burns its whole attempt
// budget without producing parseable output. The generation fails; partial
// prior output stays persisted.
var ErrAttemptsExhausted = errors.New("stage attempts exhausted")

// stageSystemPrompt frames every stage call; the stage-specific
// instructions ride the user message.
const stageSystemPrompt = "You are a narrative generation engine. Follow the stage instructions exactly and respond only in the requested format."

// Options tune the attempt loop shared by all stages.
type Options struct {
	MaxAttempts     int
	BaseTemperature float64
	// TemperatureStep is added per retry so a repeated failure does not
	// replay the same sampling.
	TemperatureStep   float64
	BaseRetryDelay    time.Duration
	PromptVersion     int
	ExpandConcurrency int
}

// OptionsFromConfig maps the service configuration onto stage options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxAttempts:       cfg.AIMaxAttempts,
		BaseTemperature:   cfg.BaseTemperature,
		TemperatureStep:   cfg.RetryTemperatureStep,
		BaseRetryDelay:    cfg.AIBaseRetryDelay,
		PromptVersion:     cfg.DefaultPromptVersion,
		ExpandConcurrency: cfg.ExpandConcurrency,
	}
}

// Generator executes single generation stages.
type Generator struct {
	ai      ai.Client
	prompts *prompts.Provider
	audit   repository.AuditRepository
	opts    Options
	// versions overrides the template version per stage name, for A/B
	// comparison of prompt revisions on a single request.
	versions map[string]int
	logger   *zap.Logger
}

// NewGenerator creates a stage Generator. audit may be nil, in which case
// no usage records are written.
func NewGenerator(client ai.Client, provider *prompts.Provider, audit repository.AuditRepository, opts Options, logger *zap.Logger) *Generator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.PromptVersion <= 0 {
		opts.PromptVersion = 1
	}
	return &Generator{
		ai:      client,
		prompts: provider,
		audit:   audit,
		opts:    opts,
		logger:  logger.Named("StageGenerator"),
	}
}

// WithPromptVersions returns a copy of g that renders the listed stages at
// the given template versions instead of the configured default.
func (g *Generator) WithPromptVersions(versions map[string]int) *Generator {
	if len(versions) == 0 {
		return g
	}
	clone := *g
	clone.versions = versions
	return &clone
}

func (g *Generator) versionFor(st prompts.Stage) int {
	if v, ok := g.versions[string(st)]; ok && v > 0 {
		return v
	}
	return g.opts.PromptVersion
}

// runStage renders the stage prompt and drives the attempt loop. parse
// must return an error wrapping schemas.ErrMalformed for output worth
// retrying; any other parse error is treated as fatal, as is
// ai.ErrContentPolicyViolation.
func (g *Generator) runStage(ctx context.Context, storyID uuid.UUID, st prompts.Stage, data any, parse func(text string) error) (ai.Usage, error) {
	prompt, err := g.prompts.Render(ctx, st, g.versionFor(st), data)
	if err != nil {
		return ai.Usage{}, fmt.Errorf("stage %s: %w", st, err)
	}

	var total ai.Usage
	started := time.Now()
	var lastErr error

	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := g.backoff(ctx, attempt); err != nil {
				return total, err
			}
		}

		temp := g.opts.BaseTemperature + g.opts.TemperatureStep*float64(attempt-1)
		resp, err := g.ai.Generate(ctx, ai.Request{
			SystemPrompt: stageSystemPrompt,
			UserInput:    prompt,
			Params:       ai.Params{Temperature: &temp},
		})
		total.Add(resp.Usage)
		if err != nil {
			if errors.Is(err, ai.ErrContentPolicyViolation) {
				return total, fmt.Errorf("stage %s: %w", st, err)
			}
			lastErr = err
			g.logger.Warn("Stage call failed",
				zap.String("stage", string(st)),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		if err := parse(resp.Text); err != nil {
			if errors.Is(err, schemas.ErrMalformed) {
				lastErr = err
				g.logger.Warn("Stage output rejected",
					zap.String("stage", string(st)),
					zap.Int("attempt", attempt),
					zap.Error(err))
				continue
			}
			return total, fmt.Errorf("stage %s: %w", st, err)
		}

		g.appendAudit(ctx, storyID, st, prompt, attempt, total, time.Since(started))
		return total, nil
	}

	return total, fmt.Errorf("stage %s after %d attempts: %w (last: %v)",
		st, g.opts.MaxAttempts, ErrAttemptsExhausted, lastErr)
}

// backoff sleeps an exponentially growing, jittered delay before a retry.
func (g *Generator) backoff(ctx context.Context, attempt int) error {
	delay := g.opts.BaseRetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	delay <<= attempt - 2
	delay += time.Duration(rand.Int63n(int64(delay)/2 + 1))

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Generator) appendAudit(ctx context.Context, storyID uuid.UUID, st prompts.Stage, prompt string, attempts int, usage ai.Usage, elapsed time.Duration) {
	if g.audit == nil {
		return
	}
	sum := sha256.Sum256([]byte(prompt))
	rec := &model.AuditRecord{
		ID:               uuid.New(),
		StoryID:          storyID,
		Stage:            string(st),
		InputHash:        hex.EncodeToString(sum[:]),
		Attempts:         attempts,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		EstimatedCostUSD: usage.EstimatedCostUSD,
		DurationMs:       elapsed.Milliseconds(),
	}
	if err := g.audit.Append(ctx, rec); err != nil {
		g.logger.Warn("Failed to append audit record",
			zap.String("stage", string(st)), zap.Error(err))
	}
}
