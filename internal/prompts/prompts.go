// Package prompts holds the versioned instruction templates for each
// generation stage. Templates are immutable once stored: a change means a
// new version, so two runs with pinned versions are comparable.
package prompts

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"
)

//go:embed defaults/*.md
var defaultsFS embed.FS

// Stage names one of the generation stages.
type Stage string

const (
	StageStorySummary       Stage = "story_summary"
	StageCharacterExpansion Stage = "character_expansion"
	StagePart               Stage = "part"
	StageChapter            Stage = "chapter"
	StageSceneSpec          Stage = "scene_spec"
	StageSceneContent       Stage = "scene_content"
)

// Stages lists every stage that carries a template.
var Stages = []Stage{
	StageStorySummary, StageCharacterExpansion, StagePart,
	StageChapter, StageSceneSpec, StageSceneContent,
}

var ErrTemplateNotFound = errors.New("prompt template not found")

// Template is one immutable (stage, version) instruction document.
type Template struct {
	ID        int64     `db:"id"`
	Stage     Stage     `db:"stage"`
	Version   int       `db:"version"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// Repository is the persistence boundary for templates.
type Repository interface {
	GetAll(ctx context.Context) ([]Template, error)
	Get(ctx context.Context, stage Stage, version int) (*Template, error)
	Create(ctx context.Context, tmpl *Template) error
}

// Provider serves templates from an in-memory cache backed by a
// Repository, falling back to the embedded defaults when the store has no
// row for the requested (stage, version).
type Provider struct {
	repo      Repository
	cacheLock sync.RWMutex
	cache     map[Stage]map[int]string
	logger    *zap.Logger
}

// NewProvider creates a Provider. repo may be nil for offline use, in
// which case only embedded defaults are served.
func NewProvider(repo Repository, logger *zap.Logger) *Provider {
	return &Provider{
		repo:   repo,
		cache:  make(map[Stage]map[int]string),
		logger: logger.Named("PromptProvider"),
	}
}

// LoadInitial loads all stored templates into the cache and seeds version 1
// from the embedded defaults for any stage that has no stored row yet.
// Call once at startup.
func (p *Provider) LoadInitial(ctx context.Context) error {
	if p.repo == nil {
		return nil
	}
	templates, err := p.repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load prompt templates: %w", err)
	}

	newCache := make(map[Stage]map[int]string)
	for _, tmpl := range templates {
		if _, ok := newCache[tmpl.Stage]; !ok {
			newCache[tmpl.Stage] = make(map[int]string)
		}
		newCache[tmpl.Stage][tmpl.Version] = tmpl.Content
	}

	seeded := 0
	for _, stage := range Stages {
		if _, ok := newCache[stage]; ok {
			continue
		}
		content, err := defaultContent(stage)
		if err != nil {
			return err
		}
		tmpl := &Template{Stage: stage, Version: 1, Content: content}
		if err := p.repo.Create(ctx, tmpl); err != nil {
			return fmt.Errorf("failed to seed default template for stage %s: %w", stage, err)
		}
		newCache[stage] = map[int]string{1: content}
		seeded++
	}

	p.cacheLock.Lock()
	p.cache = newCache
	p.cacheLock.Unlock()

	p.logger.Info("Prompt templates loaded",
		zap.Int("stored", len(templates)), zap.Int("seeded", seeded))
	return nil
}

// Get returns the template content for (stage, version). Cache first, then
// the repository, then the embedded default for version 1.
func (p *Provider) Get(ctx context.Context, stage Stage, version int) (string, error) {
	p.cacheLock.RLock()
	if versions, ok := p.cache[stage]; ok {
		if content, ok := versions[version]; ok {
			p.cacheLock.RUnlock()
			return content, nil
		}
	}
	p.cacheLock.RUnlock()

	if p.repo != nil {
		tmpl, err := p.repo.Get(ctx, stage, version)
		if err == nil {
			p.cacheLock.Lock()
			if _, ok := p.cache[stage]; !ok {
				p.cache[stage] = make(map[int]string)
			}
			p.cache[stage][version] = tmpl.Content
			p.cacheLock.Unlock()
			return tmpl.Content, nil
		}
		if !errors.Is(err, ErrTemplateNotFound) {
			return "", err
		}
	}

	if version == 1 {
		content, err := defaultContent(stage)
		if err != nil {
			return "", err
		}
		p.logger.Debug("Serving embedded default template", zap.String("stage", string(stage)))
		return content, nil
	}
	return "", fmt.Errorf("%w: stage=%s version=%d", ErrTemplateNotFound, stage, version)
}

// Render executes the template with the given data. Templates use
// text/template syntax plus a `json` helper for embedding structured
// context documents.
func (p *Provider) Render(ctx context.Context, stage Stage, version int, data any) (string, error) {
	content, err := p.Get(ctx, stage, version)
	if err != nil {
		return "", err
	}
	return Render(string(stage), content, data)
}

// Render executes a single template document against data.
func Render(name, content string, data any) (string, error) {
	tmpl, err := template.New(name).Funcs(template.FuncMap{
		"json": func(v any) (string, error) {
			b, err := json.MarshalIndent(v, "", "  ")
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
	}).Parse(content)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return buf.String(), nil
}

func defaultContent(stage Stage) (string, error) {
	raw, err := defaultsFS.ReadFile(fmt.Sprintf("defaults/%s.md", stage))
	if err != nil {
		return "", fmt.Errorf("%w: no embedded default for stage %s", ErrTemplateNotFound, stage)
	}
	return string(raw), nil
}
