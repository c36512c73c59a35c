// Package extract performs a single extraction attempt against one backend:
// one outbound request, then strict parsing, schema validation and
// normalization. It never retries.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/apex/log"

	"damageinspect/internal/backend"
	"damageinspect/internal/damage"
	"damageinspect/internal/imageprep"
	"damageinspect/internal/llm"
	"damageinspect/internal/normalize"
	"damageinspect/internal/prompt"
)

// Extractor is stateless between calls and safe for concurrent use.
type Extractor struct {
	prompts      *prompt.Library
	providers    map[backend.Provider]llm.Provider
	maxImageSide int
}

// New builds an Extractor. maxImageSide <= 0 sends images untouched.
func New(prompts *prompt.Library, providers map[backend.Provider]llm.Provider, maxImageSide int) *Extractor {
	return &Extractor{prompts: prompts, providers: providers, maxImageSide: maxImageSide}
}

// Extract issues exactly one request to the backend described by cfg and
// returns a fully validated result. The mode comes from cfg alone.
func (e *Extractor) Extract(ctx context.Context, image []byte, cfg backend.Config) (damage.Result, error) {
	provider, ok := e.providers[cfg.Provider]
	if !ok {
		return damage.Result{}, &damage.ProviderError{
			Backend:  cfg.ID,
			Provider: string(cfg.Provider),
			Model:    cfg.Model,
			Err:      errors.New("provider not configured"),
		}
	}
	p, err := e.prompts.Get(cfg.PromptVersion)
	if err != nil {
		return damage.Result{}, err
	}

	data, info, err := imageprep.Downscale(image, e.maxImageSide)
	if err != nil {
		log.WithError(err).WithField("backend", cfg.ID).Warn("downscale failed, sending original image")
		data, info = image, imageprep.Probe(image)
	}

	req := llm.Request{
		Model:       cfg.Model,
		System:      p.System,
		Instruction: p.Instruction,
		Image:       data,
		MIMEType:    info.MIMEType,
		Settings:    cfg.Settings,
		Credentials: cfg.Credentials,
	}
	opts := p.Output.SchemaOptions()
	if cfg.Mode == backend.ModeSchema {
		req.Schema = damage.Schema(opts)
	}

	log.WithFields(log.Fields{
		"backend": cfg.ID,
		"model":   cfg.Model,
		"mode":    cfg.Mode,
		"prompt":  p.Version,
		"bytes":   len(data),
	}).Debug("extraction request")

	resp, err := provider.Generate(ctx, req)
	if err != nil {
		return damage.Result{}, providerError(cfg, err)
	}

	items, err := decodeItems(resp.Payload())
	if err != nil {
		if perr, ok := err.(*damage.ResponseParseError); ok {
			perr.Backend = cfg.ID
		}
		return damage.Result{}, err
	}
	if err := damage.ValidateItems(opts, items); err != nil {
		return damage.Result{}, withBackend(err, cfg.ID)
	}
	result, err := normalize.Normalize(items, p.Output, info)
	if err != nil {
		return damage.Result{}, withBackend(err, cfg.ID)
	}
	if err := result.Validate(); err != nil {
		return damage.Result{}, withBackend(err, cfg.ID)
	}
	return result, nil
}

// decodeItems accepts a JSON array of detections or an object wrapping it in
// damage_areas. Text around the JSON is not stripped.
func decodeItems(payload []byte) ([]any, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, &damage.ResponseParseError{Reason: "empty response"}
	}
	var doc any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, &damage.ResponseParseError{Reason: "response is not valid JSON", Err: err}
	}
	switch v := doc.(type) {
	case []any:
		return v, nil
	case map[string]any:
		items, ok := v[damage.ResultField].([]any)
		if !ok {
			return nil, &damage.ResponseParseError{Reason: fmt.Sprintf("object without a %s array", damage.ResultField)}
		}
		return items, nil
	default:
		return nil, &damage.ResponseParseError{Reason: fmt.Sprintf("top-level value is %T, want a list", doc)}
	}
}

func providerError(cfg backend.Config, err error) error {
	var perr *damage.ProviderError
	if errors.As(err, &perr) {
		perr.Backend = cfg.ID
		return err
	}
	return &damage.ProviderError{Backend: cfg.ID, Provider: string(cfg.Provider), Model: cfg.Model, Err: err}
}

func withBackend(err error, id string) error {
	var violation *damage.SchemaViolationError
	if errors.As(err, &violation) {
		violation.Backend = id
	}
	return err
}
