// Package backend resolves backend identifiers into immutable provider
// configurations. Resolution is pure: it never touches the network and never
// checks credentials, which fail on first use instead.
package backend

import (
	"errors"
	"fmt"

	"damageinspect/internal/config"
	"damageinspect/internal/damage"
	"damageinspect/internal/llm"
	"damageinspect/internal/prompt"
)

// Provider names the model vendor behind a backend.
type Provider string

const (
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderOllama Provider = "ollama"
)

// Mode selects how the output contract is enforced.
type Mode string

const (
	// ModeSchema declares the output schema to the provider.
	ModeSchema Mode = "schema"
	// ModeJSON relies on the prompt wording and parses the raw text.
	ModeJSON Mode = "json"
)

// Fallback is the identifier of the configured fallback chain.
const Fallback = "fallback"

var ErrUnsupportedMode = errors.New("unsupported extraction mode")

// ParseMode accepts "" (use the configured mode), "schema" and "json".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeSchema, ModeJSON:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
}

// Config is everything one extraction attempt needs. It is a value and is
// never mutated after resolution.
type Config struct {
	ID            string
	Provider      Provider
	Model         string
	Credentials   llm.Credentials
	Settings      llm.Settings
	Mode          Mode
	PromptVersion string
}

// String is "id/model", used in logs.
func (c Config) String() string {
	return c.ID + "/" + c.Model
}

// HasCredentials reports whether the provider has what it needs to be called.
func (c Config) HasCredentials() bool {
	return c.Provider == ProviderOllama || c.Credentials.APIKey != ""
}

// Override carries the per-request choices a caller may make.
type Override struct {
	Model string
	Mode  Mode
}

// Resolver maps identifiers onto configurations built from one config.Config.
type Resolver struct {
	cfg     config.Config
	prompts *prompt.Library
}

// NewResolver checks that every configured prompt version exists.
func NewResolver(cfg config.Config, prompts *prompt.Library) (*Resolver, error) {
	r := &Resolver{cfg: cfg, prompts: prompts}
	for _, id := range []string{"gemini", "claude", "ollama"} {
		settings, _ := cfg.Backend(id)
		if _, err := r.promptVersion(settings.PromptVersion, modeOf(settings.Mode)); err != nil {
			return nil, fmt.Errorf("backends.%s: %w", id, err)
		}
	}
	for i, entry := range cfg.Fallback.Chain {
		if _, err := r.promptVersion(entry.PromptVersion, modeOf(entry.Mode)); err != nil {
			return nil, fmt.Errorf("fallback.chain[%d]: %w", i, err)
		}
	}
	return r, nil
}

// DefaultBackend is the identifier used when a request names none.
func (r *Resolver) DefaultBackend() string {
	return r.cfg.Extraction.DefaultBackend
}

// Resolve returns the configuration of a single concrete backend.
func (r *Resolver) Resolve(id string, override Override) (Config, error) {
	if id == "" {
		id = r.cfg.Extraction.DefaultBackend
	}
	if id == Fallback {
		return Config{}, fmt.Errorf("%s names a chain, not a single backend", Fallback)
	}
	settings, ok := r.cfg.Backend(id)
	if !ok {
		return Config{}, &damage.UnsupportedBackendError{Backend: id}
	}
	if override.Model != "" {
		settings.Model = override.Model
	}
	return r.build(id, settings, override.Mode)
}

// Chain returns the ordered configurations to attempt for id. A concrete
// backend yields a chain of one. The model override only applies to concrete
// backends; the mode override applies to every chain entry.
func (r *Resolver) Chain(id string, override Override) ([]Config, error) {
	if id == "" {
		id = r.cfg.Extraction.DefaultBackend
	}
	if id != Fallback {
		cfg, err := r.Resolve(id, override)
		if err != nil {
			return nil, err
		}
		return []Config{cfg}, nil
	}
	out := make([]Config, 0, len(r.cfg.Fallback.Chain))
	for _, entry := range r.cfg.Fallback.Chain {
		if _, ok := r.cfg.Backend(entry.Backend); !ok {
			return nil, &damage.UnsupportedBackendError{Backend: entry.Backend}
		}
		cfg, err := r.build(entry.Backend, entry.BackendSettings, override.Mode)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// Entry is one line of Describe.
type Entry struct {
	Name   string
	Config Config
}

// Describe lists every concrete backend followed by the fallback chain.
func (r *Resolver) Describe() []Entry {
	var out []Entry
	for _, id := range []string{"gemini", "claude", "ollama"} {
		if cfg, err := r.Resolve(id, Override{}); err == nil {
			out = append(out, Entry{Name: id, Config: cfg})
		}
	}
	if chain, err := r.Chain(Fallback, Override{}); err == nil {
		for i, cfg := range chain {
			out = append(out, Entry{Name: fmt.Sprintf("%s[%d]", Fallback, i), Config: cfg})
		}
	}
	return out
}

func (r *Resolver) build(id string, settings config.BackendSettings, modeOverride Mode) (Config, error) {
	mode := modeOf(settings.Mode)
	version := settings.PromptVersion
	if modeOverride != "" && modeOverride != mode {
		// The configured prompt was chosen for the other mode.
		mode = modeOverride
		version = ""
	}
	version, err := r.promptVersion(version, mode)
	if err != nil {
		return Config{}, err
	}

	out := Config{
		ID:            id,
		Provider:      Provider(id),
		Model:         settings.Model,
		Mode:          mode,
		PromptVersion: version,
		Settings: llm.Settings{
			Temperature:     settings.Temperature,
			TopP:            settings.TopP,
			MaxOutputTokens: settings.MaxOutputTokens,
		},
	}
	switch out.Provider {
	case ProviderGemini:
		out.Credentials = llm.Credentials{APIKey: r.cfg.Google.APIKey, BaseURL: r.cfg.Google.BaseURL}
	case ProviderClaude:
		out.Credentials = llm.Credentials{
			APIKey:     r.cfg.Anthropic.APIKey,
			BaseURL:    r.cfg.Anthropic.BaseURL,
			APIVersion: r.cfg.Anthropic.APIVersion,
		}
	case ProviderOllama:
		out.Credentials = llm.Credentials{BaseURL: r.cfg.Ollama.URL}
	}
	return out, nil
}

// promptVersion defaults an empty version by mode and checks it exists.
func (r *Resolver) promptVersion(version string, mode Mode) (string, error) {
	if version == "" {
		version = DefaultPromptVersion(mode)
	}
	if r.prompts != nil {
		if _, err := r.prompts.Get(version); err != nil {
			return "", err
		}
	}
	return version, nil
}

// DefaultPromptVersion is v1 for schema mode and v2 for free-text mode.
func DefaultPromptVersion(mode Mode) string {
	if mode == ModeJSON {
		return "v2"
	}
	return "v1"
}

func modeOf(s string) Mode {
	if s == "" {
		return ModeSchema
	}
	return Mode(s)
}
