package backend

import (
	"errors"
	"testing"

	"damageinspect/internal/config"
	"damageinspect/internal/damage"
	"damageinspect/internal/prompt"
)

func newResolver(t *testing.T, cfg config.Config) *Resolver {
	t.Helper()
	lib, err := prompt.Load()
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	r, err := NewResolver(cfg, lib)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	return r
}

func TestResolveDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Google.APIKey = "g-key"
	cfg.Anthropic.APIKey = "a-key"
	r := newResolver(t, cfg)

	gemini, err := r.Resolve("gemini", Override{})
	if err != nil {
		t.Fatalf("resolve gemini: %v", err)
	}
	if gemini.Provider != ProviderGemini || gemini.Model != "gemini-3.0-pro" || gemini.Credentials.APIKey != "g-key" {
		t.Fatalf("unexpected gemini config %+v", gemini)
	}
	if gemini.Mode != ModeSchema || gemini.PromptVersion != "v1" {
		t.Fatalf("unexpected gemini mode %s/%s", gemini.Mode, gemini.PromptVersion)
	}

	claude, err := r.Resolve("claude", Override{Model: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("resolve claude: %v", err)
	}
	if claude.Model != "claude-sonnet-4-5" || claude.Credentials.APIVersion != "2023-06-01" {
		t.Fatalf("unexpected claude config %+v", claude)
	}

	def, err := r.Resolve("", Override{})
	if err != nil || def.ID != "gemini" {
		t.Fatalf("expected default backend gemini, got %+v %v", def, err)
	}
}

func TestResolveUnknownBackend(t *testing.T) {
	r := newResolver(t, config.Default())
	_, err := r.Resolve("gpt", Override{})
	var unsupported *damage.UnsupportedBackendError
	if !errors.As(err, &unsupported) || unsupported.Backend != "gpt" {
		t.Fatalf("expected unsupported backend, got %v", err)
	}
	if _, err := r.Chain("mistral", Override{}); !errors.Is(err, damage.ErrUnsupportedBackend) {
		t.Fatalf("expected unsupported backend from chain, got %v", err)
	}
}

func TestMissingCredentialsAreNotCheckedAtResolution(t *testing.T) {
	r := newResolver(t, config.Default())
	cfg, err := r.Resolve("claude", Override{})
	if err != nil {
		t.Fatalf("expected lazy credential check, got %v", err)
	}
	if cfg.HasCredentials() {
		t.Fatalf("expected no credentials")
	}
}

func TestFallbackChain(t *testing.T) {
	cfg := config.Default()
	temp := 0.7
	cfg.Backends.Gemini.Temperature = &temp
	r := newResolver(t, cfg)

	chain, err := r.Chain(Fallback, Override{Model: "ignored"})
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected two entries, got %d", len(chain))
	}
	if chain[0].Provider != ProviderGemini || chain[0].Model != "gemini-2.5-flash" {
		t.Fatalf("unexpected first entry %+v", chain[0])
	}
	if chain[0].Settings.Temperature != nil {
		t.Fatalf("expected chain entry not to inherit backend settings")
	}
	if chain[1].Provider != ProviderClaude || chain[1].Model != "claude-opus-4-5" {
		t.Fatalf("unexpected second entry %+v", chain[1])
	}

	single, err := r.Chain("ollama", Override{})
	if err != nil || len(single) != 1 || single[0].Model != "qwen2.5vl:7b" {
		t.Fatalf("expected one-element chain, got %+v %v", single, err)
	}
}

func TestModeOverrideSwitchesPrompt(t *testing.T) {
	r := newResolver(t, config.Default())
	cfg, err := r.Resolve("gemini", Override{Mode: ModeJSON})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Mode != ModeJSON || cfg.PromptVersion != "v2" {
		t.Fatalf("expected json mode with v2 prompt, got %s/%s", cfg.Mode, cfg.PromptVersion)
	}
	ollama, _ := r.Resolve("ollama", Override{Mode: ModeJSON})
	if ollama.PromptVersion != "v3" {
		t.Fatalf("expected configured prompt kept when mode is unchanged, got %s", ollama.PromptVersion)
	}
	if _, err := ParseMode("xml"); !errors.Is(err, ErrUnsupportedMode) {
		t.Fatalf("expected unsupported mode, got %v", err)
	}
}

func TestUnknownPromptVersionFailsAtConstruction(t *testing.T) {
	cfg := config.Default()
	cfg.Backends.Claude.PromptVersion = "v42"
	lib, err := prompt.Load()
	if err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	if _, err := NewResolver(cfg, lib); err == nil {
		t.Fatalf("expected unknown prompt version to fail")
	}
}

func TestDescribe(t *testing.T) {
	entries := newResolver(t, config.Default()).Describe()
	if len(entries) != 5 {
		t.Fatalf("expected 3 backends and 2 chain entries, got %d", len(entries))
	}
	if entries[3].Name != "fallback[0]" {
		t.Fatalf("unexpected entry name %s", entries[3].Name)
	}
}
