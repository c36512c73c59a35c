package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendSettings configure one backend or one fallback chain entry.
type BackendSettings struct {
	Model           string   `yaml:"model"`
	Mode            string   `yaml:"mode"`
	PromptVersion   string   `yaml:"prompt_version"`
	Temperature     *float64 `yaml:"temperature"`
	TopP            *float64 `yaml:"top_p"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
}

// ChainEntry is one step of the fallback chain. Entries carry their own
// settings and never inherit those of the named backend.
type ChainEntry struct {
	Backend         string `yaml:"backend"`
	BackendSettings `yaml:",inline"`
}

type Config struct {
	HTTP struct {
		Addr           string `yaml:"addr"`
		MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	} `yaml:"http"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Security struct {
		APIKey       string `yaml:"api_key"`
		RateLimitRPM int    `yaml:"rate_limit_rpm"`
	} `yaml:"security"`
	Google struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"google"`
	Anthropic struct {
		APIKey     string `yaml:"api_key"`
		BaseURL    string `yaml:"base_url"`
		APIVersion string `yaml:"api_version"`
	} `yaml:"anthropic"`
	Ollama struct {
		URL string `yaml:"url"`
	} `yaml:"ollama"`
	Backends struct {
		Gemini BackendSettings `yaml:"gemini"`
		Claude BackendSettings `yaml:"claude"`
		Ollama BackendSettings `yaml:"ollama"`
	} `yaml:"backends"`
	Fallback struct {
		Chain []ChainEntry `yaml:"chain"`
	} `yaml:"fallback"`
	Extraction struct {
		DefaultBackend string        `yaml:"default_backend"`
		AttemptTimeout time.Duration `yaml:"attempt_timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		MaxImageSide   int           `yaml:"max_image_side"`
		Stub           bool          `yaml:"stub"`
	} `yaml:"extraction"`
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Worker struct {
		PollTimeout time.Duration `yaml:"poll_timeout"`
	} `yaml:"worker"`
}

func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.MaxUploadBytes = 20 << 20
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Anthropic.APIVersion = "2023-06-01"
	cfg.Ollama.URL = "http://127.0.0.1:11434"
	cfg.Backends.Gemini = BackendSettings{Model: "gemini-3.0-pro", Mode: "schema", PromptVersion: "v1"}
	cfg.Backends.Claude = BackendSettings{Model: "claude-opus-4-5", Mode: "schema", PromptVersion: "v1"}
	cfg.Backends.Ollama = BackendSettings{Model: "qwen2.5vl:7b", Mode: "json", PromptVersion: "v3"}
	cfg.Fallback.Chain = []ChainEntry{
		{Backend: "gemini", BackendSettings: BackendSettings{Model: "gemini-2.5-flash", Mode: "schema", PromptVersion: "v1"}},
		{Backend: "claude", BackendSettings: BackendSettings{Model: "claude-opus-4-5", Mode: "schema", PromptVersion: "v1"}},
	}
	cfg.Extraction.DefaultBackend = "gemini"
	cfg.Extraction.AttemptTimeout = 60 * time.Second
	cfg.Extraction.RequestTimeout = 150 * time.Second
	cfg.Extraction.MaxImageSide = 2048
	cfg.Worker.PollTimeout = 5 * time.Second
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Backend returns the settings of a concrete backend id.
func (c Config) Backend(id string) (BackendSettings, bool) {
	switch id {
	case "gemini":
		return c.Backends.Gemini, true
	case "claude":
		return c.Backends.Claude, true
	case "ollama":
		return c.Backends.Ollama, true
	}
	return BackendSettings{}, false
}

func (c Config) Validate() error {
	var errs []error
	switch c.Extraction.DefaultBackend {
	case "gemini", "claude", "ollama", "fallback":
	default:
		errs = append(errs, fmt.Errorf("extraction.default_backend: unknown backend %q", c.Extraction.DefaultBackend))
	}
	for _, id := range []string{"gemini", "claude", "ollama"} {
		settings, _ := c.Backend(id)
		if err := validateSettings(settings); err != nil {
			errs = append(errs, fmt.Errorf("backends.%s: %w", id, err))
		}
	}
	if len(c.Fallback.Chain) == 0 {
		errs = append(errs, errors.New("fallback.chain: at least one entry is required"))
	}
	for i, entry := range c.Fallback.Chain {
		if _, ok := c.Backend(entry.Backend); !ok {
			errs = append(errs, fmt.Errorf("fallback.chain[%d]: %q is not a concrete backend", i, entry.Backend))
		}
		if err := validateSettings(entry.BackendSettings); err != nil {
			errs = append(errs, fmt.Errorf("fallback.chain[%d]: %w", i, err))
		}
	}
	if c.Extraction.AttemptTimeout < 0 || c.Extraction.RequestTimeout < 0 {
		errs = append(errs, errors.New("extraction: timeouts must not be negative"))
	}
	if c.Security.RateLimitRPM < 0 {
		errs = append(errs, errors.New("security.rate_limit_rpm must not be negative"))
	}
	return errors.Join(errs...)
}

func validateSettings(s BackendSettings) error {
	switch s.Mode {
	case "", "schema", "json":
	default:
		return fmt.Errorf("unknown mode %q (want schema or json)", s.Mode)
	}
	if s.MaxOutputTokens < 0 {
		return errors.New("max_output_tokens must not be negative")
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DI_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("DI_HTTP_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HTTP.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("DI_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("DI_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("DI_API_KEY"); v != "" {
		cfg.Security.APIKey = v
	}
	if v := os.Getenv("DI_RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Security.RateLimitRPM = n
		}
	}
	if v := firstEnv("DI_GOOGLE_API_KEY", "GOOGLE_API_KEY"); v != "" {
		cfg.Google.APIKey = v
	}
	if v := os.Getenv("DI_GOOGLE_BASE_URL"); v != "" {
		cfg.Google.BaseURL = v
	}
	if v := firstEnv("DI_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"); v != "" {
		cfg.Anthropic.APIKey = v
	}
	if v := os.Getenv("DI_ANTHROPIC_BASE_URL"); v != "" {
		cfg.Anthropic.BaseURL = v
	}
	if v := os.Getenv("DI_OLLAMA_URL"); v != "" {
		cfg.Ollama.URL = v
	}
	if v := os.Getenv("DI_GEMINI_MODEL"); v != "" {
		cfg.Backends.Gemini.Model = v
	}
	if v := os.Getenv("DI_CLAUDE_MODEL"); v != "" {
		cfg.Backends.Claude.Model = v
	}
	if v := os.Getenv("DI_OLLAMA_MODEL"); v != "" {
		cfg.Backends.Ollama.Model = v
	}
	if v := os.Getenv("DI_GEMINI_MODE"); v != "" {
		cfg.Backends.Gemini.Mode = v
	}
	if v := os.Getenv("DI_CLAUDE_MODE"); v != "" {
		cfg.Backends.Claude.Mode = v
	}
	if v := os.Getenv("DI_OLLAMA_MODE"); v != "" {
		cfg.Backends.Ollama.Mode = v
	}
	if v := os.Getenv("DI_FALLBACK_CHAIN"); v != "" {
		chain, err := parseChain(v)
		if err != nil {
			return fmt.Errorf("DI_FALLBACK_CHAIN: %w", err)
		}
		cfg.Fallback.Chain = chain
	}
	if v := os.Getenv("DI_DEFAULT_BACKEND"); v != "" {
		cfg.Extraction.DefaultBackend = v
	}
	if v := os.Getenv("DI_ATTEMPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Extraction.AttemptTimeout = d
		}
	}
	if v := os.Getenv("DI_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Extraction.RequestTimeout = d
		}
	}
	if v := os.Getenv("DI_MAX_IMAGE_SIDE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Extraction.MaxImageSide = n
		}
	}
	if v := os.Getenv("DI_STUB"); v != "" {
		cfg.Extraction.Stub = parseBool(v, cfg.Extraction.Stub)
	}
	if v := os.Getenv("DI_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DI_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DI_WORKER_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.PollTimeout = d
		}
	}
	return nil
}

// parseChain reads "backend:model,..." entries. The model part may itself
// contain colons (ollama tags).
func parseChain(input string) ([]ChainEntry, error) {
	var out []ChainEntry
	for _, item := range splitCSV(input) {
		parts := strings.SplitN(item, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid chain entry %q", item)
		}
		out = append(out, ChainEntry{Backend: parts[0], BackendSettings: BackendSettings{Model: parts[1]}})
	}
	return out, nil
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

func parseBool(input string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(input string) []string {
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		val := strings.TrimSpace(part)
		if val == "" {
			continue
		}
		out = append(out, val)
	}
	return out
}
