package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must not be negative"))
	}

	// Gate
	if cfg.Gate.MaxRequests < 0 {
		errs = append(errs, fmt.Errorf("gate.max_requests must not be negative"))
	}
	if cfg.Gate.MaxStreams < 0 {
		errs = append(errs, fmt.Errorf("gate.max_streams must not be negative"))
	}
	if cfg.Gate.MaxRequests > 0 && cfg.Gate.MaxStreams > cfg.Gate.MaxRequests {
		errs = append(errs, fmt.Errorf("gate.max_streams (%d) must not exceed gate.max_requests (%d)", cfg.Gate.MaxStreams, cfg.Gate.MaxRequests))
	}
	if cfg.Gate.AcquireTimeout < 0 {
		errs = append(errs, fmt.Errorf("gate.acquire_timeout must not be negative"))
	}

	// Script
	if cfg.Script.Temperature < 0 || cfg.Script.Temperature > 2 {
		errs = append(errs, fmt.Errorf("script.temperature %.2f is out of range [0, 2]", cfg.Script.Temperature))
	}
	if cfg.Script.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("script.max_tokens must not be negative"))
	}
	if cfg.Script.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("script.idle_timeout must not be negative"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		if len(cfg.Providers.LLMFallbacks) > 0 {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks is set but providers.llm is not configured"))
		} else {
			slog.Warn("no LLM provider configured; only offline compilation of supplied transcripts is available")
		}
	}
	validateProviderEntry("providers.llm", cfg.Providers.LLM, &errs)
	for i, fb := range cfg.Providers.LLMFallbacks {
		prefix := fmt.Sprintf("providers.llm_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderEntry(prefix, fb, &errs)
	}

	// Resilience
	if cfg.Resilience.MaxFailures < 0 || cfg.Resilience.HalfOpenMax < 0 || cfg.Resilience.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience values must not be negative"))
	}

	return errors.Join(errs...)
}

func validateProviderEntry(prefix string, e ProviderEntry, errs *[]error) {
	if e.Name == "" {
		return
	}
	if e.Model == "" {
		*errs = append(*errs, fmt.Errorf("%s.model is required", prefix))
	}
	validateProviderName("llm", e.Name)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
