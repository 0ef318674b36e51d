package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/podscript/internal/config"
	"github.com/MrWong99/podscript/internal/observe"
	"github.com/MrWong99/podscript/internal/resilience"
	"github.com/MrWong99/podscript/pkg/provider/llm"
	"github.com/MrWong99/podscript/pkg/provider/llm/anyllm"
	"github.com/MrWong99/podscript/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires the LLM factories that ship with podscript
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// The native OpenAI client supports organisation headers and request
	// timeouts that the any-llm bridge does not expose.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for _, name := range reg.LLMNames() {
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}
}

// buildLLM creates the configured primary LLM and its fallbacks. Every
// backend sits behind a circuit breaker. It returns nil when no LLM is
// configured.
func buildLLM(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (llm.Provider, error) {
	primary := cfg.Providers.LLM
	if primary.Name == "" {
		slog.Warn("no llm configured, only transcript compilations will be served")
		return nil, nil
	}

	p, err := reg.CreateLLM(primary)
	if err != nil {
		return nil, fmt.Errorf("create llm provider %q: %w", primary.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", primary.Name, "model", primary.Model)

	fb := resilience.NewLLMFallback(p, primary.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Resilience.MaxFailures,
			ResetTimeout: cfg.Resilience.ResetTimeout,
			HalfOpenMax:  cfg.Resilience.HalfOpenMax,
		},
		OnAttempt: func(name string, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			metrics.RecordProviderRequest(context.Background(), name, status)
		},
	})

	for i, entry := range cfg.Providers.LLMFallbacks {
		fp, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("skipping unknown fallback provider", "index", i, "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		fb.AddFallback(fallbackName(entry, i), fp)
		slog.Info("provider created", "kind", "llm-fallback", "name", entry.Name, "model", entry.Model)
	}
	return fb, nil
}

// fallbackName labels a fallback uniquely even when the same provider
// appears twice with different models.
func fallbackName(e config.ProviderEntry, i int) string {
	if e.Model == "" {
		return fmt.Sprintf("%s#%d", e.Name, i+1)
	}
	return fmt.Sprintf("%s/%s#%d", e.Name, e.Model, i+1)
}

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
