package resilience

import (
	"context"

	"github.com/MrWong99/podscript/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across several backends,
// each behind its own circuit breaker.
//
// Only starting a stream is covered: once a backend has returned its chunk
// channel, a failure mid-stream reaches the compiler as an error chunk and
// ends that compilation. Switching backends halfway through a script would
// splice two unrelated generations together.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] that prefers primary.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers provider after the existing entries.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Backends reports the breaker state of every backend, keyed by name.
func (f *LLMFallback) Backends() map[string]State {
	return f.group.States()
}

// StreamCompletion starts a stream on the first backend that accepts it.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Capabilities reports the primary backend's limits. Prompts are sized for
// the primary, so fallbacks are expected to be at least as capable.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}
