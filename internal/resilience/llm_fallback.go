package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across multiple
// LLM backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Breakers reports the breaker state per backend.
func (f *LLMFallback) Breakers() map[string]State {
	return f.group.Breakers()
}

// Statuses reports the breaker of every backend in failover order.
func (f *LLMFallback) Statuses() []BreakerStatus {
	return f.group.Statuses()
}

// StreamCompletion opens a stream against the first healthy provider. Only
// opening the stream is covered by failover; errors carried on the chunk
// channel are the caller's responsibility.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(ctx, f.group, func(_ context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		// The stream outlives this call, so it must run on the caller's ctx
		// rather than a per-attempt one.
		return p.StreamCompletion(ctx, req)
	})
}
