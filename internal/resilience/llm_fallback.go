package resilience

import (
	"context"

	"github.com/MrWong99/voicegate/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] over a [Group] of language models.
type LLMFallback struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred model.
func NewLLMFallback(primaryName string, primary llm.Provider, cfg Config) *LLMFallback {
	return &LLMFallback{group: NewGroup(primaryName, primary, cfg)}
}

// AddFallback registers another model, tried after those already added.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.Add(name, p)
}

// Complete returns the first successful response.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens the stream on the first model that accepts it. Only
// stream start is covered; errors inside an open stream arrive as chunks.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Do(ctx, f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Close closes every member model.
func (f *LLMFallback) Close() error { return f.group.Close() }

// Breaker exposes the circuit breaker of the named member.
func (f *LLMFallback) Breaker(name string) *CircuitBreaker { return f.group.Breaker(name) }
