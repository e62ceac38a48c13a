// Package llm implements the pluggable LanguageModel client (spec.md §4.4):
// a single Complete(prompt) → string surface wrapped in Retry + CircuitBreaker
// keyed by "model-provider:model-name".
package llm

import "context"

// Model is the pluggable LanguageModel interface stages call through.
type Model interface {
	// Complete sends prompt to the model and returns its text completion.
	Complete(ctx context.Context, prompt string) (string, error)
}
