package resilience

import "context"

// Fallback runs primary; if it fails, falls back to alt instead of
// propagating primary's error. The fallback's own error (if any) is what
// callers see — this mirrors how the search registry degrades from a
// primary backend to a configured fallback_apis chain (spec.md §4.3).
func Fallback[T any](ctx context.Context, primary func() (T, error), alt func() (T, error)) (T, error) {
	v, err := primary()
	if err == nil {
		return v, nil
	}
	return alt()
}

// FallbackChain tries each fn in order, returning the first success. If all
// fail, it returns the last error encountered.
func FallbackChain[T any](fns ...func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for _, fn := range fns {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, lastErr
}
