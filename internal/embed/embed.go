// Package embed defines the embedding provider boundary.
//
// The Provider interface is what the memory and knowledge stores consume;
// the genkit-backed implementation lives in genkit.go. All implementations
// share one external-call budget: embedding endpoints are rate-limited
// services, so concurrent calls across every conversation thread are bounded
// by a single semaphore and token-bucket limiter.
package embed

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the embedding provider could not produce a vector.
// Callers degrade to recency-only context rather than failing the turn.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider converts text into a fixed-length vector.
//
// Implementations must be safe for concurrent use. The output dimension is
// constant for the lifetime of a Provider and must match the deployment's
// configured embedding dimensions.
type Provider interface {
	// Embed returns the embedding vector for text. A failure is reported as
	// an error wrapping ErrUnavailable when the provider is unreachable or
	// over quota.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions reports the length of vectors produced by Embed.
	Dimensions() int
}
