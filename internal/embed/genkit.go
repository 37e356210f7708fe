package embed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// embedTimeout is the hard ceiling for a single embedding call. Exceeding it
// is a retryable failure, never a silent hang.
const embedTimeout = 15 * time.Second

// GenkitProvider adapts a Genkit ai.Embedder to the Provider interface.
//
// A shared semaphore bounds in-flight calls across all conversation threads
// and a rate limiter smooths the request rate; both are distinct from the
// per-thread turn serialization in the orchestrator.
type GenkitProvider struct {
	embedder ai.Embedder
	dims     int
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// GenkitConfig configures a GenkitProvider.
type GenkitConfig struct {
	Embedder    ai.Embedder
	Dimensions  int          // required: output vector length
	Concurrency int64        // max in-flight calls (default 8)
	RateLimit   float64      // sustained calls/sec (default 10)
	Logger      *slog.Logger // nil = slog.Default()
}

// NewGenkitProvider creates a provider backed by a Genkit embedder.
func NewGenkitProvider(cfg GenkitConfig) (*GenkitProvider, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", cfg.Dimensions)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &GenkitProvider{
		embedder: cfg.Embedder,
		dims:     cfg.Dimensions,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), int(cfg.Concurrency)*2),
		logger:   logger,
	}, nil
}

// Dimensions reports the configured output vector length.
func (p *GenkitProvider) Dimensions() int {
	return p.dims
}

// Embed generates a vector for text, requesting the configured output
// dimensionality from the model (Matryoshka truncation on Gemini embedders).
func (p *GenkitProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquiring embed slot: %w", err)
	}
	defer p.sem.Release(1)

	embedCtx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	dim := int32(p.dims) // #nosec G115 -- dims validated <= 3072 at construction
	resp, err := p.embedder.Embed(embedCtx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrUnavailable)
	}

	vec := resp.Embeddings[0].Embedding
	if len(vec) != p.dims {
		return nil, fmt.Errorf("%w: embedder returned %d dimensions, want %d",
			ErrUnavailable, len(vec), p.dims)
	}
	return vec, nil
}
