package config

import (
	"fmt"
	"os"
	"strings"
)

// Validate checks the entire configuration and fails fast with a wrapped
// sentinel error on the first violation. Called from Load; safe to call again
// after programmatic mutation.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if err := c.validateAI(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	return c.validatePostgres()
}

func (c *Config) validateAI() error {
	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY not set for provider %q", ErrInvalidProvider, c.Provider)
		}
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY not set for provider %q", ErrInvalidProvider, c.Provider)
		}
	case ProviderOllama:
		if !strings.HasPrefix(c.OllamaHost, "http://") && !strings.HasPrefix(c.OllamaHost, "https://") {
			return fmt.Errorf("%w: ollama_host %q must start with http:// or https://", ErrInvalidProvider, c.OllamaHost)
		}
	default:
		return fmt.Errorf("%w: %q (supported: gemini, googleai, ollama, openai)", ErrInvalidProvider, c.Provider)
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model_name is empty", ErrInvalidModelName)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder_model is empty", ErrInvalidEmbedderModel)
	}

	if c.MaxToolRounds < 1 || c.MaxToolRounds > 20 {
		return fmt.Errorf("max_tool_rounds %d out of range [1, 20]", c.MaxToolRounds)
	}
	if c.MaxModelRetries < 0 || c.MaxModelRetries > 10 {
		return fmt.Errorf("max_model_retries %d out of range [0, 10]", c.MaxModelRetries)
	}
	if c.MaxContextTokens < 500 {
		return fmt.Errorf("max_context_tokens %d too small (min 500)", c.MaxContextTokens)
	}
	if c.ProviderConcurrency < 1 {
		return fmt.Errorf("provider_concurrency %d must be at least 1", c.ProviderConcurrency)
	}
	if c.ProviderRateLimit <= 0 {
		return fmt.Errorf("provider_rate_limit %f must be positive", c.ProviderRateLimit)
	}
	return nil
}

// Validate checks retrieval settings ranges. Also used by the settings store
// when administrators update per-owner values.
func (r RetrievalDefaults) Validate() error {
	if r.EmbeddingDimensions < MinEmbeddingDimensions || r.EmbeddingDimensions > MaxEmbeddingDimensions {
		return fmt.Errorf("%w: %d out of range [%d, %d]",
			ErrInvalidEmbeddingDimensions, r.EmbeddingDimensions,
			MinEmbeddingDimensions, MaxEmbeddingDimensions)
	}
	if r.SimilarityThreshold < 0.0 || r.SimilarityThreshold > 1.0 {
		return fmt.Errorf("%w: %f out of range [0.0, 1.0]",
			ErrInvalidSimilarityThreshold, r.SimilarityThreshold)
	}
	if r.ChunkSize < 1 || r.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk_size %d out of range [1, %d]",
			ErrInvalidChunking, r.ChunkSize, MaxChunkSize)
	}
	if r.ChunkOverlap < 0 || r.ChunkOverlap >= r.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d must be in [0, chunk_size)",
			ErrInvalidChunking, r.ChunkOverlap)
	}
	if r.MaxChunksInContext < 1 {
		return fmt.Errorf("%w: max_chunks_in_context %d must be at least 1",
			ErrInvalidChunking, r.MaxChunksInContext)
	}
	if r.MemoryTopK < 1 || r.MemoryTopK > MaxTopK {
		return fmt.Errorf("%w: memory_top_k %d out of range [1, %d]",
			ErrInvalidTopK, r.MemoryTopK, MaxTopK)
	}
	if r.KnowledgeTopK < 1 || r.KnowledgeTopK > MaxTopK {
		return fmt.Errorf("%w: knowledge_top_k %d out of range [1, %d]",
			ErrInvalidTopK, r.KnowledgeTopK, MaxTopK)
	}
	return nil
}

func (c *Config) validatePostgres() error {
	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: postgres_host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d out of range [1, 65535]", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: postgres_db_name is empty", ErrInvalidPostgresDBName)
	}
	switch c.PostgresSSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
		return nil
	default:
		return fmt.Errorf("invalid postgres_ssl_mode %q", c.PostgresSSLMode)
	}
}
