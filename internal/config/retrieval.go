package config

// Bounds for retrieval settings. Mirrored by the per-owner settings store so
// admin updates and startup validation reject the same values.
const (
	// MinEmbeddingDimensions is the smallest supported embedding vector size.
	MinEmbeddingDimensions = 128

	// MaxEmbeddingDimensions is the largest supported embedding vector size.
	MaxEmbeddingDimensions = 3072

	// MaxTopK caps memory and knowledge top-K to bound per-turn query cost.
	MaxTopK = 50

	// MaxChunkSize caps the chunk window to keep single chunks embeddable.
	MaxChunkSize = 8192
)

// RetrievalDefaults holds deployment-wide retrieval settings. Per-owner
// overrides are stored in the settings store; these values seed new owners
// and serve owners without an override row.
type RetrievalDefaults struct {
	EmbeddingDimensions int     `mapstructure:"embedding_dimensions" json:"embedding_dimensions"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" json:"similarity_threshold"`
	ChunkSize           int     `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap        int     `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	MaxChunksInContext  int     `mapstructure:"max_chunks_in_context" json:"max_chunks_in_context"`
	MemoryTopK          int     `mapstructure:"memory_top_k" json:"memory_top_k"`
	KnowledgeTopK       int     `mapstructure:"knowledge_top_k" json:"knowledge_top_k"`
}
