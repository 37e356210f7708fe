package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/parleyline/parley/internal/embed"
)

// MockProvider is a deterministic embed.Provider for tests.
//
// By default a vector is derived from the FNV hash of the input, so equal
// texts always embed identically. SetVector pins an exact vector for a given
// text; use it to control precise cosine similarity between inputs.
// SetFailing makes every Embed call return embed.ErrUnavailable, for
// degradation paths.
type MockProvider struct {
	mu      sync.Mutex
	dim     int
	vectors map[string][]float32
	failing bool
	calls   int
}

// NewMockProvider creates a mock provider with the given vector dimensions.
func NewMockProvider(dim int) *MockProvider {
	return &MockProvider{
		dim:     dim,
		vectors: make(map[string][]float32),
	}
}

// SetVector registers an explicit vector for a given content string.
func (m *MockProvider) SetVector(content string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[content] = vec
}

// SetFailing toggles failure mode.
func (m *MockProvider) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// Calls reports how many Embed calls were made.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Dimensions implements embed.Provider.
func (m *MockProvider) Dimensions() int {
	return m.dim
}

// Embed implements embed.Provider.
func (m *MockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failing {
		return nil, embed.ErrUnavailable
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return deterministicVector(text, m.dim), nil
}

// deterministicVector generates a unit vector seeded by the content hash.
func deterministicVector(content string, dim int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	seed := h.Sum64()

	vec := make([]float32, dim)
	var norm float64
	for i := range vec {
		// xorshift over the seed gives stable pseudo-random components.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float64(int64(seed%2000)-1000) / 1000.0
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}

// OrthogonalVectors returns n mutually orthogonal unit vectors of length dim.
// Cosine similarity between any two distinct results is exactly 0.
func OrthogonalVectors(dim, n int) [][]float32 {
	if n > dim {
		panic("cannot produce more orthogonal vectors than dimensions")
	}
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		v[i] = 1
		out[i] = v
	}
	return out
}

// VectorWithSimilarity returns a unit vector whose cosine similarity to the
// dim-length basis vector e0 is exactly sim. Useful for threshold-boundary
// tests.
func VectorWithSimilarity(dim int, sim float64) []float32 {
	v := make([]float32, dim)
	v[0] = float32(sim)
	v[1] = float32(math.Sqrt(1 - sim*sim))
	return v
}
