package memory

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIProvider implements EmbeddingProvider over the OpenAI embeddings API
type OpenAIProvider struct {
	client openai.Client
	model  string
	dim    int
}

// NewOpenAIProvider creates a new OpenAI embedding provider
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	dim := 1536
	if model == "text-embedding-3-large" {
		dim = 3072
	}
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		dim:    dim,
	}
}

func (p *OpenAIProvider) Dimension() int {
	return p.dim
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response size mismatch: want %d, got %d", len(texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		embeddings[i] = vec
	}
	return embeddings, nil
}

// Process-wide provider handle, lazily initialized on first use. Steady-state
// use after initialization needs no further locking.
var (
	defaultProviderOnce sync.Once
	defaultProvider     *OpenAIProvider
)

// DefaultOpenAIProvider returns the shared OpenAI provider, creating it on
// first call. Later calls ignore the arguments and return the same handle.
func DefaultOpenAIProvider(apiKey, model string) *OpenAIProvider {
	defaultProviderOnce.Do(func() {
		defaultProvider = NewOpenAIProvider(apiKey, model)
	})
	return defaultProvider
}

// MockEmbeddingProvider generates deterministic embeddings for tests and
// offline use. Texts sharing many tokens produce nearby vectors.
type MockEmbeddingProvider struct {
	dim int
}

// NewMockEmbeddingProvider creates a mock provider with the given dimension
func NewMockEmbeddingProvider(dim int) *MockEmbeddingProvider {
	return &MockEmbeddingProvider{dim: dim}
}

func (p *MockEmbeddingProvider) Dimension() int {
	return p.dim
}

func (p *MockEmbeddingProvider) GenerateEmbedding(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, p.dim)
	for _, tok := range Tokenize(text) {
		h := sha256.Sum256([]byte(tok))
		for i := 0; i+4 <= len(h); i += 4 {
			idx := int(binary.BigEndian.Uint32(h[i:i+4])) % p.dim
			vec[idx]++
		}
	}

	// L2 normalize so cosine distance behaves
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (p *MockEmbeddingProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.GenerateEmbedding(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
