// Package embeddings provides embedding generation via langchaingo.
//
// The embedding service is treated as an external scoring oracle: callers
// request vectors best-effort and must tolerate the oracle being slow, down,
// or unconfigured. Every call through Service is bounded by the configured
// timeout.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/fyrsmithlabs/memlockd/internal/config"
)

var (
	// ErrEmptyInput indicates empty input text.
	ErrEmptyInput = errors.New("empty input text")

	// ErrOracleDegraded wraps failures from the embedding backend. Callers
	// downgrade this to a warning; it never fails an enclosing write.
	ErrOracleDegraded = errors.New("embedding oracle degraded")
)

// Oracle generates embedding vectors for text.
//
// Implementations must be safe for concurrent use. A nil Oracle anywhere in
// the daemon means "embeddings disabled" and callers degrade to keyword-only
// behavior.
type Oracle interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Service is the langchaingo-backed Oracle for OpenAI-compatible endpoints
// (OpenAI itself, or a local TEI server).
type Service struct {
	embedder *embeddings.EmbedderImpl
	timeout  time.Duration
}

// NewService creates an embedding service from config.
func NewService(cfg config.EmbeddingConfig) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("embedding base URL required")
	}
	if cfg.Model == "" {
		return nil, errors.New("embedding model required")
	}

	apiKey := cfg.APIKey.Value()
	if apiKey == "" {
		// langchaingo requires a token; TEI ignores it.
		apiKey = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &Service{
		embedder: embedder,
		timeout:  cfg.Timeout.Duration(),
	}, nil
}

// EmbedQuery generates an embedding for a single text, bounded by the
// configured timeout. Backend failures are wrapped in ErrOracleDegraded.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleDegraded, err)
	}
	return vector, nil
}

// CosineSimilarity returns the cosine similarity of two vectors, or 0 when
// dimensions differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
