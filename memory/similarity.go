package memory

import (
	"context"
	"strings"

	"github.com/dgraph-io/ristretto"
)

// Scorer computes a similarity score in [0, 1] between two entries' content.
// Scores must be symmetric: Score(a, b) == Score(b, a).
type Scorer interface {
	Score(ctx context.Context, a, b *Entry) (float64, error)
}

// LexicalScorer scores entries by Jaccard overlap of their lowercased word
// sets. It needs no external service and is the fallback when no embedding
// backend is configured.
type LexicalScorer struct{}

// NewLexicalScorer returns a word-overlap scorer.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{}
}

// Score implements Scorer.
func (s *LexicalScorer) Score(_ context.Context, a, b *Entry) (float64, error) {
	return jaccardWords(a.Content, b.Content), nil
}

func jaccardWords(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w != "" {
			out[w] = struct{}{}
		}
	}
	return out
}

// EmbeddingScorer scores entries by cosine similarity of their content
// embeddings.
type EmbeddingScorer struct {
	embedder Embedder
}

// NewEmbeddingScorer returns a scorer backed by the given embedder.
func NewEmbeddingScorer(embedder Embedder) *EmbeddingScorer {
	return &EmbeddingScorer{embedder: embedder}
}

// Score implements Scorer.
func (s *EmbeddingScorer) Score(ctx context.Context, a, b *Entry) (float64, error) {
	va, err := s.embedder.Embed(ctx, a.Content)
	if err != nil {
		return 0, err
	}
	vb, err := s.embedder.Embed(ctx, b.Content)
	if err != nil {
		return 0, err
	}
	return CosineSimilarity(va, vb), nil
}

// CachedScorer memoizes pair scores. Entry content is immutable, so a cached
// score for an id pair never goes stale.
type CachedScorer struct {
	inner Scorer
	cache *ristretto.Cache
}

// NewCachedScorer wraps a scorer with an in-process score cache sized for
// roughly maxPairs recent pairs.
func NewCachedScorer(inner Scorer, maxPairs int64) (*CachedScorer, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxPairs * 10,
		MaxCost:     maxPairs,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedScorer{inner: inner, cache: cache}, nil
}

// Score implements Scorer.
func (s *CachedScorer) Score(ctx context.Context, a, b *Entry) (float64, error) {
	key := pairKey(a.ID, b.ID)
	if v, ok := s.cache.Get(key); ok {
		return v.(float64), nil
	}
	score, err := s.inner.Score(ctx, a, b)
	if err != nil {
		return 0, err
	}
	s.cache.Set(key, score, 1)
	return score, nil
}

// Close releases the cache's background goroutines.
func (s *CachedScorer) Close() {
	s.cache.Close()
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
