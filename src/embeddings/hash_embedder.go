package embeddings

import (
	"context"
	"errors"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const DefaultDimensions = 384

// HashEmbedder is a local feature-hashing embedder. Each word unigram and
// bigram is hashed into one of Dims buckets with a hash-derived sign, and the
// result is L2-normalized. Texts that share most of their words land close
// together under cosine similarity; it carries no semantics beyond that.
type HashEmbedder struct {
	Dims int
}

func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{Dims: dims}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	words := tokenize(text)
	if len(words) == 0 {
		return nil, errors.New("text cannot be empty")
	}

	vec := make([]float64, e.Dims)
	add := func(feature string, weight float64) {
		h := xxhash.Sum64String(feature)
		idx := h % uint64(e.Dims)
		if h>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}

	for i, w := range words {
		add(w, 1.0)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, e.Dims)
	if norm == 0 {
		return out, nil
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
