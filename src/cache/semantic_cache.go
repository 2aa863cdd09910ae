package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// semanticEntry is stored under cache:l2:<key>. Lookups never use the key;
// they compare embeddings.
type semanticEntry struct {
	Prompt    string    `json:"prompt"`
	Embedding []float32 `json:"embedding"`
	Response  string    `json:"response"`
	CachedAt  time.Time `json:"cached_at"`
}

// SemanticMatch is the best similarity-cache hit for a prompt.
type SemanticMatch struct {
	Key        string
	Response   string
	Similarity float64
}

// SemanticCache is the L2 tier. It embeds prompts only, so two conversations
// that end in the same question share an entry regardless of history.
type SemanticCache struct {
	store     Store
	embedder  models.Embedder
	ttl       time.Duration
	threshold float64
}

func NewSemanticCache(store Store, embedder models.Embedder, ttl time.Duration, threshold float64) *SemanticCache {
	return &SemanticCache{
		store:     store,
		embedder:  embedder,
		ttl:       ttl,
		threshold: threshold,
	}
}

// FindSimilar scans every L2 entry and returns the one with the highest
// cosine similarity at or above the threshold, or nil. On equal scores the
// first entry seen wins; scan order is whatever the store enumerates.
func (c *SemanticCache) FindSimilar(ctx context.Context, prompt string) (*SemanticMatch, error) {
	queryEmbedding, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	var best *SemanticMatch
	bestScore := 0.0

	err = c.store.Scan(ctx, semanticPrefix+"*", func(key, value string) bool {
		var entry semanticEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			return true
		}
		if len(entry.Embedding) == 0 {
			return true
		}

		similarity := cosineSimilarity(queryEmbedding, entry.Embedding)
		if similarity > bestScore && similarity >= c.threshold {
			bestScore = similarity
			best = &SemanticMatch{
				Key:        key[len(semanticPrefix):],
				Response:   entry.Response,
				Similarity: similarity,
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan similarity cache: %w", err)
	}

	return best, nil
}

// Set embeds prompt and stores it with response under key.
func (c *SemanticCache) Set(ctx context.Context, key, prompt, response string) error {
	embedding, err := c.embedder.Embed(ctx, prompt)
	if err != nil {
		return fmt.Errorf("failed to generate embedding: %w", err)
	}

	data, err := json.Marshal(semanticEntry{
		Prompt:    prompt,
		Embedding: embedding,
		Response:  response,
		CachedAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := c.store.Set(ctx, semanticPrefix+key, string(data), c.ttl); err != nil {
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

// cosineSimilarity calculates the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
