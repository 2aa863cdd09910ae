// Package embeddings provides the text embedders used by the similarity cache.
package embeddings

import (
	"fmt"

	"github.com/vatsalvatsyayan/pocketllm/src/config"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// New selects the embedder named by cfg.Provider.
func New(cfg *config.EmbeddingConfig) (models.Embedder, error) {
	switch cfg.Provider {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("openai embedding provider needs EMBEDDING_API_KEY or EMBEDDING_BASE_URL")
		}
		return NewOpenAIEmbedder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
