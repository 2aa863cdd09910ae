package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// Manager fronts both cache tiers. Lookups never return an error: any
// backend failure is logged and reported as a miss.
type Manager struct {
	exact    *ExactCache
	semantic *SemanticCache
	logger   *slog.Logger
}

func NewManager(exact *ExactCache, semantic *SemanticCache, logger *slog.Logger) *Manager {
	logger = logging.OrDefault(logger)
	return &Manager{exact: exact, semantic: semantic, logger: logger.With("component", "cache")}
}

// Hit is a cached response and the tier that served it.
type Hit struct {
	Response string
	Tier     models.CacheTier
}

// Check looks up the exact tier by key, then the similarity tier by prompt.
// When fullContext is empty the key context is rebuilt from messages.
func (m *Manager) Check(ctx context.Context, prompt string, modelConfig map[string]any, fullContext string, messages []models.Message) (Hit, bool) {
	keyContext := ResolveContext(fullContext, messages)
	key := GenerateKey(prompt, keyContext, modelConfig)

	response, ok, err := m.exact.Get(ctx, key)
	switch {
	case err != nil:
		m.logger.Warn("exact cache lookup failed", "error", err)
	case ok:
		m.logger.Debug("cache hit", "tier", models.CacheTierExact, "key", key[:16])
		return Hit{Response: response, Tier: models.CacheTierExact}, true
	}

	if m.semantic == nil {
		return Hit{}, false
	}

	match, err := m.semantic.FindSimilar(ctx, prompt)
	if err != nil {
		m.logger.Warn("similarity cache lookup failed", "error", err)
		return Hit{}, false
	}
	if match == nil {
		return Hit{}, false
	}

	if keyContext != "" {
		m.logger.Debug("similarity hit ignores conversation history",
			"similarity", match.Similarity, "matched_key", match.Key)
	}
	m.logger.Debug("cache hit", "tier", models.CacheTierSemantic, "similarity", match.Similarity)
	return Hit{Response: match.Response, Tier: models.CacheTierSemantic}, true
}

// Store writes response to both tiers under the key Check would derive for
// the same inputs. The two writes are independent; a failed similarity
// write does not undo or skip the exact write.
func (m *Manager) Store(ctx context.Context, prompt, response string, modelConfig map[string]any, fullContext string, messages []models.Message) error {
	key := GenerateKey(prompt, ResolveContext(fullContext, messages), modelConfig)

	var errs []error
	if err := m.exact.Set(ctx, key, response); err != nil {
		m.logger.Warn("exact cache write failed", "error", err)
		errs = append(errs, fmt.Errorf("exact cache: %w", err))
	}

	if m.semantic != nil {
		if err := m.semantic.Set(ctx, key, prompt, response); err != nil {
			m.logger.Warn("similarity cache write failed", "error", err)
			errs = append(errs, fmt.Errorf("similarity cache: %w", err))
		}
	}

	return errors.Join(errs...)
}
