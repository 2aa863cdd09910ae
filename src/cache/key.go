package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

const (
	exactPrefix    = "cache:exact:"
	semanticPrefix = "cache:l2:"
)

// GenerateKey derives the cache key for a prompt, its untruncated context and
// the model config. The digest covers canonical JSON (sorted keys, no HTML
// escaping) so equal inputs hash equally across processes.
func GenerateKey(prompt, fullContext string, modelConfig map[string]any) string {
	if modelConfig == nil {
		modelConfig = map[string]any{}
	}

	payload := map[string]any{
		"prompt":       prompt,
		"context":      fullContext,
		"model_config": modelConfig,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		// Unencodable config values (channels, funcs) cannot come from JSON
		// requests; hash what we have rather than fail the lookup.
		buf.Reset()
		buf.WriteString(prompt + "\x00" + fullContext)
	}

	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:])
}

// ResolveContext returns fullContext, or the transcript of messages when no
// context was supplied.
func ResolveContext(fullContext string, messages []models.Message) string {
	if fullContext != "" {
		return fullContext
	}
	return models.Transcript(messages)
}
