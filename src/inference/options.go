package inference

import (
	"encoding/json"

	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// OptionsFromConfig reads the generation settings out of a request's model
// config. Missing or mistyped values fall back to defaults.
func OptionsFromConfig(cfg map[string]any) models.GenerateOptions {
	opts := models.GenerateOptions{Temperature: models.DefaultTemperature}

	if v, ok := number(cfg["temperature"]); ok {
		opts.Temperature = v
	}
	if v, ok := number(cfg["max_tokens"]); ok && v > 0 {
		opts.MaxTokens = int(v)
	}
	if v, ok := number(cfg["top_p"]); ok {
		opts.TopP = v
	}

	switch stop := cfg["stop"].(type) {
	case string:
		opts.Stop = []string{stop}
	case []string:
		opts.Stop = stop
	case []any:
		for _, s := range stop {
			if str, ok := s.(string); ok {
				opts.Stop = append(opts.Stop, str)
			}
		}
	}

	return opts
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
