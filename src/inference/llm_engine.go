package inference

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/vatsalvatsyayan/pocketllm/src/config"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// LLMClient talks to the model server through langchaingo. Ollama is the
// default backend; any OpenAI-compatible server works with provider "openai".
type LLMClient struct {
	config     *config.ModelConfig
	llm        llms.Model
	httpClient *http.Client
	pingURL    string
}

func NewLLMClient(cfg *config.ModelConfig) (*LLMClient, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Bounds the wait for the server to start answering. Streams may then
	// run as long as tokens keep arriving.
	transport.ResponseHeaderTimeout = cfg.Timeout()
	httpClient := &http.Client{Transport: transport}

	baseURL := strings.TrimRight(cfg.ServerURL, "/")

	var (
		llm     llms.Model
		pingURL string
		err     error
	)
	switch cfg.Provider {
	case "openai":
		llm, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Name),
			openai.WithBaseURL(baseURL),
			openai.WithHTTPClient(httpClient),
		)
		pingURL = baseURL + "/models"
	default:
		llm, err = ollama.New(
			ollama.WithServerURL(baseURL),
			ollama.WithModel(cfg.Name),
			ollama.WithHTTPClient(httpClient),
		)
		pingURL = baseURL + "/api/tags"
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", cfg.Provider, err)
	}

	return &LLMClient{
		config:     cfg,
		llm:        llm,
		httpClient: httpClient,
		pingURL:    pingURL,
	}, nil
}

// Generate runs one completion. With a non-nil onToken the call streams and
// each fragment is passed to onToken as it arrives.
func (c *LLMClient) Generate(ctx context.Context, prompt string, opts models.GenerateOptions, onToken func(string) error) (string, error) {
	callOptions := []llms.CallOption{
		llms.WithTemperature(opts.Temperature),
	}
	if opts.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.TopP > 0 {
		callOptions = append(callOptions, llms.WithTopP(opts.TopP))
	}
	if len(opts.Stop) > 0 {
		callOptions = append(callOptions, llms.WithStopWords(opts.Stop))
	}

	if onToken != nil {
		streamingFunc := func(ctx context.Context, chunk []byte) error {
			if len(chunk) > 0 {
				return onToken(string(chunk))
			}
			return nil
		}
		callOptions = append(callOptions, llms.WithStreamingFunc(streamingFunc))
	}

	response, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, callOptions...)
	if err != nil {
		return "", fmt.Errorf("%s generation failed: %w", c.config.Name, err)
	}

	return response, nil
}

// Ping checks that the model server answers.
func (c *LLMClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pingURL, nil)
	if err != nil {
		return err
	}
	if c.config.Provider == "openai" && c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model server unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("model server returned %s", resp.Status)
	}
	return nil
}
