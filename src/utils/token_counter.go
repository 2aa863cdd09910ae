package utils

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/vatsalvatsyayan/pocketllm/src/logging"
)

const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens with a BPE encoding, falling back to a byte
// estimate when the encoding is unavailable.
type TokenCounter struct {
	encoding string
	logger   *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTokenCounter(encoding string, logger *slog.Logger) *TokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TokenCounter{encoding: encoding, logger: logging.OrDefault(logger)}
}

// NewEstimatingCounter returns a counter that never loads an encoding.
func NewEstimatingCounter() *TokenCounter {
	c := &TokenCounter{logger: logging.OrDefault(nil)}
	c.once.Do(func() {})
	return c
}

func (c *TokenCounter) load() {
	enc, err := tiktoken.GetEncoding(c.encoding)
	if err != nil {
		c.logger.Warn("token encoding unavailable, using estimate", "encoding", c.encoding, "error", err)
		return
	}
	c.enc = enc
}

// Preload fetches the encoding now rather than on the first Count, which
// would otherwise download the BPE ranks inside a request. It reports
// whether the encoding is available.
func (c *TokenCounter) Preload() bool {
	c.once.Do(c.load)
	return c.enc != nil
}

func (c *TokenCounter) Count(text string) (n int) {
	if text == "" {
		return 0
	}
	c.once.Do(c.load)
	if c.enc == nil {
		return EstimateTokenCount(text)
	}

	defer func() {
		if r := recover(); r != nil {
			n = EstimateTokenCount(text)
		}
	}()
	return len(c.enc.Encode(text, nil, nil))
}

// EstimateTokenCount approximates BPE token count at one token per three
// bytes, rounded up. It over-counts English text so callers truncate early.
func EstimateTokenCount(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	return (len(text) + 2) / 3
}
