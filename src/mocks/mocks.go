package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// MockGenerator implements models.TextGenerator
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, prompt string, opts models.GenerateOptions, onToken func(string) error) (string, error) {
	args := m.Called(ctx, prompt, opts, onToken)
	return args.String(0), args.Error(1)
}

func (m *MockGenerator) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// StreamTokens returns a Run function that feeds tokens through the
// streaming callback passed to Generate, stopping at the first callback error.
func StreamTokens(tokens ...string) func(mock.Arguments) {
	return func(args mock.Arguments) {
		onToken, _ := args.Get(3).(func(string) error)
		if onToken == nil {
			return
		}
		for _, tok := range tokens {
			if err := onToken(tok); err != nil {
				return
			}
		}
	}
}

// MockEmbedder implements models.Embedder
type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

// MockMessageStore implements models.MessageStore
type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) Append(ctx context.Context, sessionID, userID string, msg models.Message) error {
	args := m.Called(ctx, sessionID, userID, msg)
	return args.Error(0)
}

func (m *MockMessageStore) Recent(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	args := m.Called(ctx, sessionID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MockMessageStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockMessageStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
