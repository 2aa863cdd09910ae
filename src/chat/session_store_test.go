package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vatsalvatsyayan/pocketllm/src/cache"
	"github.com/vatsalvatsyayan/pocketllm/src/config"
	"github.com/vatsalvatsyayan/pocketllm/src/mocks"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

func setupSessionStore(t *testing.T) (*SessionStore, *mocks.MockMessageStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	rs, err := cache.NewRedisStore(&config.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() {
		rs.Close()
		mr.Close()
	})

	durable := new(mocks.MockMessageStore)
	return NewSessionStore(rs, durable, 30*time.Minute, 50, nil), durable, mr
}

func TestSessionStore_LoadFromSnapshot(t *testing.T) {
	s, durable, _ := setupSessionStore(t)
	ctx := context.Background()

	msgs := []models.Message{{Role: models.RoleUser, Content: "Hi"}}
	require.NoError(t, s.Cache(ctx, "s1", msgs))

	got := s.Load(ctx, "s1")
	require.Len(t, got, 1)
	assert.Equal(t, "Hi", got[0].Content)
	durable.AssertNotCalled(t, "Recent", mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionStore_LoadFallsBackAndRepopulates(t *testing.T) {
	s, durable, mr := setupSessionStore(t)
	ctx := context.Background()

	history := []models.Message{
		{Role: models.RoleUser, Content: "Hi"},
		{Role: models.RoleAssistant, Content: "Hello"},
	}
	durable.On("Recent", mock.Anything, "s1", 50).Return(history, nil).Once()

	got := s.Load(ctx, "s1")
	assert.Equal(t, history, got)

	raw, err := mr.Get("session:s1")
	require.NoError(t, err)
	var cached []models.Message
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Len(t, cached, 2)
	assert.InDelta(t, (30 * time.Minute).Seconds(), mr.TTL("session:s1").Seconds(), 1)

	// second load is served from the snapshot
	s.Load(ctx, "s1")
	durable.AssertExpectations(t)
}

func TestSessionStore_DurableFailureYieldsEmpty(t *testing.T) {
	s, durable, _ := setupSessionStore(t)
	durable.On("Recent", mock.Anything, "s1", 50).Return(nil, errors.New("db down"))

	got := s.Load(context.Background(), "s1")
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSessionStore_CacheDownFallsBackToDurable(t *testing.T) {
	s, durable, mr := setupSessionStore(t)
	mr.Close()

	history := []models.Message{{Role: models.RoleUser, Content: "Hi"}}
	durable.On("Recent", mock.Anything, "s1", 50).Return(history, nil)

	got := s.Load(context.Background(), "s1")
	assert.Equal(t, history, got)
}

func TestSessionStore_PersistMessage(t *testing.T) {
	s, durable, _ := setupSessionStore(t)
	ctx := context.Background()

	durable.On("Append", mock.Anything, "s1", "u1", mock.MatchedBy(func(m models.Message) bool {
		return m.Role == models.RoleUser && m.Content == "Hi" && m.Timestamp != nil
	})).Return(nil).Once()
	assert.NoError(t, s.PersistMessage(ctx, "s1", models.RoleUser, "Hi", "u1"))

	durable.On("Append", mock.Anything, "s2", "", mock.Anything).Return(errors.New("db down")).Once()
	assert.Error(t, s.PersistMessage(ctx, "s2", models.RoleUser, "Hi", ""))

	durable.AssertExpectations(t)
}

func TestSessionStore_AppendToSnapshot(t *testing.T) {
	s, _, _ := setupSessionStore(t)
	ctx := context.Background()

	require.NoError(t, s.Cache(ctx, "s1", []models.Message{
		{Role: models.RoleUser, Content: "first"},
		{Role: models.RoleAssistant, Content: "reply one"},
	}))

	require.NoError(t, s.AppendToSnapshot(ctx, "s1", "second", "reply two"))

	got := s.Load(ctx, "s1")
	require.Len(t, got, 4)
	assert.Equal(t, models.Message{Role: models.RoleUser, Content: "second"}, models.Message{Role: got[2].Role, Content: got[2].Content})
	assert.Equal(t, "reply two", got[3].Content)

	// applying the same exchange again is a no-op
	require.NoError(t, s.AppendToSnapshot(ctx, "s1", "second", "reply two"))
	assert.Len(t, s.Load(ctx, "s1"), 4)
}

func TestSessionStore_AppendToSnapshotSkipsEchoedPrompt(t *testing.T) {
	s, _, _ := setupSessionStore(t)
	ctx := context.Background()

	require.NoError(t, s.Cache(ctx, "s1", []models.Message{{Role: models.RoleUser, Content: "Hi"}}))
	require.NoError(t, s.AppendToSnapshot(ctx, "s1", "Hi", "Hello"))

	got := s.Load(ctx, "s1")
	require.Len(t, got, 2)
	assert.Equal(t, models.RoleAssistant, got[1].Role)
}
