package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/vatsalvatsyayan/pocketllm/src/cache"
	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

const sessionKeyPrefix = "session:"

// SessionStore keeps a TTL-bounded snapshot of each session's messages in
// the cache store in front of the durable message log. The log is the source
// of truth; the snapshot may be stale or missing.
type SessionStore struct {
	cache      cache.Store
	messages   models.MessageStore
	ttl        time.Duration
	maxHistory int
	logger     *slog.Logger
}

func NewSessionStore(store cache.Store, messages models.MessageStore, ttl time.Duration, maxHistory int, logger *slog.Logger) *SessionStore {
	logger = logging.OrDefault(logger)
	return &SessionStore{
		cache:      store,
		messages:   messages,
		ttl:        ttl,
		maxHistory: maxHistory,
		logger:     logger.With("component", "sessions"),
	}
}

// Load returns the session history, oldest first. It never fails: when both
// the snapshot and the durable log are unavailable the history is empty.
func (s *SessionStore) Load(ctx context.Context, sessionID string) []models.Message {
	if msgs, ok := s.snapshot(ctx, sessionID); ok {
		return msgs
	}

	msgs, err := s.messages.Recent(ctx, sessionID, s.maxHistory)
	if err != nil {
		s.logger.Warn("failed to load history from message store", "session_id", sessionID, "error", err)
		return []models.Message{}
	}
	if len(msgs) == 0 {
		return []models.Message{}
	}

	if err := s.Cache(ctx, sessionID, msgs); err != nil {
		s.logger.Warn("failed to repopulate session snapshot", "session_id", sessionID, "error", err)
	}
	return msgs
}

func (s *SessionStore) snapshot(ctx context.Context, sessionID string) ([]models.Message, bool) {
	val, ok, err := s.cache.Get(ctx, sessionKeyPrefix+sessionID)
	if err != nil {
		s.logger.Warn("session snapshot read failed", "session_id", sessionID, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var msgs []models.Message
	if err := json.Unmarshal([]byte(val), &msgs); err != nil {
		s.logger.Warn("discarding corrupt session snapshot", "session_id", sessionID, "error", err)
		return nil, false
	}
	return msgs, true
}

// Cache overwrites the session snapshot with msgs.
func (s *SessionStore) Cache(ctx context.Context, sessionID string, msgs []models.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.cache.Set(ctx, sessionKeyPrefix+sessionID, string(data), s.ttl); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// PersistMessage appends one message to the durable log. The error is
// returned for reporting only; the chat path carries on without it.
func (s *SessionStore) PersistMessage(ctx context.Context, sessionID string, role models.Role, content, userID string) error {
	now := time.Now().UTC()
	err := s.messages.Append(ctx, sessionID, userID, models.Message{Role: role, Content: content, Timestamp: &now})
	if err != nil {
		return fmt.Errorf("persist %s message for session %s: %w", role, sessionID, err)
	}
	return nil
}

// AppendToSnapshot reloads the session, adds the exchange that just completed
// and overwrites the snapshot. The prompt is added only when the history does
// not already end with it, and the reply only when it is not already last.
func (s *SessionStore) AppendToSnapshot(ctx context.Context, sessionID, prompt, reply string) error {
	msgs := s.Load(ctx, sessionID)
	now := time.Now().UTC()

	if last := lastMessage(msgs); last != nil && last.Role == models.RoleAssistant && last.Content == reply {
		return s.Cache(ctx, sessionID, msgs)
	}
	if last := lastMessage(msgs); last == nil || last.Role != models.RoleUser || last.Content != prompt {
		msgs = append(msgs, models.Message{Role: models.RoleUser, Content: prompt, Timestamp: &now})
	}
	msgs = append(msgs, models.Message{Role: models.RoleAssistant, Content: reply, Timestamp: &now})

	if s.maxHistory > 0 && len(msgs) > s.maxHistory {
		msgs = msgs[len(msgs)-s.maxHistory:]
	}
	return s.Cache(ctx, sessionID, msgs)
}

func lastMessage(msgs []models.Message) *models.Message {
	if len(msgs) == 0 {
		return nil
	}
	return &msgs[len(msgs)-1]
}
