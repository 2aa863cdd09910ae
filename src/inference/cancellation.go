package inference

import (
	"sync"
	"sync/atomic"
)

// CancellationToken lets a caller stop an in-flight streaming generation.
// It is observed between tokens, never mid-call. A nil token is never
// cancelled.
type CancellationToken struct {
	SessionID string

	done     chan struct{}
	once     sync.Once
	finished atomic.Bool
}

func newCancellationToken(sessionID string) *CancellationToken {
	return &CancellationToken{SessionID: sessionID, done: make(chan struct{})}
}

func (t *CancellationToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.done) })
}

func (t *CancellationToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when the token is cancelled.
func (t *CancellationToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

func (t *CancellationToken) completed() bool {
	return t.finished.Load() || t.Cancelled()
}

const tokenPruneThreshold = 1000

// tokenRegistry holds at most one live token per session id.
type tokenRegistry struct {
	mu     sync.Mutex
	tokens map[string]*CancellationToken
}

func newTokenRegistry() *tokenRegistry {
	return &tokenRegistry{tokens: make(map[string]*CancellationToken)}
}

func (r *tokenRegistry) create(sessionID string) *CancellationToken {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.tokens) > tokenPruneThreshold {
		for id, t := range r.tokens {
			if t.completed() {
				delete(r.tokens, id)
			}
		}
	}

	t := newCancellationToken(sessionID)
	r.tokens[sessionID] = t
	return t
}

func (r *tokenRegistry) cancel(sessionID string) bool {
	r.mu.Lock()
	t, ok := r.tokens[sessionID]
	if ok {
		delete(r.tokens, sessionID)
	}
	r.mu.Unlock()

	if ok {
		t.Cancel()
	}
	return ok
}

// release marks t finished and unregisters it if it is still the session's
// current token.
func (r *tokenRegistry) release(t *CancellationToken) {
	if t == nil {
		return
	}
	t.finished.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tokens[t.SessionID]; ok && cur == t {
		delete(r.tokens, t.SessionID)
	}
}

func (r *tokenRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}
