package rag

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/javis-ai/javis/types"
)

// ConversationTurn is the committed record of one completed query: the
// question, the chunks that grounded the answer, and the answer itself.
// Turns are only ever written for successful queries.
type ConversationTurn struct {
	Query      string    `json:"query"`
	ChunkIDs   []string  `json:"chunk_ids,omitempty"`
	Context    string    `json:"context,omitempty"`
	Answer     string    `json:"answer"`
	TokenCount int       `json:"token_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session is an ordered conversation history. Oldest turns are evicted first
// when the session exceeds its limits.
type Session struct {
	ID        string             `json:"id"`
	Turns     []ConversationTurn `json:"turns"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// SessionLimits bound a session's retained history.
type SessionLimits struct {
	// MaxTurns caps the number of retained turns; 0 means unlimited.
	MaxTurns int
	// MaxTokens caps the summed TokenCount of retained turns; 0 means
	// unlimited.
	MaxTokens int
}

// SessionStore persists conversation history. Appends to the same session
// are serialized; eviction happens atomically with the append.
type SessionStore interface {
	// AppendTurn appends a completed turn, creating the session on first
	// use and evicting oldest turns past the limits.
	AppendTurn(ctx context.Context, sessionID string, turn ConversationTurn) error

	// History returns up to n most recent turns, oldest first. A missing
	// session yields an empty history.
	History(ctx context.Context, sessionID string, n int) ([]ConversationTurn, error)

	// Get returns the full session, or nil when it does not exist.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Delete removes a session and its history.
	Delete(ctx context.Context, sessionID string) error
}

// evict drops oldest turns until the session fits its limits.
func evict(turns []ConversationTurn, limits SessionLimits) []ConversationTurn {
	if limits.MaxTurns > 0 {
		for len(turns) > limits.MaxTurns {
			turns = turns[1:]
		}
	}
	if limits.MaxTokens > 0 {
		total := 0
		for _, t := range turns {
			total += t.TokenCount
		}
		for len(turns) > 1 && total > limits.MaxTokens {
			total -= turns[0].TokenCount
			turns = turns[1:]
		}
	}
	return turns
}

func lastN(turns []ConversationTurn, n int) []ConversationTurn {
	if n <= 0 || len(turns) == 0 {
		return []ConversationTurn{}
	}
	if n > len(turns) {
		n = len(turns)
	}
	out := make([]ConversationTurn, n)
	copy(out, turns[len(turns)-n:])
	return out
}

// MemorySessionStore is an in-memory SessionStore for tests and
// single-process deployments.
type MemorySessionStore struct {
	limits SessionLimits

	mu       sync.Mutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore(limits SessionLimits, logger *zap.Logger) *MemorySessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemorySessionStore{
		limits:   limits,
		sessions: make(map[string]*Session),
		logger:   logger.With(zap.String("component", "session_store")),
	}
}

// AppendTurn implements SessionStore.
func (s *MemorySessionStore) AppendTurn(ctx context.Context, sessionID string, turn ConversationTurn) error {
	if sessionID == "" {
		return types.NewError(types.ErrValidation, "session id is empty").
			WithComponent("session_store")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		now := time.Now()
		sess = &Session{ID: sessionID, CreatedAt: now}
		s.sessions[sessionID] = sess
	}

	sess.Turns = evict(append(sess.Turns, turn), s.limits)
	sess.UpdatedAt = time.Now()
	return nil
}

// History implements SessionStore.
func (s *MemorySessionStore) History(ctx context.Context, sessionID string, n int) ([]ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return []ConversationTurn{}, nil
	}
	return lastN(sess.Turns, n), nil
}

// Get implements SessionStore.
func (s *MemorySessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}

	out := *sess
	out.Turns = make([]ConversationTurn, len(sess.Turns))
	copy(out.Turns, sess.Turns)
	return &out, nil
}

// Delete implements SessionStore.
func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
