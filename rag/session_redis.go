package rag

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/javis-ai/javis/types"
)

const sessionKeyPrefix = "javis:session:"

// RedisSessionStoreConfig configures the Redis-backed session store.
type RedisSessionStoreConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// TTL refreshes on every append; 0 keeps sessions forever.
	TTL time.Duration `json:"ttl,omitempty"`
}

// RedisSessionStore persists sessions as JSON blobs in Redis, one key per
// session. Appends to the same session are serialized with a local keyed
// mutex; cross-process callers should shard sessions by process.
type RedisSessionStore struct {
	client *redis.Client
	cfg    RedisSessionStoreConfig
	limits SessionLimits
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(cfg RedisSessionStoreConfig, limits SessionLimits, logger *zap.Logger) (*RedisSessionStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, types.Errorf(types.ErrCacheUnavailable, "redis ping failed: %v", err).
			WithComponent("session_store")
	}

	return &RedisSessionStore{
		client: client,
		cfg:    cfg,
		limits: limits,
		logger: logger.With(zap.String("component", "session_store")),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *RedisSessionStore) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *RedisSessionStore) load(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, types.Errorf(types.ErrCacheUnavailable, "session read failed: %v", err).
			WithComponent("session_store")
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, types.Errorf(types.ErrCacheUnavailable, "session entry corrupt: %v", err).
			WithComponent("session_store")
	}
	return &sess, nil
}

func (s *RedisSessionStore) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sess.ID, data, s.cfg.TTL).Err(); err != nil {
		return types.Errorf(types.ErrCacheUnavailable, "session write failed: %v", err).
			WithComponent("session_store")
	}
	return nil
}

// AppendTurn implements SessionStore.
func (s *RedisSessionStore) AppendTurn(ctx context.Context, sessionID string, turn ConversationTurn) error {
	if sessionID == "" {
		return types.NewError(types.ErrValidation, "session id is empty").
			WithComponent("session_store")
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		sess = &Session{ID: sessionID, CreatedAt: time.Now()}
	}

	sess.Turns = evict(append(sess.Turns, turn), s.limits)
	sess.UpdatedAt = time.Now()
	return s.save(ctx, sess)
}

// History implements SessionStore.
func (s *RedisSessionStore) History(ctx context.Context, sessionID string, n int) ([]ConversationTurn, error) {
	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return []ConversationTurn{}, nil
	}
	return lastN(sess.Turns, n), nil
}

// Get implements SessionStore.
func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	return s.load(ctx, sessionID)
}

// Delete implements SessionStore.
func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		return types.Errorf(types.ErrCacheUnavailable, "session delete failed: %v", err).
			WithComponent("session_store")
	}

	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}

// Close releases the Redis connection.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}
