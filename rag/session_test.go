package rag

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/javis-ai/javis/types"
)

var _ SessionStore = (*MemorySessionStore)(nil)

func turnFixture(i int) ConversationTurn {
	return ConversationTurn{
		Query:      fmt.Sprintf("question %d", i),
		Answer:     fmt.Sprintf("answer %d", i),
		TokenCount: 10,
		CreatedAt:  time.Now(),
	}
}

func TestAppendAndHistory(t *testing.T) {
	s := NewMemorySessionStore(SessionLimits{MaxTurns: 10}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendTurn(ctx, "sess-1", turnFixture(i)))
	}

	history, err := s.History(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Oldest first within the window.
	assert.Equal(t, "question 1", history[0].Query)
	assert.Equal(t, "question 2", history[1].Query)
}

func TestHistoryMissingSessionIsEmpty(t *testing.T) {
	s := NewMemorySessionStore(SessionLimits{MaxTurns: 10}, zap.NewNop())

	history, err := s.History(context.Background(), "absent", 5)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMaxTurnsEvictsOldestFirst(t *testing.T) {
	s := NewMemorySessionStore(SessionLimits{MaxTurns: 5}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		require.NoError(t, s.AppendTurn(ctx, "sess-1", turnFixture(i)))
	}

	sess, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Len(t, sess.Turns, 5)
	assert.Equal(t, "question 1", sess.Turns[0].Query)
	assert.Equal(t, "question 5", sess.Turns[4].Query)
}

func TestMaxTokensEvictsOldestFirst(t *testing.T) {
	s := NewMemorySessionStore(SessionLimits{MaxTurns: 100, MaxTokens: 25}, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendTurn(ctx, "sess-1", turnFixture(i)))
	}

	sess, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, "question 2", sess.Turns[0].Query)
}

func TestMaxTokensKeepsAtLeastOneTurn(t *testing.T) {
	s := NewMemorySessionStore(SessionLimits{MaxTurns: 100, MaxTokens: 5}, zap.NewNop())
	ctx := context.Background()

	turn := turnFixture(0)
	turn.TokenCount = 50
	require.NoError(t, s.AppendTurn(ctx, "sess-1", turn))

	sess, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
}

func TestSessionsAreIsolated(t *testing.T) {
	s := NewMemorySessionStore(SessionLimits{MaxTurns: 10}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "sess-a", turnFixture(0)))
	require.NoError(t, s.AppendTurn(ctx, "sess-b", turnFixture(1)))

	a, err := s.History(ctx, "sess-a", 10)
	require.NoError(t, err)
	require.Len(t, a, 1)
	assert.Equal(t, "question 0", a[0].Query)
}

func TestDeleteSession(t *testing.T) {
	s := NewMemorySessionStore(SessionLimits{MaxTurns: 10}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "sess-1", turnFixture(0)))
	require.NoError(t, s.Delete(ctx, "sess-1"))

	sess, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestAppendEmptySessionID(t *testing.T) {
	s := NewMemorySessionStore(SessionLimits{MaxTurns: 10}, zap.NewNop())
	err := s.AppendTurn(context.Background(), "", turnFixture(0))
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestGetReturnsCopy(t *testing.T) {
	s := NewMemorySessionStore(SessionLimits{MaxTurns: 10}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "sess-1", turnFixture(0)))

	sess, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	sess.Turns[0].Answer = "mutated"

	again, err := s.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "answer 0", again.Turns[0].Answer)
}
