package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/relay/internal/models"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSQLiteAppendAssignsIDAndTimestamp(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	msg := &models.Message{From: "alice", To: "bob", Body: "hi"}
	require.NoError(t, s.Append(ctx, msg))
	require.NotEmpty(t, msg.ID)
	require.False(t, msg.Timestamp.IsZero())

	count, err := s.CountMessages(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestSQLiteConversationOrdersByTimestamp(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	// Inserted out of chronological order.
	inserts := []models.Message{
		{From: "bob", To: "alice", Body: "third", Timestamp: t1.Add(2 * time.Minute)},
		{From: "alice", To: "bob", Body: "first", Timestamp: t1},
		{From: "alice", To: "carol", Body: "elsewhere", Timestamp: t1.Add(time.Minute)},
		{From: "alice", To: "bob", Body: "second", Timestamp: t1.Add(time.Minute)},
	}
	for i := range inserts {
		require.NoError(t, s.Append(ctx, &inserts[i]))
	}

	conv, err := s.Conversation(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, conv, 3)
	require.Equal(t, "first", conv[0].Body)
	require.Equal(t, "second", conv[1].Body)
	require.Equal(t, "third", conv[2].Body)
	require.True(t, conv[0].Timestamp.Equal(t1))

	// Symmetric in its arguments.
	reverse, err := s.Conversation(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Equal(t, conv, reverse)
}

func TestSQLiteHistory(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	t1 := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, m := range []models.Message{
		{From: "carol", To: "alice", Body: "b", Timestamp: t1.Add(time.Second)},
		{From: "alice", To: "bob", Body: "a", Timestamp: t1},
		{From: "bob", To: "carol", Body: "x", Timestamp: t1},
	} {
		m := m
		require.NoError(t, s.Append(ctx, &m), "insert %d", i)
	}

	hist, err := s.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, "a", hist[0].Body)
	require.Equal(t, "b", hist[1].Body)

	empty, err := s.History(ctx, "dave")
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)
}
