package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/model"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "switchboard.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMissedCalls(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	for i, title := range []string{"first", "second", "third"} {
		require.NoError(t, s.AddMissedCall(ctx, model.MissedCall{
			LineName:  "Math 140",
			TaskTitle: title,
			Time:      base.Add(time.Duration(i) * time.Minute),
		}))
	}

	all, err := s.MissedCalls(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "first", all[0].TaskTitle)
	assert.True(t, all[2].Time.Equal(base.Add(2*time.Minute)))

	recent, err := s.MissedCalls(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "second", recent[0].TaskTitle)
	assert.Equal(t, "third", recent[1].TaskTitle)

	n, err := s.ClearMissedCalls(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err = s.MissedCalls(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSessions(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	line := model.Line{ID: "math", Name: "Math 140"}
	start := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

	id, err := s.StartSession(ctx, line, start)
	require.NoError(t, err)
	require.NoError(t, s.EndSession(ctx, id, start.Add(50*time.Minute), "auto"))

	err = s.EndSession(ctx, id, start.Add(time.Hour), "manual")
	assert.ErrorIs(t, err, ErrSessionNotFound, "a session ends once")

	open, err := s.StartSession(ctx, line, start.Add(2*time.Hour))
	require.NoError(t, err)

	sessions, err := s.Sessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, open, sessions[0].ID)
	assert.Nil(t, sessions[0].Ended)
	require.NotNil(t, sessions[1].Ended)
	assert.True(t, sessions[1].Ended.Equal(start.Add(50*time.Minute)))
	assert.Equal(t, "auto", sessions[1].Reason)
	assert.Equal(t, "Math 140", sessions[1].LineName)
}

func TestOpen_ReopensExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.AddMissedCall(context.Background(), model.MissedCall{LineName: "x", TaskTitle: "y", Time: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	calls, err := s.MissedCalls(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, calls, 1)

	_, err = Open("")
	assert.Error(t, err)
}
