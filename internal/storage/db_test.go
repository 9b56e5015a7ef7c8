package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func entry(sessionID string, startedAt time.Time) CallEntry {
	return CallEntry{
		SessionID:   sessionID,
		PeerID:      "bo",
		PeerName:    "Bo",
		Direction:   "outgoing",
		Outcome:     "completed",
		StartedAt:   startedAt,
		ConnectedAt: startedAt.Add(2 * time.Second),
		EndedAt:     startedAt.Add(62 * time.Second),
		DurationMS:  60_000,
	}
}

func TestRecordAndReadBack(t *testing.T) {
	db := openTestDB(t)

	start := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.RecordCall(entry("sess-1", start)))

	got, err := db.RecentCalls(10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	e := got[0]
	assert.NotZero(t, e.ID)
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, "bo", e.PeerID)
	assert.Equal(t, "completed", e.Outcome)
	assert.True(t, e.StartedAt.Equal(start))
	assert.True(t, e.ConnectedAt.Equal(start.Add(2*time.Second)))
	assert.Equal(t, int64(60_000), e.DurationMS)
}

func TestNeverConnectedCallHasNoConnectedAt(t *testing.T) {
	db := openTestDB(t)

	e := entry("sess-1", time.Now().UTC())
	e.ConnectedAt = time.Time{}
	e.Outcome = "no-answer"
	e.DurationMS = 0
	require.NoError(t, db.RecordCall(e))

	got, err := db.RecentCalls(10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].ConnectedAt.IsZero())
}

func TestRecentCallsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, db.RecordCall(entry(
			string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute))))
	}

	got, err := db.RecentCalls(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e", got[0].SessionID)
	assert.Equal(t, "d", got[1].SessionID)
	assert.Equal(t, "c", got[2].SessionID)
}

func TestRecentCallsClampsLimit(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordCall(entry("sess-1", time.Now().UTC())))

	got, err := db.RecentCalls(-7)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOpenIsReentrant(t *testing.T) {
	dir := t.TempDir()
	db1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, db1.RecordCall(entry("sess-1", time.Now().UTC())))
	require.NoError(t, db1.Close())

	// Reopening the same directory sees the previous history.
	db2, err := Open(dir)
	require.NoError(t, err)
	defer db2.Close()
	got, err := db2.RecentCalls(10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
