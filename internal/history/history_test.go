package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotify-remote/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{
		Driver: "sqlite3",
		DSN:    filepath.Join(t.TempDir(), "data", "sessions.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	started := time.Now().Add(-time.Minute).Truncate(time.Second)
	require.NoError(t, store.SessionStarted(ctx, Record{
		CorrelationToken: "corr-1",
		Key:              "brad42",
		GuildID:          "guild-1",
		DeviceName:       "danube",
		PlayerPid:        100,
		ResamplerPid:     101,
		StartedAt:        started,
	}))
	require.NoError(t, store.HandleAttached(ctx, "corr-1", types.MsgHandle{ChannelID: "chan", MessageID: "m1"}))

	ended := time.Now().Truncate(time.Second)
	require.NoError(t, store.SessionEnded(ctx, "corr-1", "waiting_usr1", ended))
	// a second end is ignored
	require.NoError(t, store.SessionEnded(ctx, "corr-1", "killed", ended.Add(time.Hour)))

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, "brad42", rec.Key)
	assert.Equal(t, 101, rec.ResamplerPid)
	assert.True(t, started.Equal(rec.StartedAt))
	assert.Equal(t, types.MsgHandle{ChannelID: "chan", MessageID: "m1"}, rec.Handle)
	require.NotNil(t, rec.EndedAt)
	assert.True(t, ended.Equal(*rec.EndedAt))
	assert.Equal(t, "waiting_usr1", rec.ShutdownStage)
}

func TestRecentOrderingAndOpenSessions(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Now().Truncate(time.Second)
	for i, token := range []string{"old", "mid", "new"} {
		require.NoError(t, store.SessionStarted(ctx, Record{
			CorrelationToken: token,
			Key:              "beer0" + string(rune('0'+i)),
			GuildID:          "g",
			DeviceName:       "danube",
			StartedAt:        base.Add(time.Duration(i) * time.Minute),
		}))
	}

	records, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "new", records[0].CorrelationToken)
	assert.Equal(t, "mid", records[1].CorrelationToken)
	assert.Nil(t, records[0].EndedAt)
	assert.True(t, records[0].Handle.IsZero())
}

func TestSessionStartedRequiresToken(t *testing.T) {
	store := openTestStore(t)
	assert.Error(t, store.SessionStarted(context.Background(), Record{}))
}

func TestDuplicateSessionRejected(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	rec := Record{CorrelationToken: "dup", Key: "k", GuildID: "g", DeviceName: "d", StartedAt: time.Now()}
	require.NoError(t, store.SessionStarted(ctx, rec))
	assert.Error(t, store.SessionStarted(ctx, rec))
}

func TestOpenUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &Store{driver: "postgres"}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &Store{driver: "sqlite3"}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SPOTIFY_REMOTE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SPOTIFY_REMOTE_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: "postgres", DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	token := "pg-" + time.Now().Format("150405.000000")
	require.NoError(t, store.SessionStarted(ctx, Record{
		CorrelationToken: token, Key: "bird11", GuildID: "g", DeviceName: "danube", StartedAt: time.Now(),
	}))
	require.NoError(t, store.SessionEnded(ctx, token, "killed", time.Now()))
}
