package history

import (
	"context"
	"fmt"
)

// migrate creates the schema. Statements are valid for sqlite and postgres.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		createPlaybackSessionsTable,
		createStartedAtIndex,
	}

	for i, migration := range migrations {
		if _, err := s.conn.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", i+1, err)
		}
	}

	return nil
}

const createPlaybackSessionsTable = `
CREATE TABLE IF NOT EXISTS playback_sessions (
    correlation_token TEXT PRIMARY KEY,
    relay_key TEXT NOT NULL,
    guild_id TEXT NOT NULL,
    device_name TEXT NOT NULL,
    player_pid INTEGER NOT NULL,
    resampler_pid INTEGER NOT NULL,
    started_at TIMESTAMP NOT NULL,
    channel_id TEXT NULL,
    message_id TEXT NULL,
    ended_at TIMESTAMP NULL,
    shutdown_stage TEXT NULL
);`

const createStartedAtIndex = `
CREATE INDEX IF NOT EXISTS idx_playback_sessions_started_at ON playback_sessions(started_at);`
