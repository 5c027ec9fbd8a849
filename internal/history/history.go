package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"spotify-remote/internal/types"
)

// Config holds database configuration options
type Config struct {
	Driver string // sqlite3 or postgres
	DSN    string
}

// Record is one playback session as seen by the audit trail. It never
// carries credential material or status events.
type Record struct {
	CorrelationToken string
	Key              string
	GuildID          string
	DeviceName       string
	PlayerPid        int
	ResamplerPid     int
	StartedAt        time.Time
	Handle           types.MsgHandle
	EndedAt          *time.Time
	ShutdownStage    string
}

// Store is the SQL-backed session history
type Store struct {
	conn   *sql.DB
	driver string
}

// Open connects to the database and runs migrations
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var dsn string
	switch cfg.Driver {
	case "sqlite3":
		// Ensure database directory exists
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", cfg.DSN)
	case "postgres":
		dsn = cfg.DSN
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}

	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.Driver == "sqlite3" {
		// one writer keeps sqlite from returning SQLITE_BUSY under load
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{conn: conn, driver: cfg.Driver}
	if err := s.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// Health checks the database connection
func (s *Store) Health(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// rebind turns ? placeholders into $n for postgres
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SessionStarted records a newly spawned session
func (s *Store) SessionStarted(ctx context.Context, rec Record) error {
	if rec.CorrelationToken == "" {
		return fmt.Errorf("correlation token is required")
	}

	_, err := s.conn.ExecContext(ctx, s.rebind(`
		INSERT INTO playback_sessions
			(correlation_token, relay_key, guild_id, device_name, player_pid, resampler_pid, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.CorrelationToken, rec.Key, rec.GuildID, rec.DeviceName,
		rec.PlayerPid, rec.ResamplerPid, rec.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// HandleAttached records the status message a session updates
func (s *Store) HandleAttached(ctx context.Context, correlationToken string, handle types.MsgHandle) error {
	_, err := s.conn.ExecContext(ctx, s.rebind(`
		UPDATE playback_sessions SET channel_id = ?, message_id = ?
		WHERE correlation_token = ?`),
		handle.ChannelID, handle.MessageID, correlationToken,
	)
	if err != nil {
		return fmt.Errorf("failed to record status handle: %w", err)
	}
	return nil
}

// SessionEnded records how and when a session was torn down
func (s *Store) SessionEnded(ctx context.Context, correlationToken, stage string, endedAt time.Time) error {
	_, err := s.conn.ExecContext(ctx, s.rebind(`
		UPDATE playback_sessions SET ended_at = ?, shutdown_stage = ?
		WHERE correlation_token = ? AND ended_at IS NULL`),
		endedAt.UTC(), stage, correlationToken,
	)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	return nil
}

// Recent returns the latest sessions, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.conn.QueryContext(ctx, s.rebind(`
		SELECT correlation_token, relay_key, guild_id, device_name, player_pid, resampler_pid,
		       started_at, COALESCE(channel_id, ''), COALESCE(message_id, ''), ended_at,
		       COALESCE(shutdown_stage, '')
		FROM playback_sessions
		ORDER BY started_at DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ended sql.NullTime
		if err := rows.Scan(
			&rec.CorrelationToken, &rec.Key, &rec.GuildID, &rec.DeviceName,
			&rec.PlayerPid, &rec.ResamplerPid, &rec.StartedAt,
			&rec.Handle.ChannelID, &rec.Handle.MessageID, &ended, &rec.ShutdownStage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			rec.EndedAt = &t
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return records, nil
}
