package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS send_logs (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	logged_at    TIMESTAMP NOT NULL,
	guild_id     TEXT NOT NULL,
	guild_name   TEXT NOT NULL,
	guild_type   TEXT NOT NULL,
	message_json TEXT,
	invite_json  TEXT
);
CREATE INDEX IF NOT EXISTS idx_send_logs_logged_at ON send_logs (logged_at);
CREATE INDEX IF NOT EXISTS idx_send_logs_guild ON send_logs (guild_id);
`

// SQLiteSink persists records into a local SQLite database and prunes rows
// older than the retention window on a nightly schedule.
type SQLiteSink struct {
	db        *sql.DB
	logger    *slog.Logger
	retention time.Duration
	cron      *cron.Cron
}

// NewSQLiteSink opens (creating if needed) the database at path. retention
// zero disables pruning.
func NewSQLiteSink(path string, retention time.Duration, logger *slog.Logger) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log database %s: %w", path, err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply log schema: %w", err)
	}

	s := &SQLiteSink{db: db, logger: logger, retention: retention}
	if retention > 0 {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc("@midnight", s.prune); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to schedule log retention: %w", err)
		}
		s.cron.Start()
	}
	return s, nil
}

// SaveLog inserts one record.
func (s *SQLiteSink) SaveLog(ctx context.Context, r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	messageJSON, err := marshalNullable(r.Message)
	if err != nil {
		return fmt.Errorf("failed to marshal message context: %w", err)
	}
	inviteJSON, err := marshalNullable(r.Invite)
	if err != nil {
		return fmt.Errorf("failed to marshal invite context: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO send_logs (logged_at, guild_id, guild_name, guild_type, message_json, invite_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.Guild.ID, r.Guild.Name, r.Guild.Type, messageJSON, inviteJSON)
	if err != nil {
		return fmt.Errorf("failed to insert log record: %w", err)
	}
	return nil
}

// Recent returns up to limit records, newest first. Used by the control
// plane's log endpoint.
func (s *SQLiteSink) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT logged_at, guild_id, guild_name, guild_type, message_json, invite_json
		 FROM send_logs ORDER BY logged_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query log records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec         Record
			messageJSON sql.NullString
			inviteJSON  sql.NullString
		)
		if err := rows.Scan(&rec.Timestamp, &rec.Guild.ID, &rec.Guild.Name, &rec.Guild.Type,
			&messageJSON, &inviteJSON); err != nil {
			return nil, fmt.Errorf("failed to scan log record: %w", err)
		}
		if messageJSON.Valid {
			if err := json.Unmarshal([]byte(messageJSON.String), &rec.Message); err != nil {
				return nil, fmt.Errorf("corrupt message context: %w", err)
			}
		}
		if inviteJSON.Valid {
			if err := json.Unmarshal([]byte(inviteJSON.String), &rec.Invite); err != nil {
				return nil, fmt.Errorf("corrupt invite context: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) prune() {
	cutoff := time.Now().UTC().Add(-s.retention)
	res, err := s.db.Exec(`DELETE FROM send_logs WHERE logged_at < ?`, cutoff)
	if err != nil {
		s.logger.Error("log retention prune failed", slog.Any("error", err))
		return
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.logger.Info("pruned expired log records", slog.Int64("rows", n))
	}
}

// Close stops the retention schedule and closes the database.
func (s *SQLiteSink) Close() error {
	if s.cron != nil {
		s.cron.Stop()
	}
	return s.db.Close()
}

func marshalNullable(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
