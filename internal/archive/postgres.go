// Package archive copies committed envelopes into PostgreSQL so history can
// be queried outside the relay.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"message-relay/internal/message"
)

// Archive writes envelopes to the messages table.
type Archive struct {
	DB *sql.DB
}

// Open connects to databaseURL, pings it and applies migrations.
func Open(ctx context.Context, databaseURL string) (*Archive, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	a := New(db)
	if err := a.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return a, nil
}

func New(db *sql.DB) *Archive {
	return &Archive{DB: db}
}

// Migrate creates the archive tables when missing.
func (a *Archive) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			receiver TEXT NOT NULL,
			message_type TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			request_id TEXT,
			attachments JSONB NOT NULL DEFAULT '[]',
			timestamp TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_receiver_ts ON messages (receiver, timestamp DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := a.DB.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Deliver inserts env. Re-delivering the same id is a no-op.
func (a *Archive) Deliver(ctx context.Context, env message.Envelope) error {
	atts, err := json.Marshal(env.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	_, err = a.DB.ExecContext(ctx,
		`INSERT INTO messages (id, sender, receiver, message_type, message, request_id, attachments, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		env.ID, env.Sender, env.Receiver, env.MessageType, env.Text, nullString(env.RequestID), string(atts), env.Timestamp)
	if err != nil {
		return fmt.Errorf("archive message %s: %w", env.ID, err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	return a.DB.PingContext(ctx)
}

func (a *Archive) Close() error {
	return a.DB.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
