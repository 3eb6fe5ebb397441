package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Connect opens the database for driver ("postgres" or "sqlite3") and runs migrations.
func Connect(driver, dsn string, logger logrus.FieldLogger) (*sqlx.DB, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if driver == "sqlite3" {
		// one writer keeps sqlite from returning SQLITE_BUSY under concurrent handlers
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.WithField("driver", driver).Info("database migrations applied")
	return db, nil
}

// Migrate creates the schema when it does not exist.
func Migrate(db *sqlx.DB) error {
	timestamp := "TIMESTAMPTZ"
	if db.DriverName() == "sqlite3" {
		timestamp = "DATETIME"
	}

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_users (
            username TEXT PRIMARY KEY,
            display_name TEXT NOT NULL DEFAULT '',
            is_online BOOLEAN NOT NULL DEFAULT FALSE,
            last_seen {{ts}}
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            sender_username TEXT NOT NULL REFERENCES app_users(username),
            receiver_username TEXT NOT NULL REFERENCES app_users(username),
            content TEXT NOT NULL DEFAULT '',
            message_type TEXT NOT NULL DEFAULT 'text',
            media_url TEXT,
            media_name TEXT,
            media_size BIGINT,
            delivered_at {{ts}},
            read_at {{ts}},
            created_at {{ts}} NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS messages_pair_created_idx
            ON messages (sender_username, receiver_username, created_at);`,
		`CREATE INDEX IF NOT EXISTS messages_unread_idx
            ON messages (receiver_username, read_at);`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(strings.ReplaceAll(m, "{{ts}}", timestamp)); err != nil {
			return err
		}
	}
	return nil
}

// SeedUsers makes sure every configured account has a row.
func SeedUsers(ctx context.Context, db *sqlx.DB, usernames []string) error {
	query := db.Rebind(`INSERT INTO app_users (username, display_name) VALUES (?, ?) ON CONFLICT (username) DO NOTHING`)
	for _, name := range usernames {
		if _, err := db.ExecContext(ctx, query, name, name); err != nil {
			return fmt.Errorf("seed user %s: %w", name, err)
		}
	}
	return nil
}
