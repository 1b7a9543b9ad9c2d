package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatbridge/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLite implements domain.IdentityRegistry on a local SQLite file so that
// mappings survive a restart. Only the mapping is stored, never messages.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLite(dbPath string, logger *slog.Logger) (*SQLite, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: every transaction below is serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLite{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS identity_channels (
		identity    TEXT PRIMARY KEY,
		channel_id  TEXT NOT NULL UNIQUE,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Resolve(ctx context.Context, identity domain.VisitorIdentity) (string, bool, error) {
	return lookupChannel(ctx, s.db, identity)
}

func (s *SQLite) Record(ctx context.Context, identity domain.VisitorIdentity, channelID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, ok, err := lookupChannel(ctx, tx, identity)
		if err != nil {
			return err
		}
		if ok {
			if current == channelID {
				return nil
			}
			return &domain.ConflictError{Identity: identity, ChannelID: channelID, Reason: "identity already mapped to " + current}
		}
		if owner, ok, err := lookupIdentity(ctx, tx, channelID); err != nil {
			return err
		} else if ok {
			return &domain.ConflictError{Identity: identity, ChannelID: channelID, Reason: "channel owned by " + string(owner)}
		}

		now := time.Now()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO identity_channels (identity, channel_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
			string(identity), channelID, now, now,
		)
		return err
	})
}

func (s *SQLite) Replace(ctx context.Context, identity domain.VisitorIdentity, staleChannelID, channelID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, ok, err := lookupChannel(ctx, tx, identity)
		if err != nil {
			return err
		}
		if ok && current == channelID {
			return nil
		}
		if !ok || current != staleChannelID {
			return &domain.ConflictError{Identity: identity, ChannelID: channelID, Reason: "stale channel no longer mapped"}
		}
		if owner, ok, err := lookupIdentity(ctx, tx, channelID); err != nil {
			return err
		} else if ok && owner != identity {
			return &domain.ConflictError{Identity: identity, ChannelID: channelID, Reason: "channel owned by " + string(owner)}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE identity_channels SET channel_id=?, updated_at=? WHERE identity=? AND channel_id=?`,
			channelID, time.Now(), string(identity), staleChannelID,
		)
		return err
	})
}

func (s *SQLite) FindIdentityByChannel(ctx context.Context, channelID string) (domain.VisitorIdentity, bool, error) {
	return lookupIdentity(ctx, s.db, channelID)
}

func (s *SQLite) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identity_channels`).Scan(&n)
	return n, err
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lookupChannel(ctx context.Context, q querier, identity domain.VisitorIdentity) (string, bool, error) {
	var channelID string
	err := q.QueryRowContext(ctx,
		`SELECT channel_id FROM identity_channels WHERE identity = ?`, string(identity),
	).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return channelID, true, nil
}

func lookupIdentity(ctx context.Context, q querier, channelID string) (domain.VisitorIdentity, bool, error) {
	var identity string
	err := q.QueryRowContext(ctx,
		`SELECT identity FROM identity_channels WHERE channel_id = ?`, channelID,
	).Scan(&identity)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return domain.VisitorIdentity(identity), true, nil
}
