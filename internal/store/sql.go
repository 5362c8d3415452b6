package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailwatch/internal/model"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// operationTimeout bounds every single store statement.
const operationTimeout = 5 * time.Second

// SQLStore implements Store on SQLite or PostgreSQL through sqlx.
type SQLStore struct {
	db      *sqlx.DB
	dialect dialect
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode with full fsync, and runs any pending migrations.
// ":memory:" gives a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
			}
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One connection: pragmas are per connection and an in-memory
	// database exists only inside the connection that created it.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	s := &SQLStore{db: db, dialect: dialectSQLite}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// NewPostgresStore connects to PostgreSQL using lib/pq and runs any
// pending migrations.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres db: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialectPostgres}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	var err error
	if s.dialect == dialectPostgres {
		err = s.db.Get(&tableCount,
			"SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'schema_version'")
	} else {
		err = s.db.Get(&tableCount,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	}
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sqlFor(s.dialect)); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// LoadCheckpoint retrieves the checkpoint of a consumer.
func (s *SQLStore) LoadCheckpoint(
	ctx context.Context,
	consumerID string,
) (*model.Checkpoint, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var cp model.Checkpoint
	err := s.db.GetContext(ctx, &cp, s.db.Rebind(`
		SELECT consumer_id, mailbox, cursor_uid, uid_validity, updated_at
		FROM checkpoints WHERE consumer_id = ?`), consumerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint for %s: %w", consumerID, err)
	}

	return &cp, nil
}

// SaveCheckpoint upserts the checkpoint of a consumer. The statement keeps
// the larger cursor unless the mailbox or its UID validity changed.
func (s *SQLStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO checkpoints (consumer_id, mailbox, cursor_uid, uid_validity, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (consumer_id) DO UPDATE SET
			cursor_uid = CASE
				WHEN checkpoints.uid_validity <> excluded.uid_validity
					OR checkpoints.mailbox <> excluded.mailbox
					THEN excluded.cursor_uid
				WHEN excluded.cursor_uid > checkpoints.cursor_uid
					THEN excluded.cursor_uid
				ELSE checkpoints.cursor_uid
			END,
			mailbox = excluded.mailbox,
			uid_validity = excluded.uid_validity,
			updated_at = excluded.updated_at`),
		cp.ConsumerID, cp.Mailbox, int64(cp.Cursor), int64(cp.UIDValidity),
		cp.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", cp.ConsumerID, err)
	}

	return nil
}

// IsAlreadyDelivered reports whether the ledger holds (messageID, consumerID).
func (s *SQLStore) IsAlreadyDelivered(
	ctx context.Context,
	messageID, consumerID string,
) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(*) FROM delivered_messages
		WHERE message_id = ? AND consumer_id = ?`), messageID, consumerID)
	if err != nil {
		return false, fmt.Errorf("checking ledger for %s/%s: %w", consumerID, messageID, err)
	}

	return n > 0, nil
}

// MarkDelivered records a delivery, ignoring an existing row for the same
// (message_id, consumer_id).
func (s *SQLStore) MarkDelivered(ctx context.Context, d model.Delivery) error {
	if d.DeliveredAt.IsZero() {
		d.DeliveredAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO delivered_messages (
			id, message_id, consumer_id, sender_address, subject, delivered_at
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id, consumer_id) DO NOTHING`),
		uuid.New().String(), d.MessageID, d.ConsumerID,
		d.SenderAddress, d.Subject, d.DeliveredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("marking %s delivered to %s: %w", d.MessageID, d.ConsumerID, err)
	}

	return nil
}

// GetDeliveryStats counts ledger rows of a consumer and finds the most
// recent delivery.
func (s *SQLStore) GetDeliveryStats(
	ctx context.Context,
	consumerID string,
) (*model.DeliveryStats, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	stats := &model.DeliveryStats{ConsumerID: consumerID}
	err := s.db.GetContext(ctx, &stats.Count, s.db.Rebind(
		"SELECT COUNT(*) FROM delivered_messages WHERE consumer_id = ?"), consumerID)
	if err != nil {
		return nil, fmt.Errorf("counting deliveries for %s: %w", consumerID, err)
	}
	if stats.Count == 0 {
		return stats, nil
	}

	// ORDER BY rather than MAX() so the driver still sees a DATETIME
	// column and scans it into time.Time.
	var last time.Time
	err = s.db.GetContext(ctx, &last, s.db.Rebind(`
		SELECT delivered_at FROM delivered_messages
		WHERE consumer_id = ?
		ORDER BY delivered_at DESC LIMIT 1`), consumerID)
	if err != nil {
		return nil, fmt.Errorf("reading last delivery for %s: %w", consumerID, err)
	}
	stats.LastDelivered = &last

	return stats, nil
}

// Reset removes the checkpoint and ledger rows of a consumer atomically.
func (s *SQLStore) Reset(ctx context.Context, consumerID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(
		"DELETE FROM checkpoints WHERE consumer_id = ?"), consumerID); err != nil {
		return fmt.Errorf("deleting checkpoint for %s: %w", consumerID, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		"DELETE FROM delivered_messages WHERE consumer_id = ?"), consumerID); err != nil {
		return fmt.Errorf("deleting ledger for %s: %w", consumerID, err)
	}

	return tx.Commit()
}

// PurgeDeliveredBefore deletes ledger rows older than t.
func (s *SQLStore) PurgeDeliveredBefore(ctx context.Context, t time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"DELETE FROM delivered_messages WHERE delivered_at < ?"), t.UTC())
	if err != nil {
		return 0, fmt.Errorf("purging ledger before %s: %w", t.Format(time.RFC3339), err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// Open builds a Store from a DSN: "memory://", "sqlite://<path>", a bare
// file path, or a postgres:// URL.
func Open(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("store dsn is empty")
	}

	scheme := ""
	if i := strings.Index(dsn, "://"); i >= 0 {
		scheme = strings.ToLower(dsn[:i])
	}

	switch scheme {
	case "memory", "mem", "inmem":
		return NewSQLiteStore(":memory:")
	case "sqlite", "sqlite3", "file":
		path := strings.TrimPrefix(dsn[len(scheme)+3:], "localhost")
		if path == "" {
			return nil, fmt.Errorf("store dsn %q has no path", dsn)
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "":
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", scheme)
	}
}

var _ Store = (*SQLStore)(nil)
