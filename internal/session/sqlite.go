package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"civicpulse.org/internal/auth"

	_ "modernc.org/sqlite"
)

const (
	keyAccess  = "access_token"
	keyRefresh = "refresh_token"
	keyRole    = "role"
)

// SQLiteStore keeps the session in a key/value table of a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating when needed) the credential database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("credential store path is required")
	}
	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	dsn := "file:" + clean + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite db: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		create table if not exists credentials (
			key text primary key,
			value text not null,
			updated_at text not null
		)`)
	if err != nil {
		return fmt.Errorf("create credentials table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the stored session. Any missing key means no session.
func (s *SQLiteStore) Load(ctx context.Context) (Session, bool, error) {
	rows, err := s.db.QueryContext(ctx, `select key, value from credentials where key in (?, ?, ?)`, keyAccess, keyRefresh, keyRole)
	if err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	defer rows.Close()

	var sess Session
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Session{}, false, fmt.Errorf("scan session: %w", err)
		}
		switch k {
		case keyAccess:
			sess.Access = v
		case keyRefresh:
			sess.Refresh = v
		case keyRole:
			sess.Role = auth.Role(v)
		}
	}
	if err := rows.Err(); err != nil {
		return Session{}, false, fmt.Errorf("load session: %w", err)
	}
	if !sess.Complete() {
		return Session{}, false, nil
	}
	return sess, true, nil
}

// Save replaces the stored session in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, sess Session) error {
	if !sess.Complete() {
		return errIncomplete
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		for _, kv := range [][2]string{
			{keyAccess, sess.Access},
			{keyRefresh, sess.Refresh},
			{keyRole, string(sess.Role)},
		} {
			if _, err := tx.ExecContext(ctx, `
				insert into credentials (key, value, updated_at) values (?, ?, ?)
				on conflict(key) do update set value = excluded.value, updated_at = excluded.updated_at
			`, kv[0], kv[1], now); err != nil {
				return fmt.Errorf("save %s: %w", kv[0], err)
			}
		}
		return nil
	})
}

// Clear removes the stored session in one transaction.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `delete from credentials where key in (?, ?, ?)`, keyAccess, keyRefresh, keyRole)
		return err
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
