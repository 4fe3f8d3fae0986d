package cache

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is a Backend stored in a SQLite database. A file-backed
// path survives process restarts; ":memory:" gives an ephemeral database.
type SQLiteBackend struct {
	db  *sql.DB
	cfg config
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (or creates) the backing database at dbPath. If
// dbPath is empty, an in-memory database is used.
func NewSQLiteBackend(dbPath string, opts ...Option) (*SQLiteBackend, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		frame BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteBackend{db: db, cfg: applyOptions(opts)}, nil
}

func (b *SQLiteBackend) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, b.cfg.queryTimeout)
}

func (b *SQLiteBackend) Read(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	var frame []byte
	err := b.db.QueryRowContext(qctx, `SELECT frame FROM cache_entries WHERE key = ?`, key).Scan(&frame)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return frame, true, nil
}

func (b *SQLiteBackend) Write(ctx context.Context, key string, data []byte) error {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	_, err := b.db.ExecContext(qctx,
		`INSERT INTO cache_entries (key, frame, updated_at) VALUES (?, ?, unixepoch())
		ON CONFLICT(key) DO UPDATE SET frame = excluded.frame, updated_at = excluded.updated_at`,
		key, data,
	)
	return err
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	_, err := b.db.ExecContext(qctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

func (b *SQLiteBackend) ListKeys(ctx context.Context) ([]string, error) {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	rows, err := b.db.QueryContext(qctx, `SELECT key FROM cache_entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *SQLiteBackend) Clear(ctx context.Context) error {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	_, err := b.db.ExecContext(qctx, `DELETE FROM cache_entries`)
	return err
}

func (b *SQLiteBackend) Len(ctx context.Context) (int, error) {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	var n int
	err := b.db.QueryRowContext(qctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n)
	return n, err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
