package storage

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	space TEXT NOT NULL,
	key   BLOB NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (space, key)
) WITHOUT ROWID;
`

// sqliteBackend keeps every keyspace in one WITHOUT ROWID table
type sqliteBackend struct {
	db       *sql.DB
	path     string
	readOnly bool
}

func openSQLite(dir string, mode Mode) (*sqliteBackend, error) {
	file := filepath.Join(dir, dataName(KindSQLite))
	readOnly := mode == ModeReadOnly

	dsn := "file:" + file + "?_pragma=busy_timeout(1000)"
	if readOnly {
		dsn += "&mode=ro"
	} else {
		dsn += "&_pragma=locking_mode(EXCLUSIVE)&_pragma=synchronous(FULL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index: %w", err)
	}
	if !readOnly {
		// an exclusive lock is per connection
		db.SetMaxOpenConns(1)
		if _, err := db.Exec(sqliteSchema); err != nil {
			db.Close()
			return nil, sqliteError(dir, "create schema", err)
		}
		// take the write lock now so a second writer fails at open
		for _, stmt := range []string{"BEGIN IMMEDIATE", "COMMIT"} {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, sqliteError(dir, "lock index", err)
			}
		}
	} else {
		var n int
		if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master").Scan(&n); err != nil {
			db.Close()
			return nil, sqliteError(dir, "open", err)
		}
	}

	return &sqliteBackend{db: db, path: dir, readOnly: readOnly}, nil
}

func sqliteError(dir, op string, err error) error {
	if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
		return fmt.Errorf("%s: %w", dir, ErrLocked)
	}
	return fmt.Errorf("sqlite index %s: %w", op, err)
}

func (s *sqliteBackend) Get(space Space, key []byte) ([]byte, error) {
	var v []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE space = ? AND key = ?", string(space), key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteError(s.path, "get", err)
	}
	return v, nil
}

// sqliteScanPage bounds the rows held per query so fn may call back into
// the backend on a single-connection writer
const sqliteScanPage = 4096

func (s *sqliteBackend) Scan(space Space, prefix []byte, fn func(k, v []byte) error) error {
	end := prefixEnd(prefix)
	from := nonNil(prefix)
	inclusive := true

	type row struct{ k, v []byte }
	page := make([]row, 0, sqliteScanPage)
	for {
		query := "SELECT key, value FROM kv WHERE space = ? AND key >= ?"
		if !inclusive {
			query = "SELECT key, value FROM kv WHERE space = ? AND key > ?"
		}
		args := []interface{}{string(space), from}
		if end != nil {
			query += " AND key < ?"
			args = append(args, end)
		}
		query += fmt.Sprintf(" ORDER BY key LIMIT %d", sqliteScanPage)

		rows, err := s.db.Query(query, args...)
		if err != nil {
			return sqliteError(s.path, "scan", err)
		}
		page = page[:0]
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.k, &r.v); err != nil {
				rows.Close()
				return fmt.Errorf("scan %s: %w", space, err)
			}
			page = append(page, r)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return sqliteError(s.path, "scan", err)
		}

		for _, r := range page {
			if err := fn(r.k, r.v); err != nil {
				return err
			}
		}
		if len(page) < sqliteScanPage {
			return nil
		}
		from = page[len(page)-1].k
		inclusive = false
	}
}

func (s *sqliteBackend) Write(batch *Batch) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return sqliteError(s.path, "begin", err)
	}
	defer tx.Rollback()

	put, err := tx.Prepare(`INSERT INTO kv (space, key, value) VALUES (?, ?, ?)
		ON CONFLICT(space, key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("prepare put: %w", err)
	}
	defer put.Close()
	del, err := tx.Prepare("DELETE FROM kv WHERE space = ? AND key = ?")
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer del.Close()

	for _, o := range batch.ops {
		if o.del {
			_, err = del.Exec(string(o.space), o.key)
		} else {
			_, err = put.Exec(string(o.space), o.key, nonNil(o.value))
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", o.space, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteBackend) Count(space Space) (keys, keyBytes, valueBytes int64, err error) {
	err = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(key)), 0), COALESCE(SUM(LENGTH(value)), 0)
		FROM kv WHERE space = ?`, string(space)).Scan(&keys, &keyBytes, &valueBytes)
	if err != nil {
		err = sqliteError(s.path, "count", err)
	}
	return keys, keyBytes, valueBytes, err
}

func (s *sqliteBackend) ReadOnly() bool { return s.readOnly }
func (s *sqliteBackend) Kind() Kind     { return KindSQLite }
func (s *sqliteBackend) Path() string   { return s.path }

func (s *sqliteBackend) Close() error {
	return s.db.Close()
}

// nonNil keeps empty blobs from binding as NULL
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
