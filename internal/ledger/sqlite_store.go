package ledger

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/cryptosync/internal/cryptor"
	"github.com/openmined/cryptosync/internal/db"
	"github.com/openmined/cryptosync/internal/utils"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
    id TEXT PRIMARY KEY,
    source_path TEXT NOT NULL,
    source_fingerprint TEXT NOT NULL DEFAULT '', -- '' is a missing file
    target_path TEXT NOT NULL,
    target_fingerprint TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_connections_source_path ON connections(source_path);
CREATE INDEX IF NOT EXISTS idx_connections_target_path ON connections(target_path);
`

type dbConnection struct {
	ID                string `db:"id"`
	SourcePath        string `db:"source_path"`
	SourceFingerprint string `db:"source_fingerprint"`
	TargetPath        string `db:"target_path"`
	TargetFingerprint string `db:"target_fingerprint"`
}

// SqliteStore keeps the ledger in a SQLite database, one row per connection.
type SqliteStore struct {
	db     *sqlx.DB
	dbPath string
}

func NewSqliteStore(dbPath string) *SqliteStore {
	return &SqliteStore{dbPath: dbPath}
}

func (s *SqliteStore) Path() string {
	return s.dbPath
}

func (s *SqliteStore) open() error {
	if s.db != nil {
		return nil
	}

	conn, err := db.NewSqliteDB(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return fmt.Errorf("initialize ledger schema: %w", err)
	}

	s.db = conn
	return nil
}

func (s *SqliteStore) Load() (*Ledger, bool, error) {
	existed := utils.FileExists(s.dbPath)
	if err := s.open(); err != nil {
		return nil, existed, err
	}

	var rows []dbConnection
	if err := s.db.Select(&rows, "SELECT id, source_path, source_fingerprint, target_path, target_fingerprint FROM connections"); err != nil {
		return nil, existed, fmt.Errorf("query connections: %w", err)
	}

	l := New()
	for _, row := range rows {
		l.Connections[row.ID] = Connection{
			ID:                row.ID,
			SourcePath:        row.SourcePath,
			SourceFingerprint: cryptor.Fingerprint(row.SourceFingerprint),
			TargetPath:        row.TargetPath,
			TargetFingerprint: cryptor.Fingerprint(row.TargetFingerprint),
		}
	}
	return l, existed, nil
}

// Save replaces the table contents with the snapshot in one transaction.
func (s *SqliteStore) Save(l *Ledger) error {
	if err := s.open(); err != nil {
		return err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM connections"); err != nil {
		return fmt.Errorf("clear connections: %w", err)
	}

	query := `INSERT INTO connections (id, source_path, source_fingerprint, target_path, target_fingerprint)
	          VALUES (:id, :source_path, :source_fingerprint, :target_path, :target_fingerprint)`
	for id, conn := range l.Connections {
		row := dbConnection{
			ID:                id,
			SourcePath:        conn.SourcePath,
			SourceFingerprint: string(conn.SourceFingerprint),
			TargetPath:        conn.TargetPath,
			TargetFingerprint: string(conn.TargetFingerprint),
		}
		if _, err := tx.NamedExec(query, row); err != nil {
			return fmt.Errorf("insert connection %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

// Remove closes the database and deletes its files.
func (s *SqliteStore) Remove() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Warn("ledger db close", "path", s.dbPath, "error", err)
		}
		s.db = nil
	}

	for _, p := range []string{s.dbPath, s.dbPath + "-wal", s.dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove ledger %s: %w", p, err)
		}
	}
	return nil
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("close ledger database: %w", err)
	}
	return nil
}
