package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/resultrelay/internal/store"
)

// Schema creates the connections table and its (room_id, mode) index.
const Schema = `
	CREATE TABLE IF NOT EXISTS connections (
		connection_id TEXT PRIMARY KEY,
		room_id       TEXT NOT NULL,
		mode          INTEGER NOT NULL,
		owner         TEXT NOT NULL DEFAULT '',
		connected_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_connections_room_mode ON connections(room_id, mode);
`

// SQLiteStore implements store.ConnectionStore for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, ApplySchema)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply a custom schema.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps
	// conditional inserts serialized and ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// ApplySchema creates the tables used by the store if they are missing.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Reset removes every connection record.
// Sockets do not outlive the process, so rows left by a previous run are stale.
func (s *SQLiteStore) Reset(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM connections`)
	if err != nil {
		return 0, fmt.Errorf("reset connections: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(n), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts or overwrites a connection by its ID.
func (s *SQLiteStore) Put(ctx context.Context, conn *store.Connection) error {
	query := `
		INSERT OR REPLACE INTO connections (connection_id, room_id, mode, owner, connected_at)
		VALUES (?, ?, ?, ?, ?)
	`
	connectedAt := stamp(conn)
	if _, err := s.db.ExecContext(ctx, query, conn.ConnectionID, conn.RoomID, conn.Mode, conn.Owner, connectedAt); err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}

	conn.ConnectedAt = connectedAt
	return nil
}

// PutIfAdmissible inserts the connection only when both limits hold.
// The counts and the insert run as one statement, so concurrent admissions
// cannot both slip past the same free slot.
func (s *SQLiteStore) PutIfAdmissible(ctx context.Context, conn *store.Connection, limits store.Limits) (bool, error) {
	query := `
		INSERT OR REPLACE INTO connections (connection_id, room_id, mode, owner, connected_at)
		SELECT ?, ?, ?, ?, ?
		WHERE (SELECT COUNT(*) FROM connections WHERE connection_id <> ?) < ?
		  AND (SELECT COUNT(*) FROM connections WHERE room_id = ? AND mode = ? AND connection_id <> ?) < ?
	`
	connectedAt := stamp(conn)
	result, err := s.db.ExecContext(ctx, query,
		conn.ConnectionID, conn.RoomID, conn.Mode, conn.Owner, connectedAt,
		conn.ConnectionID, limits.Global,
		conn.RoomID, conn.Mode, conn.ConnectionID, limits.Room,
	)
	if err != nil {
		return false, fmt.Errorf("conditional insert connection: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	conn.ConnectedAt = connectedAt
	return true, nil
}

// Count returns the total number of live connections.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connections`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count connections: %w", err)
	}
	return count, nil
}

// QueryByRoomMode lists connections for a (room, mode) pair.
func (s *SQLiteStore) QueryByRoomMode(ctx context.Context, roomID string, mode int) ([]*store.Connection, error) {
	query := `
		SELECT connection_id, room_id, mode, owner, connected_at
		FROM connections
		WHERE room_id = ? AND mode = ?
	`
	rows, err := s.db.QueryContext(ctx, query, roomID, mode)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	var conns []*store.Connection
	for rows.Next() {
		var conn store.Connection
		if err := rows.Scan(&conn.ConnectionID, &conn.RoomID, &conn.Mode, &conn.Owner, &conn.ConnectedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		conns = append(conns, &conn)
	}

	return conns, rows.Err()
}

// Delete removes a connection. Absent IDs are ignored.
func (s *SQLiteStore) Delete(ctx context.Context, connectionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE connection_id = ?`, connectionID); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

func stamp(conn *store.Connection) time.Time {
	if !conn.ConnectedAt.IsZero() {
		return conn.ConnectedAt.UTC()
	}
	return time.Now().UTC()
}
