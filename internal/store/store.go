package store

import (
	"context"
	"time"
)

// Connection is a live client session bound to one room and one mode.
// Fields are immutable after creation; moving to another room needs a new connection.
type Connection struct {
	ConnectionID string
	RoomID       string
	Mode         int
	// Owner is the id of the server instance holding the socket; empty for a single instance.
	Owner        string
	ConnectedAt  time.Time
}

// Limits bounds a conditional insert.
type Limits struct {
	// Global is the maximum number of live connections overall.
	Global int
	// Room is the maximum number of live connections for the record's (room, mode) pair.
	Room int
}

// ConnectionStore handles connection persistence.
// Implementations must not cache records between calls.
type ConnectionStore interface {
	// Put inserts or overwrites a connection by its ID.
	Put(ctx context.Context, conn *Connection) error

	// PutIfAdmissible inserts the connection only if both limits still hold,
	// evaluated atomically with the write. Returns false when nothing was written.
	PutIfAdmissible(ctx context.Context, conn *Connection, limits Limits) (bool, error)

	// Count returns the total number of live connections.
	Count(ctx context.Context) (int, error)

	// QueryByRoomMode lists connections for a (room, mode) pair. Order is unspecified.
	QueryByRoomMode(ctx context.Context, roomID string, mode int) ([]*Connection, error)

	// Delete removes a connection. Deleting an absent ID is not an error.
	Delete(ctx context.Context, connectionID string) error

	// Close closes the underlying connection.
	Close() error
}
