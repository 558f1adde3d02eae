package throttle

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SQLiteLog derives window counts from a deliveries table, the way a
// production deployment counts prior notification records instead of
// keeping counters in memory. The caller owns the *sql.DB and must import
// a sqlite driver (github.com/mattn/go-sqlite3).
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates the deliveries table if needed.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		recipient TEXT NOT NULL,
		ticket_id INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS deliveries_recipient_idx ON deliveries (recipient, created_at);`)
	if err != nil {
		return nil, errors.Wrap(err, "creating deliveries table")
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) CountObject(recipient string, objectID int64, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM deliveries WHERE recipient = ? AND ticket_id = ? AND created_at > ?`,
		recipient, objectID, since.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "counting per-object deliveries")
	}
	return n, nil
}

func (l *SQLiteLog) CountGlobal(recipient string, since time.Time) (int, error) {
	var n int
	err := l.db.QueryRow(
		`SELECT COUNT(*) FROM deliveries WHERE recipient = ? AND created_at > ?`,
		recipient, since.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "counting global deliveries")
	}
	return n, nil
}

func (l *SQLiteLog) Record(recipient string, objectID int64, at time.Time) error {
	_, err := l.db.Exec(
		`INSERT INTO deliveries (recipient, ticket_id, created_at) VALUES (?, ?, ?)`,
		recipient, objectID, at.Unix(),
	)
	return errors.Wrap(err, "recording delivery")
}
