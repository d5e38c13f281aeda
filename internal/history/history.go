// Package history keeps a SQLite log of completed and rejected transfers.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Transfer directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Transfer outcomes.
const (
	StatusComplete = "complete"
	StatusRejected = "rejected"
	StatusSent     = "sent"
)

// TransferRecord is one row of the history.
type TransferRecord struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	Peer      string    `json:"peer,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Repository stores transfer records.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db, now: time.Now}
	if err := repo.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}
	return repo, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) initTables() error {
	createTransfersTable := `
	CREATE TABLE IF NOT EXISTS transfers (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		filename TEXT NOT NULL,
		size INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		peer TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	);
	`
	if _, err := r.db.Exec(createTransfersTable); err != nil {
		return fmt.Errorf("failed to create transfers table: %w", err)
	}

	createIndexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_transfers_timestamp ON transfers(timestamp);",
		"CREATE INDEX IF NOT EXISTS idx_transfers_peer ON transfers(peer);",
		"CREATE INDEX IF NOT EXISTS idx_transfers_checksum ON transfers(checksum);",
	}
	for _, index := range createIndexes {
		if _, err := r.db.Exec(index); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Record inserts rec, filling in ID and Timestamp when empty.
func (r *Repository) Record(ctx context.Context, rec *TransferRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = r.now().UTC()
	}

	query := `
	INSERT INTO transfers (id, direction, filename, size, checksum, peer, status, error, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.Direction,
		rec.Filename,
		rec.Size,
		rec.Checksum,
		rec.Peer,
		rec.Status,
		rec.Error,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer: %w", err)
	}
	return nil
}

// List returns records newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]*TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
	SELECT id, direction, filename, size, checksum, peer, status, error, timestamp
	FROM transfers
	ORDER BY timestamp DESC, rowid DESC
	LIMIT ? OFFSET ?
	`
	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query transfers: %w", err)
	}
	defer rows.Close()

	records := make([]*TransferRecord, 0)
	for rows.Next() {
		rec := &TransferRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.Direction,
			&rec.Filename,
			&rec.Size,
			&rec.Checksum,
			&rec.Peer,
			&rec.Status,
			&rec.Error,
			&rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfers: %w", err)
	}
	return records, nil
}

// Count returns the number of records.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transfers").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transfers: %w", err)
	}
	return n, nil
}
