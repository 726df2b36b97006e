package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"prism/internal/record"
)

// SQLite persists batches in a single-table SQLite database. Re-flushing a
// (transform, batch) pair overwrites the previous row, so a rerun converges
// on the latest results.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the checkpoint database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db %s: %w", path, err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		transform   TEXT NOT NULL,
		batch_index INTEGER NOT NULL,
		records     TEXT NOT NULL,
		created_at  DATETIME NOT NULL,
		PRIMARY KEY (transform, batch_index)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error { return s.db.Close() }

// Flush implements Sink.
func (s *SQLite) Flush(transform string, batchIndex int, records []record.Record) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal batch %d: %w", batchIndex, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO checkpoints (transform, batch_index, records, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(transform, batch_index) DO UPDATE SET records = excluded.records, created_at = excluded.created_at`,
		transform, batchIndex, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("flush batch %d of %s: %w", batchIndex, transform, err)
	}
	return nil
}

// Read loads one flushed batch.
func (s *SQLite) Read(transform string, batchIndex int) ([]record.Record, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT records FROM checkpoints WHERE transform = ? AND batch_index = ?`,
		transform, batchIndex,
	).Scan(&data)
	if err != nil {
		return nil, fmt.Errorf("read batch %d of %s: %w", batchIndex, transform, err)
	}
	var records []record.Record
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		return nil, fmt.Errorf("parse batch %d of %s: %w", batchIndex, transform, err)
	}
	return records, nil
}

// Batches lists the flushed batch indexes for a transform, in order.
func (s *SQLite) Batches(transform string) ([]int, error) {
	rows, err := s.db.Query(
		`SELECT batch_index FROM checkpoints WHERE transform = ? ORDER BY batch_index`,
		transform,
	)
	if err != nil {
		return nil, fmt.Errorf("list batches of %s: %w", transform, err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan batch index: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}
