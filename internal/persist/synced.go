package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SyncRecord is the durable proof that an input file was delivered to a
// server.
type SyncRecord struct {
	// InputFile is the absolute path of the source file.
	InputFile string
	// TransportedBasename is the basename of the delivered (possibly
	// processed) file.
	TransportedBasename string
	// URL is the public URL returned by the transporter, if any.
	URL string
	// Server is the destination name.
	Server string
}

// SyncedFiles stores SyncRecords, unique on (input_file, server).
type SyncedFiles struct {
	db *DB
}

// NewSyncedFiles opens the synced files store, creating its table if needed.
func NewSyncedFiles(db *DB) (*SyncedFiles, error) {
	return NewSyncedFilesContext(context.Background(), db)
}

// NewSyncedFilesContext opens the synced files store with context support.
func NewSyncedFilesContext(ctx context.Context, db *DB) (*SyncedFiles, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}

	schema := `
	CREATE TABLE IF NOT EXISTS synced_files (
		input_file TEXT NOT NULL,
		transported_file_basename TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		server TEXT NOT NULL,
		UNIQUE (input_file, server)
	);

	CREATE INDEX IF NOT EXISTS idx_synced_files_server ON synced_files(server);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize synced_files: %w", err)
	}

	return &SyncedFiles{db: db}, nil
}

// Upsert inserts or replaces the record for (InputFile, Server).
// Upserting the same pair twice always leaves exactly one row.
func (s *SyncedFiles) Upsert(rec SyncRecord) error {
	return s.UpsertContext(context.Background(), rec)
}

// UpsertContext inserts or replaces a record with context support.
func (s *SyncedFiles) UpsertContext(ctx context.Context, rec SyncRecord) error {
	if rec.InputFile == "" || rec.Server == "" {
		return fmt.Errorf("invalid sync record: input file and server are required")
	}

	query := `
	INSERT INTO synced_files (input_file, transported_file_basename, url, server)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(input_file, server) DO UPDATE SET
		transported_file_basename = excluded.transported_file_basename,
		url = excluded.url
	`
	_, err := s.db.conn.ExecContext(ctx, query, rec.InputFile, rec.TransportedBasename, rec.URL, rec.Server)
	if err != nil {
		return fmt.Errorf("failed to upsert sync record %s@%s: %w", rec.InputFile, rec.Server, err)
	}
	return nil
}

// Get returns the record for (inputFile, server).
// The boolean is false if no record exists.
func (s *SyncedFiles) Get(inputFile, server string) (SyncRecord, bool, error) {
	return s.GetContext(context.Background(), inputFile, server)
}

// GetContext returns a record with context support.
func (s *SyncedFiles) GetContext(ctx context.Context, inputFile, server string) (SyncRecord, bool, error) {
	rec := SyncRecord{InputFile: inputFile, Server: server}
	query := `SELECT transported_file_basename, url FROM synced_files WHERE input_file = ? AND server = ?`
	err := s.db.conn.QueryRowContext(ctx, query, inputFile, server).Scan(&rec.TransportedBasename, &rec.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRecord{}, false, nil
	}
	if err != nil {
		return SyncRecord{}, false, fmt.Errorf("failed to get sync record %s@%s: %w", inputFile, server, err)
	}
	return rec, true, nil
}

// Delete removes the record for (inputFile, server).
// Returns nil if the record doesn't exist (idempotent).
func (s *SyncedFiles) Delete(inputFile, server string) error {
	return s.DeleteContext(context.Background(), inputFile, server)
}

// DeleteContext removes a record with context support.
func (s *SyncedFiles) DeleteContext(ctx context.Context, inputFile, server string) error {
	query := `DELETE FROM synced_files WHERE input_file = ? AND server = ?`
	if _, err := s.db.conn.ExecContext(ctx, query, inputFile, server); err != nil {
		return fmt.Errorf("failed to delete sync record %s@%s: %w", inputFile, server, err)
	}
	return nil
}

// CountByServer returns the number of records per server.
func (s *SyncedFiles) CountByServer() (map[string]int, error) {
	return s.CountByServerContext(context.Background())
}

// CountByServerContext returns the per-server record counts with context support.
func (s *SyncedFiles) CountByServerContext(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.conn.QueryContext(ctx, `SELECT server, COUNT(*) FROM synced_files GROUP BY server`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync records: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			server string
			count  int
		)
		if err := rows.Scan(&server, &count); err != nil {
			return nil, fmt.Errorf("failed to scan sync record count: %w", err)
		}
		counts[server] = count
	}
	return counts, rows.Err()
}
