// Package staging loads destination records into SQLite the way a warehouse
// loader does: each batch is written to a delimited file, bulk ingested into a
// per-stream temporary raw table, and the temporary table is published over
// the final table in one transaction.
package staging

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ship-commander/destharness/internal/logging"
	"github.com/ship-commander/destharness/internal/protocol"
)

const (
	tmpSuffix = "_airbyte_tmp"
	delimiter = '|'
)

// Batch is one group of records for a single stream.
type Batch struct {
	Namespace    string
	Stream       string
	GenerationID int64
	SyncID       int64
	Records      []protocol.RecordMessage
}

// Stager owns the SQLite connection and the staging directory.
type Stager struct {
	mu     sync.Mutex
	db     *sql.DB
	dir    string
	logger *log.Logger
}

// Open opens (or creates) the database at dbPath. Batch files are written to
// stagingDir, or the system temp dir when it is empty.
func Open(dbPath, stagingDir string, logger *log.Logger) (*Stager, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	if stagingDir == "" {
		stagingDir = os.TempDir()
	}
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open staging db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure staging db: %w", err)
	}

	return &Stager{
		db:     db,
		dir:    stagingDir,
		logger: logging.OrDiscard(logger),
	}, nil
}

// Ping verifies the database is reachable.
func (s *Stager) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping staging db: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Stager) Close() error {
	return s.db.Close()
}

// FinalTable returns the published raw table name for a stream.
func FinalTable(namespace, stream string) string {
	if namespace == "" {
		return sanitize(stream)
	}
	return sanitize(namespace + "_" + stream)
}

// TmpTable returns the staging table name for a stream.
func TmpTable(namespace, stream string) string {
	return FinalTable(namespace, stream) + tmpSuffix
}

// StageBatch writes batch to a delimited file, ingests it into the stream's
// temporary table and removes the file. It returns the number of rows staged.
func (s *Stager) StageBatch(ctx context.Context, batch Batch) (int, error) {
	if strings.TrimSpace(batch.Stream) == "" {
		return 0, errors.New("stream is required")
	}
	if len(batch.Records) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	table := TmpTable(batch.Namespace, batch.Stream)
	if err := s.ensureTable(ctx, table); err != nil {
		return 0, err
	}

	path, err := s.writeBatchFile(batch)
	if err != nil {
		return 0, err
	}
	defer func() {
		if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			s.logger.Warn("remove staged batch file", "path", path, "error", removeErr)
		}
	}()

	count, err := s.ingest(ctx, table, path)
	if err != nil {
		return 0, err
	}
	s.logger.Debug("batch staged", "table", table, "rows", count)
	return count, nil
}

// Publish moves the staged rows into the final table. With overwrite the
// final table is replaced by the staged one; otherwise staged rows are
// appended. Both happen in one transaction.
func (s *Stager) Publish(ctx context.Context, namespace, stream string, overwrite bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	final := FinalTable(namespace, stream)
	tmp := TmpTable(namespace, stream)
	if err := s.ensureTable(ctx, tmp); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish %s: %w", final, err)
	}
	defer func() { _ = tx.Rollback() }()

	var statements []string
	if overwrite {
		statements = []string{
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quote(final)),
			fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, quote(tmp), quote(final)),
		}
	} else {
		statements = []string{
			createTableSQL(final),
			fmt.Sprintf(`INSERT INTO %s SELECT * FROM %s`, quote(final), quote(tmp)),
			fmt.Sprintf(`DROP TABLE %s`, quote(tmp)),
		}
	}
	for _, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("publish %s: %w", final, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish %s: %w", final, err)
	}
	s.logger.Info("stream published", "table", final, "overwrite", overwrite)
	return nil
}

// Count returns the row count of table, or zero when it does not exist.
func (s *Stager) Count(ctx context.Context, table string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.tableExists(ctx, table)
	if err != nil || !exists {
		return 0, err
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quote(table))).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

// Row is one published raw record.
type Row struct {
	RawID        string
	Data         string
	ExtractedAt  string
	LoadedAt     sql.NullString
	Meta         string
	GenerationID int64
}

// Rows returns every row of table in insertion order.
func (s *Stager) Rows(ctx context.Context, table string) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT _airbyte_raw_id, _airbyte_data, _airbyte_extracted_at, _airbyte_loaded_at,
		       _airbyte_meta, _airbyte_generation_id
		FROM %s ORDER BY rowid`, quote(table)))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.RawID, &row.Data, &row.ExtractedAt, &row.LoadedAt, &row.Meta, &row.GenerationID); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Stager) ensureTable(ctx context.Context, table string) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL(table)); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

func (s *Stager) tableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", table, err)
	}
	return true, nil
}

type meta struct {
	SyncID  int64                   `json:"sync_id"`
	Changes []any                   `json:"changes"`
	File    *protocol.FileReference `json:"file,omitempty"`
}

func (s *Stager) writeBatchFile(batch Batch) (string, error) {
	file, err := os.CreateTemp(s.dir, sanitize(batch.Stream)+"-*.csv")
	if err != nil {
		return "", fmt.Errorf("create batch file: %w", err)
	}
	path := file.Name()

	writer := csv.NewWriter(file)
	writer.Comma = delimiter
	generation := fmt.Sprint(batch.GenerationID)
	for _, record := range batch.Records {
		metaJSON, err := json.Marshal(meta{SyncID: batch.SyncID, Changes: []any{}, File: record.File})
		if err != nil {
			file.Close()
			return path, fmt.Errorf("encode record meta: %w", err)
		}
		extractedAt := time.UnixMilli(record.EmittedAt).UTC().Format(time.RFC3339Nano)
		row := []string{uuid.NewString(), string(record.Data), extractedAt, "", string(metaJSON), generation}
		if err := writer.Write(row); err != nil {
			file.Close()
			return path, fmt.Errorf("write batch file: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		file.Close()
		return path, fmt.Errorf("flush batch file: %w", err)
	}
	if err := file.Close(); err != nil {
		return path, fmt.Errorf("close batch file: %w", err)
	}
	return path, nil
}

func (s *Stager) ingest(ctx context.Context, table, path string) (int, error) {
	// #nosec G304 -- path is created by writeBatchFile under the staging dir.
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open batch file: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.Comma = delimiter
	reader.FieldsPerRecord = 6

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ingest %s: %w", table, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (_airbyte_raw_id, _airbyte_data, _airbyte_extracted_at, _airbyte_loaded_at,
		                _airbyte_meta, _airbyte_generation_id)
		VALUES (?, ?, ?, ?, ?, ?)`, quote(table)))
	if err != nil {
		return 0, fmt.Errorf("prepare ingest %s: %w", table, err)
	}
	defer stmt.Close()

	count := 0
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("read batch file: %w", err)
		}
		var loadedAt any
		if fields[3] != "" {
			loadedAt = fields[3]
		}
		if _, err := stmt.ExecContext(ctx, fields[0], fields[1], fields[2], loadedAt, fields[4], fields[5]); err != nil {
			return 0, fmt.Errorf("ingest into %s: %w", table, err)
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ingest %s: %w", table, err)
	}
	return count, nil
}

func createTableSQL(table string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		_airbyte_raw_id TEXT PRIMARY KEY,
		_airbyte_data TEXT NOT NULL,
		_airbyte_extracted_at TEXT NOT NULL,
		_airbyte_loaded_at TEXT,
		_airbyte_meta TEXT NOT NULL,
		_airbyte_generation_id INTEGER NOT NULL DEFAULT 0
	)`, quote(table))
}

func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
