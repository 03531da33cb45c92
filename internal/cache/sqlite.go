package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/internal/logging"
	"github.com/demolyzer/demolyzer/pkg/types"
	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// FileExtension is the extension of cached table files.
const FileExtension = ".sqlite"

// cell is one non-null value in a row payload. The kind is stored next to
// the encoded value so integer and string identities survive a reload.
type cell struct {
	Column int    `json:"c"`
	Kind   string `json:"k"`
	Value  string `json:"v"`
}

// WriteFile writes t to a new SQLite file at path. Each row stores its
// non-null cells as a Snappy-compressed JSON payload.
func WriteFile(ctx context.Context, path string, t *types.Table) error {
	if err := t.Validate(); err != nil {
		return perrors.NewCacheError(perrors.CodeCacheWriteFailed, "cannot persist invalid table", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return perrors.NewCacheError(perrors.CodeCacheWriteFailed, "failed to create SQLite database", err)
	}
	defer db.Close()

	if err := writeTable(ctx, db, t); err != nil {
		return perrors.NewCacheError(perrors.CodeCacheWriteFailed, fmt.Sprintf("failed to write %s", path), err)
	}
	if err := db.Close(); err != nil {
		return perrors.NewCacheError(perrors.CodeCacheWriteFailed, "failed to close database", err)
	}
	return nil
}

func writeTable(ctx context.Context, db *sql.DB, t *types.Table) error {
	statements := []string{
		"PRAGMA journal_mode=DELETE",
		`CREATE TABLE meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		) WITHOUT ROWID`,
		`CREATE TABLE columns (
			position INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE rows (
			row_index INTEGER PRIMARY KEY,
			tick INTEGER,
			field TEXT NOT NULL,
			payload BLOB NOT NULL
		)`,
		"CREATE INDEX idx_rows_tick ON rows(tick)",
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	schema, err := json.Marshal(types.InferSchema(t))
	if err != nil {
		return err
	}
	meta := map[string]string{
		"schema_version": strconv.Itoa(types.SchemaVersion),
		"schema":         string(schema),
		"row_count":      strconv.Itoa(t.Len()),
		"created_at":     strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return err
		}
	}

	for i, name := range t.Columns {
		if _, err := tx.ExecContext(ctx, "INSERT INTO columns (position, name) VALUES (?, ?)", i, name); err != nil {
			return err
		}
	}

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO rows (row_index, tick, field, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	tickIdx := t.Index(types.TickColumn)
	for i, row := range t.Rows {
		payload, err := encodeRow(row)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		var tick interface{}
		if tickIdx >= 0 {
			if v, ok := row.Values[tickIdx].AsInt(); ok {
				tick = v
			}
		}
		if _, err := stmt.ExecContext(ctx, i, tick, row.Field, payload); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func encodeRow(row types.Row) ([]byte, error) {
	cells := make([]cell, 0, len(row.Values))
	for j, v := range row.Values {
		if v.IsNull() {
			continue
		}
		cells = append(cells, cell{Column: j, Kind: v.Kind().String(), Value: v.Encode()})
	}
	raw, err := json.Marshal(cells)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, raw), nil
}

// ReadFile reads a table written by WriteFile.
func ReadFile(ctx context.Context, path string) (*types.Table, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, perrors.NewCacheError(perrors.CodeCacheReadFailed, "failed to open SQLite database", err)
	}
	defer db.Close()

	version, err := readMeta(ctx, db, "schema_version")
	if err != nil {
		return nil, perrors.NewCacheError(perrors.CodeCacheCorrupt, fmt.Sprintf("%s has no metadata", path), err)
	}
	if version != strconv.Itoa(types.SchemaVersion) {
		return nil, perrors.NewCacheError(perrors.CodeCacheCorrupt,
			fmt.Sprintf("%s has schema version %s, want %d", path, version, types.SchemaVersion), nil)
	}

	columns, err := readColumns(ctx, db)
	if err != nil {
		return nil, perrors.NewCacheError(perrors.CodeCacheCorrupt, "failed to read columns", err)
	}

	t := &types.Table{Columns: columns, Rows: []types.Row{}}
	rows, err := db.QueryContext(ctx, "SELECT field, payload FROM rows ORDER BY row_index")
	if err != nil {
		return nil, perrors.NewCacheError(perrors.CodeCacheReadFailed, "failed to query rows", err)
	}
	defer rows.Close()

	for rows.Next() {
		var field string
		var payload []byte
		if err := rows.Scan(&field, &payload); err != nil {
			return nil, perrors.NewCacheError(perrors.CodeCacheReadFailed, "failed to scan row", err)
		}
		values, err := decodeRow(payload, len(columns))
		if err != nil {
			return nil, perrors.NewCacheError(perrors.CodeCacheCorrupt,
				fmt.Sprintf("row %d is corrupt", t.Len()), err)
		}
		t.Rows = append(t.Rows, types.Row{Field: field, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, perrors.NewCacheError(perrors.CodeCacheReadFailed, "failed to iterate rows", err)
	}

	if count, err := readMeta(ctx, db, "row_count"); err != nil || count != strconv.Itoa(t.Len()) {
		return nil, perrors.NewCacheError(perrors.CodeCacheCorrupt,
			fmt.Sprintf("%s: row count %q does not match %d rows", path, count, t.Len()), err)
	}
	return t, nil
}

func readMeta(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	return value, err
}

func readColumns(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT position, name FROM columns ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var pos int
		var name string
		if err := rows.Scan(&pos, &name); err != nil {
			return nil, err
		}
		if pos != len(columns) {
			return nil, fmt.Errorf("column positions are not contiguous at %d", pos)
		}
		columns = append(columns, name)
	}
	return columns, rows.Err()
}

func decodeRow(payload []byte, width int) ([]types.Value, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, err
	}
	var cells []cell
	if err := json.Unmarshal(raw, &cells); err != nil {
		return nil, err
	}

	values := make([]types.Value, width)
	for _, c := range cells {
		if c.Column < 0 || c.Column >= width {
			return nil, fmt.Errorf("cell column %d out of range", c.Column)
		}
		kind, err := types.ParseKind(c.Kind)
		if err != nil {
			return nil, err
		}
		v, err := types.Decode(kind, c.Value)
		if err != nil {
			return nil, err
		}
		values[c.Column] = v
	}
	return values, nil
}

// SQLiteCache stores one SQLite file per key in a local directory.
type SQLiteCache struct {
	dir     string
	logger  *zap.SugaredLogger
	metrics Metrics
}

// NewSQLiteCache creates a cache rooted at dir.
func NewSQLiteCache(dir string, logger *zap.SugaredLogger) (*SQLiteCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, perrors.NewCacheError(perrors.CodeCacheWriteFailed, "failed to create cache directory", err)
	}
	return &SQLiteCache{dir: dir, logger: logging.OrNop(logger)}, nil
}

// Path returns the file holding key.
func (c *SQLiteCache) Path(key Key) string {
	return filepath.Join(c.dir, string(key)+FileExtension)
}

// Metrics returns the cache statistics.
func (c *SQLiteCache) Metrics() *Metrics { return &c.metrics }

// Load reads the table stored under key.
func (c *SQLiteCache) Load(ctx context.Context, key Key) (*types.Table, bool, error) {
	if err := key.Validate(); err != nil {
		return nil, false, err
	}
	path := c.Path(key)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		c.metrics.record(false, nil)
		return nil, false, nil
	}

	t, err := ReadFile(ctx, path)
	c.metrics.record(err == nil, err)
	if err != nil {
		return nil, false, err
	}
	c.logger.Debugw("sqlite cache hit", "key", key, "rows", t.Len())
	return t, true, nil
}

// Store writes t under key. The file is staged and renamed into place so
// readers never observe a partial table.
func (c *SQLiteCache) Store(ctx context.Context, key Key, t *types.Table) error {
	if err := key.Validate(); err != nil {
		return err
	}
	staging := filepath.Join(c.dir, fmt.Sprintf(".%s.%s.tmp", key, uuid.NewString()))
	defer os.Remove(staging)

	if err := WriteFile(ctx, staging, t); err != nil {
		c.metrics.Errors.Add(1)
		return err
	}
	if err := os.Rename(staging, c.Path(key)); err != nil {
		c.metrics.Errors.Add(1)
		return perrors.NewCacheError(perrors.CodeCacheWriteFailed, "failed to move cache file into place", err)
	}
	c.metrics.Stores.Add(1)
	c.logger.Debugw("sqlite cache store", "key", key, "rows", t.Len())
	return nil
}
