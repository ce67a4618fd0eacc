package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cptspacemanspiff/batmeter/internal/collector"
)

// SchemaVersion is bumped on incompatible changes to the tables below.
const SchemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS schema_versions (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp REAL NOT NULL,
	fields TEXT NOT NULL CHECK (json_valid(fields))
);
CREATE INDEX IF NOT EXISTS idx_records_ts ON records(timestamp);
`

var (
	// ErrWrite is returned when a record could not be durably committed.
	ErrWrite = errors.New("storage write failed")
	// ErrReadOnly is returned by Insert on a store opened ReadOnly.
	ErrReadOnly = errors.New("store is read-only")
)

// Mode selects how Open accesses the database file.
type Mode int

const (
	// ReadWrite creates the database if it does not exist.
	ReadWrite Mode = iota
	// ReadOnly requires an existing database and rejects Insert.
	ReadOnly
)

func (m Mode) String() string {
	if m == ReadOnly {
		return "read-only"
	}
	return "read-write"
}

// Query is an exact-match conjunction over top-level record fields.
type Query map[string]string

// DB is an append-only record store backed by SQLite. Each record's fields
// are kept as a JSON document.
type DB struct {
	db   *sql.DB
	mode Mode
	path string
	log  *slog.Logger
}

// Option configures Open.
type Option func(*DB)

// WithLogger sets the logger used for storage diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *DB) {
		if l != nil {
			d.log = l
		}
	}
}

// Open opens the SQLite database at path in the given mode.
func Open(path string, mode Mode, opts ...Option) (*DB, error) {
	d := &DB{mode: mode, path: path, log: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(d)
	}

	var dsn string
	switch mode {
	case ReadOnly:
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		dsn = fileDSN(path, "mode=ro")
	default:
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = fileDSN(path, "mode=rwc&_journal_mode=WAL&_synchronous=FULL")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	d.db = db

	if mode == ReadWrite {
		if err := d.initSchema(); err != nil {
			db.Close()
			return nil, err
		}
	} else if err := d.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}

	d.log.Debug("database opened", "path", path, "mode", mode.String())
	return d, nil
}

// fileDSN builds a SQLite URI filename. The path is percent-escaped so '?',
// '#' and '%' in file names are not read as URI syntax.
func fileDSN(path, query string) string {
	u := url.URL{Scheme: "file", OmitHost: true, Path: filepath.ToSlash(path), RawQuery: query}
	return u.String()
}

func (d *DB) initSchema() error {
	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	version, err := d.schemaVersion()
	if err != nil {
		return err
	}
	switch {
	case version == 0:
		if _, err := d.db.Exec(
			"INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))",
			SchemaVersion,
		); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		d.log.Info("schema initialized", "version", SchemaVersion)
	case version != SchemaVersion:
		return fmt.Errorf("unsupported schema version %d (want %d)", version, SchemaVersion)
	}
	return nil
}

func (d *DB) checkSchema() error {
	version, err := d.schemaVersion()
	if err != nil {
		return err
	}
	if version != SchemaVersion {
		return fmt.Errorf("unsupported schema version %d (want %d)", version, SchemaVersion)
	}
	return nil
}

func (d *DB) schemaVersion() (int, error) {
	var exists bool
	err := d.db.QueryRow(
		"SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type='table' AND name='schema_versions')",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check schema: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = d.db.QueryRow("SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Insert appends a record. It returns once the row is committed; the
// statement is not interrupted by cancellation of ctx.
func (d *DB) Insert(ctx context.Context, rec collector.Record) error {
	if d.mode == ReadOnly {
		return ErrReadOnly
	}
	return insertRecord(context.WithoutCancel(ctx), d.db, rec)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRecord(ctx context.Context, ex execer, rec collector.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	doc, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("%w: encode fields: %w", ErrWrite, err)
	}

	_, err = ex.ExecContext(ctx,
		"INSERT INTO records (timestamp, fields) VALUES (?, ?)",
		rec.Timestamp, string(doc),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	return nil
}

// Search returns the records matching every key/value pair in q, in
// insertion order. An empty query matches all records.
func (d *DB) Search(ctx context.Context, q Query) ([]collector.Record, error) {
	where, args := q.sql()
	rows, err := d.db.QueryContext(ctx, "SELECT timestamp, fields FROM records"+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("search records: %w", err)
	}
	defer rows.Close()

	records := []collector.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// All yields every stored record in insertion order. Each call starts a new
// scan; iteration stops after the first error.
func (d *DB) All(ctx context.Context) iter.Seq2[collector.Record, error] {
	return func(yield func(collector.Record, error) bool) {
		rows, err := d.db.QueryContext(ctx, "SELECT timestamp, fields FROM records ORDER BY id")
		if err != nil {
			yield(collector.Record{}, fmt.Errorf("scan records: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				yield(collector.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(collector.Record{}, fmt.Errorf("scan records: %w", err))
		}
	}
}

// Count returns the number of stored records.
func (d *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records").Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func scanRecord(rows *sql.Rows) (collector.Record, error) {
	var (
		rec collector.Record
		doc string
	)
	if err := rows.Scan(&rec.Timestamp, &doc); err != nil {
		return collector.Record{}, fmt.Errorf("scan record: %w", err)
	}
	if err := json.Unmarshal([]byte(doc), &rec.Fields); err != nil {
		return collector.Record{}, fmt.Errorf("decode record fields: %w", err)
	}
	return rec, nil
}

// sql renders the query as a WHERE clause. Keys are sorted so the statement
// text is stable.
func (q Query) sql() (string, []any) {
	if len(q) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		conds = append(conds, "json_extract(fields, ?) = ?")
		args = append(args, jsonPath(k), q[k])
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// jsonPath quotes key as a JSON path member so keys containing '.' or
// brackets are matched literally.
func jsonPath(key string) string {
	return "$." + strconv.Quote(key)
}
