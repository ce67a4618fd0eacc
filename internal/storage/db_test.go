package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/cptspacemanspiff/batmeter/internal/collector"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})

	return db
}

func testRecord(name, serial, power string, ts float64) collector.Record {
	return collector.Record{
		Fields: map[string]string{
			"NAME":          name,
			"MANUFACTURER":  "SMP",
			"MODEL_NAME":    "5B10W13930",
			"SERIAL_NUMBER": serial,
			"POWER_NOW":     power,
			"ENERGY_NOW":    "5000000",
			"VOLTAGE_NOW":   "12000000",
			"DATETIME":      collector.FormatTimestamp(ts),
		},
		Timestamp: ts,
	}
}

func TestInsertSearchRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r1 := testRecord("BAT0", "1", "1000000", 10)
	r2 := testRecord("BAT1", "2", "2000000", 11)
	r3 := testRecord("BAT0", "1", "3000000", 12)
	for _, r := range []collector.Record{r1, r2, r3} {
		if err := db.Insert(ctx, r); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	got, err := db.Search(ctx, Query{"NAME": "BAT0", "SERIAL_NUMBER": "1"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if want := []collector.Record{r1, r3}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Search() = %#v, want %#v", got, want)
	}
}

func TestSearch_NoMatchReturnsEmpty(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.Insert(ctx, testRecord("BAT0", "1", "1", 1)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := db.Search(ctx, Query{"NAME": "BAT0", "SERIAL_NUMBER": "nope"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("Search() = %#v, want empty non-nil slice", got)
	}

	got, err = db.Search(ctx, Query{"NOT_A_FIELD": "x"})
	if err != nil {
		t.Fatalf("Search(unknown key) error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Search(unknown key) len = %d, want 0", len(got))
	}
}

func TestSearch_EmptyQueryMatchesAll(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := db.Insert(ctx, testRecord("BAT0", "1", "1", float64(i))); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	got, err := db.Search(ctx, nil)
	if err != nil {
		t.Fatalf("Search(nil) error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Search(nil) len = %d, want 3", len(got))
	}
}

func TestSearch_KeyWithDot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := testRecord("BAT0", "1", "1", 1)
	rec.Fields["A.B"] = "x"
	if err := db.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	got, err := db.Search(ctx, Query{"A.B": "x"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Search() len = %d, want 1", len(got))
	}
}

func TestAll_InsertionOrderAndRestartable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Timestamps out of order: All follows insertion order, not time.
	for _, ts := range []float64{30, 10, 20} {
		if err := db.Insert(ctx, testRecord("BAT0", "1", "1", ts)); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	for pass := 0; pass < 2; pass++ {
		var got []float64
		for rec, err := range db.All(ctx) {
			if err != nil {
				t.Fatalf("All() error = %v", err)
			}
			got = append(got, rec.Timestamp)
		}
		if want := []float64{30, 10, 20}; !reflect.DeepEqual(got, want) {
			t.Fatalf("pass %d: All() timestamps = %v, want %v", pass, got, want)
		}
	}
}

func TestAll_EarlyBreak(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := db.Insert(ctx, testRecord("BAT0", "1", "1", float64(i))); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	n := 0
	for _, err := range db.All(ctx) {
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		n++
		if n == 2 {
			break
		}
	}

	// The connection must be released after an early break.
	count, err := db.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 5 {
		t.Fatalf("Count() = %d, want 5", count)
	}
}

func TestInsert_RejectsMalformedRecord(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := testRecord("BAT0", "1", "1", 1)
	delete(rec.Fields, "MANUFACTURER")
	err := db.Insert(ctx, rec)
	if !errors.Is(err, collector.ErrMalformedRecord) {
		t.Fatalf("Insert() error = %v, want ErrMalformedRecord", err)
	}

	count, err := db.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("Count() = %d, want 0", count)
	}
}

func TestInsert_CancelledContextStillCommits(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := db.Insert(ctx, testRecord("BAT0", "1", "1", 1)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	count, err := db.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("Count() = %d, want 1", count)
	}
}

func TestInsert_ClosedDBIsWriteError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	db.Close()

	err = db.Insert(context.Background(), testRecord("BAT0", "1", "1", 1))
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("Insert() error = %v, want ErrWrite", err)
	}
}

func TestReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "test.db")
	ctx := context.Background()

	if _, err := Open(path, ReadOnly); err == nil {
		t.Fatal("Open(ReadOnly) on missing file error = nil, want error")
	}

	rw, err := Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("Open(ReadWrite) error = %v", err)
	}
	if err := rw.Insert(ctx, testRecord("BAT0", "1", "1", 1)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := rw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ro, err := Open(path, ReadOnly)
	if err != nil {
		t.Fatalf("Open(ReadOnly) error = %v", err)
	}
	defer ro.Close()

	if err := ro.Insert(ctx, testRecord("BAT0", "1", "1", 2)); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("Insert() on read-only error = %v, want ErrReadOnly", err)
	}
	got, err := ro.Search(ctx, Query{"NAME": "BAT0"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Search() len = %d, want 1", len(got))
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		db, err := Open(path, ReadWrite)
		if err != nil {
			t.Fatalf("Open() #%d error = %v", i, err)
		}
		if err := db.Insert(ctx, testRecord("BAT0", "1", "1", float64(i))); err != nil {
			t.Fatalf("Insert() #%d error = %v", i, err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("Close() #%d error = %v", i, err)
		}
	}

	db, err := Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	count, err := db.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("Count() = %d, want 2", count)
	}
}

func TestOpen_RejectsUnknownSchemaVersion(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.db.Exec("INSERT INTO schema_versions (version, applied_at) VALUES (99, 'x')"); err != nil {
		t.Fatalf("bump version: %v", err)
	}

	if _, err := Open(db.Path(), ReadWrite); err == nil {
		t.Fatal("Open() error = nil, want schema version error")
	}
}

func TestFileDSN_EscapesURICharacters(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "battery_log.db", want: "file:battery_log.db?mode=ro"},
		{path: "/var/lib/batmeter/log.db", want: "file:/var/lib/batmeter/log.db?mode=ro"},
		{path: "/tmp/odd?name#1.db", want: "file:/tmp/odd%3Fname%231.db?mode=ro"},
		{path: "/tmp/100%.db", want: "file:/tmp/100%25.db?mode=ro"},
	}

	for _, tt := range tests {
		if got := fileDSN(tt.path, "mode=ro"); got != tt.want {
			t.Fatalf("fileDSN(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestOpen_PathWithURICharacters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "odd?name#1.db")
	ctx := context.Background()

	db, err := Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("Open(ReadWrite) error = %v", err)
	}
	if err := db.Insert(ctx, testRecord("BAT0", "1", "1", 1)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database not created at %q: %v", path, err)
	}

	ro, err := Open(path, ReadOnly)
	if err != nil {
		t.Fatalf("Open(ReadOnly) error = %v", err)
	}
	defer ro.Close()
	count, err := ro.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("Count() = %d, want 1", count)
	}
}
