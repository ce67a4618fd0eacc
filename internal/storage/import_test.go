package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

const tinyDBLog = `{"_default": {
  "2": {"NAME": "BAT0", "MANUFACTURER": "SMP", "MODEL_NAME": "M", "SERIAL_NUMBER": "1", "POWER_NOW": "2000000", "DATETIME": "1600000010.5"},
  "10": {"NAME": "BAT0", "MANUFACTURER": "SMP", "MODEL_NAME": "M", "SERIAL_NUMBER": "1", "POWER_NOW": 3000000, "DATETIME": "1600000020.5"},
  "1": {"NAME": "BAT0", "MANUFACTURER": "SMP", "MODEL_NAME": "M", "SERIAL_NUMBER": "1", "POWER_NOW": "1000000", "DATETIME": "1600000000.5"},
  "3": {"NAME": "BAT0", "MANUFACTURER": "SMP", "DATETIME": "1600000030.5"},
  "4": {"NAME": "BAT0", "MANUFACTURER": "SMP", "MODEL_NAME": "M", "SERIAL_NUMBER": "1", "DATETIME": "yesterday"},
  "5": {"NAME": "BAT0", "NESTED": {"a": 1}, "DATETIME": "1600000040.5"}
}}`

func TestImportTinyDB(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	n, err := db.ImportTinyDB(ctx, strings.NewReader(tinyDBLog))
	if err != nil {
		t.Fatalf("ImportTinyDB() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("ImportTinyDB() = %d, want 3", n)
	}

	var powers []string
	var stamps []float64
	for rec, err := range db.All(ctx) {
		if err != nil {
			t.Fatalf("All() error = %v", err)
		}
		powers = append(powers, rec.Fields["POWER_NOW"])
		stamps = append(stamps, rec.Timestamp)
	}
	if strings.Join(powers, ",") != "1000000,2000000,3000000" {
		t.Fatalf("imported POWER_NOW order = %v, want ids 1,2,10", powers)
	}
	if stamps[0] != 1600000000.5 {
		t.Fatalf("Timestamp = %f, want 1600000000.5", stamps[0])
	}
}

func TestImportTinyDB_InvalidJSON(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.ImportTinyDB(context.Background(), strings.NewReader("{not json")); err == nil {
		t.Fatal("ImportTinyDB() error = nil, want decode error")
	}
}

func TestImportTinyDB_ReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	rw, err := Open(path, ReadWrite)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	rw.Close()

	ro, err := Open(path, ReadOnly)
	if err != nil {
		t.Fatalf("Open(ReadOnly) error = %v", err)
	}
	defer ro.Close()

	_, err = ro.ImportTinyDB(context.Background(), strings.NewReader(tinyDBLog))
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("ImportTinyDB() error = %v, want ErrReadOnly", err)
	}
}

func TestImportTinyDB_WriteFailureLeavesNothing(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Fail the third insert of the import.
	if _, err := db.db.Exec(`CREATE TRIGGER fail_third BEFORE INSERT ON records
		WHEN (SELECT COUNT(*) FROM records) >= 2
		BEGIN SELECT RAISE(ABORT, 'disk full'); END`); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	n, err := db.ImportTinyDB(ctx, strings.NewReader(tinyDBLog))
	if !errors.Is(err, ErrWrite) {
		t.Fatalf("ImportTinyDB() error = %v, want ErrWrite", err)
	}
	if n != 0 {
		t.Fatalf("ImportTinyDB() = %d, want 0 on failure", n)
	}

	count, err := db.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 0 {
		t.Fatalf("Count() = %d after failed import, want 0", count)
	}

	if _, err := db.db.Exec("DROP TRIGGER fail_third"); err != nil {
		t.Fatalf("drop trigger: %v", err)
	}
	if n, err := db.ImportTinyDB(ctx, strings.NewReader(tinyDBLog)); err != nil || n != 3 {
		t.Fatalf("retry ImportTinyDB() = %d, %v; want 3, nil", n, err)
	}
	if count, _ := db.Count(ctx); count != 3 {
		t.Fatalf("Count() after retry = %d, want 3", count)
	}
}
