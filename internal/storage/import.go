package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cptspacemanspiff/batmeter/internal/collector"
)

const tinyDBDefaultTable = "_default"

// ImportTinyDB appends the documents of a TinyDB JSON log to the store, in
// document id order. Documents that are not a flat object, or that fail
// validation, are skipped. The import runs in one transaction: on error
// nothing is stored. It returns the number of imported records.
func (d *DB) ImportTinyDB(ctx context.Context, r io.Reader) (int, error) {
	if d.mode == ReadOnly {
		return 0, ErrReadOnly
	}

	dec := json.NewDecoder(r)
	dec.UseNumber()
	var tables map[string]map[string]json.RawMessage
	if err := dec.Decode(&tables); err != nil {
		return 0, fmt.Errorf("decode tinydb: %w", err)
	}

	docs := tables[tinyDBDefaultTable]
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		if errA != nil || errB != nil {
			return ids[i] < ids[j]
		}
		return a < b
	})

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin import: %w", ErrWrite, err)
	}
	defer tx.Rollback()

	imported, skipped := 0, 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		rec, err := decodeTinyDBDoc(docs[id])
		if err != nil {
			d.log.Warn("skip tinydb document", "id", id, "err", err)
			skipped++
			continue
		}
		if err := insertRecord(ctx, tx, rec); err != nil {
			if errors.Is(err, collector.ErrMalformedRecord) {
				d.log.Warn("skip tinydb document", "id", id, "err", err)
				skipped++
				continue
			}
			return 0, fmt.Errorf("import document %s: %w", id, err)
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit import: %w", ErrWrite, err)
	}
	d.log.Info("tinydb import finished", "imported", imported, "skipped", skipped)
	return imported, nil
}

func decodeTinyDBDoc(raw json.RawMessage) (collector.Record, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return collector.Record{}, err
	}

	fields := make(map[string]string, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case json.Number:
			fields[k] = val.String()
		case bool:
			fields[k] = strconv.FormatBool(val)
		case nil:
			fields[k] = ""
		default:
			return collector.Record{}, fmt.Errorf("field %s: unsupported value %T", k, v)
		}
	}

	dt, ok := fields[collector.FieldDatetime]
	if !ok {
		return collector.Record{}, fmt.Errorf("%w: missing %s", collector.ErrMalformedRecord, collector.FieldDatetime)
	}
	ts, err := strconv.ParseFloat(dt, 64)
	if err != nil {
		return collector.Record{}, fmt.Errorf("%w: %s: %w", collector.ErrMalformedRecord, collector.FieldDatetime, err)
	}
	return collector.Record{Fields: fields, Timestamp: ts}, nil
}
