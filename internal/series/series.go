// Package series rebuilds per-battery time series from stored records.
package series

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cptspacemanspiff/batmeter/internal/collector"
	"github.com/cptspacemanspiff/batmeter/internal/storage"
)

const microUnits = 1_000_000

// Identity identifies one physical battery across records.
type Identity struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model_name"`
	Serial       string `json:"serial_number"`
}

// IdentityOf extracts the identity fields of rec.
func IdentityOf(rec collector.Record) (Identity, error) {
	var id Identity
	for _, f := range []struct {
		key string
		dst *string
	}{
		{collector.FieldName, &id.Name},
		{collector.FieldManufacturer, &id.Manufacturer},
		{collector.FieldModelName, &id.Model},
		{collector.FieldSerialNumber, &id.Serial},
	} {
		v, ok := rec.Get(f.key)
		if !ok {
			return Identity{}, fmt.Errorf("%w: missing %s", collector.ErrMalformedRecord, f.key)
		}
		*f.dst = v
	}
	return id, nil
}

// String returns the display label NAME-MANUFACTURER-MODEL_NAME-SERIAL_NUMBER.
// The label is for humans and allow-list matching only; it is not parsed
// back into an Identity.
func (id Identity) String() string {
	return strings.Join([]string{id.Name, id.Manufacturer, id.Model, id.Serial}, "-")
}

// Query returns the store query matching this identity exactly.
func (id Identity) Query() storage.Query {
	return storage.Query{
		collector.FieldName:         id.Name,
		collector.FieldManufacturer: id.Manufacturer,
		collector.FieldModelName:    id.Model,
		collector.FieldSerialNumber: id.Serial,
	}
}

// ListIdentities returns the distinct identities in seq, sorted by label.
// Records without identity fields are ignored.
func ListIdentities(seq iter.Seq2[collector.Record, error]) ([]Identity, error) {
	seen := make(map[Identity]struct{})
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		id, err := IdentityOf(rec)
		if err != nil {
			continue
		}
		seen[id] = struct{}{}
	}

	ids := make([]Identity, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// Searcher runs an exact-match query against a record store.
type Searcher interface {
	Search(ctx context.Context, q storage.Query) ([]collector.Record, error)
}

// RecordsForIdentity returns every stored record of one battery.
func RecordsForIdentity(ctx context.Context, s Searcher, id Identity) ([]collector.Record, error) {
	return s.Search(ctx, id.Query())
}

// Point is one sample in base units.
type Point struct {
	Time     time.Time `json:"time"`
	EnergyWh float64   `json:"energy_wh"`
	PowerW   float64   `json:"power_w"`
	VoltageV float64   `json:"voltage_v"`
}

// TimeSeries is the ordered history of one battery.
type TimeSeries struct {
	Identity Identity `json:"identity"`
	Label    string   `json:"label"`
	Points   []Point  `json:"points"`
	// Excluded counts records that could not be converted.
	Excluded int `json:"excluded"`
}

// ToSeries converts records into points sorted by time. Records with a
// missing or unparsable DATETIME, ENERGY_NOW, POWER_NOW or VOLTAGE_NOW are
// left out and counted in Excluded.
func ToSeries(id Identity, recs []collector.Record) TimeSeries {
	ts := TimeSeries{Identity: id, Label: id.String(), Points: make([]Point, 0, len(recs))}
	for _, rec := range recs {
		p, err := toPoint(rec)
		if err != nil {
			ts.Excluded++
			continue
		}
		ts.Points = append(ts.Points, p)
	}
	sort.SliceStable(ts.Points, func(i, j int) bool { return ts.Points[i].Time.Before(ts.Points[j].Time) })
	return ts
}

func toPoint(rec collector.Record) (Point, error) {
	t, err := parseDatetime(rec)
	if err != nil {
		return Point{}, err
	}
	energy, err := microField(rec, collector.FieldEnergyNow)
	if err != nil {
		return Point{}, err
	}
	power, err := microField(rec, collector.FieldPowerNow)
	if err != nil {
		return Point{}, err
	}
	voltage, err := microField(rec, collector.FieldVoltageNow)
	if err != nil {
		return Point{}, err
	}
	return Point{Time: t, EnergyWh: energy, PowerW: power, VoltageV: voltage}, nil
}

func parseDatetime(rec collector.Record) (time.Time, error) {
	v, ok := rec.Get(collector.FieldDatetime)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: missing %s", collector.ErrMalformedRecord, collector.FieldDatetime)
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("%w: %s=%q", collector.ErrMalformedRecord, collector.FieldDatetime, v)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*int64(time.Microsecond)), nil
}

func microField(rec collector.Record, key string) (float64, error) {
	v, ok := rec.Get(key)
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", collector.ErrMalformedRecord, key)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", collector.ErrMalformedRecord, key, v)
	}
	return float64(n) / microUnits, nil
}

// Select keeps the identities whose label contains at least one allow-list
// entry. Order is preserved and each identity appears once.
func Select(ids []Identity, allow []string) []Identity {
	var out []Identity
	for _, id := range ids {
		label := id.String()
		for _, a := range allow {
			if strings.Contains(label, a) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// Store is what Assemble needs from a record store.
type Store interface {
	Searcher
	All(ctx context.Context) iter.Seq2[collector.Record, error]
}

// Assemble lists the identities in the store, keeps those matching allow,
// and returns one series per selected identity.
func Assemble(ctx context.Context, s Store, allow []string) ([]TimeSeries, error) {
	ids, err := ListIdentities(s.All(ctx))
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}

	selected := Select(ids, allow)
	out := make([]TimeSeries, 0, len(selected))
	for _, id := range selected {
		recs, err := RecordsForIdentity(ctx, s, id)
		if err != nil {
			return nil, fmt.Errorf("records for %s: %w", id, err)
		}
		out = append(out, ToSeries(id, recs))
	}
	return out, nil
}

// ErrAmbiguousLabel is returned by Find when several identities render to
// the same label, e.g. {A-B C D E} and {A B-C D E}.
var ErrAmbiguousLabel = errors.New("label matches more than one battery")

// Find returns the series for the identity whose label is exactly label.
func Find(ctx context.Context, s Store, label string) (TimeSeries, bool, error) {
	ids, err := ListIdentities(s.All(ctx))
	if err != nil {
		return TimeSeries{}, false, fmt.Errorf("list identities: %w", err)
	}
	var match []Identity
	for _, id := range ids {
		if id.String() == label {
			match = append(match, id)
		}
	}
	switch len(match) {
	case 0:
		return TimeSeries{}, false, nil
	case 1:
	default:
		return TimeSeries{}, false, fmt.Errorf("%w: %q matches %d batteries", ErrAmbiguousLabel, label, len(match))
	}

	recs, err := RecordsForIdentity(ctx, s, match[0])
	if err != nil {
		return TimeSeries{}, false, fmt.Errorf("records for %s: %w", match[0], err)
	}
	return ToSeries(match[0], recs), true, nil
}
