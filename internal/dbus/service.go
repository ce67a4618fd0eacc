package dbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/cptspacemanspiff/batmeter/internal/series"
)

const (
	busName   = "org.batmeter.Logger"
	objPath   = "/org/batmeter/Logger"
	ifaceName = "org.batmeter.Logger"
)

// maxHistorySpan bounds a single GetHistory call.
const maxHistorySpan = 366 * 24 * 60 * 60

const introspectXML = `
<node>
  <interface name="` + ifaceName + `">
    <method name="ListDevices">
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetSeries">
      <arg direction="in" type="s" name="label"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetHistory">
      <arg direction="in" type="s" name="label"/>
      <arg direction="in" type="x" name="from_epoch"/>
      <arg direction="in" type="x" name="to_epoch"/>
      <arg direction="out" type="s" name="json"/>
    </method>
    <method name="GetRecordCount">
      <arg direction="out" type="x" name="count"/>
    </method>
  </interface>
` + introspect.IntrospectDataString + `
</node>`

// Store is the read side of the record store used by the service.
type Store interface {
	series.Store
	Count(ctx context.Context) (int, error)
}

type deviceInfo struct {
	Label string `json:"label"`
	series.Identity
}

// Service exposes logged battery data over D-Bus.
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService creates a new D-Bus service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{store: store, log: logger}
}

// Export registers the service on the session bus.
func (s *Service) Export() (*godbus.Conn, error) {
	conn, err := godbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	if err := conn.Export(s, objPath, ifaceName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export service: %w", err)
	}
	if err := conn.Export(introspect.Introspectable(introspectXML), objPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, fmt.Errorf("name %s already taken", busName)
	}

	s.log.Info("exported", "name", busName, "path", objPath)
	return conn, nil
}

// ListDevices returns every battery identity in the store as JSON.
func (s *Service) ListDevices() (string, *godbus.Error) {
	ids, err := series.ListIdentities(s.store.All(context.Background()))
	if err != nil {
		s.log.Warn("list devices failed", "err", err)
		return "", godbus.MakeFailedError(err)
	}
	out := make([]deviceInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, deviceInfo{Label: id.String(), Identity: id})
	}
	return marshal(out)
}

// GetSeries returns the full series of the battery with the given label.
func (s *Service) GetSeries(label string) (string, *godbus.Error) {
	ts, err := s.find(label)
	if err != nil {
		return "", err
	}
	return marshal(ts)
}

// GetHistory returns the points of one battery between two Unix times,
// inclusive.
func (s *Service) GetHistory(label string, fromEpoch, toEpoch int64) (string, *godbus.Error) {
	if err := validateRange(fromEpoch, toEpoch); err != nil {
		return "", godbus.MakeFailedError(err)
	}
	ts, dErr := s.find(label)
	if dErr != nil {
		return "", dErr
	}

	from, to := time.Unix(fromEpoch, 0), time.Unix(toEpoch, 0)
	kept := ts.Points[:0:0]
	for _, p := range ts.Points {
		if p.Time.Before(from) || p.Time.After(to) {
			continue
		}
		kept = append(kept, p)
	}
	ts.Points = kept
	return marshal(ts)
}

// GetRecordCount returns the number of stored records.
func (s *Service) GetRecordCount() (int64, *godbus.Error) {
	n, err := s.store.Count(context.Background())
	if err != nil {
		s.log.Warn("count failed", "err", err)
		return 0, godbus.MakeFailedError(err)
	}
	return int64(n), nil
}

func (s *Service) find(label string) (series.TimeSeries, *godbus.Error) {
	ts, ok, err := series.Find(context.Background(), s.store, label)
	if err != nil {
		s.log.Warn("series lookup failed", "label", label, "err", err)
		return series.TimeSeries{}, godbus.MakeFailedError(err)
	}
	if !ok {
		return series.TimeSeries{}, godbus.MakeFailedError(fmt.Errorf("unknown device %q", label))
	}
	return ts, nil
}

func validateRange(from, to int64) error {
	if from < 0 || to < 0 {
		return fmt.Errorf("time range must be non-negative")
	}
	if to < from {
		return fmt.Errorf("to_epoch %d before from_epoch %d", to, from)
	}
	if to-from > maxHistorySpan {
		return fmt.Errorf("time range exceeds %d seconds", maxHistorySpan)
	}
	return nil
}

func marshal(v any) (string, *godbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}
