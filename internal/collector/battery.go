package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultSysfsRoot is where the kernel mounts sysfs.
const DefaultSysfsRoot = "/sys"

const ueventPrefix = "POWER_SUPPLY_"

// Reader reads power supply state from <root>/class/power_supply/<name>/uevent.
// It holds no mutable state and is safe for concurrent use.
type Reader struct {
	root string
	now  func() time.Time
}

// NewReader returns a Reader rooted at sysfsRoot. An empty root means
// DefaultSysfsRoot.
func NewReader(sysfsRoot string) *Reader {
	if sysfsRoot == "" {
		sysfsRoot = DefaultSysfsRoot
	}
	return &Reader{root: sysfsRoot, now: time.Now}
}

func (r *Reader) supplyDir() string {
	return filepath.Join(r.root, "class/power_supply")
}

// Read returns the current state of the named device. DATETIME is set once
// the uevent has been parsed.
func (r *Reader) Read(name string) (Record, error) {
	if name == "" || strings.ContainsRune(name, os.PathSeparator) || name == "." || name == ".." {
		return Record{}, fmt.Errorf("%w: invalid device name %q", ErrDeviceUnavailable, name)
	}

	ueventPath := filepath.Join(r.supplyDir(), name, "uevent")
	data, err := os.ReadFile(ueventPath)
	if err != nil {
		return Record{}, fmt.Errorf("%w: read uevent: %w", ErrDeviceUnavailable, err)
	}

	props, err := parseUevent(string(data))
	if err != nil {
		return Record{}, fmt.Errorf("%w: %s: %w", ErrDeviceUnavailable, name, err)
	}

	fields := make(map[string]string, len(props)+1)
	for k, v := range props {
		fields[strings.TrimPrefix(k, ueventPrefix)] = v
	}

	now := r.now()
	ts := float64(now.UnixMicro()) / 1e6
	fields[FieldDatetime] = FormatTimestamp(ts)

	return Record{Fields: fields, Timestamp: ts}, nil
}

// Devices lists the battery-type supplies under the root, sorted by name.
func (r *Reader) Devices() ([]string, error) {
	entries, err := os.ReadDir(r.supplyDir())
	if err != nil {
		return nil, fmt.Errorf("list power supplies: %w", err)
	}

	var names []string
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(r.supplyDir(), e.Name(), "uevent"))
		if err != nil {
			continue
		}
		props, err := parseUevent(string(data))
		if err != nil {
			continue
		}
		if props[ueventPrefix+"TYPE"] == "Battery" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func parseUevent(data string) (map[string]string, error) {
	props := make(map[string]string)
	for i, line := range strings.Split(data, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("line %d: missing '=' in %q", i+1, line)
		}
		props[k] = v
	}
	return props, nil
}
