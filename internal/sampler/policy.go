package sampler

import (
	"fmt"

	"github.com/cptspacemanspiff/batmeter/internal/collector"
)

// Predicate inspects a freshly read record.
type Predicate func(rec collector.Record) bool

// Skip policy names accepted in configuration.
const (
	SkipPolicyPowerZero = "power-zero"
	SkipPolicyNone      = "none"
)

// SkipPowerZero skips records whose instantaneous power reading is exactly
// "0", i.e. the battery is neither charging nor discharging. Records without
// POWER_NOW are kept.
func SkipPowerZero(rec collector.Record) bool {
	v, ok := rec.Get(collector.FieldPowerNow)
	return ok && v == "0"
}

// NeverSkip keeps every record.
func NeverSkip(collector.Record) bool {
	return false
}

// ParseSkipPolicy maps a configured policy name to its predicate.
func ParseSkipPolicy(name string) (Predicate, error) {
	switch name {
	case SkipPolicyPowerZero, "":
		return SkipPowerZero, nil
	case SkipPolicyNone:
		return NeverSkip, nil
	default:
		return nil, fmt.Errorf("unknown skip policy %q", name)
	}
}
