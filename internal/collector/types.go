package collector

import (
	"errors"
	"fmt"
	"strconv"
)

// Keys present in every stored record.
const (
	FieldName         = "NAME"
	FieldManufacturer = "MANUFACTURER"
	FieldModelName    = "MODEL_NAME"
	FieldSerialNumber = "SERIAL_NUMBER"
	FieldDatetime     = "DATETIME"
)

// Metric keys, in micro-units (µWh, µW, µV).
const (
	FieldEnergyNow  = "ENERGY_NOW"
	FieldPowerNow   = "POWER_NOW"
	FieldVoltageNow = "VOLTAGE_NOW"
)

var requiredFields = []string{
	FieldName,
	FieldManufacturer,
	FieldModelName,
	FieldSerialNumber,
	FieldDatetime,
}

var (
	// ErrDeviceUnavailable is returned when a device's uevent is missing,
	// unreadable or malformed.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrMalformedRecord is returned when a record lacks required fields.
	ErrMalformedRecord = errors.New("malformed record")
)

// Record is one sampled observation of a power supply device. Fields holds
// the uevent properties with the POWER_SUPPLY_ prefix removed, values exactly
// as read.
type Record struct {
	Fields    map[string]string `json:"fields"`
	Timestamp float64           `json:"timestamp"`
}

// Get returns the value of key and whether it is present.
func (r Record) Get(key string) (string, bool) {
	v, ok := r.Fields[key]
	return v, ok
}

// Validate checks that the identity fields and DATETIME are present.
func (r Record) Validate() error {
	for _, k := range requiredFields {
		if _, ok := r.Fields[k]; !ok {
			return fmt.Errorf("%w: missing %s", ErrMalformedRecord, k)
		}
	}
	return nil
}

// FormatTimestamp renders epoch seconds the way DATETIME is stored.
func FormatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', 6, 64)
}
