// Package telemetry defines the sample type that flows from the push and pull
// paths into the energy reconciler and the device state store. Every sample is
// tagged with its kind (absolute reading or period delta) at the point it is
// produced, so consumers never have to guess.
package telemetry

import (
	"fmt"
	"time"
)

// Metric names one field of a device.
type Metric string

// Known metrics. Metrics suffixed with _2 belong to the second pole of a
// two-pole breaker or the second leg of a clamp.
const (
	Power         Metric = "power"
	Power2        Metric = "power_2"
	Current       Metric = "current"
	Current2      Metric = "current_2"
	Voltage       Metric = "voltage"
	Voltage2      Metric = "voltage_2"
	Frequency     Metric = "frequency"
	Energy        Metric = "energy"
	Energy2       Metric = "energy_2"
	EnergyImport  Metric = "energy_import"
	EnergyImport2 Metric = "energy_import_2"
	Connectivity  Metric = "connectivity"
	Firmware      Metric = "firmware"
	BreakerState  Metric = "breaker_state"
	Bandwidth     Metric = "bandwidth"

	// Hub aggregates computed locally.
	TotalPower       Metric = "total_power"
	TotalCurrent     Metric = "total_current"
	TotalEnergy      Metric = "total_energy"
	TotalEnergyDaily Metric = "total_energy_daily"
	AggregateSource  Metric = "aggregate_source"
)

// EnergyMetrics lists every metric the energy reconciler owns.
var EnergyMetrics = []Metric{Energy, Energy2, EnergyImport, EnergyImport2}

// IsEnergy reports whether m is an accumulating energy counter.
func (m Metric) IsEnergy() bool {
	switch m {
	case Energy, Energy2, EnergyImport, EnergyImport2:
		return true
	}
	return false
}

// Daily returns the metric under which the daily value of an energy metric is
// stored, e.g. "energy_daily".
func (m Metric) Daily() Metric { return m + "_daily" }

// Kind says how a numeric value must be interpreted.
type Kind int

const (
	// Absolute is a full reading (lifetime counter value, instantaneous power).
	Absolute Kind = iota
	// Delta is the change since the previous report.
	Delta
)

func (k Kind) String() string {
	switch k {
	case Absolute:
		return "absolute"
	case Delta:
		return "delta"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sample is one inbound value for one (device, metric) pair.
type Sample struct {
	DeviceID string
	Metric   Metric
	Value    float64
	Text     string // set instead of Value for enum/string metrics
	Numeric  bool
	Kind     Kind
	At       time.Time
}

// Number builds a numeric sample.
func Number(deviceID string, m Metric, v float64, kind Kind, at time.Time) Sample {
	return Sample{DeviceID: deviceID, Metric: m, Value: v, Numeric: true, Kind: kind, At: at}
}

// Text builds a textual sample. Textual samples are always absolute.
func Text(deviceID string, m Metric, text string, at time.Time) Sample {
	return Sample{DeviceID: deviceID, Metric: m, Text: text, Kind: Absolute, At: at}
}
