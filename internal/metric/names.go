package metric

import "fmt"

// Destination is the logical group a tuple belongs to. Sinks translate it into
// a topic or measurement name through a NameTable.
type Destination string

const (
	BatterySummary     Destination = "battery_summary"
	BalancingStatus    Destination = "balancing_status"
	CellVoltages       Destination = "cell_voltages"
	CellVoltageSummary Destination = "cell_voltage_summary"
	Alarms             Destination = "bms_alarms"
	BasicInfo          Destination = "basic_info"

	// Used by the message-bus fan-in
	PowerMeasurement        Destination = "power_measurement"
	PowerMeasurementStrings Destination = "power_measurement_strings"
)

// Destinations lists the BMS destinations in mapping order.
func Destinations() []Destination {
	return []Destination{BatterySummary, BalancingStatus, CellVoltages, CellVoltageSummary, Alarms, BasicInfo}
}

// NameTable overrides the published name of a destination. Destinations
// without an entry publish under their own name.
type NameTable map[Destination]string

func (t NameTable) Name(d Destination) string {
	if name, ok := t[d]; ok && name != "" {
		return name
	}
	return string(d)
}

// NewNameTable builds a table from configuration keys. Unknown keys are
// accepted so the fan-in can rename its own destinations.
func NewNameTable(names map[string]string) NameTable {
	t := make(NameTable, len(names))
	for k, v := range names {
		t[Destination(k)] = v
	}
	return t
}

// Validate rejects names that collide, since two destinations sharing a topic
// would interleave unrelated payloads.
func (t NameTable) Validate() error {
	seen := make(map[string]Destination)
	for _, d := range append(Destinations(), PowerMeasurement, PowerMeasurementStrings) {
		name := t.Name(d)
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("destinations %q and %q both publish as %q", prev, d, name)
		}
		seen[name] = d
	}
	return nil
}
