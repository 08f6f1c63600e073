package metric

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/bmsd/internal/frame"
)

var testTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fields collects destination -> field -> value for easy lookup
func fields(tuples []Tuple) map[Destination]map[string]Value {
	out := make(map[Destination]map[string]Value)
	for _, t := range tuples {
		if out[t.Destination] == nil {
			out[t.Destination] = make(map[string]Value)
		}
		out[t.Destination][t.Field] = t.Value
	}
	return out
}

func num(t *testing.T, v Value) float64 {
	t.Helper()
	f, ok := v.Float()
	require.True(t, ok, "value MUST be numeric")
	return f
}

func TestMapper_PackSummary(t *testing.T) {
	m := Mapper{Meter: "house"}
	rec := &frame.PackSummary{
		Voltage: 13.28, Current: -2.55, RemainingCapacity: 80, RatedCapacity: 100,
		Cycles: 7, Balance: 0x8001, Power: 13.28 * -2.55,
	}

	tuples := m.Map(rec, testTime)
	require.Len(t, tuples, 6+16)

	for _, tp := range tuples {
		assert.Equal(t, "house", tp.Meter)
		assert.Equal(t, testTime, tp.Time)
	}

	got := fields(tuples)
	assert.InDelta(t, 13.28, num(t, got[BatterySummary]["volts"]), 1e-9)
	assert.InDelta(t, -2.55, num(t, got[BatterySummary]["amps"]), 1e-9)
	assert.InDelta(t, -33.864, num(t, got[BatterySummary]["watts"]), 1e-9, "watts MUST NOT be rounded")
	assert.InDelta(t, 7.0, num(t, got[BatterySummary]["cycles"]), 1e-9)

	for cell := 1; cell <= 16; cell++ {
		want := 0.0
		if cell == 1 || cell == 16 {
			want = 1
		}
		key := fmt.Sprintf("c%02d", cell)
		assert.Equal(t, want, num(t, got[BalancingStatus][key]), key)
	}

	assert.Equal(t, "c16", tuples[6].Field, "balance flags MUST start with cell 16")
}

func TestMapper_CellVoltages(t *testing.T) {
	data := []byte{0xdd, 0x04, 0x00, 0x10,
		0x0c, 0xe4, 0x0c, 0xee, 0x0c, 0xda, 0x0c, 0xe9, 0x0c, 0xdf, 0x0c, 0xf3, 0x0c, 0xd0, 0x0c, 0xf8}
	rec, err := frame.DecodeCellVoltages(data)
	require.NoError(t, err)

	got := fields(Mapper{Meter: "m"}.Map(rec, testTime))

	assert.Len(t, got[CellVoltages], 8)
	assert.Equal(t, 3300.0, num(t, got[CellVoltages]["cell1"]))
	assert.Equal(t, 3320.0, num(t, got[CellVoltages]["cell8"]))

	summary := got[CellVoltageSummary]
	assert.Equal(t, 7.0, num(t, summary["mincell"]))
	assert.Equal(t, 3280.0, num(t, summary["cellsmin"]))
	assert.Equal(t, 8.0, num(t, summary["maxcell"]))
	assert.Equal(t, 3320.0, num(t, summary["cellsmax"]))
	assert.Equal(t, 40.0, num(t, summary["delta"]))
}

func TestMapper_PackStatus(t *testing.T) {
	rec := &frame.PackStatus{
		Protection: 0x0280, Version: 0x10, StateOfCharge: 55, FET: 3,
		CellCount: 4, SensorCount: 2, Temperatures: []float64{21.5, 22.0},
	}

	tuples := Mapper{Meter: "m"}.Map(rec, testTime)
	got := fields(tuples)

	require.Len(t, got[Alarms], frame.AlarmCount)
	for code, v := range got[Alarms] {
		want := 0.0
		if code == "dot" || code == "coc" {
			want = 1
		}
		assert.Equal(t, want, num(t, v), code)
	}

	info := got[BasicInfo]
	assert.Equal(t, 640.0, num(t, info["protect"]))
	assert.Equal(t, 55.0, num(t, info["percent"]))
	assert.Equal(t, 21.5, num(t, info["temp1"]))
	assert.Equal(t, 22.0, num(t, info["temp2"]))
	assert.NotContains(t, info, "temp3")

	assert.Equal(t, "ovp", tuples[0].Field)
}

func TestMapper_UnknownRecord(t *testing.T) {
	assert.Empty(t, Mapper{}.Map(nil, testTime))
}

func TestNameTable(t *testing.T) {
	table := NewNameTable(map[string]string{"bms_alarms": "alarms", "basic_info": ""})

	assert.Equal(t, "alarms", table.Name(Alarms))
	assert.Equal(t, "basic_info", table.Name(BasicInfo))
	assert.Equal(t, "cell_voltages", table.Name(CellVoltages))
	assert.NoError(t, table.Validate())

	clash := NewNameTable(map[string]string{"bms_alarms": "cell_voltages"})
	assert.Error(t, clash.Validate())
}

func TestValue_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]Value{"n": Number(12.5), "s": Text("on"), "f": Flag(true)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":12.5,"s":"on","f":1}`, string(b))

	assert.Equal(t, "12.5", Number(12.5).String())
	assert.Equal(t, "on", Text("on").String())
	assert.False(t, Text("x").IsNumeric())
}
