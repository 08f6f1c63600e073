package frame

import (
	"encoding/binary"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// packSummaryFrame builds a pack-info frame from raw words
func packSummaryFrame(volts uint16, amps int16, remain, capacity, cycles, mdate, balance uint16) []byte {
	data := []byte{StartByte, RegPackInfo, 0x00, 0x1b}
	for _, w := range []uint16{volts, uint16(amps), remain, capacity, cycles, mdate, balance} {
		data = binary.BigEndian.AppendUint16(data, w)
	}
	return data
}

func cellVoltagesFrame(cells ...uint16) []byte {
	data := []byte{StartByte, RegCellVoltages, 0x00, 0x10}
	for _, c := range cells {
		data = binary.BigEndian.AppendUint16(data, c)
	}
	return data
}

func packStatusFrame(protect uint16, temps ...uint16) []byte {
	data := binary.BigEndian.AppendUint16(nil, protect)
	data = append(data, 0x10, 87, 0x03, 8, byte(len(temps)))
	for _, t := range temps {
		data = binary.BigEndian.AppendUint16(data, t)
	}
	return append(data, 0xfa, 0x2c, EndByte)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Kind
	}{
		{name: "nil buffer", data: nil, want: KindUnrecognized},
		{name: "single start byte", data: []byte{StartByte}, want: KindUnrecognized},
		{name: "cell voltage header", data: cellVoltagesFrame(1, 2, 3, 4, 5, 6, 7, 8), want: KindCellVoltages},
		{name: "pack info header", data: packSummaryFrame(1, 2, 3, 4, 5, 6, 7), want: KindPackSummary},
		{name: "short status frame", data: packStatusFrame(0, 2981, 2991), want: KindPackStatus},
		{name: "long status frame", data: packStatusFrame(0, 2981, 2991, 3001, 3011), want: KindPackStatus},
		{name: "status length without trailer", data: make([]byte, 14), want: KindUnrecognized},
		{name: "trailer with wrong length", data: []byte{0x01, 0x02, EndByte}, want: KindUnrecognized},
		{
			// 18 bytes ending in 0x77 also satisfies the status rule; the header wins
			name: "pack info header beats status length rule",
			data: append(packSummaryFrame(1, 2, 3, 4, 5, 6, 7)[:17], EndByte),
			want: KindPackSummary,
		},
		{
			name: "cell voltage header beats status length rule",
			data: append([]byte{StartByte, RegCellVoltages}, append(make([]byte, 11), EndByte)...),
			want: KindCellVoltages,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.data))
		})
	}
}

func TestClassify_IsTotal(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	valid := map[Kind]bool{KindUnrecognized: true, KindPackSummary: true, KindCellVoltages: true, KindPackStatus: true}

	for i := 0; i < 5000; i++ {
		buf := make([]byte, rng.Intn(40))
		rng.Read(buf)
		if len(buf) > 1 && i%3 == 0 {
			buf[0] = StartByte
		}
		kind := Classify(buf)
		require.True(t, valid[kind], "classification MUST be one of the known kinds, got %d", kind)
	}
}

func TestDecodePackSummary(t *testing.T) {
	data := packSummaryFrame(1250, -350, 8000, 10000, 42, 0x2a21, 0x0003)

	p, err := DecodePackSummary(data)
	require.NoError(t, err)

	assert.InDelta(t, 12.50, p.Voltage, 1e-9)
	assert.InDelta(t, -3.50, p.Current, 1e-9)
	assert.InDelta(t, 80.00, p.RemainingCapacity, 1e-9)
	assert.InDelta(t, 100.00, p.RatedCapacity, 1e-9)
	assert.Equal(t, uint16(42), p.Cycles)
	assert.Equal(t, uint16(0x2a21), p.ManufactureDate)
	assert.InDelta(t, 12.50*-3.50, p.Power, 1e-9)
	assert.True(t, p.Balancing(1))
	assert.True(t, p.Balancing(2))
	assert.False(t, p.Balancing(3))
	assert.False(t, p.HasBalanceHigh)
}

func TestDecodePackSummary_WithBalanceHigh(t *testing.T) {
	data := binary.BigEndian.AppendUint16(packSummaryFrame(1300, 100, 1, 1, 1, 1, 0), 0x0001)

	p, err := DecodePackSummary(data)
	require.NoError(t, err)

	assert.True(t, p.HasBalanceHigh)
	assert.True(t, p.Balancing(17))
	assert.False(t, p.Balancing(18))
}

func TestDecodePackSummary_FixedPointRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		volts := uint16(rng.Intn(math.MaxUint16 + 1))
		amps := int16(rng.Intn(math.MaxUint16+1) - 32768)
		remain := uint16(rng.Intn(math.MaxUint16 + 1))
		capacity := uint16(rng.Intn(math.MaxUint16 + 1))

		p, err := DecodePackSummary(packSummaryFrame(volts, amps, remain, capacity, 0, 0, 0))
		require.NoError(t, err)

		assert.Equal(t, volts, uint16(math.Round(p.Voltage*100)))
		assert.Equal(t, amps, int16(math.Round(p.Current*100)))
		assert.Equal(t, remain, uint16(math.Round(p.RemainingCapacity*100)))
		assert.Equal(t, capacity, uint16(math.Round(p.RatedCapacity*100)))
	}
}

func TestDecodePackSummary_BalanceBits(t *testing.T) {
	p, err := DecodePackSummary(packSummaryFrame(0, 0, 0, 0, 0, 0, 0x8001))
	require.NoError(t, err)

	for cell := 1; cell <= 16; cell++ {
		want := cell == 1 || cell == 16
		assert.Equal(t, want, p.Balancing(cell), "cell %d", cell)
	}
}

func TestDecodePackSummary_Malformed(t *testing.T) {
	valid := packSummaryFrame(1, 2, 3, 4, 5, 6, 7)

	tests := []struct {
		name string
		data []byte
	}{
		{name: "truncated", data: valid[:17]},
		{name: "one extra byte", data: append(append([]byte{}, valid...), 0x00)},
		{name: "full unsplit response", data: make([]byte, 34)},
		{name: "error status", data: func() []byte { d := append([]byte{}, valid...); d[2] = 0x80; return d }()},
		{name: "wrong header", data: cellVoltagesFrame(1, 2, 3, 4, 5, 6, 7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePackSummary(tt.data)
			assert.ErrorIs(t, err, ErrMalformedFrame)

			var merr *MalformedError
			require.ErrorAs(t, err, &merr)
			assert.Equal(t, KindPackSummary, merr.Kind)
			assert.Equal(t, len(tt.data), merr.Length)
		})
	}
}

func TestDecodeCellVoltages_Summary(t *testing.T) {
	c, err := DecodeCellVoltages(cellVoltagesFrame(3300, 3310, 3290, 3305, 3295, 3315, 3280, 3320))
	require.NoError(t, err)

	assert.Equal(t, [CellCount]uint16{3300, 3310, 3290, 3305, 3295, 3315, 3280, 3320}, c.Cells)
	assert.Equal(t, uint16(3280), c.Min)
	assert.Equal(t, 7, c.MinIndex)
	assert.Equal(t, uint16(3320), c.Max)
	assert.Equal(t, 8, c.MaxIndex)
	assert.Equal(t, uint16(40), c.Delta)
}

func TestDecodeCellVoltages_TiesPickFirstCell(t *testing.T) {
	c, err := DecodeCellVoltages(cellVoltagesFrame(3300, 3300, 3300, 3300, 3300, 3300, 3300, 3300))
	require.NoError(t, err)

	assert.Equal(t, 1, c.MinIndex)
	assert.Equal(t, 1, c.MaxIndex)
	assert.Equal(t, uint16(0), c.Delta)
}

func TestDecodeCellVoltages_MissingCellIsMalformed(t *testing.T) {
	_, err := DecodeCellVoltages(cellVoltagesFrame(3300, 3310, 3290, 3305, 3295, 3315, 3280))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodePackStatus(t *testing.T) {
	s, err := DecodePackStatus(packStatusFrame(0x0000, 2731, 3001))
	require.NoError(t, err)

	assert.Equal(t, byte(0x10), s.Version)
	assert.Equal(t, byte(87), s.StateOfCharge)
	assert.True(t, s.ChargeEnabled())
	assert.True(t, s.DischargeEnabled())
	assert.Equal(t, byte(8), s.CellCount)
	assert.Equal(t, byte(2), s.SensorCount)
	require.Len(t, s.Temperatures, 2)
	assert.InDelta(t, 0.0, s.Temperatures[0], 1e-9)
	assert.InDelta(t, 27.0, s.Temperatures[1], 1e-9)
}

func TestDecodePackStatus_FourSensors(t *testing.T) {
	s, err := DecodePackStatus(packStatusFrame(0, 2731, 2741, 2751, 2631))
	require.NoError(t, err)

	assert.Equal(t, []float64{0, 1, 2, -10}, roundAll(s.Temperatures))
}

func TestPackStatus_Triggered(t *testing.T) {
	s := &PackStatus{Protection: 0x8000}
	assert.True(t, s.Triggered(AlarmCellOverVoltage))
	assert.False(t, s.Triggered(AlarmCellUnderVoltage))

	s = &PackStatus{Protection: 0x0280}
	for _, a := range Alarms() {
		want := a == AlarmDischargeOverTemp || a == AlarmChargeOverCurrent
		assert.Equal(t, want, s.Triggered(a), "alarm %s", a.Code())
	}

	assert.False(t, s.Triggered(Alarm(99)))
}

func TestCelsius(t *testing.T) {
	assert.InDelta(t, 0.0, Celsius(2731), 1e-9)
	assert.InDelta(t, 27.0, Celsius(3001), 1e-9)
	assert.InDelta(t, -27.3, Celsius(2458), 1e-9)
}

func TestDecode_Dispatch(t *testing.T) {
	rec, err := Decode(RawFrame{Data: cellVoltagesFrame(1, 2, 3, 4, 5, 6, 7, 8)})
	require.NoError(t, err)
	assert.Equal(t, KindCellVoltages, rec.Kind())

	rec, err = Decode(RawFrame{Data: packSummaryFrame(1, 2, 3, 4, 5, 6, 7)})
	require.NoError(t, err)
	assert.Equal(t, KindPackSummary, rec.Kind())

	rec, err = Decode(RawFrame{Data: packStatusFrame(0, 2731, 2731)})
	require.NoError(t, err)
	assert.Equal(t, KindPackStatus, rec.Kind())

	_, err = Decode(RawFrame{Data: []byte{0x01, 0x02}})
	assert.ErrorIs(t, err, ErrUnrecognizedFrame)
}

func TestRequest(t *testing.T) {
	assert.Equal(t, []byte{0xdd, 0xa5, 0x03, 0x00, 0xff, 0xfd, 0x77}, PackInfoRequest)
	assert.Equal(t, []byte{0xdd, 0xa5, 0x04, 0x00, 0xff, 0xfc, 0x77}, CellVoltageRequest)
	assert.Len(t, DefaultPollRequests, 2)
}

func roundAll(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = math.Round(v*10) / 10
	}
	return out
}
