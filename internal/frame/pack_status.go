package frame

import "encoding/binary"

// Alarm is one protection trigger of the status frame
type Alarm int

const (
	AlarmCellOverVoltage Alarm = iota
	AlarmCellUnderVoltage
	AlarmPackOverVoltage
	AlarmPackUnderVoltage
	AlarmChargeOverTemp
	AlarmChargeUnderTemp
	AlarmDischargeOverTemp
	AlarmDischargeUnderTemp
	AlarmChargeOverCurrent
	AlarmDischargeOverCurrent
	AlarmShortCircuit
	AlarmICFailure
	AlarmConfiguration

	AlarmCount = int(AlarmConfiguration) + 1
)

var alarmCodes = [AlarmCount]string{
	"ovp", "uvp", "bov", "buv", "cot", "cut", "dot", "dut", "coc", "duc", "sc", "ic", "cnf",
}

// Code returns the short wire name of the alarm, e.g. "ovp"
func (a Alarm) Code() string {
	if a < 0 || int(a) >= AlarmCount {
		return "unknown"
	}
	return alarmCodes[a]
}

// Alarms lists every alarm in protection-word order
func Alarms() []Alarm {
	out := make([]Alarm, AlarmCount)
	for i := range out {
		out[i] = Alarm(i)
	}
	return out
}

// Temperatures are sent in 0.1 K
const kelvinOffset = 2731

const statusFixedLen = 10 // protect(2) + 5 single bytes + checksum(2) + trailer(1)

// PackStatus is decoded from the second notification of a 0x03 response.
type PackStatus struct {
	Protection    uint16
	Version       byte
	StateOfCharge byte // percent
	FET           byte // bit0 charge, bit1 discharge
	CellCount     byte
	SensorCount   byte
	Temperatures  []float64 // °C
}

func (*PackStatus) Kind() Kind { return KindPackStatus }

// Triggered reports whether alarm a is set. Alarms are read MSB-first:
// ovp is bit 15, cnf is bit 3.
func (s *PackStatus) Triggered(a Alarm) bool {
	if a < 0 || int(a) >= AlarmCount {
		return false
	}
	return s.Protection&(1<<(15-int(a))) != 0
}

func (s *PackStatus) ChargeEnabled() bool    { return s.FET&0x01 != 0 }
func (s *PackStatus) DischargeEnabled() bool { return s.FET&0x02 != 0 }

// DecodePackStatus parses a 14 or 18 byte status frame.
func DecodePackStatus(data []byte) (*PackStatus, error) {
	if !isStatusContinuation(data) {
		return nil, malformed(KindPackStatus, data, "want %d or %d bytes ending in 0x77", packStatusShortLen, packStatusLongLen)
	}

	s := &PackStatus{
		Protection:    binary.BigEndian.Uint16(data[0:2]),
		Version:       data[2],
		StateOfCharge: data[3],
		FET:           data[4],
		CellCount:     data[5],
		SensorCount:   data[6],
	}

	sensors := (len(data) - statusFixedLen) / 2
	s.Temperatures = make([]float64, sensors)
	for i := range s.Temperatures {
		off := 7 + 2*i
		s.Temperatures[i] = Celsius(binary.BigEndian.Uint16(data[off : off+2]))
	}

	return s, nil
}

// Celsius converts a raw 0.1 K reading, e.g. 3001 -> 27.0
func Celsius(raw uint16) float64 {
	return float64(int(raw)-kelvinOffset) / 10
}
