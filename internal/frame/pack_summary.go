package frame

import "encoding/binary"

const (
	headerLen = 4

	packSummaryLen         = 18 // header + 7 words, through balance-low
	packSummaryWithHighLen = 20 // first MTU chunk, adds balance-high
)

// PackSummary is decoded from the first notification of a 0x03 response.
type PackSummary struct {
	Voltage           float64 // V
	Current           float64 // A, positive while charging
	RemainingCapacity float64 // Ah
	RatedCapacity     float64 // Ah
	Cycles            uint16
	ManufactureDate   uint16 // raw, not decoded

	// Balance holds the balancing flags for cells 1-16, cell n at bit n-1.
	Balance uint16
	// BalanceHigh holds cells 17-32 and is only present in 20-byte frames.
	BalanceHigh    uint16
	HasBalanceHigh bool

	Power float64 // W, Voltage * Current
}

func (*PackSummary) Kind() Kind { return KindPackSummary }

// Balancing reports whether charge balancing is active on cell (1-based).
func (p *PackSummary) Balancing(cell int) bool {
	switch {
	case cell >= 1 && cell <= 16:
		return p.Balance&(1<<(cell-1)) != 0
	case cell >= 17 && cell <= 32 && p.HasBalanceHigh:
		return p.BalanceHigh&(1<<(cell-17)) != 0
	default:
		return false
	}
}

// DecodePackSummary parses an 18 or 20 byte pack-info frame.
func DecodePackSummary(data []byte) (*PackSummary, error) {
	if !hasHeader(data, RegPackInfo) {
		return nil, malformed(KindPackSummary, data, "missing dd03 header")
	}
	if len(data) != packSummaryLen && len(data) != packSummaryWithHighLen {
		return nil, malformed(KindPackSummary, data, "want %d or %d bytes", packSummaryLen, packSummaryWithHighLen)
	}
	if data[2] != 0x00 {
		return nil, malformed(KindPackSummary, data, "device status 0x%02x", data[2])
	}

	word := func(i int) uint16 {
		off := headerLen + 2*i
		return binary.BigEndian.Uint16(data[off : off+2])
	}

	p := &PackSummary{
		Voltage:           fixedPoint(word(0)),
		Current:           float64(int16(word(1))) / 100,
		RemainingCapacity: fixedPoint(word(2)),
		RatedCapacity:     fixedPoint(word(3)),
		Cycles:            word(4),
		ManufactureDate:   word(5),
		Balance:           word(6),
	}
	if len(data) == packSummaryWithHighLen {
		p.BalanceHigh = word(7)
		p.HasBalanceHigh = true
	}
	p.Power = p.Voltage * p.Current

	return p, nil
}

// fixedPoint widens before dividing so 1250 becomes 12.50
func fixedPoint(raw uint16) float64 {
	return float64(raw) / 100
}
