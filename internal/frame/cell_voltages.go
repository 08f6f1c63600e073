package frame

import "encoding/binary"

// CellCount is the number of cells carried by one cell-voltage frame
const CellCount = 8

const cellVoltagesLen = headerLen + 2*CellCount

// CellVoltages is decoded from a 0x04 response. Voltages are in millivolts,
// Cells[0] is cell 1.
type CellVoltages struct {
	Cells [CellCount]uint16

	Min      uint16
	MinIndex int // 1-based
	Max      uint16
	MaxIndex int // 1-based
	Delta    uint16
}

func (*CellVoltages) Kind() Kind { return KindCellVoltages }

// DecodeCellVoltages parses a 20-byte cell-voltage frame. All eight cells must
// be present; anything shorter or longer is malformed.
func DecodeCellVoltages(data []byte) (*CellVoltages, error) {
	if !hasHeader(data, RegCellVoltages) {
		return nil, malformed(KindCellVoltages, data, "missing dd04 header")
	}
	if len(data) != cellVoltagesLen {
		return nil, malformed(KindCellVoltages, data, "want %d bytes", cellVoltagesLen)
	}
	if data[2] != 0x00 {
		return nil, malformed(KindCellVoltages, data, "device status 0x%02x", data[2])
	}

	c := &CellVoltages{}
	for i := range c.Cells {
		off := headerLen + 2*i
		c.Cells[i] = binary.BigEndian.Uint16(data[off : off+2])
	}
	c.summarize()

	return c, nil
}

// summarize fills min/max/delta. Ties resolve to the lowest cell index.
func (c *CellVoltages) summarize() {
	c.Min, c.MinIndex = c.Cells[0], 1
	c.Max, c.MaxIndex = c.Cells[0], 1
	for i, v := range c.Cells[1:] {
		if v < c.Min {
			c.Min, c.MinIndex = v, i+2
		}
		if v > c.Max {
			c.Max, c.MaxIndex = v, i+2
		}
	}
	c.Delta = c.Max - c.Min
}
