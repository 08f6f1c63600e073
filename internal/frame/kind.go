package frame

// Kind identifies the layout of a notification frame
type Kind int

const (
	KindUnrecognized Kind = iota
	KindPackSummary
	KindCellVoltages
	KindPackStatus
)

// Frame markers
const (
	StartByte = 0xdd
	EndByte   = 0x77

	RegPackInfo     = 0x03
	RegCellVoltages = 0x04
)

// Status frame lengths: 2 or 4 temperature sensors
const (
	packStatusShortLen = 14
	packStatusLongLen  = 18
)

func (k Kind) String() string {
	switch k {
	case KindPackSummary:
		return "pack_summary"
	case KindCellVoltages:
		return "cell_voltages"
	case KindPackStatus:
		return "pack_status"
	default:
		return "unrecognized"
	}
}

// Classify determines which decoder applies to data. It is total: every buffer,
// including nil, maps to exactly one Kind.
//
// Rules are checked in priority order and the first match wins:
// cell-voltage header, pack-info header, then the length/trailer check for the
// status continuation frame.
func Classify(data []byte) Kind {
	switch {
	case hasHeader(data, RegCellVoltages):
		return KindCellVoltages
	case hasHeader(data, RegPackInfo):
		return KindPackSummary
	case isStatusContinuation(data):
		return KindPackStatus
	default:
		return KindUnrecognized
	}
}

func hasHeader(data []byte, reg byte) bool {
	return len(data) >= 2 && data[0] == StartByte && data[1] == reg
}

// The status frame is the tail of the 0x03 response and carries no header,
// only the trailer byte and one of two fixed lengths.
func isStatusContinuation(data []byte) bool {
	n := len(data)
	if n != packStatusShortLen && n != packStatusLongLen {
		return false
	}
	return data[n-1] == EndByte
}
