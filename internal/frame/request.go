package frame

// Request builds a read request for register reg:
// dd a5 <reg> 00 <checksum hi> <checksum lo> 77
func Request(reg byte) []byte {
	const length = 0x00
	sum := uint16(0x10000 - (int(reg) + length))
	return []byte{StartByte, 0xa5, reg, length, byte(sum >> 8), byte(sum), EndByte}
}

// Fixed requests issued every poll cycle
var (
	PackInfoRequest     = Request(RegPackInfo)     // dd a5 03 00 ff fd 77
	CellVoltageRequest  = Request(RegCellVoltages) // dd a5 04 00 ff fc 77
	DefaultPollRequests = [][]byte{PackInfoRequest, CellVoltageRequest}
)
