package nvme

// Admin command opcodes
const (
	AdminDeleteIOSQ  uint8 = 0x00
	AdminCreateIOSQ  uint8 = 0x01
	AdminGetLogPage  uint8 = 0x02
	AdminDeleteIOCQ  uint8 = 0x04
	AdminCreateIOCQ  uint8 = 0x05
	AdminIdentify    uint8 = 0x06
	AdminAbort       uint8 = 0x08
	AdminSetFeatures uint8 = 0x09
	AdminGetFeatures uint8 = 0x0A
	AdminAsyncEvent  uint8 = 0x0C
	AdminKeepAlive   uint8 = 0x18
	AdminFormatNVM   uint8 = 0x80
)

// NVM command set opcodes
const (
	CmdFlush uint8 = 0x00
	CmdWrite uint8 = 0x01
	CmdRead  uint8 = 0x02
)

// Identify CNS values (CDW10 bits 7:0)
const (
	CNSNamespace       uint8 = 0x00
	CNSController      uint8 = 0x01
	CNSActiveNamespace uint8 = 0x02
)

// Feature identifiers (CDW10 bits 7:0 of Get/Set Features)
const (
	FeatArbitration         uint8 = 0x01
	FeatPowerManagement     uint8 = 0x02
	FeatVolatileWriteCache  uint8 = 0x06
	FeatNumberOfQueues      uint8 = 0x07
	FeatInterruptCoalescing uint8 = 0x08
	FeatInterruptVectorConf uint8 = 0x09
)

// AdminOpName returns a short name for an admin opcode, used in logs and errors
func AdminOpName(op uint8) string {
	switch op {
	case AdminDeleteIOSQ:
		return "DELETE_IO_SQ"
	case AdminCreateIOSQ:
		return "CREATE_IO_SQ"
	case AdminGetLogPage:
		return "GET_LOG_PAGE"
	case AdminDeleteIOCQ:
		return "DELETE_IO_CQ"
	case AdminCreateIOCQ:
		return "CREATE_IO_CQ"
	case AdminIdentify:
		return "IDENTIFY"
	case AdminAbort:
		return "ABORT"
	case AdminSetFeatures:
		return "SET_FEATURES"
	case AdminGetFeatures:
		return "GET_FEATURES"
	case AdminAsyncEvent:
		return "ASYNC_EVENT"
	case AdminKeepAlive:
		return "KEEP_ALIVE"
	case AdminFormatNVM:
		return "FORMAT_NVM"
	default:
		return "UNKNOWN"
	}
}

// IOOpName returns a short name for an NVM command set opcode
func IOOpName(op uint8) string {
	switch op {
	case CmdFlush:
		return "FLUSH"
	case CmdWrite:
		return "WRITE"
	case CmdRead:
		return "READ"
	default:
		return "UNKNOWN"
	}
}
