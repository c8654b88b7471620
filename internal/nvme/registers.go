package nvme

import (
	"fmt"
	"time"
)

// Controller register offsets within BAR0
const (
	RegCAP   uint32 = 0x00 // Controller Capabilities (64-bit)
	RegVS    uint32 = 0x08 // Version
	RegINTMS uint32 = 0x0C // Interrupt Mask Set
	RegINTMC uint32 = 0x10 // Interrupt Mask Clear
	RegCC    uint32 = 0x14 // Controller Configuration
	RegCSTS  uint32 = 0x1C // Controller Status
	RegNSSR  uint32 = 0x20 // NVM Subsystem Reset
	RegAQA   uint32 = 0x24 // Admin Queue Attributes
	RegASQ   uint32 = 0x28 // Admin SQ Base Address (64-bit)
	RegACQ   uint32 = 0x30 // Admin CQ Base Address (64-bit)

	// DoorbellBase is the offset of the SQ0 tail doorbell
	DoorbellBase uint32 = 0x1000
)

// CC fields
const (
	CCEnable       uint32 = 1 << 0
	ccCSSShift            = 4
	ccMPSShift            = 7
	ccAMSShift            = 11
	ccSHNShift            = 14
	ccIOSQESShift         = 16
	ccIOCQESShift         = 20
	CCShutdownMask uint32 = 0x3 << ccSHNShift

	// CCShutdownNormal requests a normal shutdown (SHN = 01b)
	CCShutdownNormal uint32 = 0x1 << ccSHNShift
	// CCShutdownAbrupt requests an abrupt shutdown (SHN = 10b)
	CCShutdownAbrupt uint32 = 0x2 << ccSHNShift
)

// CSTS fields
const (
	CSTSReady uint32 = 1 << 0
	CSTSFatal uint32 = 1 << 1

	cstsSHSTShift        = 2
	CSTSShutdownMask     = 0x3 << cstsSHSTShift
	CSTSShutdownOccuring = 0x1 << cstsSHSTShift
	CSTSShutdownComplete = 0x2 << cstsSHSTShift
)

// CAP.CSS bit for the NVM command set
const CapCSSNVM uint8 = 1 << 0

// Capabilities is the decoded CAP register
type Capabilities struct {
	MQES   uint16 // Maximum Queue Entries Supported (0-based)
	CQR    bool   // Contiguous Queues Required
	AMS    uint8  // Arbitration Mechanism Supported
	TO     uint8  // Timeout in 500ms units
	DSTRD  uint8  // Doorbell Stride (2^(2+DSTRD) bytes)
	NSSRS  bool   // NVM Subsystem Reset Supported
	CSS    uint8  // Command Sets Supported
	MPSMIN uint8  // Memory Page Size Minimum (2^(12+MPSMIN))
	MPSMAX uint8  // Memory Page Size Maximum (2^(12+MPSMAX))
}

// DecodeCapabilities decodes a raw CAP value
func DecodeCapabilities(v uint64) Capabilities {
	return Capabilities{
		MQES:   uint16(v & 0xffff),
		CQR:    v&(1<<16) != 0,
		AMS:    uint8(v>>17) & 0x3,
		TO:     uint8(v >> 24),
		DSTRD:  uint8(v>>32) & 0xf,
		NSSRS:  v&(1<<36) != 0,
		CSS:    uint8(v >> 37),
		MPSMIN: uint8(v>>48) & 0xf,
		MPSMAX: uint8(v>>52) & 0xf,
	}
}

// Encode packs the capabilities back into a CAP value
func (c Capabilities) Encode() uint64 {
	v := uint64(c.MQES)
	if c.CQR {
		v |= 1 << 16
	}
	v |= uint64(c.AMS&0x3) << 17
	v |= uint64(c.TO) << 24
	v |= uint64(c.DSTRD&0xf) << 32
	if c.NSSRS {
		v |= 1 << 36
	}
	v |= uint64(c.CSS) << 37
	v |= uint64(c.MPSMIN&0xf) << 48
	v |= uint64(c.MPSMAX&0xf) << 52
	return v
}

// MaxQueueEntries returns the largest queue depth the controller accepts
func (c Capabilities) MaxQueueEntries() int {
	return int(c.MQES) + 1
}

// Timeout returns the worst case time to wait for CSTS.RDY transitions
func (c Capabilities) Timeout() time.Duration {
	return time.Duration(c.TO) * 500 * time.Millisecond
}

// DoorbellStride returns the doorbell stride in bytes
func (c Capabilities) DoorbellStride() uint32 {
	return 4 << c.DSTRD
}

// SupportsNVM reports whether the NVM command set is available
func (c Capabilities) SupportsNVM() bool {
	return c.CSS&CapCSSNVM != 0
}

// SupportsPageSize reports whether a host page size fits MPSMIN..MPSMAX
func (c Capabilities) SupportsPageSize(pageSize int) bool {
	mps, ok := PageShift(pageSize)
	if !ok || mps < 12 {
		return false
	}
	m := uint8(mps - 12)
	return m >= c.MPSMIN && m <= c.MPSMAX
}

// PageShift returns log2(pageSize) when pageSize is a power of two
func PageShift(pageSize int) (uint, bool) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return 0, false
	}
	var shift uint
	for (1 << shift) < pageSize {
		shift++
	}
	return shift, true
}

func (c Capabilities) String() string {
	return fmt.Sprintf("mqes=%d dstrd=%d to=%s css=%#x mps=[%d,%d] cqr=%v",
		c.MaxQueueEntries(), c.DSTRD, c.Timeout(), c.CSS,
		4096<<c.MPSMIN, 4096<<c.MPSMAX, c.CQR)
}

// DoorbellOffset returns the register offset of a queue's doorbell:
// 0x1000 + (2*qid + isCQ) * (4 << DSTRD)
func DoorbellOffset(qid uint16, completion bool, dstrd uint8) uint32 {
	idx := 2 * uint32(qid)
	if completion {
		idx++
	}
	return DoorbellBase + idx*(4<<dstrd)
}

// ControllerConfig builds a CC value with EN clear. pageShift is log2 of the
// host memory page size.
func ControllerConfig(pageShift uint) uint32 {
	var cc uint32
	cc |= 0 << ccCSSShift // NVM command set
	cc |= uint32(pageShift-12) << ccMPSShift
	cc |= 0 << ccAMSShift // round robin
	cc |= SQES << ccIOSQESShift
	cc |= CQES << ccIOCQESShift
	return cc
}

// CCPageShift extracts log2 of the memory page size from a CC value
func CCPageShift(cc uint32) uint {
	return uint((cc>>ccMPSShift)&0xf) + 12
}

// CCEntrySizes extracts IOSQES and IOCQES from a CC value
func CCEntrySizes(cc uint32) (sqes, cqes uint8) {
	return uint8(cc>>ccIOSQESShift) & 0xf, uint8(cc>>ccIOCQESShift) & 0xf
}

// AdminQueueAttributes packs AQA from 1-based queue sizes
func AdminQueueAttributes(sqSize, cqSize int) uint32 {
	return uint32(cqSize-1)&0xfff<<16 | uint32(sqSize-1)&0xfff
}

// DecodeAdminQueueAttributes returns 1-based admin SQ and CQ sizes
func DecodeAdminQueueAttributes(aqa uint32) (sqSize, cqSize int) {
	return int(aqa&0xfff) + 1, int((aqa>>16)&0xfff) + 1
}

// Version is the decoded VS register
type Version struct {
	Major    uint16
	Minor    uint8
	Tertiary uint8
}

// DecodeVersion decodes a raw VS value
func DecodeVersion(v uint32) Version {
	return Version{Major: uint16(v >> 16), Minor: uint8(v >> 8), Tertiary: uint8(v)}
}

// Encode packs the version back into a VS value
func (v Version) Encode() uint32 {
	return uint32(v.Major)<<16 | uint32(v.Minor)<<8 | uint32(v.Tertiary)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Tertiary)
}
