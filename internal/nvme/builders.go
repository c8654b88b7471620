package nvme

// AccessFrequency is the DSM access frequency hint (CDW13 bits 3:0)
type AccessFrequency uint8

const (
	FreqNone         AccessFrequency = 0x0
	FreqTypical      AccessFrequency = 0x1
	FreqInfrequent   AccessFrequency = 0x2
	FreqInfrequentRW AccessFrequency = 0x3 // infrequent writes, frequent reads
	FreqFrequentRW   AccessFrequency = 0x4 // frequent writes, infrequent reads
	FreqInfrequentWR AccessFrequency = 0x5
	FreqFrequent     AccessFrequency = 0x6
	FreqOneTime      AccessFrequency = 0x7
	FreqSpeculative  AccessFrequency = 0x8
	FreqOverwrite    AccessFrequency = 0x9
)

// AccessLatency is the DSM access latency hint (CDW13 bits 5:4)
type AccessLatency uint8

const (
	LatencyNone   AccessLatency = 0x0
	LatencyIdle   AccessLatency = 0x1
	LatencyNormal AccessLatency = 0x2
	LatencyLow    AccessLatency = 0x3
)

// Hints are the optional dataset management attributes of a read or write
type Hints struct {
	Frequency      AccessFrequency
	Latency        AccessLatency
	Sequential     bool
	Incompressible bool
}

// DSM packs the hints into the low byte of CDW13
func (h Hints) DSM() uint32 {
	v := uint32(h.Frequency&0xf) | uint32(h.Latency&0x3)<<4
	if h.Sequential {
		v |= 1 << 6
	}
	if h.Incompressible {
		v |= 1 << 7
	}
	return v
}

// DecodeHints unpacks CDW13 into hints
func DecodeHints(cdw13 uint32) Hints {
	return Hints{
		Frequency:      AccessFrequency(cdw13 & 0xf),
		Latency:        AccessLatency((cdw13 >> 4) & 0x3),
		Sequential:     cdw13&(1<<6) != 0,
		Incompressible: cdw13&(1<<7) != 0,
	}
}

// CDW12 flags of read and write commands
const (
	RWForceUnitAccess uint32 = 1 << 30
	RWLimitedRetry    uint32 = 1 << 31
)

// ReadWrite builds an NVM read or write. nlb is the 1-based block count; the
// caller fills the command id and data pointers.
func ReadWrite(opcode uint8, nsid uint32, slba uint64, nlb uint16, fua bool, hints Hints) SubmissionEntry {
	cdw12 := uint32(nlb-1) & 0xffff
	if fua {
		cdw12 |= RWForceUnitAccess
	}
	return SubmissionEntry{
		Opcode: opcode,
		NSID:   nsid,
		CDW10:  uint32(slba),
		CDW11:  uint32(slba >> 32),
		CDW12:  cdw12,
		CDW13:  hints.DSM(),
	}
}

// StartLBA returns the SLBA field of a read or write
func (e *SubmissionEntry) StartLBA() uint64 {
	return uint64(e.CDW11)<<32 | uint64(e.CDW10)
}

// NumBlocks returns the 1-based block count of a read or write
func (e *SubmissionEntry) NumBlocks() int {
	return int(e.CDW12&0xffff) + 1
}

// Flush builds an NVM flush for a namespace
func Flush(nsid uint32) SubmissionEntry {
	return SubmissionEntry{Opcode: CmdFlush, NSID: nsid}
}

// Identify builds an Identify command for the given CNS value
func Identify(cns uint8, nsid uint32, prp1 uint64) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminIdentify,
		NSID:   nsid,
		PRP1:   prp1,
		CDW10:  uint32(cns),
	}
}

// CreateIOCQ builds a Create I/O Completion Queue command for a physically
// contiguous queue. qsize is 1-based.
func CreateIOCQ(qid uint16, qsize int, prp1 uint64, vector uint16, interrupts bool) SubmissionEntry {
	cdw11 := uint32(vector)<<16 | 1 // PC
	if interrupts {
		cdw11 |= 1 << 1 // IEN
	}
	return SubmissionEntry{
		Opcode: AdminCreateIOCQ,
		PRP1:   prp1,
		CDW10:  uint32(qsize-1)<<16 | uint32(qid),
		CDW11:  cdw11,
	}
}

// CreateIOSQ builds a Create I/O Submission Queue command bound to cqid
func CreateIOSQ(qid uint16, qsize int, prp1 uint64, cqid uint16, priority uint8) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminCreateIOSQ,
		PRP1:   prp1,
		CDW10:  uint32(qsize-1)<<16 | uint32(qid),
		CDW11:  uint32(cqid)<<16 | uint32(priority&0x3)<<1 | 1,
	}
}

// DeleteIOSQ builds a Delete I/O Submission Queue command
func DeleteIOSQ(qid uint16) SubmissionEntry {
	return SubmissionEntry{Opcode: AdminDeleteIOSQ, CDW10: uint32(qid)}
}

// DeleteIOCQ builds a Delete I/O Completion Queue command
func DeleteIOCQ(qid uint16) SubmissionEntry {
	return SubmissionEntry{Opcode: AdminDeleteIOCQ, CDW10: uint32(qid)}
}

// QueueCreateArgs is the decoded form of a create queue command
type QueueCreateArgs struct {
	QID        uint16
	Size       int
	CQID       uint16 // SQ only
	Vector     uint16 // CQ only
	Interrupts bool   // CQ only
	Contiguous bool
}

// DecodeQueueCreate decodes CDW10/CDW11 of a create queue command
func DecodeQueueCreate(e *SubmissionEntry) QueueCreateArgs {
	a := QueueCreateArgs{
		QID:        uint16(e.CDW10),
		Size:       int(e.CDW10>>16) + 1,
		Contiguous: e.CDW11&1 != 0,
	}
	if e.Opcode == AdminCreateIOCQ {
		a.Vector = uint16(e.CDW11 >> 16)
		a.Interrupts = e.CDW11&(1<<1) != 0
	} else {
		a.CQID = uint16(e.CDW11 >> 16)
	}
	return a
}

// SetFeatures builds a Set Features command
func SetFeatures(fid uint8, cdw11 uint32) SubmissionEntry {
	return SubmissionEntry{Opcode: AdminSetFeatures, CDW10: uint32(fid), CDW11: cdw11}
}

// GetFeatures builds a Get Features command for the current value
func GetFeatures(fid uint8, cdw11 uint32) SubmissionEntry {
	return SubmissionEntry{Opcode: AdminGetFeatures, CDW10: uint32(fid), CDW11: cdw11}
}

// NumberOfQueues packs the Number of Queues feature from 1-based counts
func NumberOfQueues(nsq, ncq int) uint32 {
	return uint32(ncq-1)<<16 | uint32(nsq-1)&0xffff
}

// DecodeNumberOfQueues unpacks the Number of Queues completion result into
// 1-based allocated counts
func DecodeNumberOfQueues(result uint32) (nsq, ncq int) {
	return int(result&0xffff) + 1, int(result>>16) + 1
}

// InterruptCoalescing packs the Interrupt Coalescing feature. threshold is
// the 1-based aggregation threshold; time is in 100 microsecond units.
func InterruptCoalescing(threshold int, time uint8) uint32 {
	var thr uint32
	if threshold > 0 {
		thr = uint32(threshold-1) & 0xff
	}
	return uint32(time)<<8 | thr
}

// DecodeInterruptCoalescing returns the 1-based threshold and time
func DecodeInterruptCoalescing(v uint32) (threshold int, time uint8) {
	return int(v&0xff) + 1, uint8(v >> 8)
}

// InterruptVectorConfig packs the Interrupt Vector Configuration feature.
// disableCoalescing sets CD for the vector.
func InterruptVectorConfig(vector uint16, disableCoalescing bool) uint32 {
	v := uint32(vector)
	if disableCoalescing {
		v |= 1 << 16
	}
	return v
}

// FormatNVM builds a Format NVM command selecting an LBA format
func FormatNVM(nsid uint32, lbaf uint8, secureErase uint8) SubmissionEntry {
	return SubmissionEntry{
		Opcode: AdminFormatNVM,
		NSID:   nsid,
		CDW10:  uint32(lbaf&0xf) | uint32(secureErase&0x7)<<9,
	}
}
