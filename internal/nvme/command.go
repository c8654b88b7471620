// Package nvme holds the NVMe wire format: submission and completion entries,
// controller registers, and the admin/NVM command layouts built on them.
//
// Entries are encoded at explicit little-endian byte offsets rather than by
// overlaying Go structs on DMA memory.
package nvme

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-unvme/internal/errs"
)

const (
	// SubmissionEntrySize is the size of one SQ slot (CC.IOSQES = 6)
	SubmissionEntrySize = 64
	// CompletionEntrySize is the size of one CQ slot (CC.IOCQES = 4)
	CompletionEntrySize = 16

	// SQES and CQES are the log2 entry sizes programmed into CC
	SQES = 6
	CQES = 4
)

// ErrShortBuffer is returned when an entry is decoded from a buffer that is too small
var ErrShortBuffer = errors.New("nvme: buffer too small for entry")

// SubmissionEntry is a 64-byte submission queue entry.
//
//	0      opcode
//	1      flags (FUSE 1:0, PSDT 7:6)
//	2..3   command id
//	4..7   nsid
//	8..15  reserved (cdw2, cdw3)
//	16..23 metadata pointer
//	24..31 PRP1
//	32..39 PRP2
//	40..63 cdw10..cdw15
type SubmissionEntry struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	CDW2      uint32
	CDW3      uint32
	MPTR      uint64
	PRP1      uint64
	PRP2      uint64
	CDW10     uint32
	CDW11     uint32
	CDW12     uint32
	CDW13     uint32
	CDW14     uint32
	CDW15     uint32
}

// Compile-time size check - the in-memory struct mirrors the wire layout
var _ [SubmissionEntrySize]byte = [unsafe.Sizeof(SubmissionEntry{})]byte{}

// Encode writes the entry into b, which must hold at least 64 bytes
func (e *SubmissionEntry) Encode(b []byte) {
	_ = b[SubmissionEntrySize-1]
	b[0] = e.Opcode
	b[1] = e.Flags
	binary.LittleEndian.PutUint16(b[2:4], e.CommandID)
	binary.LittleEndian.PutUint32(b[4:8], e.NSID)
	binary.LittleEndian.PutUint32(b[8:12], e.CDW2)
	binary.LittleEndian.PutUint32(b[12:16], e.CDW3)
	binary.LittleEndian.PutUint64(b[16:24], e.MPTR)
	binary.LittleEndian.PutUint64(b[24:32], e.PRP1)
	binary.LittleEndian.PutUint64(b[32:40], e.PRP2)
	binary.LittleEndian.PutUint32(b[40:44], e.CDW10)
	binary.LittleEndian.PutUint32(b[44:48], e.CDW11)
	binary.LittleEndian.PutUint32(b[48:52], e.CDW12)
	binary.LittleEndian.PutUint32(b[52:56], e.CDW13)
	binary.LittleEndian.PutUint32(b[56:60], e.CDW14)
	binary.LittleEndian.PutUint32(b[60:64], e.CDW15)
}

// DecodeSubmission reads a submission entry from b
func DecodeSubmission(b []byte) (SubmissionEntry, error) {
	if len(b) < SubmissionEntrySize {
		return SubmissionEntry{}, ErrShortBuffer
	}
	return SubmissionEntry{
		Opcode:    b[0],
		Flags:     b[1],
		CommandID: binary.LittleEndian.Uint16(b[2:4]),
		NSID:      binary.LittleEndian.Uint32(b[4:8]),
		CDW2:      binary.LittleEndian.Uint32(b[8:12]),
		CDW3:      binary.LittleEndian.Uint32(b[12:16]),
		MPTR:      binary.LittleEndian.Uint64(b[16:24]),
		PRP1:      binary.LittleEndian.Uint64(b[24:32]),
		PRP2:      binary.LittleEndian.Uint64(b[32:40]),
		CDW10:     binary.LittleEndian.Uint32(b[40:44]),
		CDW11:     binary.LittleEndian.Uint32(b[44:48]),
		CDW12:     binary.LittleEndian.Uint32(b[48:52]),
		CDW13:     binary.LittleEndian.Uint32(b[52:56]),
		CDW14:     binary.LittleEndian.Uint32(b[56:60]),
		CDW15:     binary.LittleEndian.Uint32(b[60:64]),
	}, nil
}

// Completion is a 16-byte completion queue entry.
//
//	0..3   command specific result (DW0)
//	4..7   reserved (DW1)
//	8..9   SQ head pointer
//	10..11 SQ identifier
//	12..13 command id
//	14..15 phase tag (bit 0), status field (bits 15:1)
type Completion struct {
	Result    uint32
	Reserved  uint32
	SQHead    uint16
	SQID      uint16
	CommandID uint16
	Phase     bool
	Status    Status
}

// dw3Offset is the dword holding command id, phase tag and status. The
// controller writes it last, so it is accessed with a single atomic 32-bit
// operation; the native byte order matches the wire on little-endian hosts.
const dw3Offset = 12

func dw3(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[dw3Offset]))
}

// Encode writes the completion into b, which must hold at least 16 bytes and
// be 4-byte aligned. The phase-carrying dword is published last.
func (c *Completion) Encode(b []byte) {
	_ = b[CompletionEntrySize-1]
	binary.LittleEndian.PutUint32(b[0:4], c.Result)
	binary.LittleEndian.PutUint32(b[4:8], c.Reserved)
	binary.LittleEndian.PutUint16(b[8:10], c.SQHead)
	binary.LittleEndian.PutUint16(b[10:12], c.SQID)
	word := uint32(c.Status) << 1
	if c.Phase {
		word |= 1
	}
	atomic.StoreUint32(dw3(b), uint32(c.CommandID)|word<<16)
}

// DecodeCompletion reads a completion entry from b
func DecodeCompletion(b []byte) (Completion, error) {
	if len(b) < CompletionEntrySize {
		return Completion{}, ErrShortBuffer
	}
	v := atomic.LoadUint32(dw3(b))
	word := uint16(v >> 16)
	return Completion{
		Result:    binary.LittleEndian.Uint32(b[0:4]),
		Reserved:  binary.LittleEndian.Uint32(b[4:8]),
		SQHead:    binary.LittleEndian.Uint16(b[8:10]),
		SQID:      binary.LittleEndian.Uint16(b[10:12]),
		CommandID: uint16(v),
		Phase:     word&1 == 1,
		Status:    Status(word >> 1),
	}, nil
}

// PhaseAt returns the phase tag of the completion stored in b without
// decoding the rest of the entry
func PhaseAt(b []byte) bool {
	return atomic.LoadUint32(dw3(b))&(1<<16) != 0
}

// Status is the 15-bit status field of a completion entry.
//
//	7:0   SC  status code
//	10:8  SCT status code type
//	12:11 CRD command retry delay
//	13    M   more
//	14    DNR do not retry
type Status uint16

// NewStatus packs a status code type and code
func NewStatus(sct, sc uint8) Status {
	return Status(uint16(sct&0x7)<<8 | uint16(sc))
}

func (s Status) SC() uint8  { return uint8(s & 0xff) }
func (s Status) SCT() uint8 { return uint8(s>>8) & 0x7 }
func (s Status) CRD() uint8 { return uint8(s>>11) & 0x3 }
func (s Status) More() bool { return s&(1<<13) != 0 }
func (s Status) DNR() bool  { return s&(1<<14) != 0 }
func (s Status) OK() bool   { return s.SC() == 0 && s.SCT() == 0 }

// WithDNR sets the do-not-retry bit
func (s Status) WithDNR() Status { return s | 1<<14 }

// Err returns nil for a successful status, otherwise a *errs.StatusError
func (s Status) Err() error {
	if s.OK() {
		return nil
	}
	return &errs.StatusError{
		SCT:  s.SCT(),
		SC:   s.SC(),
		CRD:  s.CRD(),
		More: s.More(),
		DNR:  s.DNR(),
	}
}

func (s Status) String() string {
	if s.OK() {
		return "success"
	}
	return fmt.Sprintf("sct=%#x sc=%#02x", s.SCT(), s.SC())
}

// Generic command status codes used by this package and the emulator
const (
	SCSuccess           uint8 = 0x00
	SCInvalidOpcode     uint8 = 0x01
	SCInvalidField      uint8 = 0x02
	SCDataTransferError uint8 = 0x04
	SCInternalError     uint8 = 0x06
	SCAbortSQDeleted    uint8 = 0x08
	SCInvalidNamespace  uint8 = 0x0B
	SCLBAOutOfRange     uint8 = 0x80

	// Command specific (SCT 1)
	SCInvalidQueueID     uint8 = 0x01
	SCInvalidQueueSize   uint8 = 0x02
	SCInvalidCQ          uint8 = 0x00
	SCInvalidVector      uint8 = 0x08
	SCInvalidQueueDelete uint8 = 0x0C

	// Media errors (SCT 2)
	SCWriteFault      uint8 = 0x80
	SCUnrecoveredRead uint8 = 0x81
)
