package nvme

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-unvme/internal/errs"
)

func TestSubmissionEntryOffsets(t *testing.T) {
	e := SubmissionEntry{
		Opcode:    CmdWrite,
		Flags:     0x40,
		CommandID: 0x1234,
		NSID:      1,
		MPTR:      0xAABBCCDD,
		PRP1:      0x1000,
		PRP2:      0x2000,
		CDW10:     2,
		CDW11:     0,
		CDW12:     7,
		CDW13:     0x41,
		CDW15:     0xdeadbeef,
	}
	b := make([]byte, SubmissionEntrySize)
	e.Encode(b)

	assert.Equal(t, CmdWrite, b[0])
	assert.Equal(t, uint8(0x40), b[1])
	assert.Equal(t, uint16(0x1234), binary.LittleEndian.Uint16(b[2:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(b[4:]))
	assert.Equal(t, uint64(0xAABBCCDD), binary.LittleEndian.Uint64(b[16:]))
	assert.Equal(t, uint64(0x1000), binary.LittleEndian.Uint64(b[24:]))
	assert.Equal(t, uint64(0x2000), binary.LittleEndian.Uint64(b[32:]))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[40:]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(b[48:]))
	assert.Equal(t, uint32(0x41), binary.LittleEndian.Uint32(b[52:]))
	assert.Equal(t, uint32(0xdeadbeef), binary.LittleEndian.Uint32(b[60:]))

	got, err := DecodeSubmission(b)
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = DecodeSubmission(b[:63])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestCompletionPhaseAndStatus(t *testing.T) {
	b := make([]byte, CompletionEntrySize)
	c := Completion{
		Result:    0x00030003,
		SQHead:    5,
		SQID:      1,
		CommandID: 9,
		Phase:     true,
		Status:    NewStatus(errs.SCTMediaError, SCUnrecoveredRead).WithDNR(),
	}
	c.Encode(b)

	// phase is bit 0 of the last word, status is bits 15:1
	word := binary.LittleEndian.Uint16(b[14:])
	assert.Equal(t, uint16(1), word&1)
	assert.Equal(t, uint16(c.Status), word>>1)
	assert.True(t, PhaseAt(b))

	got, err := DecodeCompletion(b)
	require.NoError(t, err)
	assert.Equal(t, c, got)
	assert.Equal(t, uint8(2), got.Status.SCT())
	assert.Equal(t, SCUnrecoveredRead, got.Status.SC())
	assert.True(t, got.Status.DNR())
	assert.False(t, got.Status.More())
	assert.False(t, got.Status.OK())

	var st *errs.StatusError
	require.True(t, errors.As(got.Status.Err(), &st))
	assert.Equal(t, "unrecovered read error", st.Name())
	assert.True(t, st.DNR)

	assert.NoError(t, Status(0).Err())
	assert.Equal(t, "success", Status(0).String())
}

func TestStatusFieldBits(t *testing.T) {
	s := Status(0x7fff)
	assert.Equal(t, uint8(0xff), s.SC())
	assert.Equal(t, uint8(0x7), s.SCT())
	assert.Equal(t, uint8(0x3), s.CRD())
	assert.True(t, s.More())
	assert.True(t, s.DNR())
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities{
		MQES:   1023,
		CQR:    true,
		TO:     20,
		DSTRD:  2,
		CSS:    CapCSSNVM,
		MPSMIN: 0,
		MPSMAX: 4,
	}
	raw := caps.Encode()

	// spot check raw bit positions
	assert.Equal(t, uint64(1023), raw&0xffff)
	assert.NotZero(t, raw&(1<<16))
	assert.Equal(t, uint64(20), (raw>>24)&0xff)
	assert.Equal(t, uint64(2), (raw>>32)&0xf)
	assert.NotZero(t, raw&(1<<37))
	assert.Equal(t, uint64(4), (raw>>52)&0xf)

	got := DecodeCapabilities(raw)
	assert.Equal(t, caps, got)
	assert.Equal(t, 1024, got.MaxQueueEntries())
	assert.Equal(t, 10*time.Second, got.Timeout())
	assert.Equal(t, uint32(16), got.DoorbellStride())
	assert.True(t, got.SupportsNVM())
	assert.True(t, got.SupportsPageSize(4096))
	assert.True(t, got.SupportsPageSize(65536))
	assert.False(t, got.SupportsPageSize(1<<17))
	assert.False(t, got.SupportsPageSize(3000))
}

func TestDoorbellOffset(t *testing.T) {
	tests := []struct {
		qid   uint16
		cq    bool
		dstrd uint8
		want  uint32
	}{
		{0, false, 0, 0x1000},
		{0, true, 0, 0x1004},
		{1, false, 0, 0x1008},
		{1, true, 0, 0x100C},
		{3, true, 0, 0x101C},
		{1, false, 1, 0x1010},
		{1, true, 2, 0x1030},
	}
	for _, tt := range tests {
		if got := DoorbellOffset(tt.qid, tt.cq, tt.dstrd); got != tt.want {
			t.Errorf("DoorbellOffset(%d, %v, %d) = %#x, want %#x", tt.qid, tt.cq, tt.dstrd, got, tt.want)
		}
	}
}

func TestControllerConfig(t *testing.T) {
	cc := ControllerConfig(12)
	assert.Zero(t, cc&CCEnable)
	assert.Equal(t, uint(12), CCPageShift(cc))
	sqes, cqes := CCEntrySizes(cc)
	assert.Equal(t, uint8(6), sqes)
	assert.Equal(t, uint8(4), cqes)
	// IOSQES bits 19:16, IOCQES bits 23:20
	assert.Equal(t, uint32(0x00460000), cc)

	aqa := AdminQueueAttributes(32, 16)
	assert.Equal(t, uint32(15<<16|31), aqa)
	sq, cq := DecodeAdminQueueAttributes(aqa)
	assert.Equal(t, 32, sq)
	assert.Equal(t, 16, cq)
}

func TestReadWriteBuilder(t *testing.T) {
	hints := Hints{Frequency: FreqFrequent, Latency: LatencyLow, Sequential: true, Incompressible: true}
	e := ReadWrite(CmdRead, 1, 0x1_0000_0002, 8, true, hints)

	assert.Equal(t, CmdRead, e.Opcode)
	assert.Equal(t, uint32(2), e.CDW10)
	assert.Equal(t, uint32(1), e.CDW11)
	assert.Equal(t, uint64(0x1_0000_0002), e.StartLBA())
	assert.Equal(t, 8, e.NumBlocks())
	assert.Equal(t, uint32(7)|RWForceUnitAccess, e.CDW12)
	// freq bits 3:0, latency 5:4, sequential 6, incompressible 7
	assert.Equal(t, uint32(0x6|0x3<<4|1<<6|1<<7), e.CDW13)
	assert.Equal(t, hints, DecodeHints(e.CDW13))
}

func TestQueueCommands(t *testing.T) {
	cq := CreateIOCQ(3, 256, 0xA000, 3, true)
	assert.Equal(t, AdminCreateIOCQ, cq.Opcode)
	assert.Equal(t, uint32(255<<16|3), cq.CDW10)
	assert.Equal(t, uint32(3<<16|0x3), cq.CDW11)
	args := DecodeQueueCreate(&cq)
	assert.Equal(t, QueueCreateArgs{QID: 3, Size: 256, Vector: 3, Interrupts: true, Contiguous: true}, args)

	sq := CreateIOSQ(3, 256, 0xB000, 3, 0)
	assert.Equal(t, uint32(3<<16|1), sq.CDW11)
	args = DecodeQueueCreate(&sq)
	assert.Equal(t, QueueCreateArgs{QID: 3, Size: 256, CQID: 3, Contiguous: true}, args)

	assert.Equal(t, uint32(7), DeleteIOSQ(7).CDW10)
	assert.Equal(t, AdminDeleteIOCQ, DeleteIOCQ(7).Opcode)
}

func TestFeatureEncoding(t *testing.T) {
	v := NumberOfQueues(4, 4)
	assert.Equal(t, uint32(3<<16|3), v)
	nsq, ncq := DecodeNumberOfQueues(v)
	assert.Equal(t, 4, nsq)
	assert.Equal(t, 4, ncq)

	ic := InterruptCoalescing(8, 10)
	assert.Equal(t, uint32(10<<8|7), ic)
	thr, tm := DecodeInterruptCoalescing(ic)
	assert.Equal(t, 8, thr)
	assert.Equal(t, uint8(10), tm)

	assert.Equal(t, uint32(1<<16|2), InterruptVectorConfig(2, true))
	assert.Equal(t, uint32(2), InterruptVectorConfig(2, false))

	f := FormatNVM(1, 2, 1)
	assert.Equal(t, uint32(2|1<<9), f.CDW10)
}

func TestIdentifyControllerRoundTrip(t *testing.T) {
	id := &IdentifyController{
		VID:    0x1b36,
		SN:     []byte("EMU0001"),
		MN:     []byte("unvme emulated controller"),
		FR:     []byte("1.0"),
		MDTS:   5,
		CNTLID: 1,
		VER:    Version{Major: 1, Minor: 4}.Encode(),
		SQES:   0x66,
		CQES:   0x44,
		NN:     2,
		VWC:    1,
		SUBNQN: []byte("nqn.2014-08.org.nvmexpress:uuid:emu"),
	}
	page, err := id.Marshal()
	require.NoError(t, err)
	require.Len(t, page, IdentifySize)

	// fixed offsets from the Identify Controller layout
	assert.Equal(t, uint16(0x1b36), binary.LittleEndian.Uint16(page[0:]))
	assert.Equal(t, "EMU0001", string(page[4:11]))
	assert.Equal(t, byte(' '), page[11])
	assert.Equal(t, uint8(5), page[77])
	assert.Equal(t, uint8(0x66), page[512])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(page[516:]))
	assert.Equal(t, uint8(1), page[525])
	assert.Equal(t, byte('n'), page[768])

	got, err := ParseIdentifyController(page)
	require.NoError(t, err)
	assert.Equal(t, "EMU0001", got.Serial())
	assert.Equal(t, "unvme emulated controller", got.Model())
	assert.Equal(t, "1.0", got.Firmware())
	assert.Equal(t, "nqn.2014-08.org.nvmexpress:uuid:emu", got.SubsystemNQN())
	assert.Equal(t, 4096<<5, got.MaxTransferSize(4096))
	assert.True(t, got.HasVolatileWriteCache())
	assert.Equal(t, "1.4.0", DecodeVersion(got.VER).String())

	_, err = ParseIdentifyController(page[:100])
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestIdentifyNamespaceRoundTrip(t *testing.T) {
	guid := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	ns := &IdentifyNamespace{
		NSZE:  2048,
		NCAP:  2048,
		NUSE:  2048,
		NLBAF: 1,
		FLBAS: 1,
		NGUID: guid[:],
		LBAF: []uint32{
			LBAFormat{DataSizeShift: 9}.Encode(),
			LBAFormat{DataSizeShift: 12}.Encode(),
		},
	}
	page, err := ns.Marshal()
	require.NoError(t, err)
	require.Len(t, page, IdentifySize)
	assert.Equal(t, uint64(2048), binary.LittleEndian.Uint64(page[0:]))
	assert.Equal(t, uint8(1), page[26])
	assert.Equal(t, guid[:], page[104:120])
	assert.Equal(t, uint32(12<<16), binary.LittleEndian.Uint32(page[132:]))

	got, err := ParseIdentifyNamespace(page)
	require.NoError(t, err)
	assert.Equal(t, 4096, got.BlockSize())
	assert.Equal(t, guid, got.GUID())
	formats := got.Formats()
	require.Len(t, formats, 2)
	assert.Equal(t, 512, formats[0].BlockSize())
}

func TestActiveNamespaceList(t *testing.T) {
	page := make([]byte, IdentifySize)
	EncodeActiveNamespaceList(page, []uint32{1, 2, 5})
	assert.Equal(t, []uint32{1, 2, 5}, ParseActiveNamespaceList(page))
	assert.Empty(t, ParseActiveNamespaceList(make([]byte, IdentifySize)))
}

func TestOpNames(t *testing.T) {
	assert.Equal(t, "CREATE_IO_CQ", AdminOpName(AdminCreateIOCQ))
	assert.Equal(t, "FORMAT_NVM", AdminOpName(AdminFormatNVM))
	assert.Equal(t, "UNKNOWN", AdminOpName(0x7f))
	assert.Equal(t, "READ", IOOpName(CmdRead))
	assert.Equal(t, "FLUSH", IOOpName(CmdFlush))
}
