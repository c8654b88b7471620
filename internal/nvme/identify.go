package nvme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lunixbochs/struc"
)

// IdentifySize is the size of every Identify data structure
const IdentifySize = 4096

// IdentifyController is the subset of the Identify Controller data structure
// (CNS 01h) the driver uses. Reserved and unused ranges are padding.
type IdentifyController struct {
	VID      uint16 `struc:"uint16,little"`
	SSVID    uint16 `struc:"uint16,little"`
	SN       []byte `struc:"[20]byte"`
	MN       []byte `struc:"[40]byte"`
	FR       []byte `struc:"[8]byte"`
	RAB      uint8  `struc:"uint8"`
	IEEE     []byte `struc:"[3]byte"`
	CMIC     uint8  `struc:"uint8"`
	MDTS     uint8  `struc:"uint8"`
	CNTLID   uint16 `struc:"uint16,little"`
	VER      uint32 `struc:"uint32,little"`
	RTD3R    uint32 `struc:"uint32,little"`
	RTD3E    uint32 `struc:"uint32,little"`
	OAES     uint32 `struc:"uint32,little"`
	CTRATT   uint32 `struc:"uint32,little"`
	Rsvd100  []byte `struc:"[156]pad"`
	OACS     uint16 `struc:"uint16,little"`
	ACL      uint8  `struc:"uint8"`
	AERL     uint8  `struc:"uint8"`
	FRMW     uint8  `struc:"uint8"`
	LPA      uint8  `struc:"uint8"`
	ELPE     uint8  `struc:"uint8"`
	NPSS     uint8  `struc:"uint8"`
	AVSCC    uint8  `struc:"uint8"`
	APSTA    uint8  `struc:"uint8"`
	Rsvd266  []byte `struc:"[246]pad"`
	SQES     uint8  `struc:"uint8"`
	CQES     uint8  `struc:"uint8"`
	MAXCMD   uint16 `struc:"uint16,little"`
	NN       uint32 `struc:"uint32,little"`
	ONCS     uint16 `struc:"uint16,little"`
	FUSES    uint16 `struc:"uint16,little"`
	FNA      uint8  `struc:"uint8"`
	VWC      uint8  `struc:"uint8"`
	AWUN     uint16 `struc:"uint16,little"`
	AWUPF    uint16 `struc:"uint16,little"`
	NVSCC    uint8  `struc:"uint8"`
	NWPC     uint8  `struc:"uint8"`
	ACWU     uint16 `struc:"uint16,little"`
	Rsvd534  []byte `struc:"[2]pad"`
	SGLS     uint32 `struc:"uint32,little"`
	MNAN     uint32 `struc:"uint32,little"`
	Rsvd544  []byte `struc:"[224]pad"`
	SUBNQN   []byte `struc:"[256]byte"`
	Rsvd1024 []byte `struc:"[3072]pad"`
}

// ParseIdentifyController decodes a 4096-byte Identify Controller page
func ParseIdentifyController(b []byte) (*IdentifyController, error) {
	if len(b) < IdentifySize {
		return nil, ErrShortBuffer
	}
	id := &IdentifyController{}
	if err := struc.Unpack(bytes.NewReader(b[:IdentifySize]), id); err != nil {
		return nil, fmt.Errorf("decode identify controller: %w", err)
	}
	return id, nil
}

// Marshal encodes the structure into a 4096-byte page
func (id *IdentifyController) Marshal() ([]byte, error) {
	id.SN = fixed(id.SN, 20, ' ')
	id.MN = fixed(id.MN, 40, ' ')
	id.FR = fixed(id.FR, 8, ' ')
	id.IEEE = fixed(id.IEEE, 3, 0)
	id.SUBNQN = fixed(id.SUBNQN, 256, 0)

	var buf bytes.Buffer
	buf.Grow(IdentifySize)
	if err := struc.Pack(&buf, id); err != nil {
		return nil, fmt.Errorf("encode identify controller: %w", err)
	}
	return buf.Bytes(), nil
}

// Serial returns the trimmed serial number
func (id *IdentifyController) Serial() string { return asciiField(id.SN) }

// Model returns the trimmed model number
func (id *IdentifyController) Model() string { return asciiField(id.MN) }

// Firmware returns the trimmed firmware revision
func (id *IdentifyController) Firmware() string { return asciiField(id.FR) }

// SubsystemNQN returns the NVM subsystem qualified name
func (id *IdentifyController) SubsystemNQN() string {
	return strings.TrimRight(string(id.SUBNQN), "\x00 ")
}

// MaxTransferSize returns the largest transfer in bytes, or 0 when unlimited.
// minPageSize is the controller's CAP.MPSMIN page size.
func (id *IdentifyController) MaxTransferSize(minPageSize int) int {
	if id.MDTS == 0 {
		return 0
	}
	return minPageSize << id.MDTS
}

// HasVolatileWriteCache reports whether a volatile write cache is present
func (id *IdentifyController) HasVolatileWriteCache() bool {
	return id.VWC&1 != 0
}

// LBAFormat is one entry of the namespace LBA format table
type LBAFormat struct {
	MetadataSize  uint16
	DataSizeShift uint8 // LBADS, log2 of the block size
	RelativePerf  uint8
}

// BlockSize returns the data size of the format in bytes
func (f LBAFormat) BlockSize() int {
	if f.DataSizeShift < 9 {
		return 0
	}
	return 1 << f.DataSizeShift
}

// Encode packs the format into its 32-bit wire representation
func (f LBAFormat) Encode() uint32 {
	return uint32(f.MetadataSize) | uint32(f.DataSizeShift)<<16 | uint32(f.RelativePerf&0x3)<<24
}

func decodeLBAFormat(v uint32) LBAFormat {
	return LBAFormat{
		MetadataSize:  uint16(v),
		DataSizeShift: uint8(v >> 16),
		RelativePerf:  uint8(v>>24) & 0x3,
	}
}

// IdentifyNamespace is the subset of the Identify Namespace data structure
// (CNS 00h) the driver uses
type IdentifyNamespace struct {
	NSZE    uint64   `struc:"uint64,little"`
	NCAP    uint64   `struc:"uint64,little"`
	NUSE    uint64   `struc:"uint64,little"`
	NSFEAT  uint8    `struc:"uint8"`
	NLBAF   uint8    `struc:"uint8"`
	FLBAS   uint8    `struc:"uint8"`
	MC      uint8    `struc:"uint8"`
	DPC     uint8    `struc:"uint8"`
	DPS     uint8    `struc:"uint8"`
	NMIC    uint8    `struc:"uint8"`
	RESCAP  uint8    `struc:"uint8"`
	FPI     uint8    `struc:"uint8"`
	DLFEAT  uint8    `struc:"uint8"`
	NAWUN   uint16   `struc:"uint16,little"`
	NAWUPF  uint16   `struc:"uint16,little"`
	NACWU   uint16   `struc:"uint16,little"`
	NABSN   uint16   `struc:"uint16,little"`
	NABO    uint16   `struc:"uint16,little"`
	NABSPF  uint16   `struc:"uint16,little"`
	NOIOB   uint16   `struc:"uint16,little"`
	NVMCAP  []byte   `struc:"[16]byte"`
	NPWG    uint16   `struc:"uint16,little"`
	NPWA    uint16   `struc:"uint16,little"`
	NPDG    uint16   `struc:"uint16,little"`
	NPDA    uint16   `struc:"uint16,little"`
	NOWS    uint16   `struc:"uint16,little"`
	Rsvd74  []byte   `struc:"[30]pad"`
	NGUID   []byte   `struc:"[16]byte"`
	EUI64   []byte   `struc:"[8]byte"`
	LBAF    []uint32 `struc:"[16]uint32,little"`
	Rsvd192 []byte   `struc:"[3904]pad"`
}

// ParseIdentifyNamespace decodes a 4096-byte Identify Namespace page
func ParseIdentifyNamespace(b []byte) (*IdentifyNamespace, error) {
	if len(b) < IdentifySize {
		return nil, ErrShortBuffer
	}
	ns := &IdentifyNamespace{}
	if err := struc.Unpack(bytes.NewReader(b[:IdentifySize]), ns); err != nil {
		return nil, fmt.Errorf("decode identify namespace: %w", err)
	}
	return ns, nil
}

// Marshal encodes the structure into a 4096-byte page
func (ns *IdentifyNamespace) Marshal() ([]byte, error) {
	ns.NVMCAP = fixed(ns.NVMCAP, 16, 0)
	ns.NGUID = fixed(ns.NGUID, 16, 0)
	ns.EUI64 = fixed(ns.EUI64, 8, 0)
	if len(ns.LBAF) != 16 {
		lbaf := make([]uint32, 16)
		copy(lbaf, ns.LBAF)
		ns.LBAF = lbaf
	}

	var buf bytes.Buffer
	buf.Grow(IdentifySize)
	if err := struc.Pack(&buf, ns); err != nil {
		return nil, fmt.Errorf("encode identify namespace: %w", err)
	}
	return buf.Bytes(), nil
}

// Format returns the LBA format currently in use (FLBAS bits 3:0)
func (ns *IdentifyNamespace) Format() LBAFormat {
	idx := int(ns.FLBAS & 0xf)
	if idx >= len(ns.LBAF) {
		return LBAFormat{}
	}
	return decodeLBAFormat(ns.LBAF[idx])
}

// Formats returns the supported LBA formats (NLBAF is 0-based)
func (ns *IdentifyNamespace) Formats() []LBAFormat {
	n := int(ns.NLBAF) + 1
	if n > len(ns.LBAF) {
		n = len(ns.LBAF)
	}
	out := make([]LBAFormat, n)
	for i := range out {
		out[i] = decodeLBAFormat(ns.LBAF[i])
	}
	return out
}

// BlockSize returns the block size of the active format
func (ns *IdentifyNamespace) BlockSize() int {
	return ns.Format().BlockSize()
}

// GUID returns the namespace globally unique identifier, or uuid.Nil when the
// controller does not report one
func (ns *IdentifyNamespace) GUID() uuid.UUID {
	if len(ns.NGUID) != 16 {
		return uuid.Nil
	}
	id, err := uuid.FromBytes(ns.NGUID)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// ParseActiveNamespaceList decodes the CNS 02h list of active namespace ids
func ParseActiveNamespaceList(b []byte) []uint32 {
	var ids []uint32
	for off := 0; off+4 <= len(b) && off < IdentifySize; off += 4 {
		id := binary.LittleEndian.Uint32(b[off:])
		if id == 0 {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

// EncodeActiveNamespaceList writes ids as a zero-terminated CNS 02h list
func EncodeActiveNamespaceList(b []byte, ids []uint32) {
	for i, id := range ids {
		off := i * 4
		if off+4 > len(b) {
			return
		}
		binary.LittleEndian.PutUint32(b[off:], id)
	}
}

func asciiField(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// fixed returns b truncated or padded with pad to exactly n bytes
func fixed(b []byte, n int, pad byte) []byte {
	if len(b) == n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	for i := len(b); i < n; i++ {
		out[i] = pad
	}
	return out
}
