package emu

import (
	"github.com/ehrlich-b/go-unvme/hw"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
)

// version reported in VS
var version = nvme.Version{Major: 1, Minor: 4}

// Read32 reads a controller register. Doorbells are write only and read as 0.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case nvme.RegCAP:
		return uint32(c.caps.Encode())
	case nvme.RegCAP + 4:
		return uint32(c.caps.Encode() >> 32)
	case nvme.RegVS:
		return version.Encode()
	case nvme.RegINTMS, nvme.RegINTMC:
		return c.intMask
	case nvme.RegCC:
		return c.cc
	case nvme.RegCSTS:
		return c.csts
	case nvme.RegAQA:
		return c.aqa
	case nvme.RegASQ:
		return uint32(c.asq)
	case nvme.RegASQ + 4:
		return uint32(c.asq >> 32)
	case nvme.RegACQ:
		return uint32(c.acq)
	case nvme.RegACQ + 4:
		return uint32(c.acq >> 32)
	}
	return 0
}

// Write32 writes a controller register. Read-only registers ignore writes.
func (c *Controller) Write32(off uint32, v uint32) {
	if off >= nvme.DoorbellBase {
		c.doorbell(off, v)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case nvme.RegINTMS:
		c.intMask |= v
	case nvme.RegINTMC:
		c.intMask &^= v
	case nvme.RegCC:
		c.setCC(v)
	case nvme.RegAQA:
		c.aqa = v
	case nvme.RegASQ:
		c.asq = c.asq&^0xffffffff | uint64(v)
	case nvme.RegASQ + 4:
		c.asq = c.asq&0xffffffff | uint64(v)<<32
	case nvme.RegACQ:
		c.acq = c.acq&^0xffffffff | uint64(v)
	case nvme.RegACQ + 4:
		c.acq = c.acq&0xffffffff | uint64(v)<<32
	}
}

// Read64 reads a 64-bit register low dword first, as over PCIe
func (c *Controller) Read64(off uint32) uint64 {
	lo := c.Read32(off)
	hi := c.Read32(off + 4)
	return uint64(hi)<<32 | uint64(lo)
}

// Write64 writes a 64-bit register low dword first
func (c *Controller) Write64(off uint32, v uint64) {
	c.Write32(off, uint32(v))
	c.Write32(off+4, uint32(v>>32))
}

func (c *Controller) doorbell(off uint32, v uint32) {
	stride := uint32(4) << c.dstrd
	rel := off - nvme.DoorbellBase
	idx := rel / stride
	qid, completion := uint16(idx/2), idx%2 == 1

	c.mu.Lock()
	defer c.mu.Unlock()

	if rel%stride != 0 {
		c.stats.DoorbellErrors++
		return
	}
	if completion {
		cq, ok := c.cqs[qid]
		if !ok || v >= cq.size {
			c.stats.DoorbellErrors++
			c.logger.Warn("invalid CQ doorbell write", "qid", qid, "value", v)
			return
		}
		cq.head = v
	} else {
		sq, ok := c.sqs[qid]
		if !ok || v >= sq.size {
			c.stats.DoorbellErrors++
			c.logger.Warn("invalid SQ doorbell write", "qid", qid, "value", v)
			return
		}
		sq.tail = v
	}
	c.wake()
}

// setCC applies a CC write. Called with c.mu held.
func (c *Controller) setCC(v uint32) {
	old := c.cc
	c.cc = v

	switch {
	case old&nvme.CCEnable == 0 && v&nvme.CCEnable != 0:
		c.enable()
	case old&nvme.CCEnable != 0 && v&nvme.CCEnable == 0:
		c.reset()
		return
	}

	if v&nvme.CCShutdownMask != 0 && old&nvme.CCShutdownMask == 0 {
		c.csts = c.csts&^nvme.CSTSShutdownMask | nvme.CSTSShutdownOccuring
		if err := c.media.Flush(); err != nil {
			c.logger.Warn("flush on shutdown failed", "error", err)
		}
		c.csts = c.csts&^nvme.CSTSShutdownMask | nvme.CSTSShutdownComplete
		c.logger.Debug("shutdown complete")
	}
}

func (c *Controller) enable() {
	if c.opts.NeverReady {
		c.logger.Debug("enable ignored")
		return
	}
	sqes, cqes := nvme.CCEntrySizes(c.cc)
	if sqes != nvme.SQES || cqes != nvme.CQES {
		c.fatal("unsupported queue entry sizes")
		return
	}
	if nvme.CCPageShift(c.cc) != c.pageShift {
		c.fatal("CC.MPS does not match host page size")
		return
	}
	sqSize, cqSize := nvme.DecodeAdminQueueAttributes(c.aqa)
	if sqSize < 2 || cqSize < 2 {
		c.fatal("admin queue smaller than 2 entries")
		return
	}
	if _, ok := c.mem.slice(c.asq, sqSize*nvme.SubmissionEntrySize); !ok {
		c.fatal("ASQ outside host memory")
		return
	}
	if _, ok := c.mem.slice(c.acq, cqSize*nvme.CompletionEntrySize); !ok {
		c.fatal("ACQ outside host memory")
		return
	}

	c.sqs[0] = &submissionQueue{id: 0, base: c.asq, size: uint32(sqSize), cqid: 0}
	c.cqs[0] = &completionQueue{id: 0, base: c.acq, size: uint32(cqSize), ien: true, phase: true}
	c.csts |= nvme.CSTSReady
	c.logger.Debug("controller enabled", "admin_sq", sqSize, "admin_cq", cqSize)
}

// reset is the CC.EN 1 to 0 transition: every queue is deleted and CSTS
// returns to its power-on value
func (c *Controller) reset() {
	c.sqs = make(map[uint16]*submissionQueue)
	c.cqs = make(map[uint16]*completionQueue)
	c.ioQueues = 0
	c.csts = 0
	c.cc &^= nvme.CCShutdownMask
	c.resetFeatures()
	c.logger.Debug("controller reset")
}

var _ hw.Registers = (*Controller)(nil)
