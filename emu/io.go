package emu

import (
	"encoding/binary"

	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
)

func (c *Controller) execIO(cmd *nvme.SubmissionEntry) nvme.Status {
	if cmd.NSID != namespaceID {
		return generic(nvme.SCInvalidNamespace)
	}
	switch cmd.Opcode {
	case nvme.CmdFlush:
		if err := c.media.Flush(); err != nil {
			c.logger.Warn("flush failed", "error", err)
			return nvme.NewStatus(errs.SCTMediaError, nvme.SCWriteFault)
		}
		return nvme.Status(0)
	case nvme.CmdRead, nvme.CmdWrite:
		return c.readWrite(cmd)
	}
	return generic(nvme.SCInvalidOpcode)
}

func (c *Controller) readWrite(cmd *nvme.SubmissionEntry) nvme.Status {
	bs := c.blockSize()
	slba, nlb := cmd.StartLBA(), cmd.NumBlocks()
	blocks := uint64(c.media.Size()) / uint64(bs)
	if slba > blocks || uint64(nlb) > blocks-slba {
		return generic(nvme.SCLBAOutOfRange)
	}
	n := nlb * bs
	if c.opts.MDTS > 0 && n > c.PageSize()<<c.opts.MDTS {
		return generic(nvme.SCInvalidField)
	}
	segs, ok := c.prp(cmd.PRP1, cmd.PRP2, n)
	if !ok {
		return generic(nvme.SCDataTransferError)
	}

	off := int64(slba) * int64(bs)
	for _, seg := range segs {
		var err error
		if cmd.Opcode == nvme.CmdRead {
			var got int
			got, err = c.media.ReadAt(seg, off)
			if err == nil && got < len(seg) {
				clear(seg[got:])
			}
		} else {
			_, err = c.media.WriteAt(seg, off)
		}
		if err != nil {
			c.logger.Warn("media error", "op", nvme.IOOpName(cmd.Opcode), "lba", slba, "error", err)
			if cmd.Opcode == nvme.CmdRead {
				return nvme.NewStatus(errs.SCTMediaError, nvme.SCUnrecoveredRead)
			}
			return nvme.NewStatus(errs.SCTMediaError, nvme.SCWriteFault)
		}
		off += int64(len(seg))
	}

	if cmd.Opcode == nvme.CmdWrite && cmd.CDW12&nvme.RWForceUnitAccess != 0 {
		if err := c.media.Flush(); err != nil {
			return nvme.NewStatus(errs.SCTMediaError, nvme.SCWriteFault)
		}
	}
	return nvme.Status(0)
}

// prp resolves the data pointer of a command into host memory segments
// covering n bytes. PRP1 may start at any dword offset; every later entry
// must be page aligned. When more than two pages are needed PRP2 points at
// a PRP list whose last entry chains to the next list page.
func (c *Controller) prp(prp1, prp2 uint64, n int) ([][]byte, bool) {
	page := uint64(c.PageSize())
	if prp1&3 != 0 {
		return nil, false
	}
	first := int(page - prp1%page)
	if first >= n {
		b, ok := c.mem.slice(prp1, n)
		return [][]byte{b}, ok
	}
	b, ok := c.mem.slice(prp1, first)
	if !ok {
		return nil, false
	}
	segs := [][]byte{b}
	remaining := n - first

	if remaining <= int(page) {
		if prp2%page != 0 {
			return nil, false
		}
		b, ok := c.mem.slice(prp2, remaining)
		return append(segs, b), ok
	}

	list := prp2
	if list&7 != 0 {
		return nil, false
	}
	for hops := 0; remaining > 0; hops++ {
		if hops > n/int(page)+1 {
			return nil, false
		}
		entries := int((page - list%page) / 8)
		raw, ok := c.mem.slice(list, entries*8)
		if !ok {
			return nil, false
		}
		for i := 0; i < entries && remaining > 0; i++ {
			e := binary.LittleEndian.Uint64(raw[i*8:])
			if i == entries-1 && remaining > int(page) {
				list = e
				break
			}
			if e%page != 0 {
				return nil, false
			}
			size := min(remaining, int(page))
			b, ok := c.mem.slice(e, size)
			if !ok {
				return nil, false
			}
			segs = append(segs, b)
			remaining -= size
		}
	}
	return segs, true
}

// copyOut writes data into the buffer described by a PRP pair
func (c *Controller) copyOut(prp1, prp2 uint64, data []byte) nvme.Status {
	segs, ok := c.prp(prp1, prp2, len(data))
	if !ok {
		return generic(nvme.SCDataTransferError)
	}
	for _, seg := range segs {
		n := copy(seg, data)
		data = data[n:]
	}
	return nvme.Status(0)
}
