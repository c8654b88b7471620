package emu

import (
	"github.com/ehrlich-b/go-unvme/backend"
	"github.com/ehrlich-b/go-unvme/internal/errs"
	"github.com/ehrlich-b/go-unvme/internal/nvme"
)

// lbaFormats are the formats namespace 1 supports; FLBAS indexes them
var lbaFormats = []nvme.LBAFormat{
	{DataSizeShift: 9, RelativePerf: 1},
	{DataSizeShift: 12, RelativePerf: 0},
}

const (
	namespaceID  = 1
	allNamespace = 0xFFFFFFFF

	// OACS bit for Format NVM support
	oacsFormat = 1 << 1
)

func generic(sc uint8) nvme.Status {
	return nvme.NewStatus(errs.SCTGeneric, sc).WithDNR()
}

func specific(sc uint8) nvme.Status {
	return nvme.NewStatus(errs.SCTCommandSpecific, sc).WithDNR()
}

func (c *Controller) resetFeatures() {
	clear(c.features)
	c.features[nvme.FeatArbitration] = 0
	c.features[nvme.FeatPowerManagement] = 0
	c.features[nvme.FeatVolatileWriteCache] = 1
	c.features[nvme.FeatInterruptCoalescing] = 0
	c.features[nvme.FeatInterruptVectorConf] = 0
	c.features[nvme.FeatNumberOfQueues] = nvme.NumberOfQueues(c.opts.MaxIOQueues, c.opts.MaxIOQueues)
}

func (c *Controller) execAdmin(cmd *nvme.SubmissionEntry) (uint32, nvme.Status) {
	switch cmd.Opcode {
	case nvme.AdminIdentify:
		return 0, c.identify(cmd)
	case nvme.AdminGetFeatures:
		return c.getFeature(cmd)
	case nvme.AdminSetFeatures:
		return c.setFeature(cmd)
	case nvme.AdminCreateIOCQ:
		return 0, c.createCQ(cmd)
	case nvme.AdminCreateIOSQ:
		return 0, c.createSQ(cmd)
	case nvme.AdminDeleteIOSQ:
		return 0, c.deleteSQ(uint16(cmd.CDW10))
	case nvme.AdminDeleteIOCQ:
		return 0, c.deleteCQ(uint16(cmd.CDW10))
	case nvme.AdminFormatNVM:
		return 0, c.format(cmd)
	case nvme.AdminAbort:
		// bit 0 set: the command was not aborted
		return 1, nvme.Status(0)
	case nvme.AdminKeepAlive:
		return 0, nvme.Status(0)
	}
	c.logger.Debug("unsupported admin opcode", "opcode", cmd.Opcode)
	return 0, generic(nvme.SCInvalidOpcode)
}

func (c *Controller) identify(cmd *nvme.SubmissionEntry) nvme.Status {
	var (
		page []byte
		err  error
	)
	switch uint8(cmd.CDW10) {
	case nvme.CNSController:
		page, err = c.controllerPage()
	case nvme.CNSNamespace:
		if cmd.NSID != namespaceID {
			return generic(nvme.SCInvalidNamespace)
		}
		page, err = c.namespacePage()
	case nvme.CNSActiveNamespace:
		page = make([]byte, nvme.IdentifySize)
		if cmd.NSID < namespaceID {
			nvme.EncodeActiveNamespaceList(page, []uint32{namespaceID})
		}
	default:
		return generic(nvme.SCInvalidField)
	}
	if err != nil {
		c.logger.Error("identify encode failed", "error", err)
		return generic(nvme.SCInternalError)
	}
	return c.copyOut(cmd.PRP1, cmd.PRP2, page)
}

func (c *Controller) controllerPage() ([]byte, error) {
	id := &nvme.IdentifyController{
		VID:    0x1b36,
		SSVID:  0x1af4,
		SN:     []byte(c.opts.Serial),
		MN:     []byte(c.opts.Model),
		FR:     []byte("1.0"),
		MDTS:   c.opts.MDTS,
		CNTLID: 1,
		VER:    version.Encode(),
		OACS:   oacsFormat,
		SQES:   nvme.SQES<<4 | nvme.SQES,
		CQES:   nvme.CQES<<4 | nvme.CQES,
		MAXCMD: uint16(c.opts.MaxQueueEntries),
		NN:     1,
		VWC:    1,
		SUBNQN: []byte("nqn.2024-01.io.github.ehrlich-b:unvme:" + c.opts.Serial),
	}
	return id.Marshal()
}

func (c *Controller) namespacePage() ([]byte, error) {
	blocks := uint64(c.media.Size()) / uint64(c.blockSize())
	lbaf := make([]uint32, 16)
	for i, f := range lbaFormats {
		lbaf[i] = f.Encode()
	}
	ns := &nvme.IdentifyNamespace{
		NSZE:  blocks,
		NCAP:  blocks,
		NUSE:  blocks,
		NLBAF: uint8(len(lbaFormats) - 1),
		FLBAS: c.flbas,
		NGUID: c.guid[:],
		LBAF:  lbaf,
	}
	return ns.Marshal()
}

func (c *Controller) getFeature(cmd *nvme.SubmissionEntry) (uint32, nvme.Status) {
	v, ok := c.features[uint8(cmd.CDW10)]
	if !ok {
		return 0, generic(nvme.SCInvalidField)
	}
	return v, nvme.Status(0)
}

func (c *Controller) setFeature(cmd *nvme.SubmissionEntry) (uint32, nvme.Status) {
	fid := uint8(cmd.CDW10)
	if _, ok := c.features[fid]; !ok {
		return 0, generic(nvme.SCInvalidField)
	}
	switch fid {
	case nvme.FeatNumberOfQueues:
		nsq, ncq := nvme.DecodeNumberOfQueues(cmd.CDW11)
		if nsq > 0xFFFF || ncq > 0xFFFF {
			return 0, generic(nvme.SCInvalidField)
		}
		n := min(nsq, ncq, c.opts.MaxIOQueues)
		c.ioQueues = n
		c.features[fid] = nvme.NumberOfQueues(n, n)
		return c.features[fid], nvme.Status(0)
	case nvme.FeatInterruptVectorConf:
		if int(uint16(cmd.CDW11)) >= c.Vectors() {
			return 0, generic(nvme.SCInvalidField)
		}
	case nvme.FeatVolatileWriteCache:
		cmd.CDW11 &= 1
	}
	c.features[fid] = cmd.CDW11
	return 0, nvme.Status(0)
}

// queueLimit is the highest I/O queue id that may be created
func (c *Controller) queueLimit() int {
	if c.ioQueues > 0 {
		return c.ioQueues
	}
	return c.opts.MaxIOQueues
}

func (c *Controller) checkQueue(a nvme.QueueCreateArgs, exists bool) nvme.Status {
	if a.QID == 0 || int(a.QID) > c.queueLimit() || exists {
		return specific(nvme.SCInvalidQueueID)
	}
	if a.Size < 2 || a.Size > c.caps.MaxQueueEntries() {
		return specific(nvme.SCInvalidQueueSize)
	}
	if !a.Contiguous {
		return generic(nvme.SCInvalidField)
	}
	return nvme.Status(0)
}

func (c *Controller) createCQ(cmd *nvme.SubmissionEntry) nvme.Status {
	a := nvme.DecodeQueueCreate(cmd)
	_, exists := c.cqs[a.QID]
	if st := c.checkQueue(a, exists); !st.OK() {
		return st
	}
	if int(a.Vector) >= c.Vectors() {
		return specific(nvme.SCInvalidVector)
	}
	if _, ok := c.mem.slice(cmd.PRP1, a.Size*nvme.CompletionEntrySize); !ok || cmd.PRP1%uint64(c.PageSize()) != 0 {
		return generic(nvme.SCInvalidField)
	}
	c.cqs[a.QID] = &completionQueue{
		id:     a.QID,
		base:   cmd.PRP1,
		size:   uint32(a.Size),
		vector: a.Vector,
		ien:    a.Interrupts,
		phase:  true,
	}
	c.logger.Debug("created CQ", "qid", a.QID, "size", a.Size, "vector", a.Vector)
	return nvme.Status(0)
}

func (c *Controller) createSQ(cmd *nvme.SubmissionEntry) nvme.Status {
	a := nvme.DecodeQueueCreate(cmd)
	_, exists := c.sqs[a.QID]
	if st := c.checkQueue(a, exists); !st.OK() {
		return st
	}
	if _, ok := c.cqs[a.CQID]; !ok || a.CQID == 0 {
		return specific(nvme.SCInvalidCQ)
	}
	if _, ok := c.mem.slice(cmd.PRP1, a.Size*nvme.SubmissionEntrySize); !ok || cmd.PRP1%uint64(c.PageSize()) != 0 {
		return generic(nvme.SCInvalidField)
	}
	c.sqs[a.QID] = &submissionQueue{id: a.QID, base: cmd.PRP1, size: uint32(a.Size), cqid: a.CQID}
	c.logger.Debug("created SQ", "qid", a.QID, "size", a.Size, "cqid", a.CQID)
	return nvme.Status(0)
}

// deleteSQ completes every command still queued on the SQ with an abort
// status before removing it
func (c *Controller) deleteSQ(qid uint16) nvme.Status {
	sq, ok := c.sqs[qid]
	if qid == 0 || !ok {
		return specific(nvme.SCInvalidQueueID)
	}
	for sq.head != sq.tail {
		entry, ok := c.mem.slice(sq.base+uint64(sq.head)*nvme.SubmissionEntrySize, nvme.SubmissionEntrySize)
		sq.head = (sq.head + 1) % sq.size
		if !ok {
			continue
		}
		cmd, _ := nvme.DecodeSubmission(entry)
		if cq := c.cqs[sq.cqid]; cq == nil || cq.full() {
			c.logger.Warn("no room to abort command", "qid", qid, "cid", cmd.CommandID)
			continue
		}
		c.complete(sq, cmd.CommandID, 0, generic(nvme.SCAbortSQDeleted))
		c.stats.Aborted++
	}
	delete(c.sqs, qid)
	c.logger.Debug("deleted SQ", "qid", qid)
	return nvme.Status(0)
}

func (c *Controller) deleteCQ(qid uint16) nvme.Status {
	if _, ok := c.cqs[qid]; qid == 0 || !ok {
		return specific(nvme.SCInvalidQueueID)
	}
	for _, sq := range c.sqs {
		if sq.cqid == qid {
			return specific(nvme.SCInvalidQueueDelete)
		}
	}
	delete(c.cqs, qid)
	c.logger.Debug("deleted CQ", "qid", qid)
	return nvme.Status(0)
}

func (c *Controller) format(cmd *nvme.SubmissionEntry) nvme.Status {
	if cmd.NSID != namespaceID && cmd.NSID != allNamespace {
		return generic(nvme.SCInvalidNamespace)
	}
	lbaf := uint8(cmd.CDW10 & 0xf)
	ses := uint8(cmd.CDW10>>9) & 0x7
	if int(lbaf) >= len(lbaFormats) {
		return specific(0x0A)
	}
	if ses > 2 {
		return generic(nvme.SCInvalidField)
	}
	if err := backend.WriteZeroes(c.media, 0, c.media.Size()); err != nil {
		c.logger.Error("format failed", "error", err)
		return generic(nvme.SCInternalError)
	}
	c.flbas = lbaf
	c.logger.Info("namespace formatted", "nsid", namespaceID, "block_size", c.blockSize())
	return nvme.Status(0)
}
