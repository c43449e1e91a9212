package otg

func inEPBlock(off uint64) bool {
	return off >= RegInEPBase && off < RegInEPBase+EPRegsSize
}

func outEPBlock(off uint64) bool {
	return off >= RegOutEPBase && off < RegOutEPBase+EPRegsSize
}

func fifoTable(off uint64) bool {
	return off >= RegDIEPTXF && off < RegDIEPTXF+4*NumFIFOs && off%4 == 0
}

// decodeEP splits an offset inside an endpoint block into endpoint number and
// field, raising a Fault for anything that is not a register.
func decodeEP(b *bank, off uint64) (int, uint64) {
	n, field := int(off>>5), off&0x1f

	b.at(n)

	switch field {
	case EPRegControl, EPRegInterrupt, EPRegTransfer, EPRegDMAAddr, EPRegDMABuffer:
	default:
		fault(FaultBadRegister, "%s endpoint %d offset %#x", b.dir, n, field)
	}

	return n, field
}

func (c *Controller) read(off uint64) uint32 {
	switch {
	case inEPBlock(off):
		return c.readEP(&c.in, off-RegInEPBase)
	case outEPBlock(off):
		return c.readEP(&c.out, off-RegOutEPBase)
	case fifoTable(off):
		return c.regs.dptxfsiz[(off-RegDIEPTXF)/4]
	}

	switch off {
	case RegGOTGCTL:
		return c.regs.gotgctl
	case RegGOTGINT:
		return c.regs.gotgint
	case RegGAHBCFG:
		return c.regs.gahbcfg
	case RegGUSBCFG:
		return c.regs.gusbcfg
	case RegGRSTCTL:
		return c.regs.grstctl
	case RegGINTSTS:
		return c.regs.gintsts
	case RegGINTMSK:
		return c.regs.gintmsk
	case RegGRXFSIZ:
		return c.regs.grxfsiz
	case RegGNPTXFSIZ:
		return c.regs.gnptxfsiz
	case RegGNPTXFSTS:
		// the FIFO is drained as soon as it is filled
		return npTxQueueSpace<<16 | c.regs.gnptxfsiz&0xffff
	case RegGHWCFG1, RegGHWCFG2, RegGHWCFG3, RegGHWCFG4:
		return c.regs.ghwcfg[(off-RegGHWCFG1)/4]
	case RegDCFG:
		return c.regs.dcfg
	case RegDCTL:
		return c.regs.dctl
	case RegDSTS:
		return c.regs.dsts
	case RegDIEPMSK:
		return c.regs.diepmsk
	case RegDOEPMSK:
		return c.regs.doepmsk
	case RegDAINTSTS:
		return c.regs.daintsts
	case RegDAINTMSK:
		return c.regs.daintmsk
	case RegPCGCCTL:
		return c.regs.pcgcctl
	}

	if off >= WindowSize {
		fault(FaultBadRegister, "read at %#x outside the register window", off)
	}

	c.log.WithField("addr", off).Debug("read of unimplemented register")

	return 0
}

func (c *Controller) readEP(b *bank, off uint64) uint32 {
	n, field := decodeEP(b, off)
	ep := &b.eps[n]

	switch field {
	case EPRegControl:
		return uint32(ep.Control)
	case EPRegInterrupt:
		return ep.Interrupt
	case EPRegTransfer:
		return uint32(ep.Size)
	case EPRegDMAAddr:
		return ep.DMAAddr
	default:
		return ep.DMABuffer
	}
}

func (c *Controller) write(off uint64, v uint32) {
	switch {
	case inEPBlock(off):
		c.writeEP(&c.in, off-RegInEPBase, v)

		return
	case outEPBlock(off):
		c.writeEP(&c.out, off-RegOutEPBase, v)

		return
	case fifoTable(off):
		c.regs.dptxfsiz[(off-RegDIEPTXF)/4] = v

		return
	}

	switch off {
	case RegGOTGCTL:
		c.regs.gotgctl = v
	case RegGOTGINT:
		c.regs.gotgint &^= v
	case RegGAHBCFG:
		c.regs.gahbcfg = v
	case RegGUSBCFG:
		c.regs.gusbcfg = v
	case RegGRSTCTL:
		c.writeGRSTCTL(v)
	case RegGINTSTS:
		c.regs.gintsts &^= v &^ gintEPSummary
		c.updateIRQ()
	case RegGINTMSK:
		c.regs.gintmsk = v
		c.updateIRQ()
	case RegGRXFSIZ:
		c.regs.grxfsiz = v
	case RegGNPTXFSIZ:
		c.regs.gnptxfsiz = v
	case RegDCFG:
		c.regs.dcfg = v
	case RegDCTL:
		c.writeDCTL(v)
	case RegDIEPMSK:
		c.regs.diepmsk = v
	case RegDOEPMSK:
		c.regs.doepmsk = v
	case RegDAINTMSK:
		c.regs.daintmsk = v
		c.updateIRQ()
	case RegPCGCCTL:
		c.regs.pcgcctl = v
	case RegGNPTXFSTS, RegGHWCFG1, RegGHWCFG2, RegGHWCFG3, RegGHWCFG4, RegDSTS, RegDAINTSTS:
		c.log.WithField("addr", off).Debug("write to read-only register ignored")
	default:
		if off >= WindowSize {
			fault(FaultBadRegister, "write at %#x outside the register window", off)
		}

		c.log.WithField("addr", off).WithField("val", v).Debug("write to unimplemented register")
	}
}

func (c *Controller) writeEP(b *bank, off uint64, v uint32) {
	n, field := decodeEP(b, off)
	ep := &b.eps[n]

	switch field {
	case EPRegControl:
		c.writeControl(b, n, Control(v))
	case EPRegInterrupt:
		ep.Interrupt &^= v
		c.updateIRQ()
	case EPRegTransfer:
		ep.Size = TransferSize(v)
	case EPRegDMAAddr:
		ep.DMAAddr = v
	default:
		ep.DMABuffer = v
	}
}

// writeGRSTCTL models the self clearing soft reset pulse: the reset is done
// by the time the guest can poll for it. Zero is stored verbatim, any other
// value is ignored.
func (c *Controller) writeGRSTCTL(v uint32) {
	switch {
	case v&GRSTCTLCoreSoftReset != 0:
		c.softReset()
		c.regs.grstctl &^= GRSTCTLCoreSoftReset
		c.regs.grstctl |= GRSTCTLAHBIdle
	case v == 0:
		c.regs.grstctl = 0
	}
}

// softReset flushes the FIFOs and abandons transfers in flight. Register
// contents survive a core soft reset.
func (c *Controller) softReset() {
	c.gen++
	c.fifo = [FIFOBufferSize]byte{}

	for _, b := range []*bank{&c.in, &c.out} {
		for i := range b.eps {
			if b.eps[i].state != EPIdle {
				b.eps[i].Control &^= EPCtlEnable
				b.eps[i].state = EPIdle
			}
		}
	}

	c.log.Info("core soft reset")
}

func (c *Controller) writeDCTL(v uint32) {
	sts := c.regs.dctl & dctlStatus

	if v&DCTLSGNPINNak != 0 {
		sts |= DCTLGNPINNakSts
		c.regs.gintsts |= GINTGINNakEff
	}

	if v&DCTLCGNPINNak != 0 {
		sts &^= DCTLGNPINNakSts
	}

	if v&DCTLSGOUTNak != 0 {
		sts |= DCTLGOUTNakSts
		c.regs.gintsts |= GINTGOUTNakEff
	}

	if v&DCTLCGOUTNak != 0 {
		sts &^= DCTLGOUTNakSts
	}

	c.regs.dctl = v&^(dctlOneShot|dctlStatus) | sts
	c.updateIRQ()
}
