package otg

// updateIRQ recomputes DAINTSTS and the endpoint summary bits of GINTSTS from
// the endpoint interrupt registers, then drives the line. It overwrites the
// derived bits on every call.
func (c *Controller) updateIRQ() {
	c.regs.daintsts = 0
	c.regs.gintsts &^= gintEPSummary

	for i := 0; i < NumEndpoints; i++ {
		if c.out.eps[i].Interrupt != 0 {
			bit := uint32(1) << (i + DAINTOutShift)

			c.regs.daintsts |= bit
			if c.regs.daintmsk&bit != 0 {
				c.regs.gintsts |= GINTOutEP
			}
		}

		if c.in.eps[i].Interrupt != 0 {
			bit := uint32(1) << (i + DAINTInShift)

			c.regs.daintsts |= bit
			if c.regs.daintmsk&bit != 0 {
				c.regs.gintsts |= GINTInEP
			}
		}
	}

	if c.line != nil {
		c.line.SetLevel(c.regs.gintsts&c.regs.gintmsk != 0)
	}
}
