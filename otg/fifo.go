package otg

// FIFO sizes are packed as start<<16 | depth, both in bytes.

// PackFIFO packs a FIFO start offset and depth.
func PackFIFO(start, size uint32) uint32 {
	return (start&0xffff)<<16 | size&0xffff
}

// UnpackFIFO splits a packed FIFO size register.
func UnpackFIFO(v uint32) (start, size uint32) {
	return v >> 16 & 0xffff, v & 0xffff
}

// fifoReg returns the size register of FIFO i: 0 is the non-periodic FIFO,
// 1..16 index the periodic table.
func (c *Controller) fifoReg(i int) uint32 {
	switch {
	case i == 0:
		return c.regs.gnptxfsiz
	case i > 0 && i <= NumFIFOs:
		return c.regs.dptxfsiz[i-1]
	}

	fault(FaultBadFIFO, "fifo %d does not exist", i)

	return 0
}

func (c *Controller) fifoStart(i int) uint32 {
	start, _ := UnpackFIFO(c.fifoReg(i))

	return start
}

func (c *Controller) fifoSize(i int) uint32 {
	_, size := UnpackFIFO(c.fifoReg(i))

	return size
}

// fifoWindow resolves FIFO i against the live size registers and checks it
// lies inside the FIFO buffer.
func (c *Controller) fifoWindow(i int) (start, size uint32) {
	start, size = c.fifoStart(i), c.fifoSize(i)
	if start+size > FIFOBufferSize {
		fault(FaultFIFOOverflow, "fifo %d [%#x, %#x) exceeds buffer of %#x", i, start, start+size, FIFOBufferSize)
	}

	return start, size
}
