package otg

// EPState is the transfer state of one endpoint. The guest only ever sees the
// control register bits; the state tag tracks whether a transport request is
// outstanding.
type EPState uint8

const (
	// EPIdle has no transfer in flight.
	EPIdle EPState = iota
	// EPActive has handed a transfer to the transport and awaits completion.
	EPActive
	// EPDisabling was disabled by the guest while a transfer was in flight.
	EPDisabling
)

func (s EPState) String() string {
	switch s {
	case EPIdle:
		return "idle"
	case EPActive:
		return "active"
	case EPDisabling:
		return "disabling"
	}

	return "unknown"
}

// Endpoint is the register set of one IN or OUT endpoint.
type Endpoint struct {
	Control   Control
	Interrupt uint32
	Size      TransferSize
	DMAAddr   uint32
	DMABuffer uint32

	state EPState
}

// State returns the transfer state.
func (e *Endpoint) State() EPState {
	return e.state
}

type bank struct {
	dir Direction
	eps [NumEndpoints]Endpoint
}

// at returns endpoint n, raising a Fault when n is not an endpoint.
func (b *bank) at(n int) *Endpoint {
	if n < 0 || n >= NumEndpoints {
		fault(FaultBadEndpoint, "%s endpoint %d does not exist", b.dir, n)
	}

	return &b.eps[n]
}

func (b *bank) reset() {
	b.eps = [NumEndpoints]Endpoint{}
}

func (b *bank) busy() bool {
	for i := range b.eps {
		if b.eps[i].state != EPIdle {
			return true
		}
	}

	return false
}

func (c *Controller) bank(dir Direction) *bank {
	if dir == In {
		return &c.in
	}

	return &c.out
}

// writeControl stores a guest write to an endpoint control register and runs
// the update step.
func (c *Controller) writeControl(b *bank, n int, v Control) {
	ep := b.at(n)

	v = v&^EPCtlNAKSts | ep.Control&EPCtlNAKSts

	// only a disable request stops a transfer in flight
	if ep.state == EPActive {
		v |= ep.Control & EPCtlEnable
	}

	ep.Control = v

	c.updateEndpoint(b, n)
}

func (c *Controller) updateEndpoint(b *bank, n int) {
	ep := b.at(n)
	l := c.log.WithField("ep", n).WithField("dir", b.dir)

	if ep.Control&EPCtlSetNAK != 0 {
		ep.Control |= EPCtlNAKSts
		ep.Interrupt |= EPIntNAKEff
	}

	if ep.Control&EPCtlClearNAK != 0 && ep.Control&EPCtlSetNAK == 0 {
		ep.Control &^= EPCtlNAKSts
	}

	ep.Control &^= epCtlOneShot

	if ep.Control&EPCtlDisable != 0 {
		ep.Interrupt |= EPIntEPDisbld
		ep.Control &^= EPCtlDisable | EPCtlEnable

		if ep.state == EPActive {
			ep.state = EPDisabling
		}

		l.Debug("endpoint disabled")
	}

	if ep.Control&EPCtlEnable != 0 {
		if ep.state == EPIdle {
			c.startTransfer(b, n)
		} else {
			l.WithField("state", ep.state).Debug("transfer already in flight")
		}
	}

	c.updateIRQ()
}

func (c *Controller) startTransfer(b *bank, n int) {
	if c.transport == nil {
		fault(FaultNoTransport, "%s endpoint %d enabled without a transport", b.dir, n)
	}

	if b.dir == In {
		c.startIn(n)
	} else {
		c.startOut(n)
	}
}

// startIn stages up to one FIFO of data from guest memory and sends it.
func (c *Controller) startIn(n int) {
	ep := c.in.at(n)

	num := ep.Control.TxFIFO()
	if num >= NumFIFOs {
		fault(FaultBadFIFO, "IN endpoint %d uses fifo %d", n, num)
	}

	start, size := c.fifoWindow(num)
	amt := min(ep.Size.Bytes(), size)
	data := c.fifo[start : start+amt]

	if ep.DMAAddr != 0 {
		if err := c.mem.Read(uint64(ep.DMAAddr), data); err != nil {
			c.busError(&c.in, n, err)

			return
		}

		ep.DMAAddr += amt
	}

	ep.state = EPActive

	c.log.WithField("ep", n).WithField("fifo", num).WithField("len", amt).Debug("IN transfer started")

	c.transfer(In, n, append([]byte(nil), data...), func(moved uint32) {
		if ep.state == EPDisabling {
			c.drain(&c.in, n)

			return
		}

		c.complete(&c.in, n, min(moved, amt))
	})
}

// startOut asks the transport for up to one receive FIFO of data.
func (c *Controller) startOut(n int) {
	ep := c.out.at(n)

	rx := c.regs.grxfsiz
	if rx > FIFOBufferSize {
		fault(FaultFIFOOverflow, "receive fifo of %#x bytes exceeds buffer of %#x", rx, FIFOBufferSize)
	}

	amt := min(ep.Size.Bytes(), rx)
	scratch := make([]byte, amt)

	ep.state = EPActive

	c.log.WithField("ep", n).WithField("len", amt).Debug("OUT transfer started")

	c.transfer(Out, n, scratch, func(moved uint32) {
		if ep.state == EPDisabling {
			c.drain(&c.out, n)

			return
		}

		moved = min(moved, amt)
		copy(c.fifo[:moved], scratch[:moved])

		if ep.DMAAddr != 0 {
			if err := c.mem.Write(uint64(ep.DMAAddr), c.fifo[:moved]); err != nil {
				ep.state = EPIdle
				c.busError(&c.out, n, err)

				return
			}

			ep.DMAAddr += moved
		}

		c.complete(&c.out, n, moved)
	})
}

// complete retires a transfer step of moved bytes.
func (c *Controller) complete(b *bank, n int, moved uint32) {
	ep := b.at(n)
	l := c.log.WithField("ep", n).WithField("dir", b.dir).WithField("len", moved)

	ep.Size = ep.Size.Consume(moved)
	ep.state = EPIdle
	ep.Control &^= EPCtlEnable
	ep.Interrupt |= EPIntXferCompl

	l.Debug("transfer complete")

	c.updateIRQ()
}

// drain retires a step the guest disabled while it was in flight. Its payload
// is discarded and the registers are left as the guest last programmed them,
// so a pending re-enable starts from those values.
func (c *Controller) drain(b *bank, n int) {
	ep := b.at(n)

	ep.state = EPIdle

	c.log.WithField("ep", n).WithField("dir", b.dir).Debug("transfer drained after disable")

	if ep.Control&EPCtlEnable != 0 {
		c.startTransfer(b, n)
	}

	c.updateIRQ()
}

// busError reports a failed DMA access to the guest as an AHB error.
func (c *Controller) busError(b *bank, n int, err error) {
	ep := b.at(n)

	ep.Control &^= EPCtlEnable
	ep.Interrupt |= EPIntAHBErr

	c.log.WithField("ep", n).WithField("dir", b.dir).WithError(err).Warn("dma access failed")

	c.updateIRQ()
}
