package otg

import (
	"errors"

	"github.com/samber/lo"
)

var ErrTransferInFlight = errors.New("transfer in flight")

// EndpointState holds the guest visible registers of one endpoint.
type EndpointState struct {
	Control   uint32
	Interrupt uint32
	Size      uint32
	DMAAddr   uint32
	DMABuffer uint32
}

// State is the complete register state of the controller, suitable for gob
// encoding. The FIFO buffer is included since a guest may read back staged
// data after a restore.
type State struct {
	GOTGCTL   uint32
	GOTGINT   uint32
	GAHBCFG   uint32
	GUSBCFG   uint32
	GRSTCTL   uint32
	GINTSTS   uint32
	GINTMSK   uint32
	GRXFSIZ   uint32
	GNPTXFSIZ uint32
	GHWCFG    [4]uint32
	DPTXFSIZ  [NumFIFOs]uint32
	DCFG      uint32
	DCTL      uint32
	DSTS      uint32
	DIEPMSK   uint32
	DOEPMSK   uint32
	DAINTMSK  uint32
	PCGCCTL   uint32

	In  []EndpointState
	Out []EndpointState

	FIFO []byte
}

func saveEndpoint(ep Endpoint, _ int) EndpointState {
	return EndpointState{
		Control:   uint32(ep.Control),
		Interrupt: ep.Interrupt,
		Size:      uint32(ep.Size),
		DMAAddr:   ep.DMAAddr,
		DMABuffer: ep.DMABuffer,
	}
}

func restoreEndpoint(s EndpointState, _ int) Endpoint {
	return Endpoint{
		Control:   Control(s.Control),
		Interrupt: s.Interrupt,
		Size:      TransferSize(s.Size),
		DMAAddr:   s.DMAAddr,
		DMABuffer: s.DMABuffer,
	}
}

// Snapshot captures the register state. It fails with ErrTransferInFlight
// while any endpoint waits on the transport, since an outstanding transport
// request cannot be carried over.
func (c *Controller) Snapshot() (*State, error) {
	var (
		s   *State
		err error
	)

	if cerr := c.call(func() { s, err = c.snapshot() }); cerr != nil {
		return nil, cerr
	}

	return s, err
}

func (c *Controller) snapshot() (*State, error) {
	if c.in.busy() || c.out.busy() {
		return nil, ErrTransferInFlight
	}

	r := &c.regs

	return &State{
		GOTGCTL:   r.gotgctl,
		GOTGINT:   r.gotgint,
		GAHBCFG:   r.gahbcfg,
		GUSBCFG:   r.gusbcfg,
		GRSTCTL:   r.grstctl,
		GINTSTS:   r.gintsts,
		GINTMSK:   r.gintmsk,
		GRXFSIZ:   r.grxfsiz,
		GNPTXFSIZ: r.gnptxfsiz,
		GHWCFG:    r.ghwcfg,
		DPTXFSIZ:  r.dptxfsiz,
		DCFG:      r.dcfg,
		DCTL:      r.dctl,
		DSTS:      r.dsts,
		DIEPMSK:   r.diepmsk,
		DOEPMSK:   r.doepmsk,
		DAINTMSK:  r.daintmsk,
		PCGCCTL:   r.pcgcctl,
		In:        lo.Map(c.in.eps[:], saveEndpoint),
		Out:       lo.Map(c.out.eps[:], saveEndpoint),
		FIFO:      append([]byte(nil), c.fifo[:]...),
	}, nil
}

// Restore loads a State taken by Snapshot. Derived registers are recomputed
// and the interrupt line is driven accordingly.
func (c *Controller) Restore(s *State) error {
	return c.call(func() { c.restore(s) })
}

func (c *Controller) restore(s *State) {
	c.gen++
	c.regs = globals{
		gotgctl:   s.GOTGCTL,
		gotgint:   s.GOTGINT,
		gahbcfg:   s.GAHBCFG,
		gusbcfg:   s.GUSBCFG,
		grstctl:   s.GRSTCTL,
		gintsts:   s.GINTSTS,
		gintmsk:   s.GINTMSK,
		grxfsiz:   s.GRXFSIZ,
		gnptxfsiz: s.GNPTXFSIZ,
		ghwcfg:    s.GHWCFG,
		dptxfsiz:  s.DPTXFSIZ,
		dcfg:      s.DCFG,
		dctl:      s.DCTL,
		dsts:      s.DSTS,
		diepmsk:   s.DIEPMSK,
		doepmsk:   s.DOEPMSK,
		daintmsk:  s.DAINTMSK,
		pcgcctl:   s.PCGCCTL,
	}

	c.in.reset()
	c.out.reset()
	copy(c.in.eps[:], lo.Map(s.In, restoreEndpoint))
	copy(c.out.eps[:], lo.Map(s.Out, restoreEndpoint))

	c.fifo = [FIFOBufferSize]byte{}
	copy(c.fifo[:], s.FIFO)

	c.updateIRQ()
}
