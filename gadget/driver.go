// Package gadget is a guest side driver for the controller. It programs the
// device only through its memory mapped registers and stages payloads in
// guest memory for the DMA engine, the way a firmware USB stack would.
package gadget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bobuhiro11/dwcotg/otg"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const (
	pollInterval = 100 * time.Microsecond
	maxPacket    = 512
)

var (
	ErrBadEndpoint  = errors.New("endpoint out of range")
	ErrDMA          = errors.New("controller reported a DMA error")
	ErrResetTimeout = errors.New("core soft reset did not complete")
)

// Bus is the register access path into the controller.
type Bus interface {
	Read32(addr uint64) (uint32, error)
	Write32(addr uint64, v uint32) error
}

// Memory is guest physical memory holding the DMA bounce buffer.
type Memory interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
}

// Line is the controller interrupt line.
type Line interface {
	Wait(ctx context.Context) error
	Level() bool
}

// FIFO is a transmit FIFO placement in the controller's FIFO buffer.
type FIFO struct {
	Start uint32
	Depth uint32
}

type Config struct {
	// Base is the guest physical address of the register window.
	Base uint64

	// DMABase and DMASize locate the bounce buffer in guest memory.
	DMABase uint64
	DMASize uint32
}

// Driver owns the controller on behalf of the guest. It is not safe for
// concurrent use.
type Driver struct {
	cfg  Config
	bus  Bus
	mem  Memory
	line Line

	txFIFO [otg.NumEndpoints]int

	log *log.Entry
}

// New returns a driver. line may be nil, in which case completion is polled.
func New(cfg Config, bus Bus, mem Memory, line Line) *Driver {
	return &Driver{
		cfg:  cfg,
		bus:  bus,
		mem:  mem,
		line: line,
		log:  log.WithField("driver", "gadget"),
	}
}

func (d *Driver) read(off uint64) (uint32, error) {
	return d.bus.Read32(d.cfg.Base + off)
}

func (d *Driver) write(off uint64, v uint32) error {
	return d.bus.Write32(d.cfg.Base+off, v)
}

// Init soft resets the core and unmasks endpoint interrupts.
func (d *Driver) Init(ctx context.Context) error {
	if err := d.Reset(ctx); err != nil {
		return err
	}

	for _, r := range []struct {
		off uint64
		val uint32
	}{
		{otg.RegGAHBCFG, otg.GAHBCFGGlblIntrMsk | otg.GAHBCFGDMAEn},
		{otg.RegDIEPMSK, otg.EPIntXferCompl | otg.EPIntAHBErr | otg.EPIntEPDisbld},
		{otg.RegDOEPMSK, otg.EPIntXferCompl | otg.EPIntAHBErr | otg.EPIntEPDisbld},
		{otg.RegDAINTMSK, 0xffffffff},
		{otg.RegGINTMSK, otg.GINTInEP | otg.GINTOutEP},
	} {
		if err := d.write(r.off, r.val); err != nil {
			return err
		}
	}

	d.log.Info("controller initialised")

	return nil
}

// Reset pulses the core soft reset and waits for the AHB to go idle.
func (d *Driver) Reset(ctx context.Context) error {
	if err := d.write(otg.RegGRSTCTL, otg.GRSTCTLCoreSoftReset); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	for {
		v, err := d.read(otg.RegGRSTCTL)
		if err != nil {
			return err
		}

		if v&otg.GRSTCTLCoreSoftReset == 0 && v&otg.GRSTCTLAHBIdle != 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: GRSTCTL %#x", ErrResetTimeout, v)
		case <-time.After(pollInterval):
		}
	}
}

// ConfigureFIFOs sizes the receive FIFO, the non-periodic transmit FIFO and
// the periodic transmit FIFOs 1..len(periodic).
func (d *Driver) ConfigureFIFOs(rxDepth uint32, np FIFO, periodic ...FIFO) error {
	if len(periodic) > otg.NumFIFOs {
		return fmt.Errorf("%d periodic FIFOs, at most %d", len(periodic), otg.NumFIFOs)
	}

	if err := d.write(otg.RegGRXFSIZ, rxDepth); err != nil {
		return err
	}

	if err := d.write(otg.RegGNPTXFSIZ, otg.PackFIFO(np.Start, np.Depth)); err != nil {
		return err
	}

	for i, f := range periodic {
		if err := d.write(otg.DIEPTXF(i), otg.PackFIFO(f.Start, f.Depth)); err != nil {
			return err
		}
	}

	return nil
}

// AssignTxFIFO binds IN endpoint ep to transmit FIFO fifo; 0 selects the
// non-periodic FIFO.
func (d *Driver) AssignTxFIFO(ep, fifo int) error {
	if err := checkEP(ep); err != nil {
		return err
	}

	if fifo < 0 || fifo >= otg.NumFIFOs {
		return fmt.Errorf("transmit FIFO %d out of range", fifo)
	}

	d.txFIFO[ep] = fifo

	return nil
}

func checkEP(ep int) error {
	if ep < 0 || ep >= otg.NumEndpoints {
		return fmt.Errorf("%w: %d", ErrBadEndpoint, ep)
	}

	return nil
}

func (d *Driver) txDepth(ep int) (uint32, error) {
	off := uint64(otg.RegGNPTXFSIZ)
	if f := d.txFIFO[ep]; f > 0 {
		off = otg.DIEPTXF(f - 1)
	}

	v, err := d.read(off)
	if err != nil {
		return 0, err
	}

	_, depth := otg.UnpackFIFO(v)

	return depth, nil
}

func packets(n int) uint32 {
	return uint32(max(1, (n+maxPacket-1)/maxPacket))
}

// Transmit sends data on IN endpoint ep and returns the number of bytes the
// peer accepted. The payload is staged in chunks no larger than the
// endpoint's transmit FIFO; an empty payload sends one zero length packet.
func (d *Driver) Transmit(ctx context.Context, ep int, data []byte) (int, error) {
	if err := checkEP(ep); err != nil {
		return 0, err
	}

	depth, err := d.txDepth(ep)
	if err != nil {
		return 0, err
	}

	step := int(min(depth, d.cfg.DMASize))
	if step == 0 {
		return 0, fmt.Errorf("IN endpoint %d: no transmit FIFO space", ep)
	}

	chunks := lo.Chunk(data, step)
	if len(chunks) == 0 {
		chunks = [][]byte{nil}
	}

	sent := 0

	for _, chunk := range chunks {
		n, err := d.transmitChunk(ctx, ep, chunk)
		sent += n

		if err != nil {
			return sent, err
		}

		if n < len(chunk) {
			d.log.WithField("ep", ep).WithField("len", n).Debug("short IN transfer")

			break
		}
	}

	return sent, nil
}

func (d *Driver) transmitChunk(ctx context.Context, ep int, chunk []byte) (int, error) {
	if err := d.mem.Write(d.cfg.DMABase, chunk); err != nil {
		return 0, fmt.Errorf("stage IN data: %w", err)
	}

	if err := d.write(otg.InEPReg(ep, otg.EPRegDMAAddr), uint32(d.cfg.DMABase)); err != nil {
		return 0, err
	}

	size := otg.MakeTransferSize(uint32(len(chunk)), packets(len(chunk)))
	if err := d.write(otg.InEPReg(ep, otg.EPRegTransfer), uint32(size)); err != nil {
		return 0, err
	}

	ctl := otg.EPCtlEnable | otg.EPCtlClearNAK | otg.EPCtlActive |
		uint32(d.txFIFO[ep])<<otg.EPCtlTxFNumShift | maxPacket

	if err := d.write(otg.InEPReg(ep, otg.EPRegControl), ctl); err != nil {
		return 0, err
	}

	if err := d.wait(ctx, otg.In, ep); err != nil {
		return 0, err
	}

	v, err := d.read(otg.InEPReg(ep, otg.EPRegTransfer))
	if err != nil {
		return 0, err
	}

	return len(chunk) - int(otg.TransferSize(v).Bytes()), nil
}

// Receive reads up to n bytes from OUT endpoint ep. It stops early when the
// peer delivers a short chunk.
func (d *Driver) Receive(ctx context.Context, ep int, n int) ([]byte, error) {
	if err := checkEP(ep); err != nil {
		return nil, err
	}

	rx, err := d.read(otg.RegGRXFSIZ)
	if err != nil {
		return nil, err
	}

	step := int(min(rx&0xffff, d.cfg.DMASize))
	if step == 0 {
		return nil, fmt.Errorf("OUT endpoint %d: no receive FIFO space", ep)
	}

	out := make([]byte, 0, n)

	for len(out) < n {
		want := min(n-len(out), step)

		got, err := d.receiveChunk(ctx, ep, want)
		out = append(out, got...)

		if err != nil {
			return out, err
		}

		if len(got) < want {
			break
		}
	}

	return out, nil
}

func (d *Driver) receiveChunk(ctx context.Context, ep int, want int) ([]byte, error) {
	if err := d.write(otg.OutEPReg(ep, otg.EPRegDMAAddr), uint32(d.cfg.DMABase)); err != nil {
		return nil, err
	}

	size := otg.MakeTransferSize(uint32(want), packets(want))
	if err := d.write(otg.OutEPReg(ep, otg.EPRegTransfer), uint32(size)); err != nil {
		return nil, err
	}

	if err := d.write(otg.OutEPReg(ep, otg.EPRegControl), otg.EPCtlEnable|otg.EPCtlClearNAK|otg.EPCtlActive|maxPacket); err != nil {
		return nil, err
	}

	if err := d.wait(ctx, otg.Out, ep); err != nil {
		return nil, err
	}

	v, err := d.read(otg.OutEPReg(ep, otg.EPRegTransfer))
	if err != nil {
		return nil, err
	}

	got := make([]byte, want-int(otg.TransferSize(v).Bytes()))
	if err := d.mem.Read(d.cfg.DMABase, got); err != nil {
		return nil, fmt.Errorf("fetch OUT data: %w", err)
	}

	return got, nil
}

// wait blocks until the endpoint reports transfer complete or a DMA error
// and acknowledges it.
func (d *Driver) wait(ctx context.Context, dir otg.Direction, ep int) error {
	off := otg.InEPReg(ep, otg.EPRegInterrupt)
	if dir == otg.Out {
		off = otg.OutEPReg(ep, otg.EPRegInterrupt)
	}

	for {
		v, err := d.read(off)
		if err != nil {
			return err
		}

		if v&(otg.EPIntXferCompl|otg.EPIntAHBErr) != 0 {
			if err := d.write(off, v); err != nil {
				return err
			}

			if v&otg.EPIntAHBErr != 0 {
				return fmt.Errorf("%w: %s endpoint %d", ErrDMA, dir, ep)
			}

			return nil
		}

		if err := d.idle(ctx); err != nil {
			return err
		}
	}
}

// idle waits for the interrupt line to rise, falling back to a short sleep
// when there is no line or it is already held high by another source.
func (d *Driver) idle(ctx context.Context) error {
	wctx, cancel := context.WithTimeout(ctx, pollInterval)
	defer cancel()

	if d.line != nil && !d.line.Level() {
		_ = d.line.Wait(wctx)
	} else {
		<-wctx.Done()
	}

	return ctx.Err()
}
