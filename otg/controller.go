// Package otg emulates the device side of a Synopsys DesignWare USB 2.0
// On-The-Go controller. The guest drives it through 32-bit little-endian
// memory mapped registers; transfer payloads are handed to a Transport
// instead of a physical bus.
//
// All register state is owned by a single goroutine running Run. Register
// accesses and transport completions are both funnelled through it as tasks,
// so no state is ever touched concurrently.
package otg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

var errDataLenInvalid = errors.New("invalid data size on register access")

// Memory is guest physical memory as seen by the DMA engine.
type Memory interface {
	Read(addr uint64, p []byte) error
	Write(addr uint64, p []byte) error
}

// Line is the interrupt line the controller drives.
type Line interface {
	SetLevel(high bool)
}

// Config holds the power-on register values.
type Config struct {
	Base uint64

	RxFIFOSize  uint32
	TxFIFOStart uint32
	TxFIFOSize  uint32

	// PeriodicFIFOs are packed start<<16|depth values for FIFOs 1..16.
	PeriodicFIFOs [NumFIFOs]uint32

	HWCFG [4]uint32
}

// DefaultConfig returns the reference device configuration.
func DefaultConfig() Config {
	return Config{
		RxFIFOSize:  DefaultRxFIFODepth,
		TxFIFOStart: DefaultTxFIFOStart,
		TxFIFOSize:  DefaultTxFIFODepth,
		HWCFG:       [4]uint32{DefaultGHWCFG1, DefaultGHWCFG2, DefaultGHWCFG3, DefaultGHWCFG4},
	}
}

type globals struct {
	gotgctl   uint32
	gotgint   uint32
	gahbcfg   uint32
	gusbcfg   uint32
	grstctl   uint32
	gintsts   uint32
	gintmsk   uint32
	grxfsiz   uint32
	gnptxfsiz uint32
	ghwcfg    [4]uint32
	dptxfsiz  [NumFIFOs]uint32
	dcfg      uint32
	dctl      uint32
	dsts      uint32
	diepmsk   uint32
	doepmsk   uint32
	daintsts  uint32
	daintmsk  uint32
	pcgcctl   uint32
}

type Option func(*Controller)

// WithTransport sets the tunnel the endpoints transfer through.
func WithTransport(t Transport) Option {
	return func(c *Controller) { c.transport = t }
}

func WithConfig(cfg Config) Option {
	return func(c *Controller) { c.cfg = cfg }
}

func WithLogger(l *log.Entry) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

type Controller struct {
	cfg       Config
	mem       Memory
	line      Line
	transport Transport

	regs globals
	in   bank
	out  bank
	fifo [FIFOBufferSize]byte

	// gen is bumped by every reset; completions issued under an older
	// generation are dropped.
	gen uint64

	tasks   chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	halted  error

	// mu orders pending.Add against Close.
	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup

	log *log.Entry
}

// New returns a controller in its power-on state. Run must be started before
// any register access.
func New(mem Memory, line Line, opts ...Option) *Controller {
	c := &Controller{
		cfg:   DefaultConfig(),
		mem:   mem,
		line:  line,
		in:    bank{dir: In},
		out:   bank{dir: Out},
		tasks: make(chan func()),
		log:   log.WithField("device", "usb_synopsys"),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.reset()

	return c
}

// Run processes register accesses and transfer completions until ctx is
// done, Close is called or a Fault halts the controller.
func (c *Controller) Run(ctx context.Context) error {
	defer c.cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			if c.halted != nil {
				return c.halted
			}

			return nil
		case t := <-c.tasks:
			t()

			if c.halted != nil {
				return c.halted
			}
		}
	}
}

// Close stops the controller and waits for outstanding completion waiters.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.pending.Wait()

	return nil
}

func (c *Controller) err() error {
	if c.halted != nil {
		return fmt.Errorf("%w: %v", ErrHalted, c.halted)
	}

	return ErrClosed
}

// call runs fn on the Run goroutine and waits for it.
func (c *Controller) call(fn func()) error {
	res := make(chan error, 1)

	select {
	case c.tasks <- func() { res <- c.guard(fn) }:
	case <-c.ctx.Done():
		return c.err()
	}

	return <-res
}

// post queues fn on the Run goroutine without waiting.
func (c *Controller) post(fn func()) {
	select {
	case c.tasks <- func() { _ = c.guard(fn) }:
	case <-c.ctx.Done():
	}
}

func (c *Controller) guard(fn func()) (err error) {
	if c.halted != nil {
		return c.err()
	}

	defer func() {
		r := recover()
		if r == nil {
			return
		}

		f, ok := r.(*Fault)
		if !ok {
			panic(r)
		}

		c.halted = f
		c.log.WithError(f).Error("controller halted")

		err = f
	}()

	fn()

	return nil
}

// Reset puts the controller back to its power-on state.
func (c *Controller) Reset() error {
	return c.call(c.reset)
}

func (c *Controller) reset() {
	c.gen++
	c.regs = globals{
		grxfsiz:   c.cfg.RxFIFOSize,
		gnptxfsiz: PackFIFO(c.cfg.TxFIFOStart, c.cfg.TxFIFOSize),
		ghwcfg:    c.cfg.HWCFG,
		dptxfsiz:  c.cfg.PeriodicFIFOs,
	}
	c.in.reset()
	c.out.reset()
	c.fifo = [FIFOBufferSize]byte{}

	c.updateIRQ()
}

// ReadReg reads the register at offset off within the window.
func (c *Controller) ReadReg(off uint64) (uint32, error) {
	var v uint32

	err := c.call(func() { v = c.read(off) })

	return v, err
}

// WriteReg writes the register at offset off within the window.
func (c *Controller) WriteReg(off uint64, v uint32) error {
	return c.call(func() { c.write(off, v) })
}

// Read serves a guest load at absolute address addr.
func (c *Controller) Read(addr uint64, data []byte) error {
	if len(data) != 4 {
		return errDataLenInvalid
	}

	v, err := c.ReadReg(addr - c.cfg.Base)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(data, v)

	return nil
}

// Write serves a guest store at absolute address addr.
func (c *Controller) Write(addr uint64, data []byte) error {
	if len(data) != 4 {
		return errDataLenInvalid
	}

	return c.WriteReg(addr-c.cfg.Base, binary.LittleEndian.Uint32(data))
}

func (c *Controller) Base() uint64 {
	return c.cfg.Base
}

func (c *Controller) Size() uint64 {
	return WindowSize
}
