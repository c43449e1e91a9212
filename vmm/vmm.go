package vmm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bobuhiro11/dwcotg/device"
	"github.com/bobuhiro11/dwcotg/gadget"
	"github.com/bobuhiro11/dwcotg/memory"
	"github.com/bobuhiro11/dwcotg/monitor"
	"github.com/bobuhiro11/dwcotg/otg"
	"github.com/bobuhiro11/dwcotg/tunnel"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	dmaSize            = 0x1000
	defaultDialTimeout = 10 * time.Second
)

var errMemTooSmall = errors.New("guest memory too small for the DMA buffer")

type Config struct {
	Host        string
	Port        int
	DialTimeout time.Duration

	MemSize int
	Base    uint64
	IRQ     uint32

	InEP     int
	OutEP    int
	Input    string
	Output   string
	RecvSize int

	StateFile string
	Monitor   string

	OTG otg.Config
}

type VMM struct {
	Config

	mem    *memory.Memory
	line   *device.IRQLine
	ctrl   *otg.Controller
	bus    *device.Bus
	tunnel *tunnel.Client
	driver *gadget.Driver

	restored *otg.State
}

func New(c Config) *VMM {
	return &VMM{Config: c}
}

// Init allocates guest memory, connects the tunnel and instantiates the
// controller on the MMIO bus.
func (v *VMM) Init(ctx context.Context) error {
	if v.MemSize < 2*dmaSize {
		return fmt.Errorf("%w: %#x bytes", errMemTooSmall, v.MemSize)
	}

	mem, err := memory.New(v.MemSize)
	if err != nil {
		return err
	}

	v.mem = mem

	if v.StateFile != "" {
		s, err := LoadState(v.StateFile)

		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return err
		default:
			v.restored = s
		}
	}

	timeout := v.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := tunnel.Dial(dctx, v.Host, v.Port)
	if err != nil {
		return err
	}

	v.tunnel = client

	v.line = device.NewIRQLine(v.IRQ, func(irq, level uint32) {
		log.WithField("irq", irq).WithField("level", level).Debug("interrupt line")
	})

	cfg := v.OTG
	cfg.Base = v.Base

	v.ctrl = otg.New(v.mem, v.line, otg.WithConfig(cfg), otg.WithTransport(client))

	if v.bus, err = device.NewBus(v.ctrl); err != nil {
		return err
	}

	v.driver = gadget.New(gadget.Config{
		Base:    v.Base,
		DMABase: uint64(v.MemSize - dmaSize),
		DMASize: dmaSize,
	}, v.bus, v.mem, v.line)

	return nil
}

// Run drives the controller until the workload is done, or, with a monitor
// configured, until ctx is done. A controller fault or a lost tunnel ends
// the run with an error.
func (v *VMM) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	rctx, stop := context.WithCancel(gctx)

	defer stop()

	g.Go(func() error {
		if err := v.ctrl.Run(rctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("controller: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		select {
		case <-v.tunnel.Done():
			if err := v.tunnel.Err(); err != nil {
				return fmt.Errorf("tunnel: %w", err)
			}
		case <-rctx.Done():
		}

		return nil
	})

	if v.Monitor != "" {
		g.Go(func() error { return monitor.Serve(rctx, v.Monitor, v.ctrl) })
	}

	g.Go(func() error {
		if err := v.workload(rctx); err != nil {
			return err
		}

		if v.Monitor == "" {
			stop()
		}

		return nil
	})

	return g.Wait()
}

func (v *VMM) workload(ctx context.Context) error {
	if v.restored != nil {
		if err := v.ctrl.Restore(v.restored); err != nil {
			return err
		}

		log.WithField("file", v.StateFile).Info("controller state restored")
	} else if err := v.driver.Init(ctx); err != nil {
		return err
	}

	if v.Input != "" {
		data, err := os.ReadFile(v.Input)
		if err != nil {
			return err
		}

		n, err := v.driver.Transmit(ctx, v.InEP, data)
		if err != nil {
			return err
		}

		log.WithField("ep", v.InEP).WithField("len", n).Info("input transmitted")
	}

	if v.Output != "" {
		data, err := v.driver.Receive(ctx, v.OutEP, v.RecvSize)
		if err != nil {
			return err
		}

		if err := os.WriteFile(v.Output, data, 0o644); err != nil {
			return err
		}

		log.WithField("ep", v.OutEP).WithField("len", len(data)).Info("output received")
	}

	if v.StateFile != "" {
		s, err := v.ctrl.Snapshot()
		if err != nil {
			return err
		}

		if err := SaveState(v.StateFile, s); err != nil {
			return err
		}

		log.WithField("file", v.StateFile).Info("controller state saved")
	}

	return nil
}

// Controller returns the emulated device.
func (v *VMM) Controller() *otg.Controller {
	return v.ctrl
}

func (v *VMM) Close() error {
	var errs []error

	if v.ctrl != nil {
		errs = append(errs, v.ctrl.Close())
	}

	if v.tunnel != nil {
		errs = append(errs, v.tunnel.Close())
	}

	if v.mem != nil {
		errs = append(errs, v.mem.Close())
	}

	return errors.Join(errs...)
}
