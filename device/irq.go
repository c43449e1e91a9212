package device

import (
	"context"
	"sync"
)

// IRQLine is a level triggered interrupt line. Every level change is
// forwarded to inject, the way a serial port drives its IRQ.
type IRQLine struct {
	mu     sync.Mutex
	irq    uint32
	level  bool
	raised chan struct{}

	// This callback is called when the level changes.
	inject func(irq, level uint32)
}

func NewIRQLine(irq uint32, inject func(irq, level uint32)) *IRQLine {
	return &IRQLine{
		irq:    irq,
		raised: make(chan struct{}),
		inject: inject,
	}
}

func (l *IRQLine) IRQ() uint32 {
	return l.irq
}

// SetLevel drives the line.
func (l *IRQLine) SetLevel(high bool) {
	l.mu.Lock()

	if l.level == high {
		l.mu.Unlock()

		return
	}

	l.level = high

	if high {
		close(l.raised)
		l.raised = make(chan struct{})
	}

	l.mu.Unlock()

	if l.inject != nil {
		level := uint32(0)
		if high {
			level = 1
		}

		l.inject(l.irq, level)
	}
}

func (l *IRQLine) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.level
}

// Wait blocks until the line is asserted or ctx is done.
func (l *IRQLine) Wait(ctx context.Context) error {
	l.mu.Lock()

	if l.level {
		l.mu.Unlock()

		return nil
	}

	ch := l.raised
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
