package otg_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/dwcotg/otg"
)

var errOutOfRange = errors.New("address out of range")

type mockMemory struct {
	buf []byte
}

func (m *mockMemory) Read(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(m.buf)) {
		return errOutOfRange
	}

	copy(p, m.buf[addr:])

	return nil
}

func (m *mockMemory) Write(addr uint64, p []byte) error {
	if addr+uint64(len(p)) > uint64(len(m.buf)) {
		return errOutOfRange
	}

	copy(m.buf[addr:], p)

	return nil
}

type mockLine struct {
	mu    sync.Mutex
	level bool
}

func (l *mockLine) SetLevel(high bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.level = high
}

func (l *mockLine) Level() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.level
}

// syncTransport completes every request before returning.
type syncTransport struct {
	busy bool
	sent [][]byte
}

func (s *syncTransport) IsBusy() bool { return s.busy }

func (s *syncTransport) Send(_ uint8, data []byte, done func(int)) {
	s.sent = append(s.sent, append([]byte(nil), data...))
	done(len(data))
}

func (s *syncTransport) Recv(_ uint8, buf []byte, done func(int)) {
	for i := range buf {
		buf[i] = byte(i)
	}

	done(len(buf))
}

// asyncTransport holds requests until the test completes them.
type asyncTransport struct {
	mu      sync.Mutex
	pending []asyncReq
}

type asyncReq struct {
	ep   uint8
	buf  []byte
	done func(int)
}

func (a *asyncTransport) IsBusy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.pending) > 0
}

func (a *asyncTransport) Send(ep uint8, data []byte, done func(int)) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = append(a.pending, asyncReq{ep: ep, buf: data, done: done})
}

func (a *asyncTransport) Recv(ep uint8, buf []byte, done func(int)) {
	a.Send(ep, buf, done)
}

// next waits for and pops the oldest request.
func (a *asyncTransport) next(t *testing.T) asyncReq {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for {
		a.mu.Lock()

		if len(a.pending) > 0 {
			r := a.pending[0]
			a.pending = a.pending[1:]
			a.mu.Unlock()

			return r
		}

		a.mu.Unlock()

		if time.Now().After(deadline) {
			t.Fatal("no pending transport request")
		}

		time.Sleep(time.Millisecond)
	}
}

func (a *asyncTransport) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.pending)
}

func newController(tr otg.Transport) (*otg.Controller, *mockMemory, *mockLine) {
	mem := &mockMemory{buf: make([]byte, 0x10000)}
	line := &mockLine{}

	opts := []otg.Option{}
	if tr != nil {
		opts = append(opts, otg.WithTransport(tr))
	}

	return otg.New(mem, line, opts...), mem, line
}

// startController runs c until the test ends and returns the channel Run
// reports its result on.
func startController(t *testing.T, c *otg.Controller) <-chan error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)

	go func() { errc <- c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		c.Close()
	})

	return errc
}

func mustWrite(t *testing.T, c *otg.Controller, off uint64, v uint32) {
	t.Helper()

	if err := c.WriteReg(off, v); err != nil {
		t.Fatalf("WriteReg(%#x): %v", off, err)
	}
}

func mustRead(t *testing.T, c *otg.Controller, off uint64) uint32 {
	t.Helper()

	v, err := c.ReadReg(off)
	if err != nil {
		t.Fatalf("ReadReg(%#x): %v", off, err)
	}

	return v
}

// waitFor polls off until cond holds.
func waitFor(t *testing.T, c *otg.Controller, off uint64, cond func(uint32) bool) uint32 {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for {
		v := mustRead(t, c, off)
		if cond(v) {
			return v
		}

		if time.Now().After(deadline) {
			t.Fatalf("register %#x stuck at %#x", off, v)
		}

		time.Sleep(time.Millisecond)
	}
}

// waitIdle polls until no transfer is in flight.
func waitIdle(t *testing.T, c *otg.Controller) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)

	for {
		_, err := c.Snapshot()
		if err == nil {
			return
		}

		if !errors.Is(err, otg.ErrTransferInFlight) {
			t.Fatal(err)
		}

		if time.Now().After(deadline) {
			t.Fatal("transfer never drained")
		}

		time.Sleep(time.Millisecond)
	}
}
