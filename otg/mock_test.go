package otg

import (
	"errors"
	"sync"
	"testing"
)

var errOutOfRange = errors.New("address out of range")

type mockMemory struct {
	buf []byte
}

func newMockMemory(size int) *mockMemory {
	return &mockMemory{buf: make([]byte, size)}
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
	sent [][]byte
	eps  []uint8
	fill byte
}

func (s *syncTransport) IsBusy() bool { return false }

func (s *syncTransport) Send(ep uint8, data []byte, done func(int)) {
	s.eps = append(s.eps, ep)
	s.sent = append(s.sent, append([]byte(nil), data...))
	done(len(data))
}

func (s *syncTransport) Recv(ep uint8, buf []byte, done func(int)) {
	s.eps = append(s.eps, ep)

	for i := range buf {
		buf[i] = s.fill + byte(i)
	}

	done(len(buf))
}

// expectFault runs fn and fails unless it raises a Fault of kind.
func expectFault(t *testing.T, kind FaultKind, fn func()) {
	t.Helper()

	defer func() {
		t.Helper()

		r := recover()
		f, ok := r.(*Fault)

		if !ok {
			t.Fatalf("expected fault %v, got %v", kind, r)
		}

		if f.Kind != kind {
			t.Fatalf("expected: %v, actual: %v", kind, f.Kind)
		}
	}()

	fn()
}
