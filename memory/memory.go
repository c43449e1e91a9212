// Package memory provides guest physical memory for DMA capable devices.
package memory

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	ErrOutOfRange = errors.New("guest physical address out of range")
	ErrReadOnly   = errors.New("write to read-only memory")

	errSlotOverlap = errors.New("memory slot overlaps an existing slot")
	errSlotSize    = errors.New("invalid memory slot size")
)

type RegionType uint8

const (
	RAM RegionType = 0 + iota
	ROM
)

// Memory is guest physical memory made of non-overlapping slots.
type Memory struct {
	Slots []*Slot
}

// Slot is one contiguous range of guest physical memory backed by an
// anonymous host mapping.
type Slot struct {
	Addr uint64
	Size int
	Type RegionType
	Buf  []byte
}

func (s *Slot) contains(addr uint64, n int) bool {
	return addr >= s.Addr && addr+uint64(n) <= s.Addr+uint64(s.Size)
}

func (s *Slot) overlaps(addr uint64, size int) bool {
	return addr < s.Addr+uint64(s.Size) && s.Addr < addr+uint64(size)
}

// New returns memory with ramsize bytes of RAM at guest physical address 0.
func New(ramsize int) (*Memory, error) {
	m := &Memory{}

	if err := m.AddSlot(0, ramsize, RAM); err != nil {
		return nil, err
	}

	return m, nil
}

// AddSlot maps size bytes at guest physical address addr.
func (m *Memory) AddSlot(addr uint64, size int, typ RegionType) error {
	if size <= 0 {
		return fmt.Errorf("%w: %d", errSlotSize, size)
	}

	for _, s := range m.Slots {
		if s.overlaps(addr, size) {
			return fmt.Errorf("%w: [%#x, %#x)", errSlotOverlap, addr, addr+uint64(size))
		}
	}

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	m.Slots = append(m.Slots, &Slot{Addr: addr, Size: size, Type: typ, Buf: buf})

	return nil
}

func (m *Memory) find(addr uint64, n int) (*Slot, error) {
	for _, s := range m.Slots {
		if s.contains(addr, n) {
			return s, nil
		}
	}

	return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, addr, addr+uint64(n))
}

// Read copies len(p) bytes at guest physical address addr into p.
func (m *Memory) Read(addr uint64, p []byte) error {
	s, err := m.find(addr, len(p))
	if err != nil {
		return err
	}

	copy(p, s.Buf[addr-s.Addr:])

	return nil
}

// Write copies p to guest physical address addr.
func (m *Memory) Write(addr uint64, p []byte) error {
	s, err := m.find(addr, len(p))
	if err != nil {
		return err
	}

	if s.Type == ROM {
		return fmt.Errorf("%w: %#x", ErrReadOnly, addr)
	}

	copy(s.Buf[addr-s.Addr:], p)

	return nil
}

// Close unmaps every slot.
func (m *Memory) Close() error {
	var errs []error

	for _, s := range m.Slots {
		if err := unix.Munmap(s.Buf); err != nil {
			errs = append(errs, err)
		}
	}

	m.Slots = nil

	return errors.Join(errs...)
}
