package device

import (
	"errors"
	"fmt"
	"sort"
)

var (
	errDataLenInvalid = errors.New("invalid data size on bus access")
	errRegionOccupied = errors.New("mmio region occupied")

	// ErrNoDevice is returned for accesses no device decodes.
	ErrNoDevice = errors.New("no device at address")
)

// MMIODevice describes the interface a memory mapped device must implement
// to be attached to a Bus. Addresses passed to Read and Write are absolute.
type MMIODevice interface {
	Read(uint64, []byte) error
	Write(uint64, []byte) error
	Base() uint64
	Size() uint64
}

// Bus decodes guest physical addresses to the device mapped there.
type Bus struct {
	devs []MMIODevice
}

func NewBus(devs ...MMIODevice) (*Bus, error) {
	b := &Bus{}

	for _, d := range devs {
		if err := b.Add(d); err != nil {
			return nil, err
		}
	}

	return b, nil
}

func overlaps(a, b MMIODevice) bool {
	return a.Base() < b.Base()+b.Size() && b.Base() < a.Base()+a.Size()
}

// Add maps d at its base address.
func (b *Bus) Add(d MMIODevice) error {
	for _, o := range b.devs {
		if overlaps(o, d) {
			return fmt.Errorf("%w: [%#x, %#x)", errRegionOccupied, d.Base(), d.Base()+d.Size())
		}
	}

	b.devs = append(b.devs, d)
	sort.Slice(b.devs, func(i, j int) bool { return b.devs[i].Base() < b.devs[j].Base() })

	return nil
}

func (b *Bus) find(addr uint64, n int) (MMIODevice, error) {
	if n != 1 && n != 2 && n != 4 && n != 8 {
		return nil, errDataLenInvalid
	}

	for _, d := range b.devs {
		if addr >= d.Base() && addr+uint64(n) <= d.Base()+d.Size() {
			return d, nil
		}
	}

	return nil, fmt.Errorf("%w: %#x", ErrNoDevice, addr)
}

func (b *Bus) Read(addr uint64, data []byte) error {
	d, err := b.find(addr, len(data))
	if err != nil {
		return err
	}

	return d.Read(addr, data)
}

func (b *Bus) Write(addr uint64, data []byte) error {
	d, err := b.find(addr, len(data))
	if err != nil {
		return err
	}

	return d.Write(addr, data)
}

// Read32 loads a little-endian word.
func (b *Bus) Read32(addr uint64) (uint32, error) {
	data := make([]byte, 4)
	if err := b.Read(addr, data); err != nil {
		return 0, err
	}

	return uint32(BytesToNum(data)), nil
}

// Write32 stores a little-endian word.
func (b *Bus) Write32(addr uint64, v uint32) error {
	return b.Write(addr, NumToBytes(v))
}
