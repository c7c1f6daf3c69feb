package memory

import "github.com/ace-sm/monitor/smerrors"

// HypervisorMemory is the narrow seam through which the core reads
// hypervisor-owned, non-confidential memory. It stands in for the real
// system's direct-mapped read of physical RAM (an external collaborator
// per spec §1) so that the page-table engine's deep-copy algorithm does
// not hard-code how non-confidential bytes are fetched. Production code
// backs this with the direct map; tests and the CLI harness back it
// with an in-memory buffer (see FakeHypervisorMemory).
type HypervisorMemory interface {
	ReadAt(addr NonConfidentialAddress, size uintptr) ([]byte, error)
	WriteAt(addr NonConfidentialAddress, data []byte) error
}

// FakeHypervisorMemory is an in-memory HypervisorMemory backed by a
// single contiguous buffer, used by tests and the scenario harness to
// stand in for a hypervisor's non-confidential RAM.
type FakeHypervisorMemory struct {
	base uintptr
	buf  []byte
}

// NewFakeHypervisorMemory allocates size bytes of fake non-confidential
// memory starting at base.
func NewFakeHypervisorMemory(base uintptr, size int) *FakeHypervisorMemory {
	return &FakeHypervisorMemory{base: base, buf: make([]byte, size)}
}

func (f *FakeHypervisorMemory) offset(addr NonConfidentialAddress, size uintptr) (int, error) {
	a := addr.Uintptr()
	if a < f.base || a+size > f.base+uintptr(len(f.buf)) {
		return 0, smerrors.Wrapf(smerrors.ErrInvalidAddress, "address %#x out of fake hypervisor memory range", a)
	}
	return int(a - f.base), nil
}

// ReadAt returns a copy of size bytes starting at addr.
func (f *FakeHypervisorMemory) ReadAt(addr NonConfidentialAddress, size uintptr) ([]byte, error) {
	off, err := f.offset(addr, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, f.buf[off:off+int(size)])
	return out, nil
}

// WriteAt copies data into the fake memory starting at addr.
func (f *FakeHypervisorMemory) WriteAt(addr NonConfidentialAddress, data []byte) error {
	off, err := f.offset(addr, uintptr(len(data)))
	if err != nil {
		return err
	}
	copy(f.buf[off:off+len(data)], data)
	return nil
}

// WriteUint64 writes a little-endian uint64 at addr — convenience for
// tests constructing raw page-table entry words.
func (f *FakeHypervisorMemory) WriteUint64(addr NonConfidentialAddress, v uint64) error {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return f.WriteAt(addr, b[:])
}
