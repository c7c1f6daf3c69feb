// Package memory models the two disjoint physical address spaces the
// security monitor straddles (spec §3): confidential memory, owned by
// the SM and never mappable by the hypervisor, and non-confidential
// memory, which the hypervisor owns and the SM reads/writes only during
// a mediated, checked operation (deep copy, shared-page mapping).
//
// Every address is tagged by its region at construction time; there is
// no implicit or unchecked conversion between the two types.
package memory

import (
	"fmt"

	"github.com/ace-sm/monitor/config"
	"github.com/ace-sm/monitor/smerrors"
)

// ConfidentialAddress is a physical address inside confidential memory.
type ConfidentialAddress struct {
	addr uintptr
}

// NonConfidentialAddress is a physical address inside non-confidential
// (hypervisor-visible) memory.
type NonConfidentialAddress struct {
	addr uintptr
}

// NewConfidentialAddress validates addr against mm.Confidential and
// returns a ConfidentialAddress, or smerrors.ErrInvalidAddress if addr
// falls outside the confidential region.
func NewConfidentialAddress(mm config.MemoryMap, addr uintptr) (ConfidentialAddress, error) {
	if !mm.Confidential.Contains(addr, 1) {
		return ConfidentialAddress{}, smerrors.Wrapf(smerrors.ErrInvalidAddress,
			"address %#x is not in confidential memory", addr)
	}
	return ConfidentialAddress{addr: addr}, nil
}

// NewNonConfidentialAddress validates addr against mm.NonConfidential
// and returns a NonConfidentialAddress, or smerrors.ErrInvalidAddress.
func NewNonConfidentialAddress(mm config.MemoryMap, addr uintptr) (NonConfidentialAddress, error) {
	if !mm.NonConfidential.Contains(addr, 1) {
		return NonConfidentialAddress{}, smerrors.Wrapf(smerrors.ErrInvalidAddress,
			"address %#x is not in non-confidential memory", addr)
	}
	return NonConfidentialAddress{addr: addr}, nil
}

// Uintptr returns the raw address value.
func (a ConfidentialAddress) Uintptr() uintptr { return a.addr }

// Uintptr returns the raw address value.
func (a NonConfidentialAddress) Uintptr() uintptr { return a.addr }

// Add returns the address offset by n bytes, re-validated against mm.
func (a ConfidentialAddress) Add(mm config.MemoryMap, n uintptr) (ConfidentialAddress, error) {
	return NewConfidentialAddress(mm, a.addr+n)
}

// Add returns the address offset by n bytes, re-validated against mm.
func (a NonConfidentialAddress) Add(mm config.MemoryMap, n uintptr) (NonConfidentialAddress, error) {
	return NewNonConfidentialAddress(mm, a.addr+n)
}

func (a ConfidentialAddress) String() string    { return fmt.Sprintf("conf:%#x", a.addr) }
func (a NonConfidentialAddress) String() string { return fmt.Sprintf("nonconf:%#x", a.addr) }
