// Package config models the boot-time memory map and paging-system
// selection the security monitor is handed by the boot shim, per spec
// §6. The boot shim, linker-script memory layout, and device-tree
// parsing that populate these values are external collaborators (spec
// §1 Non-goals); this package only models the resulting, already-parsed
// contract so the rest of the core has something concrete to validate
// addresses against.
package config

import "github.com/ace-sm/monitor/util"

// pageSize is the smallest unit memtracker.Tracker seeds its pool with;
// duplicated here as a plain constant (rather than importing memory,
// which already imports config) purely for the alignment check below.
const pageSize = 1 << 12

// Range is an inclusive-start, exclusive-end byte range.
type Range struct {
	Start uintptr
	End   uintptr
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() uintptr {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Contains reports whether [start, start+size) falls entirely within r.
func (r Range) Contains(start uintptr, size uintptr) bool {
	if size == 0 {
		return start >= r.Start && start <= r.End
	}
	end := start + size
	if end < start {
		return false // overflow
	}
	return start >= r.Start && end <= r.End
}

// MemoryMap is the boot shim's symbol contract: total memory, the
// confidential/non-confidential split, the DMA bounce-buffer pool, the
// heap, and the stack. Confidential vs non-confidential boundaries are
// derived from Memory and the hypervisor-supplied
// device-tree data (not modeled here; a real boot path computes
// Confidential/NonConfidential once and passes the result in).
type MemoryMap struct {
	Memory         Range
	Confidential   Range
	NonConfidential Range
	Dma            Range
	Heap           Range
	Stack          Range
}

// Validate checks that the regions are well-formed and disjoint where
// the spec requires it (confidential and non-confidential memory must
// never overlap).
func (m MemoryMap) Validate() error {
	if m.Confidential.Start < m.Memory.Start || m.Confidential.End > m.Memory.End {
		return errConfidentialOutOfBounds
	}
	if m.NonConfidential.Start < m.Memory.Start || m.NonConfidential.End > m.Memory.End {
		return errNonConfidentialOutOfBounds
	}
	if overlaps(m.Confidential, m.NonConfidential) {
		return errRegionsOverlap
	}
	if !util.Aligned(m.Confidential.Start, uintptr(pageSize)) || !util.Aligned(m.Confidential.Len(), uintptr(pageSize)) {
		return errConfidentialUnaligned
	}
	return nil
}

func overlaps(a, b Range) bool {
	return a.Start < b.End && b.Start < a.End
}
