package main

import (
	"github.com/ace-sm/monitor/config"
	"github.com/ace-sm/monitor/memory"
	"github.com/ace-sm/monitor/memtracker"
	"github.com/ace-sm/monitor/pagetable"
)

// world bundles the fakes every scenario drives instead of real
// hardware: a confidential memory pool and a stand-in for the
// hypervisor's non-confidential RAM.
type world struct {
	mm      config.MemoryMap
	tracker *memtracker.Tracker
	hv      *memory.FakeHypervisorMemory
}

const (
	confidentialBase    = uintptr(0x8000_0000_0000)
	confidentialSize    = 64 * 1024 * 1024
	nonConfidentialBase = uintptr(0x8000_0000)
	nonConfidentialSize = 512 * 1024 * 1024
)

func newWorld() *world {
	mm := config.MemoryMap{
		Memory:          config.Range{Start: 0, End: 1 << 48},
		Confidential:    config.Range{Start: confidentialBase, End: confidentialBase + confidentialSize},
		NonConfidential: config.Range{Start: nonConfidentialBase, End: nonConfidentialBase + nonConfidentialSize},
	}
	backing := make([]byte, confidentialSize)
	return &world{
		mm:      mm,
		tracker: memtracker.NewTracker(mm, backing),
		hv:      memory.NewFakeHypervisorMemory(nonConfidentialBase, nonConfidentialSize),
	}
}

// rawPTE builds a wire-format page-table-entry word matching the layout
// pagetable.CopyFromNonConfidentialMemory decodes: valid bit, R/W/X
// permission bits (leaf entries only), and a physical page number in
// bits [53:10]. Building
// it here (rather than importing pagetable's unexported encoder)
// mirrors how a real hypervisor constructs PTEs independently of the
// security monitor's internal representation — they only have to agree
// on the wire format.
func rawPTE(targetPhysicalAddress uintptr, leaf bool) uint64 {
	word := uint64(1) // valid
	if leaf {
		word |= 0b1110 // R | W | X
	}
	word |= uint64(targetPhysicalAddress>>12) << 10
	return word
}

// writePageTableChain lays out a single-path, five-level G-stage page
// table in w's fake hypervisor memory: one valid entry per level
// following the virtual address va down to a 4KiB leaf at
// leafPhysicalAddress, whose contents are filled with fill. It returns
// the non-confidential address of the root table, ready to hand to
// pagetable.CopyFromNonConfidentialMemory. When leaf is false, the
// innermost entry is marked valid but non-leaf — a corrupt hypervisor
// page table with nowhere lower to descend to (scenario S6).
func (w *world) writePageTableChain(va uintptr, leafPhysicalAddress uintptr, fill byte, leaf bool) (memory.NonConfidentialAddress, error) {
	system := pagetable.Sv57x4
	const tableBytes = 4096

	// Lay out tables back-to-back, root first, then level3..level0, each
	// table page-aligned within the fake hypervisor's non-confidential
	// region.
	base := nonConfidentialBase + 0x1000 // leave the first page free for misc data
	tableAddrAt := func(levelIndex int) uintptr {
		return base + uintptr(levelIndex)*tableBytes
	}

	levels := []pagetable.PageTableLevel{system.RootLevel(), 3, 2, 1, 0}
	var rootAddr memory.NonConfidentialAddress
	for i, level := range levels {
		tableAddr := tableAddrAt(i)
		addr, err := memory.NewNonConfidentialAddress(w.mm, tableAddr)
		if err != nil {
			return memory.NonConfidentialAddress{}, err
		}
		if i == 0 {
			rootAddr = addr
		}
		index := system.VPN(va, level)
		var word uint64
		if level == 0 {
			word = rawPTE(leafPhysicalAddress, leaf)
		} else {
			word = rawPTE(tableAddrAt(i+1), false)
		}
		if err := w.hv.WriteUint64(mustAdd(w.mm, addr, uintptr(index)*8), word); err != nil {
			return memory.NonConfidentialAddress{}, err
		}
	}

	if leaf {
		leafAddr, err := memory.NewNonConfidentialAddress(w.mm, leafPhysicalAddress)
		if err != nil {
			return memory.NonConfidentialAddress{}, err
		}
		content := make([]byte, memory.Size4KiB.Bytes())
		for i := range content {
			content[i] = fill
		}
		if err := w.hv.WriteAt(leafAddr, content); err != nil {
			return memory.NonConfidentialAddress{}, err
		}
	}

	return rootAddr, nil
}

// writeEmptyPageTableChain lays out a G-stage root table (one 4KiB
// page) with every entry left invalid, so no lower-level table exists
// until one is created on demand. Used as the starting
// fixture for scenarios that build their mappings through MapSharedPage
// rather than through a pre-populated hypervisor page table.
func (w *world) writeEmptyPageTableChain() (memory.NonConfidentialAddress, error) {
	const tableBytes = 4096
	base := nonConfidentialBase + 0x20000
	rootAddr, err := memory.NewNonConfidentialAddress(w.mm, base)
	if err != nil {
		return memory.NonConfidentialAddress{}, err
	}
	zero := make([]byte, tableBytes)
	if err := w.hv.WriteAt(rootAddr, zero); err != nil {
		return memory.NonConfidentialAddress{}, err
	}
	return rootAddr, nil
}

func mustAdd(mm config.MemoryMap, addr memory.NonConfidentialAddress, n uintptr) memory.NonConfidentialAddress {
	out, err := addr.Add(mm, n)
	if err != nil {
		panic(err)
	}
	return out
}
