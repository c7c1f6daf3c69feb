package pagetable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ace-sm/monitor/config"
	"github.com/ace-sm/monitor/memory"
	"github.com/ace-sm/monitor/memtracker"
)

const (
	confidentialBase    = uintptr(0x8000_0000_0000)
	confidentialSize    = 16 * 1024 * 1024
	nonConfidentialBase = uintptr(0x8000_0000)
	nonConfidentialSize = 16 * 1024 * 1024
)

type fixture struct {
	mm      config.MemoryMap
	tracker *memtracker.Tracker
	hv      *memory.FakeHypervisorMemory
}

func newFixture() *fixture {
	mm := config.MemoryMap{
		Memory:          config.Range{Start: 0, End: 1 << 48},
		Confidential:    config.Range{Start: confidentialBase, End: confidentialBase + confidentialSize},
		NonConfidential: config.Range{Start: nonConfidentialBase, End: nonConfidentialBase + nonConfidentialSize},
	}
	return &fixture{
		mm:      mm,
		tracker: memtracker.NewTracker(mm, make([]byte, confidentialSize)),
		hv:      memory.NewFakeHypervisorMemory(nonConfidentialBase, nonConfidentialSize),
	}
}

// rawPTE independently mirrors pagetable's own wire format, the same way
// a real hypervisor constructs PTEs without access to this package's
// unexported encoder.
func rawPTE(targetPhysicalAddress uintptr, leaf bool) uint64 {
	word := uint64(1)
	if leaf {
		word |= 0b1110
	}
	word |= uint64(targetPhysicalAddress>>12) << 10
	return word
}

func (f *fixture) writeChain(va, leafPhysicalAddress uintptr, fill byte, leaf bool) memory.NonConfidentialAddress {
	system := Sv57x4
	const tableBytes = 4096
	base := nonConfidentialBase + 0x1000
	tableAddrAt := func(i int) uintptr { return base + uintptr(i)*tableBytes }

	levels := []PageTableLevel{system.RootLevel(), 3, 2, 1, 0}
	var rootAddr memory.NonConfidentialAddress
	for i, level := range levels {
		addr, err := memory.NewNonConfidentialAddress(f.mm, tableAddrAt(i))
		if err != nil {
			panic(err)
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
		entryAddr, err := addr.Add(f.mm, uintptr(index)*8)
		if err != nil {
			panic(err)
		}
		if err := f.hv.WriteUint64(entryAddr, word); err != nil {
			panic(err)
		}
	}
	if leaf {
		leafAddr, err := memory.NewNonConfidentialAddress(f.mm, leafPhysicalAddress)
		if err != nil {
			panic(err)
		}
		content := make([]byte, memory.Size4KiB.Bytes())
		for i := range content {
			content[i] = fill
		}
		if err := f.hv.WriteAt(leafAddr, content); err != nil {
			panic(err)
		}
	}
	return rootAddr
}

func (f *fixture) writeEmptyChain() memory.NonConfidentialAddress {
	root := nonConfidentialBase + 0x20000
	addr, err := memory.NewNonConfidentialAddress(f.mm, root)
	if err != nil {
		panic(err)
	}
	if err := f.hv.WriteAt(addr, make([]byte, 4096)); err != nil {
		panic(err)
	}
	return addr
}

// Property 2: deep-copying a hypervisor page table round-trips a leaf's
// contents into confidential memory unchanged.
func TestCopyFromNonConfidentialMemoryRoundTrips(t *testing.T) {
	f := newFixture()
	va := uintptr(0x4000_0000)
	leafPA := nonConfidentialBase + 0x100000
	root := f.writeChain(va, leafPA, 0xAB, true)

	pt, err := CopyFromNonConfidentialMemory(f.hv, f.mm, f.tracker, root, Sv57x4)
	require.NoError(t, err)

	entry, err := pt.Walk(va)
	require.NoError(t, err)
	leaf, ok := entry.(Leaf)
	require.True(t, ok)
	for _, b := range leaf.Page.Bytes() {
		assert.Equal(t, byte(0xAB), b)
	}
}

// Property 1: isolation — the deep copy lands in confidential memory:
// the root table's backing page and the copied leaf's data page both
// carry confidential addresses.
func TestCopyFromNonConfidentialMemoryLandsInConfidentialMemory(t *testing.T) {
	f := newFixture()
	va := uintptr(0x4000_0000)
	leafPA := nonConfidentialBase + 0x100000
	root := f.writeChain(va, leafPA, 0xCD, true)

	pt, err := CopyFromNonConfidentialMemory(f.hv, f.mm, f.tracker, root, Sv57x4)
	require.NoError(t, err)

	rootAddr := pt.Address().Uintptr()
	assert.True(t, rootAddr >= confidentialBase && rootAddr < confidentialBase+confidentialSize)

	entry, err := pt.Walk(va)
	require.NoError(t, err)
	leaf := entry.(Leaf)
	leafAddr := leaf.Page.Address().Uintptr()
	assert.True(t, leafAddr >= confidentialBase && leafAddr < confidentialBase+confidentialSize)
}

// Property 4: ownership conservation — a released page table returns
// every confidential page (its own nodes and leaves) to the tracker.
func TestReleaseReturnsAllPagesToTracker(t *testing.T) {
	f := newFixture()
	va := uintptr(0x4000_0000)
	leafPA := nonConfidentialBase + 0x100000
	root := f.writeChain(va, leafPA, 0xEF, true)

	before := f.tracker.Stats()
	pt, err := CopyFromNonConfidentialMemory(f.hv, f.mm, f.tracker, root, Sv57x4)
	require.NoError(t, err)

	mid := f.tracker.Stats()
	assert.Less(t, mid.FreeBytes, before.FreeBytes)

	pt.Release(f.tracker)
	after := f.tracker.Stats()
	assert.Equal(t, before, after)
}

// Scenario S6: a hypervisor page table with a pointer entry at the leaf
// level is corrupt; the deep copy must refuse it and leak nothing.
func TestCopyRefusesPointerEntryAtLeafLevel(t *testing.T) {
	f := newFixture()
	va := uintptr(0x4000_0000)
	leafPA := nonConfidentialBase + 0x100000
	root := f.writeChain(va, leafPA, 0x00, false)

	before := f.tracker.Stats()
	_, err := CopyFromNonConfidentialMemory(f.hv, f.mm, f.tracker, root, Sv57x4)
	require.Error(t, err)

	after := f.tracker.Stats()
	assert.Equal(t, before, after, "a failed deep copy must not leak any acquired page")
}

// Property 3: raw/logical agreement — MapSharedPage's logical Entry and
// the raw PTE word backing it must always describe the same mapping.
func TestMapSharedPageKeepsRawAndLogicalInAgreement(t *testing.T) {
	f := newFixture()
	root := f.writeEmptyChain()
	pt, err := CopyFromNonConfidentialMemory(f.hv, f.mm, f.tracker, root, Sv57x4)
	require.NoError(t, err)

	guestVA := uintptr(0x5000_0000)
	hvAddr, err := memory.NewNonConfidentialAddress(f.mm, nonConfidentialBase+0x200000)
	require.NoError(t, err)
	sp := memory.NewSharedPage(hvAddr, guestVA)

	require.NoError(t, pt.MapSharedPage(f.tracker, sp))

	entry, err := pt.Walk(guestVA)
	require.NoError(t, err)
	shared, ok := entry.(Shared)
	require.True(t, ok)
	assert.Equal(t, hvAddr, shared.Address)
	assert.Equal(t, SharedPagePermission(), shared.Permission)

	// Walk down the table chain manually, confirming the raw word the
	// leaf table stores matches the logical Shared entry exactly.
	level := pt.table
	for level.level != 0 {
		idx := pt.system.VPN(guestVA, level.level)
		p, ok := level.entries[idx].(Pointer)
		require.True(t, ok)
		level = p.Table
	}
	idx := pt.system.VPN(guestVA, level.level)
	raw, err := readWordAt(level.backing.Bytes(), idx)
	require.NoError(t, err)
	assert.Equal(t, encodeRaw(shared), raw)
}

// Re-sharing a guest virtual address replaces whatever was mapped there.
func TestMapSharedPageReplacesExistingMapping(t *testing.T) {
	f := newFixture()
	root := f.writeEmptyChain()
	pt, err := CopyFromNonConfidentialMemory(f.hv, f.mm, f.tracker, root, Sv57x4)
	require.NoError(t, err)

	guestVA := uintptr(0x5000_0000)
	firstAddr, err := memory.NewNonConfidentialAddress(f.mm, nonConfidentialBase+0x200000)
	require.NoError(t, err)
	require.NoError(t, pt.MapSharedPage(f.tracker, memory.NewSharedPage(firstAddr, guestVA)))

	secondAddr, err := memory.NewNonConfidentialAddress(f.mm, nonConfidentialBase+0x300000)
	require.NoError(t, err)
	require.NoError(t, pt.MapSharedPage(f.tracker, memory.NewSharedPage(secondAddr, guestVA)))

	entry, err := pt.Walk(guestVA)
	require.NoError(t, err)
	shared := entry.(Shared)
	assert.Equal(t, secondAddr, shared.Address)
}

func readWordAt(buf []byte, index int) (uint64, error) {
	off := index * 8
	var w uint64
	for i := 0; i < 8; i++ {
		w |= uint64(buf[off+i]) << (8 * i)
	}
	return w, nil
}
