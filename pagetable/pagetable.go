package pagetable

import (
	"golang.org/x/sync/errgroup"

	"github.com/ace-sm/monitor/config"
	"github.com/ace-sm/monitor/memory"
	"github.com/ace-sm/monitor/memtracker"
	"github.com/ace-sm/monitor/smerrors"
	"github.com/ace-sm/monitor/util"
)

// RootPageTable is a CVM's G-stage page table, entirely resident in
// confidential memory once built.
type RootPageTable struct {
	system PagingSystem
	table  *Table
}

// Table is one level of a G-stage page table: a confidential-memory
// page holding the table's raw PTE words, plus the decoded Entry for
// each slot. The two are kept in sync by setEntry — never mutate
// entries directly.
type Table struct {
	level   PageTableLevel
	backing *memory.Page
	entries []Entry
}

// copyOptions configures CopyFromNonConfidentialMemory's concurrency.
type copyOptions struct {
	parallelism int
}

// Option configures a deep copy.
type Option func(*copyOptions)

// WithParallelism copies sibling subtrees concurrently, up to n at a
// time, using golang.org/x/sync/errgroup. It is strictly an
// opt-in performance knob (spec §9 Design Notes): the default,
// WithParallelism(1) or omitted, copies depth-first and single-threaded,
// which is also what every correctness property assumes.
func WithParallelism(n int) Option {
	return func(o *copyOptions) {
		if n > 0 {
			o.parallelism = n
		}
	}
}

// CopyFromNonConfidentialMemory recursively copies a hypervisor-owned
// page table rooted at addr into freshly acquired confidential memory,
// re-homing every leaf page's contents and re-encoding every PTE to
// point at its new, confidential target (spec §4.B.1). On any error, no
// partially-copied pages are leaked: each partially built table is
// released together with whatever it held before the failure (spec §7: "a failed page-table deep-copy
// aborts ESM and releases every page already allocated").
func CopyFromNonConfidentialMemory(
	hv memory.HypervisorMemory,
	mm config.MemoryMap,
	tracker *memtracker.Tracker,
	addr memory.NonConfidentialAddress,
	system PagingSystem,
	opts ...Option,
) (*RootPageTable, error) {
	o := copyOptions{parallelism: 1}
	for _, opt := range opts {
		opt(&o)
	}
	table, err := copyTable(hv, mm, tracker, addr, system, system.RootLevel(), &o)
	if err != nil {
		return nil, err
	}
	return &RootPageTable{system: system, table: table}, nil
}

func copyTable(
	hv memory.HypervisorMemory,
	mm config.MemoryMap,
	tracker *memtracker.Tracker,
	addr memory.NonConfidentialAddress,
	system PagingSystem,
	level PageTableLevel,
	o *copyOptions,
) (t *Table, err error) {
	n := system.Entries(level)
	words := make([]uint64, n)
	for i := 0; i < n; i++ {
		raw, rerr := readRawWord(hv, mm, addr, i)
		if rerr != nil {
			return nil, rerr
		}
		words[i] = raw
	}

	pages, err := tracker.AcquireContinuousPages(1, memory.Size4KiB)
	if err != nil {
		return nil, err
	}
	backing := pages[0]

	t = &Table{level: level, backing: backing, entries: make([]Entry, n)}
	built := t
	defer func() {
		if err != nil {
			built.release(tracker)
		}
	}()

	build := func(i int) error {
		entry, berr := decodeEntry(hv, mm, tracker, system, level, words[i], o)
		if berr != nil {
			return berr
		}
		t.entries[i] = entry
		writeRawWord(backing.Bytes(), i, encodeRaw(entry))
		return nil
	}

	if o.parallelism > 1 {
		g := new(errgroup.Group)
		// Never schedule more goroutine slots than there are entries to
		// build — spawning idle workers for a half-empty root table buys
		// nothing.
		g.SetLimit(util.Min(o.parallelism, n))
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() error { return build(i) })
		}
		if err = g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := 0; i < n; i++ {
			if err = build(i); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func decodeEntry(
	hv memory.HypervisorMemory,
	mm config.MemoryMap,
	tracker *memtracker.Tracker,
	system PagingSystem,
	level PageTableLevel,
	word uint64,
	o *copyOptions,
) (Entry, error) {
	if !rawIsValid(word) {
		return NotValid{}, nil
	}
	srcAddr, err := memory.NewNonConfidentialAddress(mm, rawAddress(word))
	if err != nil {
		return nil, smerrors.Wrap(smerrors.ErrPageTableCorrupted, "invalid PTE target address")
	}
	if rawIsLeaf(word) {
		pageSize := system.PageSize(level)
		pages, err := tracker.AcquireContinuousPages(1, pageSize)
		if err != nil {
			return nil, err
		}
		page := pages[0]
		data, err := hv.ReadAt(srcAddr, pageSize.Bytes())
		if err != nil {
			_ = tracker.ReleasePage(page)
			return nil, smerrors.Wrap(smerrors.ErrPageTableCorrupted, "failed reading leaf page contents")
		}
		copy(page.Bytes(), data)
		return Leaf{Page: page, Configuration: rawConfiguration(word), Permission: rawPermission(word)}, nil
	}
	lower, ok := system.Lower(level)
	if !ok {
		return nil, smerrors.Wrap(smerrors.ErrPageTableCorrupted, "pointer entry at leaf level")
	}
	sub, err := copyTable(hv, mm, tracker, srcAddr, system, lower, o)
	if err != nil {
		return nil, err
	}
	return Pointer{Table: sub, Configuration: rawConfiguration(word)}, nil
}

func readRawWord(hv memory.HypervisorMemory, mm config.MemoryMap, base memory.NonConfidentialAddress, index int) (uint64, error) {
	entryAddr, err := memory.NewNonConfidentialAddress(mm, base.Uintptr()+uintptr(index)*8)
	if err != nil {
		return 0, err
	}
	data, err := hv.ReadAt(entryAddr, 8)
	if err != nil {
		return 0, smerrors.Wrap(smerrors.ErrPageTableCorrupted, "failed reading PTE word")
	}
	var w uint64
	for i := 0; i < 8; i++ {
		w |= uint64(data[i]) << (8 * i)
	}
	return w, nil
}

func writeRawWord(buf []byte, index int, word uint64) {
	off := index * 8
	for i := 0; i < 8; i++ {
		buf[off+i] = byte(word >> (8 * i))
	}
}

// Address returns the confidential-memory address of this table's own
// backing page.
func (t *Table) Address() memory.ConfidentialAddress { return t.backing.Address() }

// Address returns the confidential-memory address of the root table.
func (r *RootPageTable) Address() memory.ConfidentialAddress { return r.table.Address() }

// PagingSystem returns the paging system this table was built with.
func (r *RootPageTable) PagingSystem() PagingSystem { return r.system }

// setEntry installs entry at index, keeping the table's raw backing
// memory synchronized, and releases any confidential page the
// previously-installed Leaf entry owned (spec §4.B.3/§4.B.4).
func (t *Table) setEntry(tracker *memtracker.Tracker, index int, entry Entry) error {
	old := t.entries[index]
	t.entries[index] = entry
	writeRawWord(t.backing.Bytes(), index, encodeRaw(entry))
	if leaf, ok := old.(Leaf); ok {
		return tracker.ReleasePage(leaf.Page)
	}
	return nil
}

// MapSharedPage walks from the root table to sharedPage's CVM virtual
// address, creating intermediate pointer tables as needed, and installs
// a Shared entry at the leaf — detaching whatever was mapped there
// before (spec §4.B.2). Only 4KiB shared pages are supported.
func (r *RootPageTable) MapSharedPage(tracker *memtracker.Tracker, sp memory.SharedPage) error {
	return r.table.mapSharedPage(tracker, r.system, sp)
}

func (t *Table) mapSharedPage(tracker *memtracker.Tracker, system PagingSystem, sp memory.SharedPage) error {
	index := system.VPN(sp.ConfidentialVMVirtualAddress(), t.level)
	if index < 0 || index >= len(t.entries) {
		return smerrors.Wrap(smerrors.ErrPageTableConfiguration, "virtual address out of range for this table")
	}

	switch e := t.entries[index].(type) {
	case Pointer:
		return e.Table.mapSharedPage(tracker, system, sp)
	case Leaf, Shared:
		return t.setEntry(tracker, index, Shared{
			Address:       sp.HypervisorAddress(),
			Configuration: SharedPageConfiguration(),
			Permission:    SharedPagePermission(),
		})
	case NotValid:
		if t.level == 0 {
			return t.setEntry(tracker, index, Shared{
				Address:       sp.HypervisorAddress(),
				Configuration: SharedPageConfiguration(),
				Permission:    SharedPagePermission(),
			})
		}
		next, err := emptyTable(tracker, t.level-1, system)
		if err != nil {
			return err
		}
		if err := next.mapSharedPage(tracker, system, sp); err != nil {
			next.release(tracker)
			return err
		}
		return t.setEntry(tracker, index, Pointer{Table: next, Configuration: Configuration{}})
	}
	return smerrors.Wrap(smerrors.ErrPageTableConfiguration, "unreachable entry kind")
}

func emptyTable(tracker *memtracker.Tracker, level PageTableLevel, system PagingSystem) (*Table, error) {
	pages, err := tracker.AcquireContinuousPages(1, memory.Size4KiB)
	if err != nil {
		return nil, err
	}
	n := system.Entries(level)
	entries := make([]Entry, n)
	for i := range entries {
		entries[i] = NotValid{}
	}
	return &Table{level: level, backing: pages[0], entries: entries}, nil
}

// Walk is a read-only lookup from the root down to whatever Entry
// ultimately resolves va, following Pointer entries and stopping at the
// first Leaf, Shared, or NotValid it reaches. It exists to let tests
// assert isolation and round-trip invariants without reaching into this
// package's private fields.
func (r *RootPageTable) Walk(va uintptr) (Entry, error) {
	return r.table.walk(r.system, va)
}

func (t *Table) walk(system PagingSystem, va uintptr) (Entry, error) {
	index := system.VPN(va, t.level)
	if index < 0 || index >= len(t.entries) {
		return nil, smerrors.Wrap(smerrors.ErrPageTableConfiguration, "virtual address out of range for this table")
	}
	switch e := t.entries[index].(type) {
	case Pointer:
		return e.Table.walk(system, va)
	default:
		return e, nil
	}
}

// Release returns every confidential page owned by this table and its
// descendants — its own backing page plus every Leaf's data page — to
// tracker. Called when a CVM is destroyed or an in-progress deep copy
// must be unwound.
func (r *RootPageTable) Release(tracker *memtracker.Tracker) {
	r.table.release(tracker)
}

func (t *Table) release(tracker *memtracker.Tracker) {
	for _, e := range t.entries {
		switch v := e.(type) {
		case Leaf:
			_ = tracker.ReleasePage(v.Page)
		case Pointer:
			v.Table.release(tracker)
		}
	}
	if t.backing != nil && t.backing.Valid() {
		_ = tracker.ReleasePage(t.backing)
	}
}
