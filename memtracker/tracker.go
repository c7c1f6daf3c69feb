// Package memtracker implements the security monitor's confidential
// memory tracker (spec §4.A): a pool of confidential physical pages
// partitioned by size class, with buddy-discipline coalescing on
// release and splitting on acquire. It is the sole source of Pages for
// the page-table engine and any other confidential-memory consumer.
//
// Grounded on biscuit's mem.Physmem_t: a single mutex-guarded struct
// tracking the free pages of a backing slab, generalized here from one
// size class to the five of the Sv57x4 paging system. Free pages are
// kept as one set of start addresses per size class.
package memtracker

import (
	"sort"
	"sync"

	"github.com/ace-sm/monitor/config"
	"github.com/ace-sm/monitor/memory"
	"github.com/ace-sm/monitor/smerrors"
	"github.com/ace-sm/monitor/util"
)

// Tracker owns the pool of confidential physical pages for one security
// monitor instance. All operations serialize on a single mutex, per
// spec §5 ("the Memory Tracker is a shared mutable pool; all operations
// on it must serialize").
type Tracker struct {
	mu    sync.Mutex
	mm    config.MemoryMap
	slab  []byte
	base  uintptr
	free  map[memory.SizeClass]map[uintptr]bool
}

// NewTracker creates a tracker over mm.Confidential, backed by a
// caller-supplied byte slice (production: the direct map of confidential
// physical memory; tests/harness: a plain make([]byte, n)). The entire
// region starts in the free pool, seeded greedily from the largest size
// class that fits at each offset.
func NewTracker(mm config.MemoryMap, backing []byte) *Tracker {
	if uintptr(len(backing)) != mm.Confidential.Len() {
		panic("memtracker: backing slice does not match confidential region size")
	}
	t := &Tracker{
		mm:   mm,
		slab: backing,
		base: mm.Confidential.Start,
		free: make(map[memory.SizeClass]map[uintptr]bool, len(memory.AllSizeClasses)),
	}
	for _, c := range memory.AllSizeClasses {
		t.free[c] = make(map[uintptr]bool)
	}
	t.seed(mm.Confidential.Start, mm.Confidential.Len())
	return t
}

// seed greedily covers [start, start+length) with free blocks, always
// picking the largest size class that both fits in the remaining length
// and is aligned at the current offset.
func (t *Tracker) seed(start, length uintptr) {
	for length > 0 {
		placed := false
		for i := len(memory.AllSizeClasses) - 1; i >= 0; i-- {
			c := memory.AllSizeClasses[i]
			sz := c.Bytes()
			if sz <= length && util.Aligned(start, sz) {
				t.free[c][start] = true
				start += sz
				length -= sz
				placed = true
				break
			}
		}
		if !placed {
			// Remainder smaller than the smallest class or unaligned; drop it
			// silently, matching a real allocator's reserved/unusable tail.
			return
		}
	}
}

func classIndex(c memory.SizeClass) int {
	for i, x := range memory.AllSizeClasses {
		if x == c {
			return i
		}
	}
	panic("unknown size class")
}

// AcquireContinuousPages returns n physically-contiguous pages of the
// requested size class in ascending physical-address order, or
// smerrors.ErrOutOfMemory if the pool cannot satisfy the request.
func (t *Tracker) AcquireContinuousPages(n int, class memory.SizeClass) ([]*memory.Page, error) {
	if n <= 0 {
		return nil, smerrors.Wrap(smerrors.ErrInvalidAddress, "acquire count must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	addrs, err := t.acquireContiguousLocked(n, class)
	if err != nil {
		return nil, err
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	pages := make([]*memory.Page, 0, n)
	sz := class.Bytes()
	for _, addr := range addrs {
		confAddr, err := memory.NewConfidentialAddress(t.mm, addr)
		if err != nil {
			return nil, err
		}
		off := addr - t.base
		pages = append(pages, memory.NewPage(confAddr, class, t.slab[off:off+sz]))
	}
	return pages, nil
}

// acquireContiguousLocked finds or builds n contiguous free addresses of
// class, removes them from the free set, and returns them (not
// necessarily sorted yet). Caller holds t.mu.
func (t *Tracker) acquireContiguousLocked(n int, class memory.SizeClass) ([]uintptr, error) {
	if found, ok := t.findContiguousLocked(n, class); ok {
		for _, a := range found {
			delete(t.free[class], a)
		}
		return found, nil
	}
	// Not enough contiguous free pages at this class: split one page of
	// the next larger class and retry. Keep climbing until a split
	// succeeds or we run out of larger classes.
	idx := classIndex(class)
	if idx+1 >= len(memory.AllSizeClasses) {
		return nil, smerrors.Wrapf(smerrors.ErrOutOfMemory, "no %s pages available", class)
	}
	parent := memory.AllSizeClasses[idx+1]
	if err := t.splitOneLocked(parent); err != nil {
		return nil, err
	}
	return t.acquireContiguousLocked(n, class)
}

// findContiguousLocked scans the free set of class for n addresses that
// form one contiguous run (addr, addr+sz, addr+2*sz, ...).
func (t *Tracker) findContiguousLocked(n int, class memory.SizeClass) ([]uintptr, bool) {
	sz := class.Bytes()
	set := t.free[class]
	if len(set) < n {
		return nil, false
	}
	candidates := make([]uintptr, 0, len(set))
	for a := range set {
		candidates = append(candidates, a)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
	for i := 0; i < len(candidates); i++ {
		run := make([]uintptr, 1, n)
		run[0] = candidates[i]
		ok := true
		for k := 1; k < n; k++ {
			want := candidates[i] + uintptr(k)*sz
			if !set[want] {
				ok = false
				break
			}
			run = append(run, want)
		}
		if ok {
			return run, true
		}
	}
	return nil, false
}

// splitOneLocked removes one free page of class parent and replaces it
// with ratio(parent) contiguous free pages of the next smaller class.
func (t *Tracker) splitOneLocked(parent memory.SizeClass) error {
	idx := classIndex(parent)
	if idx == 0 {
		return smerrors.Wrap(smerrors.ErrOutOfMemory, "cannot split the smallest size class")
	}
	child := memory.AllSizeClasses[idx-1]

	set := t.free[parent]
	if len(set) == 0 {
		// Recurse: split an even larger class first.
		if idx+1 >= len(memory.AllSizeClasses) {
			return smerrors.Wrapf(smerrors.ErrOutOfMemory, "no %s pages available to split", parent)
		}
		if err := t.splitOneLocked(memory.AllSizeClasses[idx+1]); err != nil {
			return err
		}
	}
	var addr uintptr
	for a := range t.free[parent] {
		addr = a
		break
	}
	delete(t.free[parent], addr)

	childSz := child.Bytes()
	count := parent.Bytes() / childSz
	for i := uintptr(0); i < count; i++ {
		t.free[child][addr+i*childSz] = true
	}
	return nil
}

// ReleasePage returns page to the pool at its size class, scrubbing its
// contents first (spec §9 Open Question, resolved: always scrub) and
// then attempting to coalesce upward with its buddies.
func (t *Tracker) ReleasePage(page *memory.Page) error {
	if page == nil {
		return smerrors.Wrap(smerrors.ErrInvalidAddress, "release of nil page")
	}
	if !page.Valid() {
		return smerrors.Wrap(smerrors.ErrInvalidAddress, "release of already-released page")
	}
	page.Zero()
	addr := page.Address().Uintptr()
	class := page.SizeClass()
	page.Invalidate()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.free[class][addr] = true
	t.coalesceLocked(addr, class)
	return nil
}

// coalesceLocked checks whether addr's entire parent-sized buddy group
// is free and, if so, merges it into one free page of the parent class,
// recursing upward.
func (t *Tracker) coalesceLocked(addr uintptr, class memory.SizeClass) {
	idx := classIndex(class)
	if idx+1 >= len(memory.AllSizeClasses) {
		return
	}
	parent := memory.AllSizeClasses[idx+1]
	childSz := class.Bytes()
	parentSz := parent.Bytes()
	groupBase := (addr / parentSz) * parentSz
	count := parentSz / childSz

	for i := uintptr(0); i < count; i++ {
		if !t.free[class][groupBase+i*childSz] {
			return
		}
	}
	for i := uintptr(0); i < count; i++ {
		delete(t.free[class], groupBase+i*childSz)
	}
	t.free[parent][groupBase] = true
	t.coalesceLocked(groupBase, parent)
}

// Stats reports free-page counts per size class plus the pool-wide
// free/used byte totals, used by the ownership-conservation property
// test and the CLI harness's stats subcommand.
type Stats struct {
	FreeBytes  uintptr
	UsedBytes  uintptr
	TotalBytes uintptr
	FreeCount  map[memory.SizeClass]int
}

// Stats computes a snapshot of pool occupancy.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Stats{FreeCount: make(map[memory.SizeClass]int, len(memory.AllSizeClasses))}
	for _, c := range memory.AllSizeClasses {
		n := len(t.free[c])
		s.FreeCount[c] = n
		s.FreeBytes += uintptr(n) * c.Bytes()
	}
	s.TotalBytes = t.mm.Confidential.Len()
	s.UsedBytes = s.TotalBytes - s.FreeBytes
	return s
}
