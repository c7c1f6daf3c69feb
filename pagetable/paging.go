// Package pagetable implements the G-stage (second-level) page-table
// engine: a deep copy of a hypervisor-owned page table into confidential
// memory, and the state machine that lets a CVM share individual pages
// back out to the hypervisor. Grounded directly on
// original_source/security-monitor/src/core/mmu/page_table.rs and
// paging_system.rs.
package pagetable

import "github.com/ace-sm/monitor/memory"

// PageTableLevel numbers a level in a PagingSystem, 0 being the leaf
// (innermost) level and increasing toward the root.
type PageTableLevel int

// PagingSystem describes a second-stage address translation scheme:
// how many levels it has, how many entries each level's table holds,
// what page size a leaf at a given level covers, and how to extract a
// virtual page number at a given level. Only Sv57x4 is implemented
// (spec Non-goal: other paging modes), but the type is an interface so a
// second implementation is a pure addition.
type PagingSystem interface {
	Levels() int
	RootLevel() PageTableLevel
	Entries(level PageTableLevel) int
	PageSize(level PageTableLevel) memory.SizeClass
	VPN(va uintptr, level PageTableLevel) int
	Lower(level PageTableLevel) (PageTableLevel, bool)
}

// sv57x4 is the five-level Sv57x4 G-stage paging system: every page
// table node occupies exactly one 4KiB confidential page, regardless of
// level, matching the size of a standard RISC-V PTE array (512 entries
// of 8 bytes = 4096 bytes); only the root level's usable entry count is
// narrowed, to 256 slots indexed by va bits [55:48] (see VPN). Bits of
// va at and above bit 56 are not part of any index, so addresses that
// differ only there resolve to the same root slot.
type sv57x4 struct{}

// Sv57x4 is the only supported PagingSystem.
var Sv57x4 PagingSystem = sv57x4{}

const entriesPerTable = 512
const rootEntries = 256

var sv57x4RootLevel = PageTableLevel(len(memory.AllSizeClasses) - 1)

func (sv57x4) Levels() int { return len(memory.AllSizeClasses) }

func (sv57x4) RootLevel() PageTableLevel {
	return sv57x4RootLevel
}

func (sv57x4) Entries(level PageTableLevel) int {
	if level == sv57x4RootLevel {
		return rootEntries
	}
	return entriesPerTable
}

// PageSize returns the leaf page size a table at level covers, one
// entry per size class in ascending order: level 0 is 4KiB, level 4 is
// 128TiB.
func (sv57x4) PageSize(level PageTableLevel) memory.SizeClass {
	return memory.AllSizeClasses[int(level)]
}

// VPN extracts the index into a level's table that va would occupy: the
// field starting just above the page size that level's leaves cover,
// Entries(level) wide.
//
// The root level is the one place shift != log2(PageSize(level)): a root
// entry's PageSize (128TiB) is its own nominal leaf span, but each root
// entry actually names a level-3 subtree covering 512 entries * 512GiB =
// 256TiB. Shifting by log2(128TiB)=47 would make adjacent root slots'
// subtrees overlap for any va >= 128TiB; shifting by log2(256TiB)=48,
// matching the subtree span, resolves the root unambiguously.
func (s sv57x4) VPN(va uintptr, level PageTableLevel) int {
	shift := uintptrLog2(s.PageSize(level).Bytes())
	bits := uintptr(9)
	if level == s.RootLevel() {
		shift = 48
		bits = 8
	}
	mask := (uintptr(1) << bits) - 1
	return int((va >> shift) & mask)
}

func (sv57x4) Lower(level PageTableLevel) (PageTableLevel, bool) {
	if level == 0 {
		return 0, false
	}
	return level - 1, true
}

func uintptrLog2(n uintptr) uintptr {
	var r uintptr
	for n > 1 {
		n >>= 1
		r++
	}
	return r
}
