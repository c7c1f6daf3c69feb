package pagetable

import "github.com/ace-sm/monitor/memory"

// Permission mirrors the R/W/X/U bits of a RISC-V PTE.
type Permission struct {
	Read, Write, Execute, User bool
}

// Configuration mirrors the remaining software/cache-control bits of a
// RISC-V PTE this monitor cares about: global, accessed, dirty.
type Configuration struct {
	Global, Accessed, Dirty bool
}

// SharedPageConfiguration and SharedPagePermission are the fixed
// attributes every Shared entry carries: the CVM may read and write a
// shared page but never execute it, and the mapping is never global
// (spec S2 scenario: "R/W/U, non-executable").
func SharedPagePermission() Permission {
	return Permission{Read: true, Write: true, Execute: false, User: true}
}

func SharedPageConfiguration() Configuration {
	return Configuration{}
}

// Entry is the tagged union a G-stage page-table slot holds (spec
// §4.B): not yet mapped, a pointer to a lower-level table, a leaf
// mapping a confidential data page, or a page shared back out to the
// hypervisor's non-confidential memory.
type Entry interface {
	entry()
}

// NotValid marks an unmapped slot.
type NotValid struct{}

func (NotValid) entry() {}

// Pointer maps a slot to a lower-level page table, itself a
// confidential-memory page.
type Pointer struct {
	Table         *Table
	Configuration Configuration
}

func (Pointer) entry() {}

// Leaf maps a slot directly to a confidential data page.
type Leaf struct {
	Page          *memory.Page
	Configuration Configuration
	Permission    Permission
}

func (Leaf) entry() {}

// Shared maps a slot to a page in the hypervisor's non-confidential
// memory that the CVM has voluntarily exposed.
type Shared struct {
	Address       memory.NonConfidentialAddress
	Configuration Configuration
	Permission    Permission
}

func (Shared) entry() {}
