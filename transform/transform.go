// Package transform defines the closed algebra exchanged between the
// two control-flow paths (spec §4.D): pending requests a confidential
// hart records while waiting for the hypervisor, and the results
// ("ExposeToConfidentialVm" transformations) applied back to a hart's
// register state on resume. Both are modeled as small sealed interfaces
// rather than class hierarchies, per spec §9's "do not model it with
// subclassing" note.
package transform

// PendingRequest marks the single piece of work the hypervisor must
// complete before a confidential hart resumes (spec §3). Produced by
// confidential-hart trap-decoding methods, except SbiPending, which
// hart.FromVMHart and the Confidential Flow build directly; at most one
// is ever outstanding per hart.
type PendingRequest interface {
	pendingRequest()
}

// SbiPending marks that the hart is waiting for the hypervisor's answer
// to a forwarded SBI call.
type SbiPending struct{}

func (SbiPending) pendingRequest() {}

// GuestLoadPageFaultPending remembers enough of a decoded guest load
// fault (instruction length, destination register) to apply the
// hypervisor's eventual MMIO value.
type GuestLoadPageFaultPending struct {
	InstructionLength uintptr
	ResultGPR         int
}

func (GuestLoadPageFaultPending) pendingRequest() {}

// GuestStorePageFaultPending remembers a decoded guest store fault's
// instruction length so mepc can be advanced once the hypervisor
// acknowledges the write.
type GuestStorePageFaultPending struct {
	InstructionLength uintptr
}

func (GuestStorePageFaultPending) pendingRequest() {}

// SharePagePending remembers the guest-physical address a share_page
// call named, so the eventual page-in completion can be matched to it.
type SharePagePending struct {
	ConfidentialVMPhysicalAddress uintptr
}

func (SharePagePending) pendingRequest() {}

// Result ("ExposeToConfidentialVm") is the only externally permitted
// mutation of a confidential hart's register state after construction
// (spec §3). Produced only by the two flows.
type Result interface {
	result()
}

// SbiResult carries the return values of an SBI call the hypervisor
// answered on the CVM's behalf.
type SbiResult struct {
	A0, A1   uint64
	PCOffset uintptr
}

func (SbiResult) result() {}

// GuestLoadPageFaultResult carries the value the hypervisor fetched for
// a guest load fault, along with where to write it.
type GuestLoadPageFaultResult struct {
	Value             uint64
	ResultGPR         int
	InstructionLength uintptr
}

func (GuestLoadPageFaultResult) result() {}

// GuestStorePageFaultResult acknowledges a guest store fault the
// hypervisor has completed.
type GuestStorePageFaultResult struct {
	InstructionLength uintptr
}

func (GuestStorePageFaultResult) result() {}

// Resume applies no register-state change; it resumes the guest as-is.
type Resume struct{}

func (Resume) result() {}
