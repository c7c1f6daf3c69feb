package memory

// SharedPage is a triple (hypervisor physical address, CVM guest
// virtual address, size=4KiB) representing a page in non-confidential
// memory the CVM has voluntarily exposed to the hypervisor (spec §3).
// Its lifetime runs from a share request until unshare or CVM
// destruction.
type SharedPage struct {
	hypervisorAddr      NonConfidentialAddress
	confidentialVMVaddr uintptr
}

// NewSharedPage constructs a SharedPage. The guest virtual address is
// not itself region-validated (it is a CVM-internal virtual address,
// not a physical one); the hypervisor address already was, by the
// caller constructing it via NewNonConfidentialAddress.
func NewSharedPage(hypervisorAddr NonConfidentialAddress, confidentialVMVaddr uintptr) SharedPage {
	return SharedPage{hypervisorAddr: hypervisorAddr, confidentialVMVaddr: confidentialVMVaddr}
}

// HypervisorAddress returns the non-confidential physical address the
// shared page resolves to.
func (s SharedPage) HypervisorAddress() NonConfidentialAddress { return s.hypervisorAddr }

// ConfidentialVMVirtualAddress returns the CVM guest-virtual address the
// shared page is mapped at.
func (s SharedPage) ConfidentialVMVirtualAddress() uintptr { return s.confidentialVMVaddr }

// SharedPageSize is the only size at which pages may be shared (spec §4.B.2).
const SharedPageSize = Size4KiB
