package hart

// ReadFaultingInstructionVolatile documents the contract a production
// InstructionReader must satisfy: mepc holds a confidential VM *virtual*
// address, so fetching the faulting instruction requires temporarily
// setting mstatus.MPRV and reading through the guest's own page tables,
// then clearing MPRV again — otherwise the read would resolve through
// the security monitor's own address space. Toggling MPRV is a
// privileged CSR/volatile-memory operation (assembly, per spec §1
// Non-goals) and is therefore not implemented in this package; it is
// supplied by the runtime as the InstructionReader passed to
// GuestLoadPageFaultRequest/GuestStorePageFaultRequest.
