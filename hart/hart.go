package hart

import (
	"github.com/ace-sm/monitor/memory"
	"github.com/ace-sm/monitor/riscvdecode"
	"github.com/ace-sm/monitor/sbi"
	"github.com/ace-sm/monitor/smerrors"
	"github.com/ace-sm/monitor/transform"
)

// Delegation masks assigned to every non-dummy confidential hart at
// reset. VS-level interrupts and the exceptions a guest OS can handle
// on its own trap directly into the confidential VM; everything else
// traps to the security monitor. Values match the original
// implementation's reset sequence exactly (see confidential_hart.rs).
const (
	DefaultMideleg = 0b0100_0100_0100
	DefaultMedeleg = 0xB3FF
)

// ConfidentialHart is the dump state of a confidential VM's hart (vcpu).
// The only way to mutate its register/CSR state from outside this
// package is through a constructor or Apply — mirroring the original's
// "only publicly exposed way to modify the virtual hart state" comment.
type ConfidentialHart struct {
	state          State
	pendingRequest transform.PendingRequest
	dummy          bool
}

// Dummy builds a confidential hart not associated with any confidential
// VM, used to fill an unused hart slot in a CVM's hart table.
func Dummy(id int) *ConfidentialHart {
	return &ConfidentialHart{state: Empty(id), dummy: true}
}

// FromVMHartReset builds a confidential hart from a hypervisor-supplied
// snapshot, applying reset-time delegation but not copying GPR/FPR
// contents — used when a hart is added to a CVM before first run.
func FromVMHartReset(id int, from State) *ConfidentialHart {
	s := FromExisting(id, from)
	s.Mideleg = DefaultMideleg
	s.Hideleg = s.Mideleg
	s.Medeleg = DefaultMedeleg
	s.Hedeleg = s.Medeleg
	return &ConfidentialHart{state: s, dummy: false}
}

// FromVMHart builds the confidential hart that answers a promote-to-CVM
// (ESM) request: it inherits the caller's GPR/FPR contents verbatim and
// starts with an SbiPending request outstanding, since the promotion
// itself is completed by an SBI call the security monitor forwards to
// the hypervisor on the new CVM's behalf.
func FromVMHart(id int, from State) *ConfidentialHart {
	ch := FromVMHartReset(id, from)
	ch.state.GPRs = from.GPRs
	ch.state.FPRs = from.FPRs
	ch.pendingRequest = transform.SbiPending{}
	return ch
}

// IsDummy reports whether this hart is unassociated with a confidential VM.
func (ch *ConfidentialHart) IsDummy() bool { return ch.dummy }

// ID returns the confidential hart's id.
func (ch *ConfidentialHart) ID() int { return ch.state.ID }

// TakeRequest clears and returns the outstanding pending request, if any.
func (ch *ConfidentialHart) TakeRequest() transform.PendingRequest {
	r := ch.pendingRequest
	ch.pendingRequest = nil
	return r
}

// SetPendingRequest records request as the one outstanding piece of
// hypervisor work this hart awaits. Fails if one is already set — a
// hart may have at most one pending request at a time (spec §7
// property: pending-request uniqueness).
func (ch *ConfidentialHart) SetPendingRequest(request transform.PendingRequest) error {
	if ch.pendingRequest != nil {
		return smerrors.ErrPendingRequest
	}
	ch.pendingRequest = request
	return nil
}

// SetHgatp installs the G-stage root page table's hgatp value, binding
// this hart to its CVM's address translation.
func (ch *ConfidentialHart) SetHgatp(hgatp uint64) {
	ch.state.Hgatp = hgatp
}

// Apply is the only permitted mutation of register state after
// construction: it folds a flow's Result into the hart and returns the
// resulting state for resumption.
func (ch *ConfidentialHart) Apply(result transform.Result) *State {
	switch r := result.(type) {
	case transform.SbiResult:
		ch.state.SetGPR(RegA0, r.A0)
		ch.state.SetGPR(RegA1, r.A1)
		ch.state.Mepc += uint64(r.PCOffset)
	case transform.GuestLoadPageFaultResult:
		ch.state.SetGPR(r.ResultGPR, r.Value)
		ch.state.Mepc += uint64(r.InstructionLength)
	case transform.GuestStorePageFaultResult:
		ch.state.Mepc += uint64(r.InstructionLength)
	case transform.Resume:
		// no register-state change
	}
	return &ch.state
}

// TrapReason classifies why this hart last trapped.
func (ch *ConfidentialHart) TrapReason() TrapReason {
	return ch.state.TrapReason()
}

// HypercallRequest packages the hart's a6/a7/a0..a5 registers as the SBI
// call it is asking the security monitor (and, transitively, the
// hypervisor) to service.
type HypercallRequest struct {
	Extension uint64
	Function  uint64
	A0, A1, A2, A3, A4, A5 uint64
}

// HypercallRequest reads the pending SBI call out of the hart's GPRs.
func (ch *ConfidentialHart) HypercallRequest() HypercallRequest {
	return HypercallRequest{
		Extension: ch.state.GPR(RegA7),
		Function:  ch.state.GPR(RegA6),
		A0:        ch.state.GPR(RegA0),
		A1:        ch.state.GPR(RegA1),
		A2:        ch.state.GPR(RegA2),
		A3:        ch.state.GPR(RegA3),
		A4:        ch.state.GPR(RegA4),
		A5:        ch.state.GPR(RegA5),
	}
}

// MmioRequest is the wire payload forwarded to the hypervisor to service
// a guest MMIO load or store fault: enough of the trap context for the
// hypervisor's device model to execute the access itself.
type MmioRequest struct {
	Mcause      uint64
	Mtval       uint64
	Mtval2      uint64
	Instruction uint64
	// GPR/Value are populated only for store faults.
	GPR   int
	Value uint64
}

// GuestLoadPageFaultRequest decodes the faulting instruction and returns
// both the pending-request shape to remember and the MMIO request to
// forward to the hypervisor.
func (ch *ConfidentialHart) GuestLoadPageFaultRequest(readInstruction InstructionReader) (transform.GuestLoadPageFaultPending, MmioRequest, error) {
	instr, length, err := ch.readFaultingInstruction(readInstruction)
	if err != nil {
		return transform.GuestLoadPageFaultPending{}, MmioRequest{}, err
	}
	decoded, err := riscvdecode.Decode(uint32(instr))
	if err != nil {
		return transform.GuestLoadPageFaultPending{}, MmioRequest{}, err
	}
	pending := transform.GuestLoadPageFaultPending{
		InstructionLength: uintptr(length),
		ResultGPR:         decoded.Register,
	}
	mmio := MmioRequest{
		Mcause:      ch.state.Mcause,
		Mtval:       ch.state.Mtval,
		Mtval2:      ch.state.Mtval2,
		Instruction: instr,
	}
	return pending, mmio, nil
}

// GuestStorePageFaultRequest is the store-fault analogue of
// GuestLoadPageFaultRequest: it additionally reads the value out of the
// source GPR, since the hypervisor needs it to perform the write.
func (ch *ConfidentialHart) GuestStorePageFaultRequest(readInstruction InstructionReader) (transform.GuestStorePageFaultPending, MmioRequest, error) {
	instr, length, err := ch.readFaultingInstruction(readInstruction)
	if err != nil {
		return transform.GuestStorePageFaultPending{}, MmioRequest{}, err
	}
	decoded, err := riscvdecode.Decode(uint32(instr))
	if err != nil {
		return transform.GuestStorePageFaultPending{}, MmioRequest{}, err
	}
	pending := transform.GuestStorePageFaultPending{InstructionLength: uintptr(length)}
	mmio := MmioRequest{
		Mcause:      ch.state.Mcause,
		Mtval:       ch.state.Mtval,
		Mtval2:      ch.state.Mtval2,
		Instruction: instr,
		GPR:         decoded.Register,
		Value:       ch.state.GPR(decoded.Register),
	}
	return pending, mmio, nil
}

// SharePageRequest reads the guest-physical address to share out of a0, the
// ABI convention the share_page SBI call uses, and validates it before
// building the hypervisor-facing kvm_ace_page_in call (mirrors the
// original's fallible SharePageRequest::new(addr)?).
func (ch *ConfidentialHart) SharePageRequest() (transform.SharePagePending, sbi.Call, error) {
	addr := ch.state.GPR(RegA0)
	if addr == 0 || addr%uint64(memory.Size4KiB.Bytes()) != 0 {
		return transform.SharePagePending{}, sbi.Call{}, smerrors.Wrapf(smerrors.ErrInvalidAddress, "share_page: guest physical address %#x is not page-aligned", addr)
	}
	pending := transform.SharePagePending{ConfidentialVMPhysicalAddress: uintptr(addr)}
	return pending, sbi.KvmAcePageIn(addr), nil
}

// InstructionReader reads the raw 64-bit word at a virtual address with
// MPRV set — i.e. using the guest's own page tables rather than the
// security monitor's. Implemented outside this package because it is a
// volatile hardware read (spec §1 Non-goals: no direct hardware access
// here); ReadFaultingInstructionVolatile in mprv.go documents the contract an
// implementation must satisfy.
type InstructionReader func(virtualAddress uint64) uint64

// readFaultingInstruction fetches and trims the faulting instruction per
// ReadFaultingInstructionVolatile's contract.
func (ch *ConfidentialHart) readFaultingInstruction(read InstructionReader) (uint64, int, error) {
	word := read(ch.state.Mepc)
	length := riscvdecode.InstructionLength(uint16(word))
	mask := uint64(1)<<(8*uint64(length)) - 1
	return word & mask, length, nil
}
