// Package sbi implements the wire encoding of the security monitor's
// firmware-interface surface (spec §6): the ACE vendor extension the
// hypervisor and confidential VMs call into, the SBI base-extension
// probing boilerplate every extension must answer, and the call the
// monitor itself issues to the hypervisor when a CVM shares a page.
//
// The RISC-V SBI calling convention packs an extension id into a7, a
// function id into a6, and up to six arguments into a0..a5; this
// package only (de)structures those integers — it never performs the
// ecall itself, which is a hardware/assembly concern outside this
// core (spec §1 Non-goals). The bit-packing style follows biscuit's
// defs.Mkdev/Unmkdev device-number encoding.
package sbi

import "github.com/ace-sm/monitor/smerrors"

// AceExtensionID is the SM's vendor SBI extension id, "ACE".
const AceExtensionID uint64 = 0x510000

// ACE extension function ids.
const (
	FidEsm       uint64 = 0
	FidSharePage uint64 = 1
	FidPageIn    uint64 = 2
	FidMmioLoad  uint64 = 3
	FidMmioStore uint64 = 4
)

// BaseExtensionID is the standard SBI base extension every firmware
// must answer probes against.
const BaseExtensionID uint64 = 0x10

// SBI base extension function ids (the "probing boilerplate").
const (
	FidGetSpecVersion  uint64 = 0
	FidGetImplID       uint64 = 1
	FidGetImplVersion  uint64 = 2
	FidProbeExtension  uint64 = 3
	FidGetMvendorID    uint64 = 4
	FidGetMarchID      uint64 = 5
	FidGetMimpID       uint64 = 6
)

// Standard SBI error codes (subset actually used by this monitor).
const (
	Success       int64 = 0
	ErrFailed     int64 = -1
	ErrNotSupported int64 = -2
	ErrInvalidParam int64 = -3
)

// Call is the decoded form of an incoming ecall: extension id, function
// id, and up to six arguments.
type Call struct {
	Extension uint64
	Function  uint64
	Args      [6]uint64
}

// Result is the decoded form of an ecall's return: RISC-V SBI calls
// return (error, value) in a0/a1.
type Result struct {
	Error int64
	Value uint64
}

// DecodeCall builds a Call from the raw a7/a6/a0..a5 register values, as
// read by hart.ConfidentialHart.HypercallRequest.
func DecodeCall(extension, function uint64, a0, a1, a2, a3, a4, a5 uint64) Call {
	return Call{Extension: extension, Function: function, Args: [6]uint64{a0, a1, a2, a3, a4, a5}}
}

// IsAceCall reports whether c targets the ACE vendor extension.
func (c Call) IsAceCall() bool { return c.Extension == AceExtensionID }

// EsmGuestPhysicalAddress returns an ESM call's first argument (a0),
// or an error if the call is not an ESM call.
func (c Call) EsmGuestPhysicalAddress() (uint64, error) {
	if c.Function != FidEsm {
		return 0, smerrors.Wrap(smerrors.ErrInvalidAddress, "not an esm call")
	}
	return c.Args[0], nil
}

// SharePageArgs is the decoded payload of a share_page(guest_pa, count) call.
type SharePageArgs struct {
	GuestPhysicalAddress uint64
	Count                uint64
}

// SharePage decodes a share_page call's arguments.
func (c Call) SharePage() (SharePageArgs, error) {
	if c.Function != FidSharePage {
		return SharePageArgs{}, smerrors.Wrap(smerrors.ErrInvalidAddress, "not a share_page call")
	}
	return SharePageArgs{GuestPhysicalAddress: c.Args[0], Count: c.Args[1]}, nil
}

// PageIn decodes a page_in(guest_pa) call's argument — the hypervisor's
// completion of an earlier share_page request.
func (c Call) PageIn() (uint64, error) {
	if c.Function != FidPageIn {
		return 0, smerrors.Wrap(smerrors.ErrInvalidAddress, "not a page_in call")
	}
	return c.Args[0], nil
}

// ProbeExtension answers the SBI base extension's probing boilerplate:
// every firmware must report whether it implements a given extension id.
func ProbeExtension(queriedExtensionID uint64) Result {
	if queriedExtensionID == AceExtensionID {
		return Result{Error: Success, Value: 1}
	}
	return Result{Error: Success, Value: 0}
}

// KvmAcePageIn builds the SM-to-hypervisor call issued when a CVM shares
// a page: "here is the guest-physical address, please page it in and
// tell me the host physical address that backs it" (spec §6).
func KvmAcePageIn(guestPhysicalAddress uint64) Call {
	return Call{Extension: AceExtensionID, Function: FidPageIn, Args: [6]uint64{guestPhysicalAddress}}
}

// MmioLoadCall builds the SM-to-hypervisor call forwarding a guest load
// page fault the SM cannot service out of confidential memory, carrying
// enough trap context for the hypervisor's device model to execute the
// access itself.
func MmioLoadCall(mcause, mtval, mtval2, instruction uint64) Call {
	return Call{Extension: AceExtensionID, Function: FidMmioLoad, Args: [6]uint64{mcause, mtval, mtval2, instruction}}
}

// MmioStoreCall is MmioLoadCall's store-fault analogue: it additionally
// carries the source GPR index and value the guest was writing.
func MmioStoreCall(mcause, mtval, mtval2, instruction uint64, gpr int, value uint64) Call {
	return Call{
		Extension: AceExtensionID,
		Function:  FidMmioStore,
		Args:      [6]uint64{mcause, mtval, mtval2, instruction, uint64(gpr), value},
	}
}
