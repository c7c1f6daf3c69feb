// Package confidentialflow implements the Confidential Flow trap
// handler (spec §4.F): the path entered whenever a confidential hart
// itself traps into the security monitor. It decides whether a trap can
// be answered locally or must be forwarded to the hypervisor, and in the
// latter case produces the SBI call the Non-Confidential Flow will
// relay.
package confidentialflow

import (
	"github.com/ace-sm/monitor/hart"
	"github.com/ace-sm/monitor/obslog"
	"github.com/ace-sm/monitor/sbi"
	"github.com/ace-sm/monitor/smerrors"
	"github.com/ace-sm/monitor/transform"
)

var log = obslog.For("confidentialflow")

// Outcome is what the Confidential Flow decided to do with a trap.
type Outcome interface {
	outcome()
}

// ResumeLocally means the trap was fully serviced without leaving the
// security monitor; Result is ready to Apply and resume the hart.
type ResumeLocally struct {
	Result transform.Result
}

func (ResumeLocally) outcome() {}

// ForwardToHypervisor means the hart must wait: Pending has already
// been recorded on it, and Call is the SBI request the Non-Confidential
// Flow should relay to the hypervisor.
type ForwardToHypervisor struct {
	Pending transform.PendingRequest
	Call    sbi.Call
}

func (ForwardToHypervisor) outcome() {}

// Handle decides how to respond to ch's current trap. readInstruction is
// the MPRV-guarded instruction fetch primitive (see hart.InstructionReader);
// it is only invoked for load/store guest page faults.
func Handle(ch *hart.ConfidentialHart, readInstruction hart.InstructionReader) (Outcome, error) {
	reason := ch.TrapReason()
	switch reason.Kind {
	case hart.TrapSbiCall:
		return handleSbiCall(ch)
	case hart.TrapGuestLoadPageFault:
		return handleGuestLoadPageFault(ch, readInstruction)
	case hart.TrapGuestStorePageFault:
		return handleGuestStorePageFault(ch, readInstruction)
	default:
		return nil, smerrors.Wrapf(smerrors.ErrInvalidAddress, "confidential flow cannot handle trap kind %d", reason.Kind)
	}
}

func handleSbiCall(ch *hart.ConfidentialHart) (Outcome, error) {
	hc := ch.HypercallRequest()
	call := sbi.DecodeCall(hc.Extension, hc.Function, hc.A0, hc.A1, hc.A2, hc.A3, hc.A4, hc.A5)

	// Base-extension probing is pure metadata the SM always knows the
	// answer to locally — no hypervisor round trip needed.
	if call.Extension == sbi.BaseExtensionID && call.Function == sbi.FidProbeExtension {
		res := sbi.ProbeExtension(call.Args[0])
		log.Debug("answered SBI probe_extension locally")
		return ResumeLocally{Result: transform.SbiResult{A0: uint64(res.Error), A1: res.Value, PCOffset: 4}}, nil
	}

	if call.IsAceCall() && call.Function == sbi.FidSharePage {
		pending, pageIn, err := ch.SharePageRequest()
		if err != nil {
			return nil, err
		}
		if err := ch.SetPendingRequest(pending); err != nil {
			return nil, err
		}
		log.Debug("forwarding share_page to hypervisor")
		return ForwardToHypervisor{Pending: pending, Call: pageIn}, nil
	}

	// Every other SBI call needs the hypervisor's own firmware/device
	// model to answer (spec §4.F: "SBI call that needs the hypervisor").
	if err := ch.SetPendingRequest(transform.SbiPending{}); err != nil {
		return nil, err
	}
	log.Debug("forwarding SBI call to hypervisor")
	return ForwardToHypervisor{Pending: transform.SbiPending{}, Call: call}, nil
}

func handleGuestLoadPageFault(ch *hart.ConfidentialHart, readInstruction hart.InstructionReader) (Outcome, error) {
	pending, mmio, err := ch.GuestLoadPageFaultRequest(readInstruction)
	if err != nil {
		return nil, err
	}
	if err := ch.SetPendingRequest(pending); err != nil {
		return nil, err
	}
	log.Debug("forwarding guest load page fault to hypervisor as MMIO")
	return ForwardToHypervisor{
		Pending: pending,
		Call:    sbi.MmioLoadCall(mmio.Mcause, mmio.Mtval, mmio.Mtval2, mmio.Instruction),
	}, nil
}

func handleGuestStorePageFault(ch *hart.ConfidentialHart, readInstruction hart.InstructionReader) (Outcome, error) {
	pending, mmio, err := ch.GuestStorePageFaultRequest(readInstruction)
	if err != nil {
		return nil, err
	}
	if err := ch.SetPendingRequest(pending); err != nil {
		return nil, err
	}
	log.Debug("forwarding guest store page fault to hypervisor as MMIO")
	return ForwardToHypervisor{
		Pending: pending,
		Call:    sbi.MmioStoreCall(mmio.Mcause, mmio.Mtval, mmio.Mtval2, mmio.Instruction, mmio.GPR, mmio.Value),
	}, nil
}
