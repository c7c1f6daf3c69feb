// Package nonconfidentialflow implements the Non-Confidential Flow trap
// handler (spec §4.G): entered when the hypervisor itself calls into the
// ACE vendor extension, whether to promote a VM into a CVM (ESM), to
// acknowledge a page-in completion, or to return the result of a call
// the Confidential Flow forwarded earlier.
package nonconfidentialflow

import (
	"github.com/ace-sm/monitor/config"
	"github.com/ace-sm/monitor/hart"
	"github.com/ace-sm/monitor/memory"
	"github.com/ace-sm/monitor/memtracker"
	"github.com/ace-sm/monitor/obslog"
	"github.com/ace-sm/monitor/pagetable"
	"github.com/ace-sm/monitor/registry"
	"github.com/ace-sm/monitor/sbi"
	"github.com/ace-sm/monitor/smerrors"
	"github.com/ace-sm/monitor/transform"
)

var log = obslog.For("nonconfidentialflow")

// PromoteResult is what HandleEsm returns on success: the fresh CVM id
// and the hart that was promoted, ready for the caller to register and
// resume.
type PromoteResult struct {
	CVM  *registry.CVM
	Hart *hart.ConfidentialHart
}

// HandleEsm promotes callerHartState's VM into a confidential VM: it
// deep-copies the hypervisor's G-stage root page table into confidential
// memory, builds the first Confidential Hart from the caller's
// snapshot (with a pending SbiRequest installed, per spec §4.C), and
// registers both under a fresh CVM id (spec §4.G).
//
// On any failure the page table already copied is fully released and no
// CVM is registered — the calling VM remains an ordinary VM (spec §7:
// "the failing VM is not promoted and remains a normal VM").
func HandleEsm(
	reg *registry.Registry,
	tracker *memtracker.Tracker,
	hv memory.HypervisorMemory,
	mm config.MemoryMap,
	cvmID registry.CVMId,
	hartID registry.HartId,
	rootPageTableAddress memory.NonConfidentialAddress,
	callerState hart.State,
) (PromoteResult, error) {
	pt, err := pagetable.CopyFromNonConfidentialMemory(hv, mm, tracker, rootPageTableAddress, pagetable.Sv57x4)
	if err != nil {
		log.WithError(err).Warn("esm: page table copy failed, VM not promoted")
		return PromoteResult{}, smerrors.Wrap(err, "esm page table deep copy failed")
	}

	cvm, err := reg.CreateCVM(cvmID, pt)
	if err != nil {
		pt.Release(tracker)
		return PromoteResult{}, err
	}

	ch := hart.FromVMHart(int(hartID), callerState)
	if err := reg.AddHart(cvmID, hartID, ch); err != nil {
		_ = reg.DestroyCVM(cvmID, func(p *pagetable.RootPageTable) { p.Release(tracker) })
		return PromoteResult{}, err
	}

	log.Infof("esm: promoted vm to confidential vm %d", cvmID)
	return PromoteResult{CVM: cvm, Hart: ch}, nil
}

// HandlePageIn completes a previously-forwarded share_page request: the
// hypervisor has paged in the guest's requested address at
// hypervisorAddress, so the CVM's page table is updated to point there
// (spec §4.G "page-in completion").
func HandlePageIn(cvm *registry.CVM, tracker *memtracker.Tracker, ch *hart.ConfidentialHart, hypervisorAddress memory.NonConfidentialAddress) (transform.Result, error) {
	pending := ch.TakeRequest()
	share, ok := pending.(transform.SharePagePending)
	if !ok {
		return nil, smerrors.Wrap(smerrors.ErrInvalidAddress, "page-in completion with no outstanding share_page request")
	}

	sp := memory.NewSharedPage(hypervisorAddress, share.ConfidentialVMPhysicalAddress)
	err := cvm.WithPageTable(func(pt *pagetable.RootPageTable) error {
		return pt.MapSharedPage(tracker, sp)
	})
	if err != nil {
		return nil, err
	}
	log.Debug("page-in: shared page mapped")
	return transform.SbiResult{A0: uint64(sbi.Success), PCOffset: 4}, nil
}

// HandleReturnFromHypervisor pairs the hypervisor's answer to a
// previously-forwarded SBI or MMIO request with the pending request the
// hart recorded, producing the Result to apply on resume (spec §4.G
// "return-from-hypervisor pairing").
func HandleReturnFromHypervisor(ch *hart.ConfidentialHart, a0, a1 uint64) (transform.Result, error) {
	pending := ch.TakeRequest()
	switch p := pending.(type) {
	case transform.SbiPending:
		return transform.SbiResult{A0: a0, A1: a1, PCOffset: 4}, nil
	case transform.GuestLoadPageFaultPending:
		return transform.GuestLoadPageFaultResult{
			Value:             a0,
			ResultGPR:         p.ResultGPR,
			InstructionLength: p.InstructionLength,
		}, nil
	case transform.GuestStorePageFaultPending:
		return transform.GuestStorePageFaultResult{InstructionLength: p.InstructionLength}, nil
	default:
		return nil, smerrors.Wrap(smerrors.ErrInvalidAddress, "return from hypervisor with no matching pending request")
	}
}
