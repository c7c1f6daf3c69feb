package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ace-sm/monitor/confidentialflow"
	"github.com/ace-sm/monitor/hart"
	"github.com/ace-sm/monitor/memory"
	"github.com/ace-sm/monitor/nonconfidentialflow"
	"github.com/ace-sm/monitor/pagetable"
	"github.com/ace-sm/monitor/registry"
	"github.com/ace-sm/monitor/smerrors"
	"github.com/ace-sm/monitor/transform"
)

type scenario struct {
	name  string
	short string
	run   func() (string, error)
}

var scenarios = []scenario{
	{name: "s1-esm", short: "ESM promotion deep-copies a hypervisor page table", run: scenarioS1},
	{name: "s2-share", short: "CVM shares a page, hypervisor pages it in", run: scenarioS2},
	{name: "s3-reshare", short: "Re-sharing a page replaces the mapping without freeing it", run: scenarioS3},
	{name: "s4-mmio-load", short: "Guest load page fault forwarded and completed as MMIO", run: scenarioS4},
	{name: "s5-double-pending", short: "A second pending request is rejected", run: scenarioS5},
	{name: "s6-corrupt", short: "Deep copy refuses a corrupt page table and leaks nothing", run: scenarioS6},
}

func newScenarioCommand(s scenario) *cobra.Command {
	return &cobra.Command{
		Use:   s.name,
		Short: s.short,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := s.run()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func scenarioS1() (string, error) {
	w := newWorld()
	const va = uintptr(0x4000_0000)
	const leafPA = uintptr(0x8100_0000)
	rootAddr, err := w.writePageTableChain(va, leafPA, 0xAB, true)
	if err != nil {
		return "", err
	}

	before := w.tracker.Stats()
	reg := registry.New()
	callerState := hart.State{ID: 0, GPRs: [hart.NumGPRs]uint64{}}
	result, err := nonconfidentialflow.HandleEsm(reg, w.tracker, w.hv, w.mm, 1, 0, rootAddr, callerState)
	if err != nil {
		return "", err
	}
	after := w.tracker.Stats()

	entry, err := result.CVM.PageTable.Walk(va)
	if err != nil {
		return "", err
	}
	leaf, ok := entry.(pagetable.Leaf)
	if !ok {
		return "", fmt.Errorf("expected a leaf entry at %#x, got %T", va, entry)
	}
	if leaf.Page.Bytes()[0] != 0xAB {
		return "", fmt.Errorf("expected leaf content 0xAB, got %#x", leaf.Page.Bytes()[0])
	}
	consumed := before.FreeBytes - after.FreeBytes
	return fmt.Sprintf("S1 ok: promoted cvm=%d, leaf[0]=%#x, pages consumed=%d (4KiB each)",
		result.CVM.ID, leaf.Page.Bytes()[0], consumed/memory.Size4KiB.Bytes()), nil
}

func scenarioS2() (string, error) {
	w := newWorld()
	cvm, err := emptyCVM(w, 2)
	if err != nil {
		return "", err
	}
	const guestVA = uintptr(0x5000_0000)
	const hvPA = uintptr(0x9000_0000)
	hvAddr, err := memory.NewNonConfidentialAddress(w.mm, hvPA)
	if err != nil {
		return "", err
	}
	sp := memory.NewSharedPage(hvAddr, guestVA)
	if err := cvm.WithPageTable(func(pt *pagetable.RootPageTable) error {
		return pt.MapSharedPage(w.tracker, sp)
	}); err != nil {
		return "", err
	}

	entry, err := cvm.PageTable.Walk(guestVA)
	if err != nil {
		return "", err
	}
	shared, ok := entry.(pagetable.Shared)
	if !ok {
		return "", fmt.Errorf("expected a shared entry at %#x, got %T", guestVA, entry)
	}
	if shared.Address.Uintptr() != hvPA || !shared.Permission.Read || !shared.Permission.Write || shared.Permission.Execute {
		return "", fmt.Errorf("shared entry has unexpected attributes: %+v", shared)
	}
	return fmt.Sprintf("S2 ok: guest va %#x -> hv pa %#x, R=%v W=%v X=%v U=%v",
		guestVA, shared.Address.Uintptr(), shared.Permission.Read, shared.Permission.Write, shared.Permission.Execute, shared.Permission.User), nil
}

func scenarioS3() (string, error) {
	w := newWorld()
	cvm, err := emptyCVM(w, 3)
	if err != nil {
		return "", err
	}
	const guestVA = uintptr(0x5000_0000)
	first, err := memory.NewNonConfidentialAddress(w.mm, 0x9000_0000)
	if err != nil {
		return "", err
	}
	second, err := memory.NewNonConfidentialAddress(w.mm, 0x9100_0000)
	if err != nil {
		return "", err
	}
	remap := func(addr memory.NonConfidentialAddress) error {
		return cvm.WithPageTable(func(pt *pagetable.RootPageTable) error {
			return pt.MapSharedPage(w.tracker, memory.NewSharedPage(addr, guestVA))
		})
	}
	if err := remap(first); err != nil {
		return "", err
	}
	if err := remap(second); err != nil {
		return "", err
	}
	entry, err := cvm.PageTable.Walk(guestVA)
	if err != nil {
		return "", err
	}
	shared := entry.(pagetable.Shared)
	if shared.Address.Uintptr() != 0x9100_0000 {
		return "", fmt.Errorf("expected remap to 0x9100_0000, got %#x", shared.Address.Uintptr())
	}
	return "S3 ok: re-share replaced the mapping to the new hypervisor address", nil
}

func scenarioS4() (string, error) {
	const instr = uint32(0x52283) // lw x5, 0(x10)
	ch := hart.FromVMHartReset(4, hart.State{
		ID:     4,
		Mepc:   0x2000,
		Mcause: hart.CauseLoadGuestFault,
	})

	readInstruction := func(uint64) uint64 { return uint64(instr) }
	outcome, err := confidentialflow.Handle(ch, readInstruction)
	if err != nil {
		return "", err
	}
	fwd, ok := outcome.(confidentialflow.ForwardToHypervisor)
	if !ok {
		return "", fmt.Errorf("expected the load fault to be forwarded, got %T", outcome)
	}
	_ = fwd

	result, err := nonconfidentialflow.HandleReturnFromHypervisor(ch, 0xDEADBEEF, 0)
	if err != nil {
		return "", err
	}
	state := ch.Apply(result)
	if state.GPR(5) != 0xDEADBEEF || state.Mepc != 0x2004 {
		return "", fmt.Errorf("expected x5=0xDEADBEEF, mepc=0x2004, got x5=%#x mepc=%#x", state.GPR(5), state.Mepc)
	}
	return fmt.Sprintf("S4 ok: x5=%#x, mepc'=%#x", state.GPR(5), state.Mepc), nil
}

func scenarioS5() (string, error) {
	ch := hart.Dummy(5)
	if err := ch.SetPendingRequest(transform.SbiPending{}); err != nil {
		return "", err
	}
	err := ch.SetPendingRequest(transform.GuestStorePageFaultPending{InstructionLength: 4})
	if err == nil {
		return "", fmt.Errorf("expected a second pending request to be rejected")
	}
	if !smerrors.IsPendingRequest(err) {
		return "", fmt.Errorf("expected ErrPendingRequest, got %v", err)
	}
	taken := ch.TakeRequest()
	if _, ok := taken.(transform.SbiPending); !ok {
		return "", fmt.Errorf("expected the original SbiPending to survive, got %T", taken)
	}
	return "S5 ok: second SetPendingRequest rejected, original request intact", nil
}

func scenarioS6() (string, error) {
	w := newWorld()
	const va = uintptr(0x4000_0000)
	const leafPA = uintptr(0x8100_0000)
	rootAddr, err := w.writePageTableChain(va, leafPA, 0, false)
	if err != nil {
		return "", err
	}

	before := w.tracker.Stats()
	_, err = pagetable.CopyFromNonConfidentialMemory(w.hv, w.mm, w.tracker, rootAddr, pagetable.Sv57x4)
	if err == nil {
		return "", fmt.Errorf("expected deep copy to fail on the corrupt leaf-level pointer entry")
	}
	after := w.tracker.Stats()
	if before.FreeBytes != after.FreeBytes {
		return "", fmt.Errorf("ownership leaked: free bytes before=%d after=%d", before.FreeBytes, after.FreeBytes)
	}
	return fmt.Sprintf("S6 ok: deep copy rejected (%v), no pages leaked", err), nil
}

func emptyCVM(w *world, id registry.CVMId) (*registry.CVM, error) {
	rootAddr, err := w.writeEmptyPageTableChain()
	if err != nil {
		return nil, err
	}
	pt, err := pagetable.CopyFromNonConfidentialMemory(w.hv, w.mm, w.tracker, rootAddr, pagetable.Sv57x4)
	if err != nil {
		return nil, err
	}
	reg := registry.New()
	return reg.CreateCVM(id, pt)
}
