package nonconfidentialflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ace-sm/monitor/config"
	"github.com/ace-sm/monitor/hart"
	"github.com/ace-sm/monitor/memory"
	"github.com/ace-sm/monitor/memtracker"
	"github.com/ace-sm/monitor/pagetable"
	"github.com/ace-sm/monitor/registry"
	"github.com/ace-sm/monitor/sbi"
	"github.com/ace-sm/monitor/transform"
)

const (
	confidentialBase    = uintptr(0x8000_0000_0000)
	confidentialSize    = 16 * 1024 * 1024
	nonConfidentialBase = uintptr(0x8000_0000)
	nonConfidentialSize = 16 * 1024 * 1024
)

type world struct {
	mm      config.MemoryMap
	tracker *memtracker.Tracker
	hv      *memory.FakeHypervisorMemory
}

func newWorld() *world {
	mm := config.MemoryMap{
		Memory:          config.Range{Start: 0, End: 1 << 48},
		Confidential:    config.Range{Start: confidentialBase, End: confidentialBase + confidentialSize},
		NonConfidential: config.Range{Start: nonConfidentialBase, End: nonConfidentialBase + nonConfidentialSize},
	}
	return &world{
		mm:      mm,
		tracker: memtracker.NewTracker(mm, make([]byte, confidentialSize)),
		hv:      memory.NewFakeHypervisorMemory(nonConfidentialBase, nonConfidentialSize),
	}
}

func rawPTE(targetPhysicalAddress uintptr, leaf bool) uint64 {
	word := uint64(1)
	if leaf {
		word |= 0b1110
	}
	word |= uint64(targetPhysicalAddress>>12) << 10
	return word
}

func (w *world) writeEmptyChain() memory.NonConfidentialAddress {
	root := nonConfidentialBase + 0x20000
	addr, err := memory.NewNonConfidentialAddress(w.mm, root)
	if err != nil {
		panic(err)
	}
	if err := w.hv.WriteAt(addr, make([]byte, 4096)); err != nil {
		panic(err)
	}
	return addr
}

func TestHandleEsmPromotesVMAndRegistersHart(t *testing.T) {
	w := newWorld()
	reg := registry.New()
	root := w.writeEmptyChain()

	callerState := hart.State{}
	callerState.GPRs[hart.RegA0] = 0xAAAA

	result, err := HandleEsm(reg, w.tracker, w.hv, w.mm, registry.CVMId(1), registry.HartId(0), root, callerState)
	require.NoError(t, err)
	assert.Equal(t, registry.CVMId(1), result.CVM.ID)

	_, ok := reg.Hart(1, 0)
	assert.True(t, ok)

	// ESM leaves an SbiPending request outstanding (the promotion itself
	// is completed by a forwarded SBI call).
	assert.Equal(t, transform.SbiPending{}, result.Hart.TakeRequest())
}

func TestHandleEsmFailureLeavesNoCVMRegistered(t *testing.T) {
	w := newWorld()
	reg := registry.New()
	// An address outside the non-confidential region makes the deep copy
	// fail immediately.
	bogus := memory.NonConfidentialAddress{}

	_, err := HandleEsm(reg, w.tracker, w.hv, w.mm, registry.CVMId(1), registry.HartId(0), bogus, hart.State{})
	require.Error(t, err)

	_, ok := reg.CVM(1)
	assert.False(t, ok)
}

func TestHandlePageInMapsSharedPageAndResumes(t *testing.T) {
	w := newWorld()
	root := w.writeEmptyChain()
	pt, err := pagetable.CopyFromNonConfidentialMemory(w.hv, w.mm, w.tracker, root, pagetable.Sv57x4)
	require.NoError(t, err)

	reg := registry.New()
	cvm, err := reg.CreateCVM(1, pt)
	require.NoError(t, err)

	ch := hart.Dummy(0)
	guestVA := uintptr(0x5000_0000)
	require.NoError(t, ch.SetPendingRequest(transform.SharePagePending{ConfidentialVMPhysicalAddress: guestVA}))

	hvAddr, err := memory.NewNonConfidentialAddress(w.mm, nonConfidentialBase+0x100000)
	require.NoError(t, err)

	result, err := HandlePageIn(cvm, w.tracker, ch, hvAddr)
	require.NoError(t, err)
	res := result.(transform.SbiResult)
	assert.Equal(t, uint64(sbi.Success), res.A0)

	entry, err := pt.Walk(guestVA)
	require.NoError(t, err)
	shared, ok := entry.(pagetable.Shared)
	require.True(t, ok)
	assert.Equal(t, hvAddr, shared.Address)
}

func TestHandlePageInRejectsWithoutPendingShareRequest(t *testing.T) {
	w := newWorld()
	root := w.writeEmptyChain()
	pt, err := pagetable.CopyFromNonConfidentialMemory(w.hv, w.mm, w.tracker, root, pagetable.Sv57x4)
	require.NoError(t, err)
	reg := registry.New()
	cvm, err := reg.CreateCVM(1, pt)
	require.NoError(t, err)

	ch := hart.Dummy(0)
	hvAddr, err := memory.NewNonConfidentialAddress(w.mm, nonConfidentialBase+0x100000)
	require.NoError(t, err)

	_, err = HandlePageIn(cvm, w.tracker, ch, hvAddr)
	assert.Error(t, err)
}

func TestHandleReturnFromHypervisorPairsEachPendingKind(t *testing.T) {
	t.Run("sbi", func(t *testing.T) {
		ch := hart.Dummy(0)
		require.NoError(t, ch.SetPendingRequest(transform.SbiPending{}))
		res, err := HandleReturnFromHypervisor(ch, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, transform.SbiResult{A0: 1, A1: 2, PCOffset: 4}, res)
	})

	t.Run("guest load fault", func(t *testing.T) {
		ch := hart.Dummy(0)
		require.NoError(t, ch.SetPendingRequest(transform.GuestLoadPageFaultPending{InstructionLength: 4, ResultGPR: 5}))
		res, err := HandleReturnFromHypervisor(ch, 0xDEADBEEF, 0)
		require.NoError(t, err)
		assert.Equal(t, transform.GuestLoadPageFaultResult{Value: 0xDEADBEEF, ResultGPR: 5, InstructionLength: 4}, res)
	})

	t.Run("guest store fault", func(t *testing.T) {
		ch := hart.Dummy(0)
		require.NoError(t, ch.SetPendingRequest(transform.GuestStorePageFaultPending{InstructionLength: 2}))
		res, err := HandleReturnFromHypervisor(ch, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, transform.GuestStorePageFaultResult{InstructionLength: 2}, res)
	})

	t.Run("no pending request", func(t *testing.T) {
		ch := hart.Dummy(0)
		_, err := HandleReturnFromHypervisor(ch, 0, 0)
		assert.Error(t, err)
	})
}
