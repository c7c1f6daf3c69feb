package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ace-sm/monitor/hart"
	"github.com/ace-sm/monitor/pagetable"
)

func TestCreateCVMRejectsDuplicateID(t *testing.T) {
	r := New()
	_, err := r.CreateCVM(1, nil)
	require.NoError(t, err)

	_, err = r.CreateCVM(1, nil)
	assert.Error(t, err)
}

func TestCVMLookup(t *testing.T) {
	r := New()
	_, err := r.CreateCVM(1, nil)
	require.NoError(t, err)

	cvm, ok := r.CVM(1)
	require.True(t, ok)
	assert.Equal(t, CVMId(1), cvm.ID)

	_, ok = r.CVM(2)
	assert.False(t, ok)
}

func TestDestroyCVMInvokesRelease(t *testing.T) {
	r := New()
	_, err := r.CreateCVM(1, nil)
	require.NoError(t, err)

	released := false
	require.NoError(t, r.DestroyCVM(1, func(pt *pagetable.RootPageTable) { released = true }))
	assert.True(t, released)
	_, ok := r.CVM(1)
	assert.False(t, ok)
}

func TestDestroyCVMUnknownID(t *testing.T) {
	r := New()
	err := r.DestroyCVM(99, nil)
	assert.Error(t, err)
}

func TestAddHartAndLookup(t *testing.T) {
	r := New()
	_, err := r.CreateCVM(1, nil)
	require.NoError(t, err)

	ch := hart.Dummy(0)
	require.NoError(t, r.AddHart(1, 0, ch))

	found, ok := r.Hart(1, 0)
	require.True(t, ok)
	assert.Same(t, ch, found)

	_, ok = r.Hart(1, 1)
	assert.False(t, ok)
}

func TestAddHartRejectsDuplicateAndUnknownCVM(t *testing.T) {
	r := New()
	_, err := r.CreateCVM(1, nil)
	require.NoError(t, err)

	ch := hart.Dummy(0)
	require.NoError(t, r.AddHart(1, 0, ch))
	assert.Error(t, r.AddHart(1, 0, ch))
	assert.Error(t, r.AddHart(99, 0, ch))
}

// Concurrent hart lookups must not race with each other; this is the hot
// path the registry's RWMutex is built for (spec §5).
func TestConcurrentHartLookupsDoNotRace(t *testing.T) {
	r := New()
	_, err := r.CreateCVM(1, nil)
	require.NoError(t, err)
	require.NoError(t, r.AddHart(1, 0, hart.Dummy(0)))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Hart(1, 0)
		}()
	}
	wg.Wait()
}
