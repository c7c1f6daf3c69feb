package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ace-sm/monitor/config"
)

func testMemoryMap() config.MemoryMap {
	return config.MemoryMap{
		Memory:          config.Range{Start: 0, End: 1 << 40},
		Confidential:    config.Range{Start: 0x1000_0000, End: 0x2000_0000},
		NonConfidential: config.Range{Start: 0x2000_0000, End: 0x3000_0000},
	}
}

func TestAddressConstructorsValidateRegion(t *testing.T) {
	mm := testMemoryMap()

	_, err := NewConfidentialAddress(mm, 0x1500_0000)
	require.NoError(t, err)

	_, err = NewConfidentialAddress(mm, 0x2500_0000)
	assert.Error(t, err)

	_, err = NewNonConfidentialAddress(mm, 0x2500_0000)
	require.NoError(t, err)

	_, err = NewNonConfidentialAddress(mm, 0x1500_0000)
	assert.Error(t, err)
}

func TestAddressAddRevalidates(t *testing.T) {
	mm := testMemoryMap()
	a, err := NewConfidentialAddress(mm, mm.Confidential.Start)
	require.NoError(t, err)

	within, err := a.Add(mm, mm.Confidential.Len()-1)
	require.NoError(t, err)
	assert.Equal(t, mm.Confidential.Start+mm.Confidential.Len()-1, within.Uintptr())

	_, err = a.Add(mm, mm.Confidential.Len())
	assert.Error(t, err)
}

func TestPageLifecycle(t *testing.T) {
	mm := testMemoryMap()
	addr, err := NewConfidentialAddress(mm, mm.Confidential.Start)
	require.NoError(t, err)

	data := make([]byte, Size4KiB.Bytes())
	for i := range data {
		data[i] = 0x42
	}
	p := NewPage(addr, Size4KiB, data)
	assert.True(t, p.Valid())
	assert.Equal(t, byte(0x42), p.Bytes()[0])

	p.Zero()
	assert.Equal(t, byte(0), p.Bytes()[0])

	p.Invalidate()
	assert.False(t, p.Valid())
	assert.Panics(t, func() { p.Bytes() })
}

func TestNewPagePanicsOnSizeMismatch(t *testing.T) {
	mm := testMemoryMap()
	addr, err := NewConfidentialAddress(mm, mm.Confidential.Start)
	require.NoError(t, err)
	assert.Panics(t, func() { NewPage(addr, Size4KiB, make([]byte, 10)) })
}

func TestSizeClassBytesAscend(t *testing.T) {
	var prev uintptr
	for _, c := range AllSizeClasses {
		assert.Greater(t, c.Bytes(), prev)
		prev = c.Bytes()
	}
}

func TestFakeHypervisorMemoryReadWrite(t *testing.T) {
	mm := testMemoryMap()
	hv := NewFakeHypervisorMemory(mm.NonConfidential.Start, int(mm.NonConfidential.Len()))
	addr, err := NewNonConfidentialAddress(mm, mm.NonConfidential.Start+0x100)
	require.NoError(t, err)

	require.NoError(t, hv.WriteUint64(addr, 0x0102030405060708))
	data, err := hv.ReadAt(addr, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, data)

	_, err = hv.ReadAt(addr, mm.NonConfidential.Len())
	assert.Error(t, err, "reads extending past the fake's backing buffer must fail")
}

func TestSharedPage(t *testing.T) {
	mm := testMemoryMap()
	hvAddr, err := NewNonConfidentialAddress(mm, mm.NonConfidential.Start)
	require.NoError(t, err)
	sp := NewSharedPage(hvAddr, 0x5000_0000)
	assert.Equal(t, hvAddr, sp.HypervisorAddress())
	assert.Equal(t, uintptr(0x5000_0000), sp.ConfidentialVMVirtualAddress())
}
