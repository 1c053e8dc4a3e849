package vfl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akmistry/nandftl"
)

func TestIsGoodBlock(t *testing.T) {
	// Groups 0 and 9 good, everything else bad.
	bbt := []byte{0x80, 0x40}
	tests := []struct {
		block uint16
		good  bool
	}{
		{0, true},
		{7, true},
		{8, false},
		{71, false},
		{72, true},
		{79, true},
		{80, false},
		{1000, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.good, isGoodBlock(bbt, tt.block), "block %d", tt.block)
	}
}

func TestVirtualToPhysical(t *testing.T) {
	_, v := newFormatted(t, testGeometry, Options{})
	start := uint16(testGeometry.ReservedPoolStart())

	assert.Equal(t, uint16(20), v.VirtualToPhysical(0, 20))

	v.SetGoodBlock(0, 20, false)
	c := &v.cxt[0]
	c.Pool[0] = PoolSlot{State: SlotRetired}
	c.Pool[1] = Mapped(20)
	c.NumReservedBlocks = 2

	assert.Equal(t, start+1, v.VirtualToPhysical(0, 20))
	// Same bad group but never remapped: falls back to identity.
	assert.Equal(t, uint16(21), v.VirtualToPhysical(0, 21))
	assert.Equal(t, uint16(30), v.VirtualToPhysical(0, 30))

	v.SetGoodBlock(0, 20, true)
	assert.Equal(t, uint16(20), v.VirtualToPhysical(0, 20))
}

func TestRemapDisabled(t *testing.T) {
	geo := testGeometry
	chip, v := newFormatted(t, geo, Options{})
	before := v.Context(0)

	assert.Zero(t, v.RemapBlock(0, 20))
	assert.False(t, v.scheduleForRemap(0, 20))
	v.markRemapDone(0, 20)
	assert.Equal(t, before, v.Context(0))

	// A failed write leaves the pool alone.
	vpn := uint32(0)
	bank, page, _, err := v.translate(vpn)
	require.NoError(t, err)
	chip.InjectWriteFault(bank, page)
	err = v.Write(vpn, pattern(geo.BytesPerPage, 1), userSpare(geo, 0, 1))
	assert.True(t, nandftl.IsKind(err, nandftl.KindDevice))
	assert.Equal(t, before.Pool, v.Context(0).Pool)
	assert.Equal(t, before.RemappingScheduledStart, v.Context(0).RemappingScheduledStart)

	assert.Zero(t, v.RemapBlock(1, 20))
	assert.Zero(t, v.RemapBlock(0, uint16(geo.BlocksPerBank)))
}

func TestRemapOnWriteFailure(t *testing.T) {
	geo := testGeometry
	opts := Options{Remap: true}
	chip, v := newFormatted(t, geo, opts)
	start := uint16(geo.ReservedPoolStart())
	block := uint16(geo.FTLBlockOffset())

	bank, page, _, err := v.translate(0)
	require.NoError(t, err)
	chip.InjectWriteFault(bank, page)
	err = v.Write(0, pattern(geo.BytesPerPage, 1), userSpare(geo, 0, 1))
	require.Error(t, err)

	c := v.Context(0)
	assert.Equal(t, uint16(len(c.Pool)-1), c.RemappingScheduledStart)
	assert.True(t, v.remapScheduled(0, block))

	// Erasing the block carries out the scheduled remap.
	require.NoError(t, v.Erase(0))
	c = v.Context(0)
	assert.Equal(t, uint16(len(c.Pool)), c.RemappingScheduledStart)
	assert.Equal(t, uint16(1), c.NumReservedBlocks)
	assert.Equal(t, Mapped(block), c.Pool[0])
	assert.False(t, v.remapScheduled(0, block))
	assert.Equal(t, start, v.VirtualToPhysical(0, block))

	// The remapped page is writable and the remap survives a reopen.
	chip.ClearFaults()
	require.NoError(t, v.Write(0, pattern(geo.BytesPerPage, 2), userSpare(geo, 0, 2)))
	v2 := reopen(t, chip, opts)
	assert.Equal(t, start, v2.VirtualToPhysical(0, block))

	data := make([]byte, geo.BytesPerPage)
	spare := make([]byte, geo.BytesPerSpare)
	_, err = v2.Read(0, data, spare, false)
	require.NoError(t, err)
	assert.Equal(t, pattern(geo.BytesPerPage, 2), data)
}

func TestRemapRetiresPreviousSlot(t *testing.T) {
	_, v := newFormatted(t, testGeometry, Options{Remap: true})
	start := uint16(testGeometry.ReservedPoolStart())

	assert.Equal(t, start, v.RemapBlock(0, 20))
	assert.Equal(t, start+1, v.RemapBlock(0, 20))

	c := v.Context(0)
	assert.Equal(t, SlotRetired, c.Pool[0].State)
	assert.Equal(t, Mapped(20), c.Pool[1])
	assert.Equal(t, uint16(2), c.NumReservedBlocks)
	assert.Equal(t, start+1, v.VirtualToPhysical(0, 20))
}

func TestRemapPoolExhausted(t *testing.T) {
	_, v := newFormatted(t, testGeometry, Options{Remap: true})
	for i := 0; i < testGeometry.ReservedBlocks; i++ {
		assert.NotZero(t, v.RemapBlock(0, uint16(10+i)))
	}
	assert.Zero(t, v.RemapBlock(0, 40))
}

func TestScheduleFloor(t *testing.T) {
	_, v := newFormatted(t, testGeometry, Options{Remap: true})
	n := len(v.cxt[0].Pool) - remapReserveFloor
	for i := 0; i < n; i++ {
		assert.True(t, v.scheduleForRemap(0, uint16(10+i)), "block %d", 10+i)
	}
	assert.False(t, v.scheduleForRemap(0, 50))
	// Already scheduled blocks are still reported as scheduled.
	assert.True(t, v.scheduleForRemap(0, 10))
}
