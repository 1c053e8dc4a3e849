package vfl

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/storage"
)

func newTestChip(t *testing.T, geo nandftl.Geometry) *nandftl.Chip {
	t.Helper()
	return nandftl.NewChip(geo, storage.NewMemory(geo.ImageSize()))
}

func newFormatted(t *testing.T, geo nandftl.Geometry, opts Options) (*nandftl.Chip, *VFL) {
	t.Helper()
	chip := newTestChip(t, geo)
	v, err := New(chip, opts)
	require.NoError(t, err)
	require.NoError(t, v.Format())
	return chip, v
}

func reopen(t *testing.T, chip *nandftl.Chip, opts Options) *VFL {
	t.Helper()
	v, err := New(chip, opts)
	require.NoError(t, err)
	require.NoError(t, v.Open())
	return v
}

func pattern(size int, b byte) []byte {
	return bytes.Repeat([]byte{b}, size)
}

func userSpare(geo nandftl.Geometry, lpn, usn uint32) []byte {
	s := make([]byte, geo.BytesPerSpare)
	nandftl.UserSpare(lpn, usn).Encode(s)
	return s
}

var bigGeometry = nandftl.Geometry{
	Banks:         2,
	BlocksPerBank: 64,
	PagesPerBlock: 32,
	BytesPerPage:  512,
	BytesPerSpare: 16,
}.WithDefaults()

func TestNewRejectsOversizedContext(t *testing.T) {
	geo := nandftl.Geometry{
		Banks:          1,
		BlocksPerBank:  256,
		PagesPerBlock:  8,
		BytesPerPage:   512,
		BytesPerSpare:  16,
		ReservedBlocks: 120,
	}.WithDefaults()
	_, err := New(newTestChip(t, geo), Options{})
	assert.Error(t, err)
}

func TestFormatOpen(t *testing.T) {
	for _, geo := range []nandftl.Geometry{testGeometry, bigGeometry} {
		chip, v := newFormatted(t, geo, Options{})
		assert.True(t, HasDeviceInfoBBT(chip))

		v2 := reopen(t, chip, Options{})
		assert.Equal(t, v.UsnInc(), v2.UsnInc())
		for bank := 0; bank < geo.Banks; bank++ {
			assert.Equal(t, v.Context(bank), v2.Context(bank))
		}
	}
}

func TestOpenUnformatted(t *testing.T) {
	chip := newTestChip(t, testGeometry)
	v, err := New(chip, Options{})
	require.NoError(t, err)

	err = v.Open()
	require.Error(t, err)
	assert.True(t, nandftl.IsKind(err, nandftl.KindConsistency))
	assert.False(t, v.IsOpen())
}

func TestCommitRingRotation(t *testing.T) {
	// With 8 pages per block every commit fills a context block, so each one
	// rotates to the next block of the ring.
	chip, v := newFormatted(t, testGeometry, Options{})
	for i := 1; i <= 6; i++ {
		require.NoError(t, v.Commit(0))
		c := v.Context(0)
		assert.Equal(t, uint16(i%CxtBlocks), c.ActiveCxtBlock)
		assert.Equal(t, uint16(CxtReplicas), c.NextCxtPage)
	}

	v2 := reopen(t, chip, Options{})
	assert.Equal(t, v.Context(0), v2.Context(0))
}

func TestReplicaTolerance(t *testing.T) {
	geo := bigGeometry
	chip, v := newFormatted(t, geo, Options{})
	c := v.Context(0)
	require.Equal(t, uint16(0), c.ActiveCxtBlock)
	require.Equal(t, uint16(CxtReplicas), c.NextCxtPage)
	block := int(c.CxtBlocks[0])

	// Four failed replicas still leave a verified store in place.
	for i := 0; i < 4; i++ {
		chip.InjectWriteFault(0, block*geo.PagesPerBlock+8+i)
	}
	require.NoError(t, v.Commit(0))
	c = v.Context(0)
	assert.Equal(t, uint16(0), c.ActiveCxtBlock)
	assert.Equal(t, uint16(16), c.NextCxtPage)

	// Five failed replicas reject the store and force a rotation.
	for i := 0; i < 5; i++ {
		chip.InjectWriteFault(0, block*geo.PagesPerBlock+16+i)
	}
	require.NoError(t, v.Commit(0))
	c = v.Context(0)
	assert.Equal(t, uint16(1), c.ActiveCxtBlock)
	assert.Equal(t, uint16(CxtReplicas), c.NextCxtPage)

	v2 := reopen(t, chip, Options{})
	assert.Equal(t, v.Context(0), v2.Context(0))
	assert.Equal(t, v.Context(1), v2.Context(1))
}

func TestCommitExhausted(t *testing.T) {
	geo := bigGeometry
	chip, v := newFormatted(t, geo, Options{})
	c := v.Context(0)
	for i := 1; i < CxtBlocks; i++ {
		chip.InjectEraseFault(0, int(c.CxtBlocks[i]), -1)
	}
	for i := 0; i < 5; i++ {
		chip.InjectWriteFault(0, int(c.CxtBlocks[0])*geo.PagesPerBlock+8+i)
	}

	err := v.Commit(0)
	require.Error(t, err)
	assert.True(t, nandftl.IsKind(err, nandftl.KindDurability))
}

func TestCommitEraseRetry(t *testing.T) {
	chip, v := newFormatted(t, testGeometry, Options{})
	c := v.Context(0)
	chip.InjectEraseFault(0, int(c.CxtBlocks[1]), 3)
	require.NoError(t, v.Commit(0))
	assert.Equal(t, uint16(1), v.Context(0).ActiveCxtBlock)

	// Four failures exhaust the retries and the next block is used.
	chip.InjectEraseFault(0, int(c.CxtBlocks[2]), 4)
	require.NoError(t, v.Commit(0))
	assert.Equal(t, uint16(3), v.Context(0).ActiveCxtBlock)
}

func TestFTLCtrlBlockBroadcast(t *testing.T) {
	chip, v := newFormatted(t, bigGeometry, Options{})
	ctrl := [CtrlBlocks]uint16{30, 31, 32}
	require.NoError(t, v.StoreFTLCtrlBlock(ctrl))
	assert.Equal(t, ctrl, v.FTLCtrlBlock())

	// Only one bank was committed; open takes the newest and broadcasts it.
	v2 := reopen(t, chip, Options{})
	assert.Equal(t, ctrl, v2.FTLCtrlBlock())
	for bank := 0; bank < bigGeometry.Banks; bank++ {
		c := v2.Context(bank)
		assert.Equal(t, ctrl, c.FTLCtrlBlock)
		assert.True(t, c.checkChecksum(v2.layout))
	}
}

func TestReadWrite(t *testing.T) {
	geo := bigGeometry
	_, v := newFormatted(t, geo, Options{})

	for vpn := uint32(0); vpn < 4; vpn++ {
		require.NoError(t, v.Write(vpn, pattern(geo.BytesPerPage, byte(vpn+1)), userSpare(geo, vpn, 7)))
	}

	data := make([]byte, geo.BytesPerPage)
	spare := make([]byte, geo.BytesPerSpare)
	for vpn := uint32(0); vpn < 4; vpn++ {
		refresh, err := v.Read(vpn, data, spare, false)
		require.NoError(t, err)
		assert.False(t, refresh)
		assert.Equal(t, pattern(geo.BytesPerPage, byte(vpn+1)), data)
		s := nandftl.DecodeSpare(spare)
		assert.Equal(t, vpn, s.LogicalPage())
		assert.Equal(t, uint32(7), s.Usn())
	}

	// Rewriting a programmed page fails.
	err := v.Write(0, data, spare)
	assert.True(t, nandftl.IsKind(err, nandftl.KindDevice))
	assert.Equal(t, uint16(1), v.Context(0).WriteFailures)
	assert.Equal(t, uint64(1), v.Stats.WriteFailures)
}

func TestReadEmpty(t *testing.T) {
	geo := testGeometry
	chip, v := newFormatted(t, geo, Options{})
	data := make([]byte, geo.BytesPerPage)
	spare := make([]byte, geo.BytesPerSpare)

	_, err := v.Read(5, data, spare, true)
	assert.True(t, nandftl.IsKind(err, nandftl.KindEmpty))
	assert.Equal(t, nandftl.NewSpare(), nandftl.DecodeSpare(spare))
	assert.Equal(t, 0, chip.Resets(0))

	refresh, err := v.Read(5, data, spare, false)
	assert.True(t, nandftl.IsKind(err, nandftl.KindDevice))
	assert.True(t, refresh)
	assert.Equal(t, 1, chip.Resets(0))
}

func TestReadBankReset(t *testing.T) {
	geo := testGeometry
	chip, v := newFormatted(t, geo, Options{})
	require.NoError(t, v.Write(3, pattern(geo.BytesPerPage, 0x5A), userSpare(geo, 3, 1)))

	bank, page, _, err := v.translate(3)
	require.NoError(t, err)

	data := make([]byte, geo.BytesPerPage)
	spare := make([]byte, geo.BytesPerSpare)

	chip.InjectReadFault(bank, page, true)
	refresh, err := v.Read(3, data, spare, false)
	require.NoError(t, err)
	assert.True(t, refresh)
	assert.Equal(t, pattern(geo.BytesPerPage, 0x5A), data)
	assert.Equal(t, 1, chip.Resets(bank))
	assert.Equal(t, uint64(1), v.Stats.BankResets)

	chip.InjectReadFault(bank, page, false)
	_, err = v.Read(3, data, spare, false)
	assert.True(t, nandftl.IsKind(err, nandftl.KindDevice))
	assert.Equal(t, 2, chip.Resets(bank))
}

func TestReadOutOfRange(t *testing.T) {
	geo := testGeometry
	_, v := newFormatted(t, geo, Options{})
	data := make([]byte, geo.BytesPerPage)
	spare := make([]byte, geo.BytesPerSpare)

	_, err := v.Read(uint32(geo.PagesTotal()), data, spare, true)
	assert.True(t, nandftl.IsKind(err, nandftl.KindArgument))
	err = v.Write(uint32(geo.PagesTotal()), data, spare)
	assert.True(t, nandftl.IsKind(err, nandftl.KindArgument))
}

func TestTranslate(t *testing.T) {
	geo := bigGeometry
	_, v := newFormatted(t, geo, Options{})
	ppsb := uint32(geo.PagesPerSuBlk())

	tests := []struct {
		vpn   uint32
		bank  int
		page  int
		block uint16
	}{
		{0, 0, 8 * 32, 8},
		{1, 1, 8 * 32, 8},
		{2, 0, 8*32 + 1, 8},
		{ppsb + 5, 1, 9*32 + 2, 9},
	}
	for _, tt := range tests {
		bank, page, block, err := v.translate(tt.vpn)
		require.NoError(t, err)
		assert.Equal(t, tt.bank, bank, "vpn %d", tt.vpn)
		assert.Equal(t, tt.page, page, "vpn %d", tt.vpn)
		assert.Equal(t, tt.block, block, "vpn %d", tt.vpn)
	}
}

func TestReadMultipleAndScattered(t *testing.T) {
	geo := bigGeometry
	_, v := newFormatted(t, geo, Options{})
	ppsb := uint32(geo.PagesPerSuBlk())

	// Virtual super-block 2, pages 0..3.
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, v.Write(2*ppsb+i, pattern(geo.BytesPerPage, byte(0x10+i)), userSpare(geo, i, 1)))
	}

	data := make([]byte, 6*geo.BytesPerPage)
	spares := make([]byte, 6*geo.BytesPerSpare)
	_, err := v.ReadMultiple(2, 0, 6, data, spares)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.Equal(t, byte(0x10+i), data[i*geo.BytesPerPage])
	}
	assert.Equal(t, byte(0xFF), data[5*geo.BytesPerPage])

	vpns := []uint32{2*ppsb + 3, 2*ppsb + 1}
	err = v.ReadScattered(vpns, data, spares)
	require.NoError(t, err)
	assert.Equal(t, pattern(geo.BytesPerPage, 0x13), data[:geo.BytesPerPage])
	assert.Equal(t, pattern(geo.BytesPerPage, 0x11), data[geo.BytesPerPage:2*geo.BytesPerPage])
	assert.Equal(t, uint32(1), nandftl.DecodeSpare(spares[geo.BytesPerSpare:]).LogicalPage())
}

func TestErase(t *testing.T) {
	geo := testGeometry
	chip, v := newFormatted(t, geo, Options{})
	ppsb := uint32(geo.PagesPerSuBlk())
	require.NoError(t, v.Write(2*ppsb, pattern(geo.BytesPerPage, 1), userSpare(geo, 0, 1)))

	// Two failures are absorbed by the retries.
	chip.InjectEraseFault(0, geo.FTLBlockOffset()+2, 2)
	require.NoError(t, v.Erase(2))

	data := make([]byte, geo.BytesPerPage)
	spare := make([]byte, geo.BytesPerSpare)
	_, err := v.Read(2*ppsb, data, spare, true)
	assert.True(t, nandftl.IsKind(err, nandftl.KindEmpty))

	chip.InjectEraseFault(0, geo.FTLBlockOffset()+2, 3)
	err = v.Erase(2)
	assert.True(t, nandftl.IsKind(err, nandftl.KindDevice))

	err = v.Erase(uint16(geo.BlocksPerBank))
	assert.True(t, nandftl.IsKind(err, nandftl.KindArgument))
}

func TestStats(t *testing.T) {
	s := Stats{ReadCalls: 1, PagesRead: 2, BankResets: 9}
	p := make([]byte, StatsSize)
	s.Encode(p)

	sum := Stats{ReadCalls: 10, WriteCalls: 4}
	sum.Add(p)
	assert.Equal(t, Stats{ReadCalls: 11, PagesRead: 2, WriteCalls: 4, BankResets: 9}, sum)
}
