package vfl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akmistry/nandftl"
)

var testGeometry = nandftl.Geometry{
	Banks:         1,
	BlocksPerBank: 64,
	PagesPerBlock: 8,
	BytesPerPage:  512,
	BytesPerSpare: 16,
}.WithDefaults()

func TestChecksumRoundTrip(t *testing.T) {
	l := newLayout(testGeometry)
	c := newContext(testGeometry, l)
	c.UsnInc = 1234
	c.UsnDec = 0xFFFFFF00
	c.Pool[3] = Mapped(17)
	c.genChecksum(l)
	assert.True(t, c.checkChecksum(l))

	decoded, err := decodeContext(c.encode(l), l)
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
	assert.True(t, decoded.checkChecksum(l))
}

func TestChecksumAcceptRule(t *testing.T) {
	l := newLayout(testGeometry)
	base := newContext(testGeometry, l)
	base.genChecksum(l)

	tests := []struct {
		name   string
		mutate func(c *Context)
		accept bool
	}{
		{"intact", func(c *Context) {}, true},
		{"xor word wrong", func(c *Context) { c.Checksum2++ }, true},
		// The sum is wrong but the xor word still matches.
		{"sum word wrong", func(c *Context) { c.Checksum1++ }, false},
		{"both words wrong", func(c *Context) { c.Checksum1++; c.Checksum2++ }, true},
		{"body changed", func(c *Context) { c.UsnInc++ }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base.clone()
			tt.mutate(&c)
			assert.Equal(t, tt.accept, c.checkChecksum(l))
		})
	}
}

func TestChecksumWords(t *testing.T) {
	p := []byte{
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0xFF, // trailing bytes beyond the last word are ignored
	}
	sum, xor := checksum(p)
	assert.Equal(t, uint32(3+0xAABBCCDD), sum)
	assert.Equal(t, uint32(3^0xAABBCCDD), xor)
}

func TestPoolSlotEncoding(t *testing.T) {
	assert.Equal(t, uint16(0), PoolSlot{}.raw())
	assert.Equal(t, uint16(0xFFFF), PoolSlot{State: SlotRetired}.raw())
	assert.Equal(t, uint16(42), Mapped(42).raw())

	assert.Equal(t, PoolSlot{}, slotFromRaw(0))
	assert.Equal(t, SlotRetired, slotFromRaw(0xFFFF).State)
	assert.Equal(t, Mapped(42), slotFromRaw(42))
}

func TestDecodeShortRecord(t *testing.T) {
	l := newLayout(testGeometry)
	_, err := decodeContext(make([]byte, l.size()-1), l)
	assert.Error(t, err)
}

func TestLayoutFitsPage(t *testing.T) {
	l := newLayout(testGeometry)
	assert.Equal(t, 1, l.bbtLen)
	assert.Equal(t, 2*testGeometry.ReservedBlocks+10, l.poolLen)
	assert.LessOrEqual(t, l.size(), testGeometry.BytesPerPage)
	assert.Zero(t, l.bodySize()%4)
}
