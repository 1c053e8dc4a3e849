package nandftl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func smallGeometry() Geometry {
	return Geometry{
		Banks:         1,
		BlocksPerBank: 64,
		PagesPerBlock: 8,
		BytesPerPage:  512,
		BytesPerSpare: 16,
	}.WithDefaults()
}

func TestGeometryDerived(t *testing.T) {
	g := smallGeometry()
	assert.NoError(t, g.Validate())
	assert.Equal(t, DefaultSysBlocks, g.SysBlocks)
	assert.Equal(t, 4, g.ReservedBlocks)
	assert.Equal(t, 63, g.DeviceInfoBlock())
	assert.Equal(t, 59, g.ReservedPoolStart())
	assert.Equal(t, 28, g.UserSuBlksTotal())
	assert.Equal(t, 8, g.PagesPerSuBlk())
	assert.Equal(t, 28*8, g.UserPagesTotal())
	assert.Equal(t, 528, g.RawPageSize())
	assert.Equal(t, int64(528*8*64), g.ImageSize())

	g.Banks = 2
	assert.Equal(t, 16, g.PagesPerSuBlk())
	assert.Equal(t, 2*g.RawBlockSize()*64, g.ImageSize())
}

func TestGeometryDefaultsKeepExplicit(t *testing.T) {
	g := Geometry{BlocksPerBank: 16, SysBlocks: 7, ReservedBlocks: 3}.WithDefaults()
	assert.Equal(t, 7, g.SysBlocks)
	assert.Equal(t, 3, g.ReservedBlocks)

	g = Geometry{BlocksPerBank: 16}.WithDefaults()
	assert.Equal(t, 2, g.ReservedBlocks)
}

func TestGeometryValidate(t *testing.T) {
	cases := map[string]func(g *Geometry){
		"banks":      func(g *Geometry) { g.Banks = 0 },
		"blocks":     func(g *Geometry) { g.BlocksPerBank = 0x10000 },
		"pages":      func(g *Geometry) { g.PagesPerBlock = 12 },
		"page size":  func(g *Geometry) { g.BytesPerPage = 256 },
		"spare":      func(g *Geometry) { g.BytesPerSpare = 8 },
		"sys blocks": func(g *Geometry) { g.SysBlocks = 4 },
		"no user":    func(g *Geometry) { g.BlocksPerBank = 32; g.ReservedBlocks = 2 },
		"reserved":   func(g *Geometry) { g.ReservedBlocks = -1 },
	}
	for name, mutate := range cases {
		g := smallGeometry()
		mutate(&g)
		assert.Error(t, g.Validate(), name)
	}
}
