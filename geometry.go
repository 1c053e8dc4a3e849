package nandftl

import (
	"github.com/pkg/errors"
)

const (
	// Each ftl super-block range carries 3 control blocks and a free ring of
	// 20 blocks on top of the user blocks.
	ExtraSuBlks = 23

	DefaultSysBlocks = 8

	// Number of blocks at the top of each bank holding the device info page.
	deviceInfoBlocks = 1

	// SpareHeaderSize is the number of spare bytes interpreted by the layers.
	SpareHeaderSize = 12
)

// Geometry describes a NAND device and how the translation layers carve it
// up. Zero SysBlocks / ReservedBlocks select the defaults.
type Geometry struct {
	Banks         int `mapstructure:"banks" yaml:"banks"`
	BlocksPerBank int `mapstructure:"blocks_per_bank" yaml:"blocks_per_bank"`
	PagesPerBlock int `mapstructure:"pages_per_block" yaml:"pages_per_block"`
	BytesPerPage  int `mapstructure:"bytes_per_page" yaml:"bytes_per_page"`
	BytesPerSpare int `mapstructure:"bytes_per_spare" yaml:"bytes_per_spare"`

	SysBlocks      int `mapstructure:"sys_blocks" yaml:"sys_blocks"`
	ReservedBlocks int `mapstructure:"reserved_blocks" yaml:"reserved_blocks"`
}

// WithDefaults fills in the layout parameters left at zero.
func (g Geometry) WithDefaults() Geometry {
	if g.SysBlocks == 0 {
		g.SysBlocks = DefaultSysBlocks
	}
	if g.ReservedBlocks == 0 {
		g.ReservedBlocks = g.BlocksPerBank / 16
		if g.ReservedBlocks < 2 {
			g.ReservedBlocks = 2
		}
	}
	return g
}

func (g Geometry) Validate() error {
	switch {
	case g.Banks <= 0:
		return errors.Errorf("nand: invalid bank count %d", g.Banks)
	case g.BlocksPerBank <= 0 || g.BlocksPerBank > 0xFFFF:
		return errors.Errorf("nand: invalid blocks per bank %d", g.BlocksPerBank)
	case g.PagesPerBlock < 8 || g.PagesPerBlock%8 != 0:
		return errors.Errorf("nand: pages per block %d must be a positive multiple of 8", g.PagesPerBlock)
	case g.BytesPerPage < 512 || g.BytesPerPage%8 != 0:
		return errors.Errorf("nand: invalid bytes per page %d", g.BytesPerPage)
	case g.BytesPerSpare < SpareHeaderSize:
		return errors.Errorf("nand: spare size %d smaller than %d", g.BytesPerSpare, SpareHeaderSize)
	case g.SysBlocks < 6:
		return errors.Errorf("nand: need at least 6 system blocks, have %d", g.SysBlocks)
	case g.ReservedBlocks <= 0:
		return errors.Errorf("nand: invalid reserved block count %d", g.ReservedBlocks)
	}
	if g.UserSuBlksTotal() <= 0 {
		return errors.Errorf("nand: geometry leaves no user blocks (%d blocks per bank)", g.BlocksPerBank)
	}
	lowest := g.BlocksPerBank - g.BlocksPerBank/10
	if g.DeviceInfoBlock() < lowest {
		return errors.Errorf("nand: device info block %d below scan floor %d", g.DeviceInfoBlock(), lowest)
	}
	return nil
}

func (g Geometry) PagesPerSuBlk() int {
	return g.Banks * g.PagesPerBlock
}

func (g Geometry) PagesTotal() int {
	return g.Banks * g.BlocksPerBank * g.PagesPerBlock
}

// FTLBlockOffset is the first virtual block handed to the FTL.
func (g Geometry) FTLBlockOffset() int {
	return g.SysBlocks
}

func (g Geometry) DeviceInfoBlock() int {
	return g.BlocksPerBank - deviceInfoBlocks
}

func (g Geometry) ReservedPoolStart() int {
	return g.BlocksPerBank - deviceInfoBlocks - g.ReservedBlocks
}

// UserSuBlksTotal is the number of logical super-blocks exposed to the host.
func (g Geometry) UserSuBlksTotal() int {
	return g.ReservedPoolStart() - g.SysBlocks - ExtraSuBlks
}

func (g Geometry) UserPagesTotal() int {
	return g.UserSuBlksTotal() * g.PagesPerSuBlk()
}

// RawPageSize is the number of backing bytes used by one page.
func (g Geometry) RawPageSize() int {
	return g.BytesPerPage + g.BytesPerSpare
}

func (g Geometry) RawBlockSize() int64 {
	return int64(g.RawPageSize()) * int64(g.PagesPerBlock)
}

// ImageSize is the size of a backing image holding the whole device.
func (g Geometry) ImageSize() int64 {
	return g.RawBlockSize() * int64(g.BlocksPerBank) * int64(g.Banks)
}
