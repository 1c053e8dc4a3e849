package vfl

import (
	"log"
)

const remapEraseRetries = 9

// isGoodBlock tests the bad block table, which holds one bit per group of 8
// virtual blocks, most significant bit first.
func isGoodBlock(badBlockTable []byte, virtualBlock uint16) bool {
	index := int(virtualBlock) / 8
	if index/8 >= len(badBlockTable) {
		return false
	}
	return (badBlockTable[index/8]>>(7-uint(index%8)))&0x1 == 0x1
}

// VirtualToPhysical translates a bank-relative virtual block. Blocks in bad
// groups are looked up in the reserved pool; an unmapped block falls back to
// identity.
func (v *VFL) VirtualToPhysical(bank int, virtualBlock uint16) uint16 {
	c := &v.cxt[bank]
	if isGoodBlock(c.BadBlockTable, virtualBlock) {
		return virtualBlock
	}

	for slot := 0; slot < int(c.NumReservedBlocks) && slot < len(c.Pool); slot++ {
		if c.Pool[slot] == Mapped(virtualBlock) {
			if slot >= v.geo.BlocksPerBank {
				log.Printf("vfl: remap destination slot %d beyond blocks per bank", slot)
			}
			return c.ReservedBlockPoolStart + uint16(slot)
		}
	}

	return virtualBlock
}

// The scheduled region grows down from the top of the pool map to
// RemappingScheduledStart.
func (v *VFL) remapScheduled(bank int, block uint16) bool {
	c := &v.cxt[bank]
	for i := len(c.Pool) - 1; i > 0 && i >= int(c.RemappingScheduledStart); i-- {
		if c.Pool[i] == Mapped(block) {
			return true
		}
	}
	return false
}

func (v *VFL) scheduleForRemap(bank int, block uint16) bool {
	if v.remapScheduled(bank, block) {
		return true
	}

	log.Printf("vfl: attempting to schedule bank %d, block %d for remap", bank, block)
	if !v.opts.Remap {
		return false
	}

	c := &v.cxt[bank]
	if int(c.RemappingScheduledStart) <= int(c.NumReservedBlocks)+remapReserveFloor {
		log.Printf("vfl: only %d spare pool slots left on bank %d, not scheduling", remapReserveFloor, bank)
		return false
	}

	c.RemappingScheduledStart--
	c.Pool[c.RemappingScheduledStart] = Mapped(block)
	c.genChecksum(v.layout)

	return v.Commit(bank) == nil
}

// SetGoodBlock marks the group containing block good or bad in memory.
func (v *VFL) SetGoodBlock(bank int, block uint16, good bool) {
	c := &v.cxt[bank]
	index := int(block) / 8
	if index/8 >= len(c.BadBlockTable) {
		return
	}
	bit := byte(1) << (7 - uint(index%8))
	if good {
		c.BadBlockTable[index/8] |= bit
	} else {
		c.BadBlockTable[index/8] &^= bit
	}
}

// RemapBlock moves block onto a free reserved block and returns the new
// physical block, or 0 when nothing was remapped. It does nothing unless
// remapping was enabled in Options.
func (v *VFL) RemapBlock(bank int, block uint16) uint16 {
	if bank < 0 || bank >= v.geo.Banks || int(block) >= v.geo.BlocksPerBank {
		return 0
	}

	log.Printf("vfl: attempting to remap bank %d, block %d", bank, block)
	if !v.opts.Remap {
		return 0
	}

	c := &v.cxt[bank]
	newIdx := -1
	for i := 0; i < int(c.TotalReservedBlocks) && i < len(c.Pool); i++ {
		if c.Pool[i].State == SlotFree {
			newIdx = i
			break
		}
	}
	if newIdx < 0 {
		return 0
	}
	newBlock := c.ReservedBlockPoolStart + uint16(newIdx)

	for i := 0; i < remapEraseRetries; i++ {
		if v.dev.EraseBlock(bank, int(newBlock)) == nil {
			break
		}
	}

	// Retire reserved blocks previously standing in for this block.
	for i := 0; i < newIdx; i++ {
		if c.Pool[i] == Mapped(block) {
			c.Pool[i] = PoolSlot{State: SlotRetired}
		}
	}

	c.Pool[newIdx] = Mapped(block)
	c.NumReservedBlocks++
	v.SetGoodBlock(bank, block, false)

	return newBlock
}

func (v *VFL) markRemapDone(bank int, block uint16) {
	log.Printf("vfl: marking remap done for bank %d, block %d", bank, block)
	if !v.opts.Remap {
		return
	}

	c := &v.cxt[bank]
	start := int(c.RemappingScheduledStart)
	if start >= len(c.Pool) {
		return
	}
	for i := len(c.Pool) - 1; i >= start; i-- {
		if c.Pool[i] == Mapped(block) {
			c.Pool[i] = c.Pool[start]
			c.Pool[start] = PoolSlot{}
			c.RemappingScheduledStart++
			return
		}
	}
}
