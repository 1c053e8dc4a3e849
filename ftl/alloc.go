package ftl

import (
	"log"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
)

var errNoFreeVb = errors.New("ftl: no free block")

// getFreeVb takes the least worn block from the free ring. The chosen block
// is swapped to the head of the ring before the head advances.
func (f *Ftl) getFreeVb() (uint16, error) {
	c := f.cxt
	head := c.NextFreeIdx
	if head >= FreeRingSize || c.NumFreeVb > FreeRingSize {
		return 0, nandftl.Errorf("ftl.getFreeVb", nandftl.KindConsistency,
			"free ring corrupt: %d free, head %d", c.NumFreeVb, head)
	}

	chosen := -1
	smallest := 0x10000
	cur := int(head)
	for i := 0; i < int(c.NumFreeVb); i++ {
		vb := c.FreeVb[cur]
		if vb != emptyBlock && int(vb) < len(c.EraseCounters) && int(c.EraseCounters[vb]) < smallest {
			chosen = cur
			smallest = int(c.EraseCounters[vb])
		}
		cur = (cur + 1) % FreeRingSize
	}
	if chosen < 0 {
		return 0, nandftl.E("ftl.getFreeVb", nandftl.KindConsistency, errNoFreeVb)
	}

	vb := c.FreeVb[chosen]
	c.FreeVb[chosen] = c.FreeVb[head]
	c.FreeVb[head] = emptyBlock
	c.NumFreeVb--
	c.NextFreeIdx = (head + 1) % FreeRingSize
	f.dirty = true

	return vb, nil
}

// setFreeVb erases vb and appends it to the free ring.
func (f *Ftl) setFreeVb(vb uint16) error {
	c := f.cxt
	if c.NumFreeVb >= FreeRingSize || c.NextFreeIdx >= FreeRingSize {
		return nandftl.Errorf("ftl.setFreeVb", nandftl.KindConsistency,
			"free ring full or corrupt releasing %d: %d free, head %d", vb, c.NumFreeVb, c.NextFreeIdx)
	}
	if int(vb) >= len(c.EraseCounters) {
		return nandftl.Errorf("ftl.setFreeVb", nandftl.KindArgument, "block %d out of range", vb)
	}

	tail := (c.NextFreeIdx + c.NumFreeVb) % FreeRingSize
	c.EraseCounters[vb]++
	c.ReadCounters[vb] = 0
	if err := f.vfl.Erase(vb); err != nil {
		log.Printf("ftl: erase of freed block %d failed: %v", vb, err)
		return err
	}
	c.FreeVb[tail] = vb
	c.NumFreeVb++
	f.Stats.BlocksFreed++
	f.dirty = true
	return nil
}

// prepareBlock erases vb if an interrupted run left data in it.
func (f *Ftl) prepareBlock(vb uint16) error {
	for off := 0; off < f.ppsb; off++ {
		_, err := f.vfl.Read(f.vpn(vb, off), f.pageBuf, f.spareBuf, true)
		if nandftl.IsKind(err, nandftl.KindEmpty) {
			continue
		}
		if nandftl.IsKind(err, nandftl.KindArgument) {
			return err
		}
		log.Printf("ftl: free block %d not erased, erasing", vb)
		f.cxt.EraseCounters[vb]++
		return f.vfl.Erase(vb)
	}
	return nil
}
