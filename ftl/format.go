package ftl

import (
	"encoding/binary"
	"log"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
)

// Format erases dev and writes an empty filesystem: the format signature,
// the vfl contexts and an ftl context with an identity block map. The
// returned ftl is ready for use.
func Format(dev nandftl.Device, opts Options) (*Ftl, error) {
	f, err := New(dev, opts)
	if err != nil {
		return nil, err
	}
	geo := f.geo

	for bank := 0; bank < geo.Banks; bank++ {
		for block := 0; block < geo.BlocksPerBank; block++ {
			if err := dev.EraseBlock(bank, block); err != nil {
				return nil, errors.Wrapf(err, "ftl: erase bank %d block %d", bank, block)
			}
		}
	}

	sig := make([]byte, geo.BytesPerPage)
	binary.LittleEndian.PutUint32(sig, Signature5)
	if err := dev.WritePage(0, 0, sig, f.spare(nandftl.NewSpare())); err != nil {
		return nil, errors.Wrap(err, "ftl: write signature")
	}

	if err := f.vfl.Format(); err != nil {
		return nil, err
	}

	u := uint16(geo.UserSuBlksTotal())
	c := newContext(f.tables)
	for i := range c.MapTable {
		c.MapTable[i] = uint16(i)
	}
	for i := range c.CtrlBlock {
		c.CtrlBlock[i] = u + uint16(i)
	}
	for i := range c.FreeVb {
		c.FreeVb[i] = u + uint16(len(c.CtrlBlock)+i)
	}
	c.NumFreeVb = FreeRingSize
	c.NextFreeIdx = 0
	// The first commit starts a fresh control block.
	c.CtrlPage = uint32(c.CtrlBlock[len(c.CtrlBlock)-1])*uint32(f.ppsb) + uint32(f.ppsb) - 1
	f.cxt = c

	if err := f.vfl.StoreFTLCtrlBlock(c.CtrlBlock); err != nil {
		return nil, err
	}
	if err := f.commit(); err != nil {
		return nil, err
	}
	log.Printf("ftl: formatted %d user blocks of %d pages", u, f.ppsb)

	f.ready = true
	return f, nil
}
