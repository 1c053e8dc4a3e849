package ftl

import (
	"encoding/binary"
	"log"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/internal/mlog"
)

var (
	errNoCtrlBlock = errors.New("ftl: no readable control block")
	errNoHeader    = errors.New("ftl: no context header in control block")
	errUnclean     = errors.New("ftl: unclean shutdown")
)

// Control blocks are reused in place until DirtyCount%dirtyPeriod passes
// dirtyReuse, then a fresh block is taken from the free ring.
const (
	dirtyPeriod = 30
	dirtyReuse  = 2
)

// nextCtrlPage advances CtrlPage, moving to the next control block when
// the current one is full.
func (f *Ftl) nextCtrlPage() error {
	c := f.cxt
	P := uint32(f.ppsb)

	c.CtrlPage++
	if c.CtrlPage%P != 0 {
		c.UsnDec--
		return nil
	}

	i := 0
	for ; i < len(c.CtrlBlock); i++ {
		if (uint32(c.CtrlBlock[i])+1)*P == c.CtrlPage {
			break
		}
	}
	idx := (i + 1) % len(c.CtrlBlock)
	if int(c.CtrlBlock[idx]) >= len(c.EraseCounters) {
		return nandftl.Errorf("ftl.nextCtrlPage", nandftl.KindConsistency,
			"control block %d out of range", c.CtrlBlock[idx])
	}

	if c.DirtyCount%dirtyPeriod > dirtyReuse {
		block := c.CtrlBlock[idx]
		mlog.Printf2("ftl/ctrl", "reusing control block %d", block)
		c.DirtyCount++
		c.EraseCounters[block]++
		c.ReadCounters[block]++
		if err := f.vfl.Erase(block); err != nil {
			return errors.Wrapf(err, "ftl: erase control block %d", block)
		}
		c.CtrlPage = uint32(block) * P
		c.UsnDec--
		return nil
	}

	c.DirtyCount++
	block, err := f.getFreeVb()
	if err != nil {
		return err
	}
	if err := f.prepareBlock(block); err != nil {
		return err
	}
	mlog.Printf2("ftl/ctrl", "new control block %d replaces %d", block, c.CtrlBlock[idx])

	old := c.CtrlBlock[idx]
	c.CtrlBlock[idx] = block
	c.CtrlPage = uint32(block) * P
	if err := f.setFreeVb(old); err != nil {
		return err
	}
	if err := f.vfl.StoreFTLCtrlBlock(c.CtrlBlock); err != nil {
		return nandftl.E("ftl.nextCtrlPage", nandftl.KindDurability, err)
	}
	c.UsnDec--
	return nil
}

// writeTable writes a table across pages, recording each page written.
// The table is encoded after the control page is claimed, since claiming
// it may roll over to a new control block and update the counters.
func (f *Ftl) writeTable(type1 uint8, encode func() []byte, pages []uint32) error {
	page := make([]byte, f.bpp)
	for i := range pages {
		if err := f.nextCtrlPage(); err != nil {
			return err
		}
		src := encode()
		nandftl.Fill(page, 0)
		if i*f.bpp < len(src) {
			copy(page, src[i*f.bpp:])
		}
		s := nandftl.MetaSpare(type1, f.cxt.UsnDec, uint16(i))
		if err := f.vfl.Write(f.cxt.CtrlPage, page, f.spare(s)); err != nil {
			return err
		}
		pages[i] = f.cxt.CtrlPage
	}
	return nil
}

func (f *Ftl) commit() error {
	if err := f.commitContext(); err != nil {
		log.Printf("ftl: commit failed: %v", err)
		if nandftl.KindOf(err) == nandftl.KindUnknown {
			return nandftl.E("ftl.commit", nandftl.KindDurability, err)
		}
		return err
	}
	f.dirty = false
	return nil
}

// commitContext writes the tables, the digest and finally the header. A
// commit never straddles control blocks: if it would not fit in the
// current one, it starts on the next.
func (f *Ftl) commitContext() error {
	c := f.cxt
	P := uint32(f.ppsb)

	cur := c.CtrlPage / P
	if c.CtrlPage+uint32(f.tables.commitPages()) >= cur*P+P {
		c.CtrlPage = cur*P + P - 1
	}

	tables := []struct {
		type1  uint8
		encode func() []byte
		pages  []uint32
	}{
		{nandftl.SpareTypeErase, func() []byte { return encodeU16s(c.EraseCounters) }, c.ErasePages},
		{nandftl.SpareTypeRead, func() []byte { return encodeU16s(c.ReadCounters) }, c.ReadPages},
		{nandftl.SpareTypeMap, func() []byte { return encodeU16s(c.MapTable) }, c.MapPages},
		{nandftl.SpareTypeOffsets, c.encodeOffsets, c.OffsetPages},
	}
	for _, t := range tables {
		if err := f.writeTable(t.type1, t.encode, t.pages); err != nil {
			return err
		}
	}

	f.Stats.Commits++

	if err := f.nextCtrlPage(); err != nil {
		return err
	}
	c.StatsPage = c.CtrlPage
	c.StatsValid = statsValid
	digest := make([]byte, f.bpp)
	f.Stats.Encode(digest)
	f.vfl.Stats.Encode(digest[f.bpp/2:])
	binary.LittleEndian.PutUint32(digest[f.bpp-4:], digestTag)
	s := nandftl.MetaSpare(nandftl.SpareTypeDigest, c.UsnDec, 0)
	if err := f.vfl.Write(c.CtrlPage, digest, f.spare(s)); err != nil {
		return err
	}

	if err := f.nextCtrlPage(); err != nil {
		return err
	}
	c.Clean = true
	header := make([]byte, f.bpp)
	copy(header, c.encodeHeader(f.tables))
	s = nandftl.MetaSpare(nandftl.SpareTypeFTLHeader, c.UsnDec, 0xFFFF)
	return f.vfl.Write(c.CtrlPage, header, f.spare(s))
}

func (f *Ftl) readTable(op string, pages []uint32, dst []byte) error {
	for i, pg := range pages {
		if _, err := f.vfl.Read(pg, f.pageBuf, f.spareBuf, true); err != nil {
			return nandftl.E(op, nandftl.KindOf(err), errors.Wrapf(err, "table page %d at %d", i, pg))
		}
		if i*f.bpp < len(dst) {
			copy(dst[i*f.bpp:], f.pageBuf)
		}
	}
	return nil
}

// open loads the context from the newest control block.
func (f *Ftl) open() error {
	c := newContext(f.tables)
	c.CtrlBlock = f.vfl.FTLCtrlBlock()
	P := uint32(f.ppsb)

	found := false
	var ctrlBlock uint16
	var lowest uint32
	for _, b := range c.CtrlBlock {
		_, err := f.vfl.Read(uint32(b)*P, f.pageBuf, f.spareBuf, true)
		if nandftl.IsKind(err, nandftl.KindArgument) {
			return f.restore(err)
		}
		s := nandftl.DecodeSpare(f.spareBuf)
		if err != nil || !s.IsCtrl() {
			continue
		}
		if found && s.UsnDec() >= lowest {
			continue
		}
		found = true
		lowest = s.UsnDec()
		ctrlBlock = b
	}
	if !found {
		return f.restore(errNoCtrlBlock)
	}
	mlog.Printf2("ftl/ctrl", "newest control block %d, usnDec %08x", ctrlBlock, lowest)

	header := false
	for i := int(P) - 1; i > 0; i-- {
		_, err := f.vfl.Read(uint32(ctrlBlock)*P+uint32(i), f.pageBuf, f.spareBuf, true)
		if nandftl.IsKind(err, nandftl.KindEmpty) {
			continue
		}
		if err != nil {
			log.Printf("ftl: error reading control page %d of block %d: %v", i, ctrlBlock, err)
			return f.restore(err)
		}
		if nandftl.DecodeSpare(f.spareBuf).Type1 != nandftl.SpareTypeFTLHeader {
			log.Printf("ftl: unclean shutdown, last control page %d of block %d", i, ctrlBlock)
			return f.restore(errUnclean)
		}
		if err := c.decodeHeader(f.pageBuf, f.tables); err != nil {
			return f.restore(err)
		}
		header = true
		break
	}
	if !header {
		return f.restore(errNoHeader)
	}

	mapBytes := make([]byte, f.tables.mapPages*f.bpp)
	if err := f.readTable("ftl.open", c.MapPages, mapBytes); err != nil {
		return err
	}
	decodeU16s(mapBytes, c.MapTable)

	offsets := make([]byte, f.tables.offsetPages*f.bpp)
	if err := f.readTable("ftl.open", c.OffsetPages, offsets); err != nil {
		return err
	}
	c.decodeOffsets(offsets, f.ppsb)
	if err := c.validate(f.tables); err != nil {
		return f.restore(err)
	}

	counters := make([]byte, f.tables.counterPages*f.bpp)
	if err := f.readTable("ftl.open", c.ErasePages, counters); err != nil {
		return err
	}
	decodeU16s(counters, c.EraseCounters)

	if c.VersionLower == VersionLower && c.VersionUpper == VersionUpper {
		if err := f.readTable("ftl.open", c.ReadPages, counters); err != nil {
			return err
		}
		decodeU16s(counters, c.ReadCounters)
		if c.StatsValid == statsValid && int(c.StatsPage/P) < len(c.EraseCounters) {
			f.loadDigest(c.StatsPage)
		}
	} else {
		log.Printf("ftl: upgrading context version %08x:%08x", c.VersionLower, c.VersionUpper)
		for i := range c.ReadCounters {
			c.ReadCounters[i] = upgradeReadCount
		}
		c.resetRefresh()
		c.Clean = false
		c.VersionLower = VersionLower
		c.VersionUpper = VersionUpper
	}

	f.cxt = c
	return f.skipProgrammedLogPages()
}

// skipProgrammedLogPages moves each log's write cursor past pages that were
// programmed after the last commit. Their contents are not adopted, only
// skipped, since pages can be programmed once per erase.
func (f *Ftl) skipProgrammedLogPages() error {
	c := f.cxt
	for i := range c.Logs {
		l := &c.Logs[i]
		if !l.Active {
			continue
		}
		used := int(l.PagesUsed)
		for off := f.ppsb - 1; off >= used; off-- {
			_, err := f.vfl.Read(f.vpn(l.Vbn, off), f.pageBuf, f.spareBuf, true)
			if nandftl.IsKind(err, nandftl.KindEmpty) {
				continue
			}
			if nandftl.IsKind(err, nandftl.KindArgument) {
				return f.restore(err)
			}
			if sp := nandftl.DecodeSpare(f.spareBuf); err == nil && sp.Type1 == nandftl.SpareTypeUserData && sp.Usn() > c.Usn {
				c.Usn = sp.Usn()
			}
			log.Printf("ftl: log of lbn %d has pages past %d written since last commit, skipping to %d",
				l.Lbn, used, off+1)
			l.PagesUsed = uint16(off + 1)
			c.Clean = false
			f.dirty = true
			break
		}
	}
	return nil
}

// loadDigest adds the counters of the last digest page into the
// in-memory stats. A missing digest only loses statistics.
func (f *Ftl) loadDigest(page uint32) {
	if _, err := f.vfl.Read(page, f.pageBuf, f.spareBuf, true); err != nil {
		mlog.Printf2("ftl/ctrl", "digest page %d: %v", page, err)
		return
	}
	if binary.LittleEndian.Uint32(f.pageBuf[f.bpp-4:]) != digestTag {
		return
	}
	f.Stats.Add(f.pageBuf)
	f.vfl.Stats.Add(f.pageBuf[f.bpp/2:])
}

// restore would rebuild the context by scanning user pages. It is not
// supported, so a context that cannot be opened fails Setup.
func (f *Ftl) restore(cause error) error {
	log.Printf("ftl: context unreadable: %v", cause)
	return nandftl.E("ftl.open", nandftl.KindConsistency, errors.Wrap(cause, "context restore not supported"))
}
