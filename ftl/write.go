package ftl

import (
	"log"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/internal/mlog"
)

// write writes count logical pages from buf. Every page goes to the log
// block of its logical block; a full log is merged first.
func (f *Ftl) write(lpn, count int, buf []byte) error {
	total := f.geo.UserPagesTotal()
	if lpn < 0 || count <= 0 || lpn+count > total {
		return nandftl.Errorf("ftl.write", nandftl.KindArgument, "pages %d+%d beyond %d", lpn, count, total)
	}
	if len(buf) < count*f.bpp {
		return nandftl.Errorf("ftl.write", nandftl.KindArgument, "buffer of %d bytes too small", len(buf))
	}

	f.Stats.WriteCalls++
	mlog.Printf2("ftl/write", "write lpn %d count %d", lpn, count)

	for i := 0; i < count; i++ {
		if err := f.writePage(lpn+i, buf[i*f.bpp:(i+1)*f.bpp]); err != nil {
			return err
		}
	}
	return nil
}

func (f *Ftl) writePage(lpn int, data []byte) error {
	c := f.cxt
	lbn := uint16(lpn / f.ppsb)
	off := lpn % f.ppsb

	l := c.findLog(lbn)
	if l != nil && int(l.PagesUsed) >= f.ppsb {
		if err := f.merge(l); err != nil {
			return err
		}
		l = nil
	}
	if l == nil {
		var err error
		if l, err = f.allocLog(lbn); err != nil {
			return err
		}
	}

	c.Usn++
	page := l.PagesUsed
	vpn := f.vpn(l.Vbn, int(page))
	// A failed program still uses up the page.
	l.PagesUsed++
	l.Usn = c.Usn
	c.Clean = false
	f.dirty = true

	s := nandftl.UserSpare(uint32(lpn), c.Usn)
	if err := f.vfl.Write(vpn, data, f.spare(s)); err != nil {
		return errors.Wrapf(err, "ftl: write lpn %d", lpn)
	}
	l.Offsets[off] = page
	f.Stats.PagesWritten++
	return nil
}

// allocLog opens a log block for lbn, merging the least recently written
// log when every slot is taken.
func (f *Ftl) allocLog(lbn uint16) (*Log, error) {
	c := f.cxt
	var l *Log
	for i := range c.Logs {
		if !c.Logs[i].Active {
			l = &c.Logs[i]
			break
		}
	}
	if l == nil {
		l = &c.Logs[0]
		for i := range c.Logs {
			if c.Logs[i].Usn < l.Usn {
				l = &c.Logs[i]
			}
		}
		mlog.Printf2("ftl/write", "evicting log of lbn %d", l.Lbn)
		if err := f.merge(l); err != nil {
			return nil, err
		}
	}

	vb, err := f.getFreeVb()
	if err != nil {
		return nil, err
	}
	if err := f.prepareBlock(vb); err != nil {
		return nil, err
	}

	l.reset()
	l.Active = true
	l.Lbn = lbn
	l.Vbn = vb
	l.Usn = c.Usn
	f.dirty = true
	return l, nil
}

// canSwitch reports whether the log holds every page of its block in
// order, so it can replace the data block without copying.
func (f *Ftl) canSwitch(l *Log) bool {
	if int(l.PagesUsed) != f.ppsb {
		return false
	}
	for i, o := range l.Offsets {
		if int(o) != i {
			return false
		}
	}
	return true
}

// merge folds a log back into the block map. The context is committed
// before the replaced blocks are released, so a crash can only leak them.
func (f *Ftl) merge(l *Log) error {
	c := f.cxt
	lbn := l.Lbn
	old := c.MapTable[lbn]

	if f.canSwitch(l) {
		mlog.Printf2("ftl/write", "switch merge lbn %d: %d -> %d", lbn, old, l.Vbn)
		c.MapTable[lbn] = l.Vbn
		l.reset()
		f.Stats.SwitchMerges++
		if err := f.commit(); err != nil {
			return err
		}
		return f.release(old)
	}

	vb, err := f.getFreeVb()
	if err != nil {
		return err
	}
	if err := f.prepareBlock(vb); err != nil {
		return err
	}
	mlog.Printf2("ftl/write", "copy merge lbn %d into %d", lbn, vb)

	spare := make([]byte, f.geo.BytesPerSpare)
	for off := 0; off < f.ppsb; off++ {
		_, err := f.vfl.Read(f.mapPage(l, lbn, off), f.pageBuf, spare, true)
		if nandftl.IsKind(err, nandftl.KindEmpty) {
			continue
		}
		if err != nil {
			f.release(vb)
			return errors.Wrapf(err, "ftl: merge lbn %d page %d", lbn, off)
		}
		c.Usn++
		s := nandftl.UserSpare(uint32(int(lbn)*f.ppsb+off), c.Usn)
		if err := f.vfl.Write(f.vpn(vb, off), f.pageBuf, f.spare(s)); err != nil {
			f.release(vb)
			return errors.Wrapf(err, "ftl: merge lbn %d page %d", lbn, off)
		}
	}

	logVb := l.Vbn
	c.MapTable[lbn] = vb
	l.reset()
	f.Stats.CopyMerges++
	if err := f.commit(); err != nil {
		return err
	}
	if err := f.release(old); err != nil {
		return err
	}
	return f.release(logVb)
}

func (f *Ftl) release(vb uint16) error {
	err := f.setFreeVb(vb)
	if err != nil {
		log.Printf("ftl: block %d leaked: %v", vb, err)
	}
	return err
}
