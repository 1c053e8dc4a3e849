package ftl

import (
	"log"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/internal/mlog"
)

// mapPage returns the virtual page currently holding page off of logical
// block lbn. A log copy takes precedence over the data block.
func (f *Ftl) mapPage(l *Log, lbn uint16, off int) uint32 {
	if l != nil && l.Offsets[off] != EmptyOffset {
		return f.vpn(l.Vbn, int(l.Offsets[off]))
	}
	return f.vpn(f.cxt.MapTable[lbn], off)
}

func (f *Ftl) bumpReadCounter(vb uint16, n int) {
	c := f.cxt
	if int(vb) >= len(c.ReadCounters) {
		return
	}
	v := int(c.ReadCounters[vb]) + n
	if v > 0xFFFF {
		v = 0xFFFF
	}
	c.ReadCounters[vb] = uint16(v)
	c.TotalReadCount += uint64(n)
}

// read reads count logical pages from lpn into buf, one logical block at a
// time. Erased pages read back as 0xFF.
func (f *Ftl) read(lpn, count int, buf []byte) error {
	total := f.geo.UserPagesTotal()
	if lpn < 0 || count <= 0 || lpn+count > total {
		return nandftl.Errorf("ftl.read", nandftl.KindArgument, "pages %d+%d beyond %d", lpn, count, total)
	}
	if len(buf) < count*f.bpp {
		return nandftl.Errorf("ftl.read", nandftl.KindArgument, "buffer of %d bytes too small", len(buf))
	}

	f.Stats.ReadCalls++
	mlog.Printf2("ftl/read", "read lpn %d count %d", lpn, count)

	c := f.cxt
	ss := f.geo.BytesPerSpare
	hasError := false

	for count > 0 {
		lbn := uint16(lpn / f.ppsb)
		if int(lbn) >= len(c.MapTable) {
			return nandftl.Errorf("ftl.read", nandftl.KindArgument, "block %d out of range", lbn)
		}
		off := lpn % f.ppsb
		n := f.ppsb - off
		if n > count {
			n = count
		}
		data := buf[:n*f.bpp]
		spares := make([]byte, n*ss)

		var err error
		l := c.findLog(lbn)
		if l != nil {
			vpns := make([]uint32, n)
			for i := range vpns {
				vpns[i] = f.mapPage(l, lbn, off+i)
				f.bumpReadCounter(uint16(vpns[i]/uint32(f.ppsb)), 1)
			}
			err = f.vfl.ReadScattered(vpns, data, spares)
		} else {
			vb := c.MapTable[lbn]
			f.bumpReadCounter(vb, n)
			var refresh bool
			refresh, err = f.vfl.ReadMultiple(vb, off, n, data, spares)
			if refresh {
				c.addRefresh(lbn, vb)
			}
		}

		if err == nil {
			for i := 0; i < n; i++ {
				if spares[i*ss+10] != nandftl.EccMarkGood {
					hasError = true
				}
			}
		} else {
			mlog.Printf2("ftl/read", "bulk read of lbn %d failed: %v", lbn, err)
			if err := f.readPages(l, lbn, off, n, data, &hasError); err != nil {
				return err
			}
		}

		f.Stats.PagesRead += uint64(n)
		buf = buf[n*f.bpp:]
		lpn += n
		count -= n
	}

	if hasError {
		f.Stats.EccErrors++
		return nandftl.Errorf("ftl.read", nandftl.KindDevice, "uncorrectable pages in read")
	}
	return nil
}

// readPages rereads pages one at a time after a failed bulk read so that
// every readable page is returned.
func (f *Ftl) readPages(l *Log, lbn uint16, off, n int, data []byte, hasError *bool) error {
	spare := make([]byte, f.geo.BytesPerSpare)
	for i := 0; i < n; i++ {
		page := data[i*f.bpp : (i+1)*f.bpp]
		vpn := f.mapPage(l, lbn, off+i)
		refresh, err := f.vfl.Read(vpn, page, spare, true)
		if refresh {
			f.cxt.addRefresh(lbn, uint16(vpn/uint32(f.ppsb)))
		}
		switch nandftl.KindOf(err) {
		case nandftl.KindArgument:
			return err
		case nandftl.KindEmpty:
			nandftl.Fill(page, 0xFF)
			continue
		case nandftl.KindUnknown:
		default:
			*hasError = true
			continue
		}

		s := nandftl.DecodeSpare(spare)
		if s.EccMark != nandftl.EccMarkGood {
			*hasError = true
		}
		want := uint32(int(lbn)*f.ppsb + off + i)
		if s.LogicalPage() != want {
			log.Printf("ftl: vpn %d holds logical page %d, expected %d", vpn, s.LogicalPage(), want)
		}
	}
	return nil
}
