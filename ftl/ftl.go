// Package ftl implements the flash translation layer: logical pages are
// mapped to virtual super-blocks through a block map, with rewrites absorbed
// by a small set of log blocks.
package ftl

import (
	"encoding/binary"
	"log"
	"sync"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/vfl"
)

var (
	errUnalignedOffset = errors.New("ftl: unaligned offset")
	errUnalignedLength = errors.New("ftl: unaligned length")
	errNotReady        = errors.New("ftl: not set up")
	errNoSignature     = errors.New("ftl: no supported format signature")
	errOutOfRange      = errors.New("ftl: access beyond end of device")
)

// Format signatures found at the start of bank 0, block 0.
const (
	Signature3 = 0x43303033
	Signature4 = 0x43303034
	Signature5 = 0x43303035
)

func supportedSignature(id uint32) bool {
	return id == Signature3 || id == Signature4 || id == Signature5
}

type Options struct {
	VFL vfl.Options
}

type Ftl struct {
	dev    nandftl.Device
	geo    nandftl.Geometry
	vfl    *vfl.VFL
	tables tableLayout

	// Pages per super-block and bytes per page.
	ppsb int
	bpp  int

	cxt   *Context
	ready bool
	dirty bool

	pageBuf  []byte
	spareBuf []byte

	Stats Stats

	lock sync.Mutex
}

// New builds an ftl over dev. Nothing is read from the device until Setup.
func New(dev nandftl.Device, opts Options) (*Ftl, error) {
	geo := dev.Geometry()
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	t := newTableLayout(geo)
	if err := t.validate(); err != nil {
		return nil, err
	}
	v, err := vfl.New(dev, opts.VFL)
	if err != nil {
		return nil, err
	}
	return &Ftl{
		dev:      dev,
		geo:      geo,
		vfl:      v,
		tables:   t,
		ppsb:     geo.PagesPerSuBlk(),
		bpp:      geo.BytesPerPage,
		pageBuf:  make([]byte, geo.BytesPerPage),
		spareBuf: make([]byte, geo.BytesPerSpare),
	}, nil
}

func (f *Ftl) vpn(vb uint16, off int) uint32 {
	return uint32(vb)*uint32(f.ppsb) + uint32(off)
}

func (f *Ftl) spare(s nandftl.Spare) []byte {
	p := make([]byte, f.geo.BytesPerSpare)
	s.Encode(p)
	return p
}

// findSignature scans the first block of bank 0 for a format signature.
func (f *Ftl) findSignature() (uint32, bool) {
	for i := 0; i < f.geo.PagesPerBlock; i++ {
		if err := f.dev.ReadPageRaw(0, i, f.pageBuf); err != nil {
			continue
		}
		id := binary.LittleEndian.Uint32(f.pageBuf)
		if supportedSignature(id) {
			return id, true
		}
	}
	return 0, false
}

// Setup detects the on-media format and opens both layers. It is a no-op
// once it has succeeded, and may be retried after a failure.
func (f *Ftl) Setup() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.ready {
		return nil
	}

	id, ok := f.findSignature()
	if !ok {
		return nandftl.E("ftl.Setup", nandftl.KindConsistency, errNoSignature)
	}
	log.Printf("ftl: found format signature %08x", id)

	if !vfl.HasDeviceInfoBBT(f.dev) {
		return nandftl.Errorf("ftl.Setup", nandftl.KindConsistency, "device info bbt missing")
	}
	if err := f.vfl.Open(); err != nil {
		return errors.Wrap(err, "ftl: vfl open")
	}
	if err := f.open(); err != nil {
		return err
	}
	f.ready = true
	return nil
}

func (f *Ftl) Geometry() nandftl.Geometry {
	return f.geo
}

// VFL returns the virtual flash layer beneath the ftl.
func (f *Ftl) VFL() *vfl.VFL {
	return f.vfl
}

// Size is the number of host-visible bytes.
func (f *Ftl) Size() int64 {
	return int64(f.geo.UserPagesTotal()) * int64(f.bpp)
}

// Read reads count whole logical pages starting at lpn.
func (f *Ftl) Read(lpn, count int, buf []byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if !f.ready {
		return nandftl.E("ftl.Read", nandftl.KindArgument, errNotReady)
	}
	return f.read(lpn, count, buf)
}

// Write writes count whole logical pages starting at lpn.
func (f *Ftl) Write(lpn, count int, buf []byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if !f.ready {
		return nandftl.E("ftl.Write", nandftl.KindArgument, errNotReady)
	}
	return f.write(lpn, count, buf)
}

func (f *Ftl) checkRange(op string, n int, off int64) error {
	if !f.ready {
		return nandftl.E(op, nandftl.KindArgument, errNotReady)
	}
	if off < 0 || off+int64(n) > f.Size() {
		return nandftl.E(op, nandftl.KindArgument, errOutOfRange)
	}
	return nil
}

// ReadAt implements io.ReaderAt over the logical pages. Partial pages at
// either end are read whole and trimmed.
func (f *Ftl) ReadAt(p []byte, off int64) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.checkRange("ftl.ReadAt", len(p), off); err != nil {
		return 0, err
	}

	bpp := int64(f.bpp)
	n := 0
	for len(p) > 0 {
		lpn := int(off / bpp)
		pageOff := int(off % bpp)
		if pageOff == 0 && len(p) >= f.bpp {
			count := len(p) / f.bpp
			if err := f.read(lpn, count, p[:count*f.bpp]); err != nil {
				return n, err
			}
			p = p[count*f.bpp:]
			n += count * f.bpp
			off += int64(count * f.bpp)
			continue
		}

		page := make([]byte, f.bpp)
		if err := f.read(lpn, 1, page); err != nil {
			return n, err
		}
		c := copy(p, page[pageOff:])
		p = p[c:]
		n += c
		off += int64(c)
	}
	return n, nil
}

// WriteAt implements io.WriterAt. Partial pages are merged with their
// current contents.
func (f *Ftl) WriteAt(p []byte, off int64) (int, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.checkRange("ftl.WriteAt", len(p), off); err != nil {
		return 0, err
	}

	bpp := int64(f.bpp)
	n := 0
	for len(p) > 0 {
		lpn := int(off / bpp)
		pageOff := int(off % bpp)
		if pageOff == 0 && len(p) >= f.bpp {
			count := len(p) / f.bpp
			if err := f.write(lpn, count, p[:count*f.bpp]); err != nil {
				return n, err
			}
			p = p[count*f.bpp:]
			n += count * f.bpp
			off += int64(count * f.bpp)
			continue
		}

		page := make([]byte, f.bpp)
		if err := f.read(lpn, 1, page); err != nil {
			return n, err
		}
		c := copy(page[pageOff:], p)
		if err := f.write(lpn, 1, page); err != nil {
			return n, err
		}
		p = p[c:]
		n += c
		off += int64(c)
	}
	return n, nil
}

// Trim drops the log copies of whole pages in [off, off+length). Pages
// already merged into their data block keep their contents.
func (f *Ftl) Trim(off int64, length uint32) error {
	if off%int64(f.bpp) != 0 {
		return errUnalignedOffset
	} else if int64(length)%int64(f.bpp) != 0 {
		return errUnalignedLength
	}

	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.checkRange("ftl.Trim", int(length), off); err != nil {
		return err
	}

	first := int(off / int64(f.bpp))
	for lpn := first; lpn < first+int(length)/f.bpp; lpn++ {
		l := f.cxt.findLog(uint16(lpn / f.ppsb))
		if l == nil {
			continue
		}
		l.Offsets[lpn%f.ppsb] = EmptyOffset
		f.dirty = true
	}
	return nil
}

// Flush commits the context if anything changed since the last commit.
func (f *Ftl) Flush() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if !f.ready {
		return nandftl.E("ftl.Flush", nandftl.KindArgument, errNotReady)
	}
	if !f.dirty {
		return nil
	}
	return f.commit()
}

// Context returns a copy of the current ftl context.
func (f *Ftl) Context() Context {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.cxt == nil {
		return Context{}
	}
	return f.cxt.clone()
}

func (c *Context) clone() Context {
	n := *c
	n.MapTable = append([]uint16(nil), c.MapTable...)
	n.EraseCounters = append([]uint16(nil), c.EraseCounters...)
	n.ReadCounters = append([]uint16(nil), c.ReadCounters...)
	n.ErasePages = append([]uint32(nil), c.ErasePages...)
	n.ReadPages = append([]uint32(nil), c.ReadPages...)
	n.MapPages = append([]uint32(nil), c.MapPages...)
	n.OffsetPages = append([]uint32(nil), c.OffsetPages...)
	for i := range n.Logs {
		n.Logs[i].Offsets = append([]uint16(nil), c.Logs[i].Offsets...)
	}
	return n
}
