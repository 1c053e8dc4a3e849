package ftl

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/vfl"
)

const (
	LogSlots     = 17
	FreeRingSize = 20
	RefreshSlots = 5

	// EmptyOffset marks a logical page with no copy in a log block.
	EmptyOffset = 0xFFFF

	emptyBlock = 0xFFFF

	VersionLower = 0x46560001
	VersionUpper = 0xB9A9FFFE

	// Read counter value installed when upgrading an older context.
	upgradeReadCount = 0x1388

	statsValid = 0xFFFFFFFF
	digestTag  = 0x00010001

	headerFixedSize = 316
	logRecordSize   = 12
)

var (
	errHeaderTooLarge = errors.New("ftl: context header does not fit in a page")
	errCommitTooLarge = errors.New("ftl: context commit does not fit in a super-block")
	errShortHeader    = errors.New("ftl: context header too short")
	errBadHeader      = errors.New("ftl: context header out of range")
)

// Log binds a logical block to a log block absorbing its page rewrites.
// Offsets[i] is the log page holding logical page i, or EmptyOffset.
type Log struct {
	Active    bool
	Lbn       uint16
	Vbn       uint16
	PagesUsed uint16
	// Usn of the most recent write, used to pick a log to merge.
	Usn     uint32
	Offsets []uint16
}

func (l *Log) reset() {
	l.Active = false
	l.Lbn = 0
	l.Vbn = 0
	l.PagesUsed = 0
	l.Usn = 0
	for i := range l.Offsets {
		l.Offsets[i] = EmptyOffset
	}
}

// RefreshEntry names a block that read back with errors.
type RefreshEntry struct {
	Lbn uint16 `yaml:"lbn"`
	Vbn uint16 `yaml:"vbn"`
}

var emptyRefresh = RefreshEntry{Lbn: emptyBlock, Vbn: emptyBlock}

// Context is the global ftl state persisted in the control block ring.
type Context struct {
	UsnDec uint32
	Usn    uint32

	MapTable      []uint16
	EraseCounters []uint16
	ReadCounters  []uint16

	FreeVb      [FreeRingSize]uint16
	NumFreeVb   uint16
	NextFreeIdx uint16

	Logs [LogSlots]Log

	CtrlBlock  [vfl.CtrlBlocks]uint16
	CtrlPage   uint32
	DirtyCount uint16
	Clean      bool

	VersionLower uint32
	VersionUpper uint32

	Refresh [RefreshSlots]RefreshEntry

	StatsPage      uint32
	StatsValid     uint32
	TotalReadCount uint64

	// Control pages written by the last commit for each table.
	ErasePages  []uint32
	ReadPages   []uint32
	MapPages    []uint32
	OffsetPages []uint32
}

// tableLayout sizes the tables for a geometry.
type tableLayout struct {
	userSuBlks    int
	pagesPerSuBlk int
	bytesPerPage  int

	counterPages int
	mapPages     int
	offsetPages  int
}

func pagesFor(n, pageSize int) int {
	return (n + pageSize - 1) / pageSize
}

func newTableLayout(geo nandftl.Geometry) tableLayout {
	t := tableLayout{
		userSuBlks:    geo.UserSuBlksTotal(),
		pagesPerSuBlk: geo.PagesPerSuBlk(),
		bytesPerPage:  geo.BytesPerPage,
	}
	t.counterPages = pagesFor(t.counterBytes(), t.bytesPerPage)
	t.mapPages = pagesFor(t.mapBytes(), t.bytesPerPage)
	t.offsetPages = pagesFor(t.offsetBytes(), t.bytesPerPage)
	return t
}

func (t tableLayout) counterEntries() int {
	return t.userSuBlks + nandftl.ExtraSuBlks
}

func (t tableLayout) counterBytes() int {
	return 2 * t.counterEntries()
}

func (t tableLayout) mapBytes() int {
	return 2 * t.userSuBlks
}

func (t tableLayout) offsetBytes() int {
	return 2 * LogSlots * t.pagesPerSuBlk
}

// commitPages is the number of control pages one commit writes: the four
// tables, the digest page and the header.
func (t tableLayout) commitPages() int {
	return 2*t.counterPages + t.mapPages + t.offsetPages + 2
}

func (t tableLayout) headerSize() int {
	return headerFixedSize + 4*(2*t.counterPages+t.mapPages+t.offsetPages)
}

func (t tableLayout) validate() error {
	if t.headerSize() > t.bytesPerPage {
		return errors.Wrapf(errHeaderTooLarge, "%d > %d bytes", t.headerSize(), t.bytesPerPage)
	}
	if t.commitPages() >= t.pagesPerSuBlk {
		return errors.Wrapf(errCommitTooLarge, "%d pages, %d per super-block",
			t.commitPages(), t.pagesPerSuBlk)
	}
	if 2*(t.pagesPerSuBlk/8) >= t.pagesPerSuBlk {
		return errors.Errorf("ftl: super-block of %d pages too small", t.pagesPerSuBlk)
	}
	return nil
}

func newContext(t tableLayout) *Context {
	c := &Context{
		UsnDec:        0xFFFFFFFF,
		MapTable:      make([]uint16, t.userSuBlks),
		EraseCounters: make([]uint16, t.counterEntries()),
		ReadCounters:  make([]uint16, t.counterEntries()),
		ErasePages:    make([]uint32, t.counterPages),
		ReadPages:     make([]uint32, t.counterPages),
		MapPages:      make([]uint32, t.mapPages),
		OffsetPages:   make([]uint32, t.offsetPages),
		VersionLower:  VersionLower,
		VersionUpper:  VersionUpper,
	}
	for i := range c.FreeVb {
		c.FreeVb[i] = emptyBlock
	}
	for i := range c.CtrlBlock {
		c.CtrlBlock[i] = emptyBlock
	}
	for i := range c.Logs {
		c.Logs[i].Offsets = make([]uint16, t.pagesPerSuBlk)
		c.Logs[i].reset()
	}
	for i := range c.Refresh {
		c.Refresh[i] = emptyRefresh
	}
	return c
}

func (c *Context) findLog(lbn uint16) *Log {
	for i := range c.Logs {
		if c.Logs[i].Active && c.Logs[i].Lbn == lbn {
			return &c.Logs[i]
		}
	}
	return nil
}

// addRefresh records lbn for refresh, displacing the oldest entry when the
// list is full.
func (c *Context) addRefresh(lbn, vbn uint16) {
	e := RefreshEntry{Lbn: lbn, Vbn: vbn}
	for i, r := range c.Refresh {
		if r == e {
			return
		}
		if r == emptyRefresh {
			c.Refresh[i] = e
			return
		}
	}
	copy(c.Refresh[:], c.Refresh[1:])
	c.Refresh[RefreshSlots-1] = e
}

func (c *Context) resetRefresh() {
	for i := range c.Refresh {
		c.Refresh[i] = emptyRefresh
	}
}

func encodeU16s(vals []uint16) []byte {
	p := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(p[2*i:], v)
	}
	return p
}

func decodeU16s(p []byte, out []uint16) {
	for i := range out {
		if 2*i+2 > len(p) {
			return
		}
		out[i] = binary.LittleEndian.Uint16(p[2*i:])
	}
}

// encodeOffsets flattens the offsets of every log slot, slot by slot.
func (c *Context) encodeOffsets() []byte {
	var vals []uint16
	for i := range c.Logs {
		vals = append(vals, c.Logs[i].Offsets...)
	}
	return encodeU16s(vals)
}

func (c *Context) decodeOffsets(p []byte, pagesPerSuBlk int) {
	for i := range c.Logs {
		off := 2 * i * pagesPerSuBlk
		if off >= len(p) {
			return
		}
		decodeU16s(p[off:], c.Logs[i].Offsets)
	}
}

func (c *Context) encodeHeader(t tableLayout) []byte {
	p := make([]byte, t.headerSize())
	le := binary.LittleEndian
	le.PutUint32(p[0:], c.UsnDec)
	le.PutUint32(p[4:], c.Usn)
	le.PutUint16(p[8:], c.NextFreeIdx)
	le.PutUint16(p[10:], c.NumFreeVb)
	le.PutUint16(p[12:], c.DirtyCount)
	if c.Clean {
		p[14] = 1
	}
	le.PutUint32(p[16:], c.CtrlPage)
	for i, b := range c.CtrlBlock {
		le.PutUint16(p[20+2*i:], b)
	}
	for i, b := range c.FreeVb {
		le.PutUint16(p[28+2*i:], b)
	}
	le.PutUint32(p[68:], c.VersionLower)
	le.PutUint32(p[72:], c.VersionUpper)
	le.PutUint32(p[76:], c.StatsPage)
	le.PutUint32(p[80:], c.StatsValid)
	le.PutUint64(p[84:], c.TotalReadCount)
	for i, r := range c.Refresh {
		le.PutUint16(p[92+4*i:], r.Lbn)
		le.PutUint16(p[94+4*i:], r.Vbn)
	}
	for i := range c.Logs {
		l := &c.Logs[i]
		off := 112 + logRecordSize*i
		vbn := uint16(emptyBlock)
		if l.Active {
			vbn = l.Vbn
		}
		le.PutUint16(p[off:], vbn)
		le.PutUint16(p[off+2:], l.Lbn)
		le.PutUint16(p[off+4:], l.PagesUsed)
		le.PutUint32(p[off+8:], l.Usn)
	}

	off := headerFixedSize
	for _, pages := range [][]uint32{c.ErasePages, c.ReadPages, c.MapPages, c.OffsetPages} {
		for _, pg := range pages {
			le.PutUint32(p[off:], pg)
			off += 4
		}
	}
	return p
}

// decodeHeader loads the header fields into c. The tables themselves are
// stored in their own pages.
func (c *Context) decodeHeader(p []byte, t tableLayout) error {
	if len(p) < t.headerSize() {
		return errShortHeader
	}
	le := binary.LittleEndian
	c.UsnDec = le.Uint32(p[0:])
	c.Usn = le.Uint32(p[4:])
	c.NextFreeIdx = le.Uint16(p[8:])
	c.NumFreeVb = le.Uint16(p[10:])
	c.DirtyCount = le.Uint16(p[12:])
	c.Clean = p[14] != 0
	c.CtrlPage = le.Uint32(p[16:])
	for i := range c.CtrlBlock {
		c.CtrlBlock[i] = le.Uint16(p[20+2*i:])
	}
	for i := range c.FreeVb {
		c.FreeVb[i] = le.Uint16(p[28+2*i:])
	}
	c.VersionLower = le.Uint32(p[68:])
	c.VersionUpper = le.Uint32(p[72:])
	c.StatsPage = le.Uint32(p[76:])
	c.StatsValid = le.Uint32(p[80:])
	c.TotalReadCount = le.Uint64(p[84:])
	for i := range c.Refresh {
		c.Refresh[i].Lbn = le.Uint16(p[92+4*i:])
		c.Refresh[i].Vbn = le.Uint16(p[94+4*i:])
	}
	for i := range c.Logs {
		l := &c.Logs[i]
		off := 112 + logRecordSize*i
		vbn := le.Uint16(p[off:])
		l.Active = vbn != emptyBlock
		l.Vbn = vbn
		if !l.Active {
			l.Vbn = 0
		}
		l.Lbn = le.Uint16(p[off+2:])
		l.PagesUsed = le.Uint16(p[off+4:])
		l.Usn = le.Uint32(p[off+8:])
	}

	off := headerFixedSize
	for _, pages := range [][]uint32{c.ErasePages, c.ReadPages, c.MapPages, c.OffsetPages} {
		for i := range pages {
			pages[i] = le.Uint32(p[off:])
			off += 4
		}
	}
	return nil
}

// validate checks that every index loaded from media is in range, so the
// context can be used without further bounds checks.
func (c *Context) validate(t tableLayout) error {
	blocks := t.counterEntries()
	if c.NextFreeIdx >= FreeRingSize || c.NumFreeVb > FreeRingSize {
		return errors.Wrapf(errBadHeader, "free ring head %d count %d", c.NextFreeIdx, c.NumFreeVb)
	}
	for i := 0; i < int(c.NumFreeVb); i++ {
		vb := c.FreeVb[(int(c.NextFreeIdx)+i)%FreeRingSize]
		if int(vb) >= blocks {
			return errors.Wrapf(errBadHeader, "free block %d", vb)
		}
	}
	for _, b := range c.CtrlBlock {
		if int(b) >= blocks {
			return errors.Wrapf(errBadHeader, "control block %d", b)
		}
	}
	if int(c.CtrlPage)/t.pagesPerSuBlk >= blocks {
		return errors.Wrapf(errBadHeader, "control page %d", c.CtrlPage)
	}
	for _, vb := range c.MapTable {
		if int(vb) >= blocks {
			return errors.Wrapf(errBadHeader, "mapped block %d", vb)
		}
	}
	for i := range c.Logs {
		l := &c.Logs[i]
		if !l.Active {
			continue
		}
		if int(l.Vbn) >= blocks || int(l.Lbn) >= t.userSuBlks || int(l.PagesUsed) > t.pagesPerSuBlk {
			return errors.Wrapf(errBadHeader, "log %d: lbn %d vbn %d used %d", i, l.Lbn, l.Vbn, l.PagesUsed)
		}
		for off, o := range l.Offsets {
			if o != EmptyOffset && int(o) >= int(l.PagesUsed) {
				return errors.Wrapf(errBadHeader, "log %d: page %d at offset %d", i, off, o)
			}
		}
	}
	return nil
}
