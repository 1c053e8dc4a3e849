// Package vfl implements the virtual flash layer: a per-bank virtual block
// numbering that hides bad blocks, with its state journaled in a ring of
// context blocks.
package vfl

import (
	"bytes"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
	"github.com/akmistry/nandftl/internal/mlog"
)

const (
	cxtEraseRetries = 4
	eraseRetries    = 3

	bankResetTimeout = 100 * time.Millisecond
)

var (
	errStoreVerify   = errors.New("vfl: too few context replicas verified")
	errNoCxtBlock    = errors.New("vfl: no readable context block list")
	errNoCxtIndex    = errors.New("vfl: no readable context block in ring")
	errNoCxt         = errors.New("vfl: no readable context")
	errBadChecksum   = errors.New("vfl: context has bad checksum")
	errNoDeviceInfo  = errors.New("vfl: device info bbt not found")
	errNotOpen       = errors.New("vfl: not open")
	errCxtTooLarge   = errors.New("vfl: context record does not fit in a page")
	errVpnOutOfRange = errors.New("vfl: virtual page out of range")
)

type Options struct {
	// Remap enables the bad block remapping paths. When false, blocks are
	// only logged as remap candidates and the on-media pool is left alone.
	Remap bool
}

type VFL struct {
	dev    nandftl.Device
	geo    nandftl.Geometry
	opts   Options
	layout layout

	cxt    []Context
	usnInc uint32

	// Device info bitmap of the last bank opened.
	bbtArea []byte

	Stats Stats
}

func New(dev nandftl.Device, opts Options) (*VFL, error) {
	geo := dev.Geometry()
	l := newLayout(geo)
	if l.size() > geo.BytesPerPage {
		return nil, errors.Wrapf(errCxtTooLarge, "%d > %d bytes", l.size(), geo.BytesPerPage)
	}
	return &VFL{
		dev:     dev,
		geo:     geo,
		opts:    opts,
		layout:  l,
		bbtArea: make([]byte, (geo.BlocksPerBank+7)/8),
	}, nil
}

func (v *VFL) Geometry() nandftl.Geometry {
	return v.geo
}

// Context returns a copy of the bank's current context.
func (v *VFL) Context(bank int) Context {
	return v.cxt[bank].clone()
}

// UsnInc is the highest increasing sequence number seen across banks.
func (v *VFL) UsnInc() uint32 {
	return v.usnInc
}

func (v *VFL) IsOpen() bool {
	return v.cxt != nil
}

// readCxtPage reads a context record replicated at page..page+7 of block,
// returning at the first replica carrying the context marker.
func (v *VFL) readCxtPage(bank int, block uint16, page int, data, spare []byte) bool {
	base := int(block)*v.geo.PagesPerBlock + page
	for i := 0; i < CxtReplicas; i++ {
		if page+i >= v.geo.PagesPerBlock {
			break
		}
		if v.dev.ReadPage(bank, base+i, data, spare) != nil {
			continue
		}
		s := nandftl.DecodeSpare(spare)
		if s.Type2 == 0 && s.Type1 == nandftl.SpareTypeVFLCxt {
			return true
		}
	}
	return false
}

func (v *VFL) openBank(bank int, data, spare []byte) (Context, error) {
	if !FindDeviceInfoBBT(v.dev, bank, v.bbtArea) {
		return Context{}, errNoDeviceInfo
	}

	// Any context page lists every block of the ring, so one readable page
	// in the system area is enough to find the rest.
	var ring [CxtBlocks]uint16
	found := false
	for i := 1; i < v.geo.SysBlocks; i++ {
		if v.bbtArea[i/8]&(1<<uint(i&7)) == 0 {
			continue
		}
		if !v.readCxtPage(bank, uint16(i), 0, data, spare) {
			continue
		}
		c, err := decodeContext(data, v.layout)
		if err != nil {
			mlog.Printf2("vfl/vfl", "bank %d block %d: %v", bank, i, err)
			continue
		}
		ring = c.CxtBlocks
		found = true
		break
	}
	if !found {
		return Context{}, errNoCxtBlock
	}

	// Blocks of the ring are filled in usnDec order, so the active block
	// is the one whose first page has the lowest usnDec.
	minUsn := uint32(0xFFFFFFFF)
	idx := CxtBlocks
	for i, block := range ring {
		if block == EmptyBlock {
			continue
		}
		if !v.readCxtPage(bank, block, 0, data, spare) {
			continue
		}
		usnDec := nandftl.DecodeSpare(spare).UsnDec()
		if usnDec > 0 && usnDec <= minUsn {
			minUsn = usnDec
			idx = i
		}
	}
	if idx == CxtBlocks {
		return Context{}, errNoCxtIndex
	}

	last := 0
	for page := CxtReplicas; page < v.geo.PagesPerBlock; page += CxtReplicas {
		if !v.readCxtPage(bank, ring[idx], page, data, spare) {
			break
		}
		last = page
	}
	if !v.readCxtPage(bank, ring[idx], last, data, spare) {
		return Context{}, errNoCxt
	}

	c, err := decodeContext(data, v.layout)
	if err != nil {
		return Context{}, err
	}
	if !c.checkChecksum(v.layout) {
		return Context{}, errBadChecksum
	}
	return c, nil
}

// Open recovers every bank's context from its ring and re-broadcasts the
// newest ftl control block table to all banks.
func (v *VFL) Open() error {
	data := make([]byte, v.geo.BytesPerPage)
	spare := make([]byte, v.geo.BytesPerSpare)

	cxt := make([]Context, v.geo.Banks)
	usnInc := uint32(0)
	for bank := range cxt {
		c, err := v.openBank(bank, data, spare)
		if err != nil {
			log.Printf("vfl: open bank %d: %v", bank, err)
			return nandftl.E("vfl.Open", nandftl.KindConsistency, errors.Wrapf(err, "bank %d", bank))
		}
		if c.UsnInc >= usnInc {
			usnInc = c.UsnInc
		}
		cxt[bank] = c
	}

	v.cxt = cxt
	v.usnInc = usnInc

	ctrl := v.FTLCtrlBlock()
	for bank := range v.cxt {
		v.cxt[bank].FTLCtrlBlock = ctrl
		v.cxt[bank].genChecksum(v.layout)
	}

	return nil
}

// store appends one replicated copy of the bank's context at the cursor.
func (v *VFL) store(bank int) error {
	c := &v.cxt[bank]
	c.UsnDec--
	v.usnInc++
	c.UsnInc = v.usnInc
	c.NextCxtPage += CxtReplicas
	c.genChecksum(v.layout)

	rec := c.encode(v.layout)
	page := make([]byte, v.geo.BytesPerPage)
	copy(page, rec)

	sp := nandftl.NewSpare()
	sp.Word0 = c.UsnDec
	sp.Type2 = 0
	sp.Type1 = nandftl.SpareTypeVFLCxt
	spare := make([]byte, v.geo.BytesPerSpare)
	sp.Encode(spare)

	base := int(c.CxtBlocks[c.ActiveCxtBlock])*v.geo.PagesPerBlock + int(c.NextCxtPage) - CxtReplicas
	for i := 0; i < CxtReplicas; i++ {
		if err := v.dev.WritePage(bank, base+i, page, spare); err != nil {
			mlog.Printf2("vfl/vfl", "bank %d page %d: context write: %v", bank, base+i, err)
		}
	}

	good := 0
	readBuf := make([]byte, v.geo.BytesPerPage)
	for i := 0; i < CxtReplicas; i++ {
		if v.dev.ReadPage(bank, base+i, readBuf, spare) != nil {
			continue
		}
		if !bytes.Equal(readBuf[:len(rec)], rec) {
			continue
		}
		s := nandftl.DecodeSpare(spare)
		if s.Type2 == 0 && s.Type1 == nandftl.SpareTypeVFLCxt {
			good++
		}
	}

	if good > 3 {
		return nil
	}
	return errors.Wrapf(errStoreVerify, "bank %d: %d of %d", bank, good, CxtReplicas)
}

// Commit stores the bank's context, rotating to the next context block when
// the active one is full or the store does not verify.
func (v *VFL) Commit(bank int) error {
	if v.cxt == nil {
		return nandftl.E("vfl.Commit", nandftl.KindArgument, errNotOpen)
	}
	c := &v.cxt[bank]
	if int(c.NextCxtPage)+CxtReplicas <= v.geo.PagesPerBlock {
		err := v.store(bank)
		if err == nil {
			return nil
		}
		mlog.Printf2("vfl/vfl", "commit bank %d: %v", bank, err)
	}

	current := c.ActiveCxtBlock
	for block := (current + 1) % CxtBlocks; block != current; block = (block + 1) % CxtBlocks {
		erased := false
		for i := 0; i < cxtEraseRetries; i++ {
			if v.dev.EraseBlock(bank, int(c.CxtBlocks[block])) == nil {
				erased = true
				break
			}
		}
		if !erased {
			continue
		}

		c.ActiveCxtBlock = block
		c.NextCxtPage = 0
		err := v.store(bank)
		if err == nil {
			return nil
		}
		mlog.Printf2("vfl/vfl", "commit bank %d block %d: %v", bank, c.CxtBlocks[block], err)
	}

	log.Printf("vfl: failed to commit context for bank %d", bank)
	return nandftl.Errorf("vfl.Commit", nandftl.KindDurability,
		"bank %d: every context block exhausted", bank)
}

// FTLCtrlBlock returns the ftl control block table of the bank holding the
// newest context.
func (v *VFL) FTLCtrlBlock() [CtrlBlocks]uint16 {
	var ctrl [CtrlBlocks]uint16
	newest := uint32(0)
	for bank := range v.cxt {
		cur := v.cxt[bank].UsnInc
		if newest <= cur {
			newest = cur
			ctrl = v.cxt[bank].FTLCtrlBlock
		}
	}
	return ctrl
}

// StoreFTLCtrlBlock records the ftl control blocks in every bank and commits
// one of them.
func (v *VFL) StoreFTLCtrlBlock(ctrl [CtrlBlocks]uint16) error {
	for bank := range v.cxt {
		v.cxt[bank].FTLCtrlBlock = ctrl
	}
	return v.Commit(int(v.usnInc % uint32(v.geo.Banks)))
}

// translate maps an ftl virtual page onto a bank, physical page and the
// bank-relative virtual block.
func (v *VFL) translate(vpn uint32) (bank, page int, block uint16, err error) {
	dwVpn := int64(vpn) + int64(v.geo.PagesPerSuBlk()*v.geo.FTLBlockOffset())
	if dwVpn >= int64(v.geo.PagesTotal()) {
		log.Printf("vfl: virtual page overflow: %d", dwVpn)
		return 0, 0, 0, errors.Wrapf(errVpnOutOfRange, "vpn %d", vpn)
	}

	bank = int(dwVpn % int64(v.geo.Banks))
	block = uint16(dwVpn / int64(v.geo.PagesPerSuBlk()))
	vpage := int((dwVpn / int64(v.geo.Banks)) % int64(v.geo.PagesPerBlock))
	pblock := v.VirtualToPhysical(bank, block)
	return bank, int(pblock)*v.geo.PagesPerBlock + vpage, block, nil
}

func (v *VFL) readOnce(bank, page int, data, spare []byte, emptyOK bool) error {
	err := v.dev.ReadPage(bank, page, data, spare)
	if !emptyOK && errors.Is(err, nandftl.ErrEmptyPage) {
		return errors.Wrap(nandftl.ErrECC, "unexpected empty page")
	}
	return err
}

func retryable(err error) bool {
	k := nandftl.KindOf(err)
	return k == nandftl.KindArgument || k == nandftl.KindDevice
}

// Read reads one virtual page. An erased page is an error of KindEmpty when
// emptyOK is set, and a device error otherwise. refresh reports that the
// page read back with a media error and should be rewritten.
func (v *VFL) Read(vpn uint32, data, spare []byte, emptyOK bool) (refresh bool, err error) {
	v.Stats.ReadCalls++
	v.Stats.PagesRead++

	bank, page, _, err := v.translate(vpn)
	if err != nil {
		return false, nandftl.E("vfl.Read", nandftl.KindArgument, err)
	}

	err = v.readOnce(bank, page, data, spare, emptyOK)
	if nandftl.KindOf(err) == nandftl.KindDevice {
		refresh = true
	}

	if retryable(err) {
		mlog.Printf2("vfl/vfl", "bank %d page %d: %v, resetting bank", bank, page, err)
		v.Stats.BankResets++
		v.dev.ResetBank(bank, bankResetTimeout)
		err = v.readOnce(bank, page, data, spare, emptyOK)
		if retryable(err) {
			return refresh, nandftl.E("vfl.Read", nandftl.KindOf(err), err)
		}
	}

	if errors.Is(err, nandftl.ErrEmptyPage) {
		if len(spare) >= nandftl.SpareHeaderSize {
			nandftl.Fill(spare[:nandftl.SpareHeaderSize], 0xFF)
		}
		return refresh, nandftl.E("vfl.Read", nandftl.KindEmpty, err)
	}
	if err != nil {
		return refresh, nandftl.E("vfl.Read", nandftl.KindDevice, err)
	}
	return refresh, nil
}

// ReadMultiple reads count consecutive pages of a virtual super-block,
// stopping at the first failure. Erased pages are not failures.
func (v *VFL) ReadMultiple(block uint16, page, count int, data, spares []byte) (refresh bool, err error) {
	ps, ss := v.geo.BytesPerPage, v.geo.BytesPerSpare
	base := uint32(block) * uint32(v.geo.PagesPerSuBlk())
	for i := 0; i < count; i++ {
		r, err := v.Read(base+uint32(page+i), data[i*ps:(i+1)*ps], spares[i*ss:(i+1)*ss], true)
		refresh = refresh || r
		if err != nil && !nandftl.IsKind(err, nandftl.KindEmpty) {
			return refresh, err
		}
	}
	return refresh, nil
}

// ReadScattered reads len(vpns) virtual pages in one device operation.
func (v *VFL) ReadScattered(vpns []uint32, data, spares []byte) error {
	v.Stats.ReadCalls++
	v.Stats.PagesRead += uint64(len(vpns))

	banks := make([]int, len(vpns))
	pages := make([]int, len(vpns))
	for i, vpn := range vpns {
		bank, page, _, err := v.translate(vpn)
		if err != nil {
			return nandftl.E("vfl.ReadScattered", nandftl.KindArgument, err)
		}
		banks[i], pages[i] = bank, page
	}

	err := v.dev.ReadScattered(banks, pages, data, spares)
	if err != nil && !errors.Is(err, nandftl.ErrEmptyPage) {
		return nandftl.E("vfl.ReadScattered", nandftl.KindDevice, err)
	}
	return nil
}

// Write programs one virtual page. A failed program is counted against the
// bank and the block becomes a remap candidate.
func (v *VFL) Write(vpn uint32, data, spare []byte) error {
	v.Stats.WriteCalls++
	v.Stats.PagesWritten++

	bank, page, block, err := v.translate(vpn)
	if err != nil {
		return nandftl.E("vfl.Write", nandftl.KindArgument, err)
	}

	err = v.dev.WritePage(bank, page, data, spare)
	if err == nil {
		return nil
	}

	v.Stats.WriteFailures++
	c := &v.cxt[bank]
	c.WriteFailures++
	c.genChecksum(v.layout)
	v.scheduleForRemap(bank, block)

	return nandftl.E("vfl.Write", nandftl.KindDevice, errors.Wrapf(err, "bank %d page %d", bank, page))
}

// Erase erases ftl virtual super-block block in every bank, performing a
// pending remap of the block first.
func (v *VFL) Erase(block uint16) error {
	v.Stats.EraseCalls++

	block += uint16(v.geo.FTLBlockOffset())
	if int(block) >= v.geo.BlocksPerBank {
		return nandftl.Errorf("vfl.Erase", nandftl.KindArgument, "block %d out of range", block)
	}

	for bank := 0; bank < v.geo.Banks; bank++ {
		if v.remapScheduled(bank, block) {
			v.RemapBlock(bank, block)
			v.markRemapDone(bank, block)
			if err := v.Commit(bank); err != nil {
				log.Printf("vfl: commit after remap of bank %d block %d: %v", bank, block, err)
			}
		}

		pblock := v.VirtualToPhysical(bank, block)

		var err error
		for i := 0; i < eraseRetries; i++ {
			if err = v.dev.EraseBlock(bank, int(pblock)); err == nil {
				break
			}
		}
		if err != nil {
			log.Printf("vfl: block erase failed for bank %d, block %d", bank, block)
			return nandftl.E("vfl.Erase", nandftl.KindDevice, errors.Wrapf(err, "bank %d block %d", bank, block))
		}
	}

	return nil
}
