package vfl

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl"
)

const (
	// CxtBlocks is the number of candidate blocks in each bank's context ring.
	CxtBlocks = 4
	// CxtReplicas is how many consecutive pages hold each context record.
	CxtReplicas = 8

	CtrlBlocks = 3

	EmptyBlock = 0xFFFF

	checksumSeed = 0xAABBCCDD

	// Free pool slots that must remain before a remap may be scheduled.
	remapReserveFloor = 10

	headerSize = 36
)

var (
	errShortRecord = errors.New("vfl: context record too short")
)

type SlotState uint8

const (
	SlotFree SlotState = iota
	SlotMapped
	SlotRetired
)

// PoolSlot is one entry of the reserved block pool map.
type PoolSlot struct {
	State SlotState
	Block uint16
}

func Mapped(block uint16) PoolSlot {
	return PoolSlot{State: SlotMapped, Block: block}
}

func (s PoolSlot) raw() uint16 {
	switch s.State {
	case SlotMapped:
		return s.Block
	case SlotRetired:
		return 0xFFFF
	}
	return 0
}

func slotFromRaw(v uint16) PoolSlot {
	switch v {
	case 0:
		return PoolSlot{}
	case 0xFFFF:
		return PoolSlot{State: SlotRetired}
	}
	return Mapped(v)
}

// Context is the per-bank VFL state persisted in the context ring.
type Context struct {
	UsnInc uint32
	UsnDec uint32

	ActiveCxtBlock uint16
	NextCxtPage    uint16
	WriteFailures  uint16

	NumReservedBlocks       uint16
	ReservedBlockPoolStart  uint16
	TotalReservedBlocks     uint16
	RemappingScheduledStart uint16

	CxtBlocks    [CxtBlocks]uint16
	FTLCtrlBlock [CtrlBlocks]uint16

	// One bit per group of 8 virtual blocks, set when the group is good.
	BadBlockTable []byte
	Pool          []PoolSlot

	Checksum1 uint32
	Checksum2 uint32
}

// layout fixes the geometry-dependent table sizes of a record.
type layout struct {
	bbtLen  int
	poolLen int
}

func newLayout(geo nandftl.Geometry) layout {
	groups := (geo.BlocksPerBank + 7) / 8
	return layout{
		bbtLen:  (groups + 7) / 8,
		poolLen: 2*geo.ReservedBlocks + remapReserveFloor,
	}
}

func pad4(n int) int {
	return (n + 3) &^ 3
}

func (l layout) bodySize() int {
	return headerSize + pad4(l.bbtLen) + pad4(2*l.poolLen)
}

// size is the encoded record size including the checksum pair.
func (l layout) size() int {
	return l.bodySize() + 8
}

func newContext(geo nandftl.Geometry, l layout) Context {
	c := Context{
		UsnDec:                 0xFFFFFFFF,
		ReservedBlockPoolStart: uint16(geo.ReservedPoolStart()),
		TotalReservedBlocks:    uint16(geo.ReservedBlocks),
		BadBlockTable:          make([]byte, l.bbtLen),
		Pool:                   make([]PoolSlot, l.poolLen),
	}
	c.RemappingScheduledStart = uint16(l.poolLen)
	for i := range c.CxtBlocks {
		c.CxtBlocks[i] = uint16(1 + i)
	}
	for i := range c.FTLCtrlBlock {
		c.FTLCtrlBlock[i] = EmptyBlock
	}
	nandftl.Fill(c.BadBlockTable, 0xFF)
	return c
}

func (c *Context) encodeBody(l layout) []byte {
	p := make([]byte, l.bodySize())
	le := binary.LittleEndian
	le.PutUint32(p[0:], c.UsnInc)
	le.PutUint32(p[4:], c.UsnDec)
	le.PutUint16(p[8:], c.ActiveCxtBlock)
	le.PutUint16(p[10:], c.NextCxtPage)
	le.PutUint16(p[12:], c.WriteFailures)
	le.PutUint16(p[14:], c.NumReservedBlocks)
	le.PutUint16(p[16:], c.ReservedBlockPoolStart)
	le.PutUint16(p[18:], c.TotalReservedBlocks)
	le.PutUint16(p[20:], c.RemappingScheduledStart)
	for i, b := range c.CxtBlocks {
		le.PutUint16(p[22+2*i:], b)
	}
	for i, b := range c.FTLCtrlBlock {
		le.PutUint16(p[30+2*i:], b)
	}
	off := headerSize
	copy(p[off:off+l.bbtLen], c.BadBlockTable)
	off += pad4(l.bbtLen)
	for i, s := range c.Pool {
		le.PutUint16(p[off+2*i:], s.raw())
	}
	return p
}

// encode returns the on-media record.
func (c *Context) encode(l layout) []byte {
	p := c.encodeBody(l)
	p = append(p, make([]byte, 8)...)
	binary.LittleEndian.PutUint32(p[l.bodySize():], c.Checksum1)
	binary.LittleEndian.PutUint32(p[l.bodySize()+4:], c.Checksum2)
	return p
}

func decodeContext(p []byte, l layout) (Context, error) {
	if len(p) < l.size() {
		return Context{}, errShortRecord
	}
	le := binary.LittleEndian
	c := Context{
		UsnInc:                  le.Uint32(p[0:]),
		UsnDec:                  le.Uint32(p[4:]),
		ActiveCxtBlock:          le.Uint16(p[8:]),
		NextCxtPage:             le.Uint16(p[10:]),
		WriteFailures:           le.Uint16(p[12:]),
		NumReservedBlocks:       le.Uint16(p[14:]),
		ReservedBlockPoolStart:  le.Uint16(p[16:]),
		TotalReservedBlocks:     le.Uint16(p[18:]),
		RemappingScheduledStart: le.Uint16(p[20:]),
		BadBlockTable:           make([]byte, l.bbtLen),
		Pool:                    make([]PoolSlot, l.poolLen),
	}
	for i := range c.CxtBlocks {
		c.CxtBlocks[i] = le.Uint16(p[22+2*i:])
	}
	for i := range c.FTLCtrlBlock {
		c.FTLCtrlBlock[i] = le.Uint16(p[30+2*i:])
	}
	off := headerSize
	copy(c.BadBlockTable, p[off:off+l.bbtLen])
	off += pad4(l.bbtLen)
	for i := range c.Pool {
		c.Pool[i] = slotFromRaw(le.Uint16(p[off+2*i:]))
	}
	c.Checksum1 = le.Uint32(p[l.bodySize():])
	c.Checksum2 = le.Uint32(p[l.bodySize()+4:])
	if int(c.ActiveCxtBlock) >= CxtBlocks {
		return c, errors.Errorf("vfl: active context block index %d out of range", c.ActiveCxtBlock)
	}
	return c, nil
}

func checksum(p []byte) (uint32, uint32) {
	var x, y uint32
	for i := 0; i+4 <= len(p); i += 4 {
		w := binary.LittleEndian.Uint32(p[i:])
		x += w
		y ^= w
	}
	return x + checksumSeed, y ^ checksumSeed
}

// genChecksum recomputes the checksum pair over every preceding field.
func (c *Context) genChecksum(l layout) {
	c.Checksum1, c.Checksum2 = checksum(c.encodeBody(l))
}

// checkChecksum accepts the record when the sum matches, or when the xor
// word differs. This is the rule existing media was written against.
func (c *Context) checkChecksum(l layout) bool {
	sum, xor := checksum(c.encodeBody(l))
	if sum == c.Checksum1 {
		return true
	}
	if xor != c.Checksum2 {
		return true
	}
	return false
}

func (c *Context) clone() Context {
	n := *c
	n.BadBlockTable = append([]byte(nil), c.BadBlockTable...)
	n.Pool = append([]PoolSlot(nil), c.Pool...)
	return n
}
