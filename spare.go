package nandftl

import (
	"encoding/binary"
)

// Spare area record kinds (type1).
const (
	SpareTypeUserData  = 0x40
	SpareTypeFTLHeader = 0x43
	SpareTypeMap       = 0x44
	SpareTypeOffsets   = 0x45
	SpareTypeErase     = 0x46
	SpareTypeDigest    = 0x47
	SpareTypeRead      = 0x49
	SpareTypeVFLCxt    = 0x80

	// Highest type1 value that still counts as ftl control data.
	SpareTypeCtrlMax = 0x4F

	EccMarkGood = 0xFF
)

// Spare is the decoded header of a page spare area. The first two words are
// shared: user pages store the logical page and usn there, control pages
// store usnDec and a table index.
type Spare struct {
	Word0   uint32
	Word1   uint32
	Type2   uint8
	Type1   uint8
	EccMark uint8
}

// NewSpare returns a spare with every field erased.
func NewSpare() Spare {
	return Spare{
		Word0:   0xFFFFFFFF,
		Word1:   0xFFFFFFFF,
		Type2:   0xFF,
		Type1:   0xFF,
		EccMark: EccMarkGood,
	}
}

// MetaSpare builds a control page spare.
func MetaSpare(type1 uint8, usnDec uint32, idx uint16) Spare {
	s := NewSpare()
	s.Word0 = usnDec
	s.Word1 = uint32(idx) | 0xFFFF0000
	s.Type1 = type1
	return s
}

// UserSpare builds the spare of a host data page.
func UserSpare(logicalPage, usn uint32) Spare {
	s := NewSpare()
	s.Word0 = logicalPage
	s.Word1 = usn
	s.Type1 = SpareTypeUserData
	return s
}

func (s Spare) UsnDec() uint32 {
	return s.Word0
}

func (s Spare) Idx() uint16 {
	return uint16(s.Word1)
}

func (s Spare) LogicalPage() uint32 {
	return s.Word0
}

func (s Spare) Usn() uint32 {
	return s.Word1
}

// IsCtrl reports whether the spare tags an ftl control page.
func (s Spare) IsCtrl() bool {
	return s.Type1 >= SpareTypeFTLHeader && s.Type1 <= SpareTypeCtrlMax
}

// Encode writes the spare into p, which must be at least SpareHeaderSize
// bytes. Bytes past the header are set to 0xFF.
func (s Spare) Encode(p []byte) {
	binary.LittleEndian.PutUint32(p[0:], s.Word0)
	binary.LittleEndian.PutUint32(p[4:], s.Word1)
	p[8] = s.Type2
	p[9] = s.Type1
	p[10] = s.EccMark
	for i := 11; i < len(p); i++ {
		p[i] = 0xFF
	}
}

func DecodeSpare(p []byte) Spare {
	return Spare{
		Word0:   binary.LittleEndian.Uint32(p[0:]),
		Word1:   binary.LittleEndian.Uint32(p[4:]),
		Type2:   p[8],
		Type1:   p[9],
		EccMark: p[10],
	}
}

// Fill sets every byte of p to v.
func Fill(p []byte, v byte) {
	for i := range p {
		p[i] = v
	}
}
