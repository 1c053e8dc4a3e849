package nandftl

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Device is the raw NAND interface the translation layers are built on.
// Pages are addressed per bank: block*PagesPerBlock + page.
type Device interface {
	Geometry() Geometry

	// ReadPage reads one page with ECC. An erased page returns ErrEmptyPage.
	ReadPage(bank, page int, data, spare []byte) error

	// ReadPageRaw reads page data with the alternate ECC mode used for
	// signature scanning.
	ReadPageRaw(bank, page int, data []byte) error

	// ReadScattered reads len(pages) pages, page i from banks[i]. data and
	// spares hold the pages back to back. Every page is attempted; the first
	// failure is returned, preferring media errors over empty pages.
	ReadScattered(banks, pages []int, data, spares []byte) error

	WritePage(bank, page int, data, spare []byte) error
	EraseBlock(bank, block int) error
	ResetBank(bank int, timeout time.Duration) error
}

type pageKey struct {
	bank, page int
}

type blockKey struct {
	bank, block int
}

// Chip simulates a multi-bank NAND device on top of a flat backing store.
type Chip struct {
	geo Geometry

	backing ReadWriterAt
	blocks  [][]*EraseBlock

	readFaults      map[pageKey]bool
	transientFaults map[pageKey]bool
	writeFaults     map[pageKey]bool
	eraseFaults     map[blockKey]int
	resets          []int

	lock sync.Mutex
}

var _ Device = (*Chip)(nil)

// NewChip lays the geometry over backing, which must be at least
// geo.ImageSize() bytes. The backing is not erased.
func NewChip(geo Geometry, backing ReadWriterAt) *Chip {
	geo = geo.WithDefaults()
	if err := geo.Validate(); err != nil {
		panic(err.Error())
	}

	c := &Chip{
		geo:             geo,
		backing:         backing,
		blocks:          make([][]*EraseBlock, geo.Banks),
		readFaults:      make(map[pageKey]bool),
		transientFaults: make(map[pageKey]bool),
		writeFaults:     make(map[pageKey]bool),
		eraseFaults:     make(map[blockKey]int),
		resets:          make([]int, geo.Banks),
	}

	bankSize := geo.RawBlockSize() * int64(geo.BlocksPerBank)
	for bank := range c.blocks {
		c.blocks[bank] = make([]*EraseBlock, geo.BlocksPerBank)
		for i := range c.blocks[bank] {
			offset := int64(bank)*bankSize + int64(i)*geo.RawBlockSize()
			c.blocks[bank][i] = NewEraseBlock(
				geo.BytesPerPage, geo.BytesPerSpare, geo.PagesPerBlock,
				NewOffsetReadWriterAt(backing, offset))
		}
	}

	return c
}

func (c *Chip) Geometry() Geometry {
	return c.geo
}

func (c *Chip) locate(bank, page int) (*EraseBlock, int, error) {
	if bank < 0 || bank >= c.geo.Banks || page < 0 ||
		page >= c.geo.BlocksPerBank*c.geo.PagesPerBlock {
		return nil, 0, errors.Wrapf(ErrArgument, "bank %d page %d", bank, page)
	}
	return c.blocks[bank][page/c.geo.PagesPerBlock], page % c.geo.PagesPerBlock, nil
}

func (c *Chip) readFaulted(bank, page int) bool {
	k := pageKey{bank, page}
	return c.readFaults[k] || c.transientFaults[k]
}

func (c *Chip) readPage(bank, page int, data, spare []byte) error {
	eb, p, err := c.locate(bank, page)
	if err != nil {
		return err
	}
	if c.readFaulted(bank, page) {
		return ErrECC
	}
	return eb.ReadPage(p, data, spare)
}

func (c *Chip) ReadPage(bank, page int, data, spare []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.readPage(bank, page, data, spare)
}

func (c *Chip) ReadPageRaw(bank, page int, data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.readPage(bank, page, data, nil)
}

func (c *Chip) ReadScattered(banks, pages []int, data, spares []byte) error {
	if len(banks) != len(pages) ||
		len(data) < len(pages)*c.geo.BytesPerPage ||
		len(spares) < len(pages)*c.geo.BytesPerSpare {
		return ErrArgument
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	var first error
	for i := range pages {
		d := data[i*c.geo.BytesPerPage : (i+1)*c.geo.BytesPerPage]
		s := spares[i*c.geo.BytesPerSpare : (i+1)*c.geo.BytesPerSpare]
		err := c.readPage(banks[i], pages[i], d, s)
		if err != nil && (first == nil || errors.Is(first, ErrEmptyPage)) {
			first = err
		}
	}
	return first
}

func (c *Chip) WritePage(bank, page int, data, spare []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	eb, p, err := c.locate(bank, page)
	if err != nil {
		return err
	}
	if c.writeFaults[pageKey{bank, page}] {
		return ErrProgram
	}
	return eb.WritePage(p, data, spare)
}

func (c *Chip) EraseBlock(bank, block int) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if bank < 0 || bank >= c.geo.Banks || block < 0 || block >= c.geo.BlocksPerBank {
		return errors.Wrapf(ErrArgument, "bank %d block %d", bank, block)
	}
	k := blockKey{bank, block}
	if n, ok := c.eraseFaults[k]; ok {
		if n > 0 {
			c.eraseFaults[k] = n - 1
		}
		if n != 0 {
			return ErrErase
		}
		delete(c.eraseFaults, k)
	}
	return c.blocks[bank][block].Erase()
}

// ResetBank clears transient read faults on the bank.
func (c *Chip) ResetBank(bank int, timeout time.Duration) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if bank < 0 || bank >= c.geo.Banks {
		return ErrArgument
	}
	c.resets[bank]++
	for k := range c.transientFaults {
		if k.bank == bank {
			delete(c.transientFaults, k)
		}
	}
	return nil
}

// Resets returns how many times bank was reset.
func (c *Chip) Resets(bank int) int {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.resets[bank]
}

// InjectReadFault makes reads of the page fail with ErrECC. Transient faults
// are cleared by ResetBank.
func (c *Chip) InjectReadFault(bank, page int, transient bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if transient {
		c.transientFaults[pageKey{bank, page}] = true
	} else {
		c.readFaults[pageKey{bank, page}] = true
	}
}

// InjectWriteFault makes programming the page fail, leaving it erased.
func (c *Chip) InjectWriteFault(bank, page int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.writeFaults[pageKey{bank, page}] = true
}

// InjectEraseFault makes the next count erases of the block fail. A
// negative count fails every erase.
func (c *Chip) InjectEraseFault(bank, block, count int) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.eraseFaults[blockKey{bank, block}] = count
}

func (c *Chip) ClearFaults() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.readFaults = make(map[pageKey]bool)
	c.transientFaults = make(map[pageKey]bool)
	c.writeFaults = make(map[pageKey]bool)
	c.eraseFaults = make(map[blockKey]int)
}

// Erase erases every block of every bank, ignoring injected faults.
func (c *Chip) Erase() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, bank := range c.blocks {
		for _, eb := range bank {
			if err := eb.Erase(); err != nil {
				return err
			}
		}
	}
	return nil
}
