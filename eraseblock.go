package nandftl

// EraseBlock is one NAND block: PagesPerBlock pages, each stored as the
// page data immediately followed by its spare area.
type EraseBlock struct {
	pageSize, spareSize int
	pages               int

	backing ReadWriterAt
}

func NewEraseBlock(pageSize, spareSize, pages int, backing ReadWriterAt) *EraseBlock {
	b := &EraseBlock{
		pageSize:  pageSize,
		spareSize: spareSize,
		pages:     pages,
		backing:   backing,
	}

	return b
}

func (b *EraseBlock) rawSize() int64 {
	return int64(b.pageSize + b.spareSize)
}

func (b *EraseBlock) Erase() error {
	_, err := WriteErased(b.backing, 0, b.rawSize()*int64(b.pages))
	return err
}

// ReadPage copies the page into data and spare; either may be nil. An
// erased page reports ErrEmptyPage with the buffers filled with 0xFF.
func (b *EraseBlock) ReadPage(page int, data, spare []byte) error {
	raw := make([]byte, b.rawSize())
	if _, err := b.backing.ReadAt(raw, int64(page)*b.rawSize()); err != nil {
		return err
	}
	if data != nil {
		copy(data, raw[:b.pageSize])
	}
	if spare != nil {
		copy(spare, raw[b.pageSize:])
	}
	if isErased(raw) {
		return ErrEmptyPage
	}
	return nil
}

// WritePage programs a page. Pages can only be programmed once per erase.
func (b *EraseBlock) WritePage(page int, data, spare []byte) error {
	off := int64(page) * b.rawSize()
	cur := make([]byte, b.rawSize())
	if _, err := b.backing.ReadAt(cur, off); err != nil {
		return err
	}
	if !isErased(cur) {
		return ErrProgram
	}

	raw := cur
	Fill(raw, 0xFF)
	copy(raw[:b.pageSize], data)
	if spare != nil {
		copy(raw[b.pageSize:], spare)
	}
	_, err := b.backing.WriteAt(raw, off)
	return err
}
