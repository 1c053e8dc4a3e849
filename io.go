package nandftl

import (
	"io"
)

var (
	erasedBuf = makeErased(65536)
)

func makeErased(n int) []byte {
	b := make([]byte, n)
	Fill(b, 0xFF)
	return b
}

type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

type offsetReadWriterAt struct {
	backing ReadWriterAt
	offset  int64
}

func NewOffsetReadWriterAt(backing ReadWriterAt, offset int64) ReadWriterAt {
	return &offsetReadWriterAt{
		backing: backing,
		offset:  offset,
	}
}

func (o *offsetReadWriterAt) ReadAt(p []byte, off int64) (int, error) {
	return o.backing.ReadAt(p, off+o.offset)
}

func (o *offsetReadWriterAt) WriteAt(p []byte, off int64) (int, error) {
	return o.backing.WriteAt(p, off+o.offset)
}

// WriteErased fills [off, off+length) with the erased pattern 0xFF.
func WriteErased(w io.WriterAt, off, length int64) (int64, error) {
	n := int64(0)
	for length > 0 {
		writeLen := len(erasedBuf)
		if int64(writeLen) > length {
			writeLen = int(length)
		}

		written, err := w.WriteAt(erasedBuf[:writeLen], off+n)
		n += int64(written)
		length -= int64(written)
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

func isErased(p []byte) bool {
	for _, b := range p {
		if b != 0xFF {
			return false
		}
	}
	return true
}
