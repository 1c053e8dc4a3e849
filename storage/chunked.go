package storage

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/golang/snappy"
)

const defaultChunkSize = 64 * 1024

// chunkStore persists fixed-size chunks by index. get returns nil for a
// chunk that was never stored.
type chunkStore interface {
	get(key []byte) ([]byte, error)
	put(key, value []byte) error
	close() error
}

// chunked maps a flat byte range onto snappy-compressed chunks of a
// key/value store. Missing chunks read as erased.
type chunked struct {
	store     chunkStore
	chunkSize int64
	size      int64

	lock sync.Mutex
}

func newChunked(store chunkStore, size int64) *chunked {
	return &chunked{
		store:     store,
		chunkSize: defaultChunkSize,
		size:      size,
	}
}

func chunkKey(idx int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(idx))
	return k
}

func (c *chunked) load(idx int64) ([]byte, error) {
	v, err := c.store.get(chunkKey(idx))
	if err != nil {
		return nil, err
	}
	if v == nil {
		buf := make([]byte, c.chunkSize)
		fillErased(buf)
		return buf, nil
	}
	return snappy.Decode(nil, v)
}

func (c *chunked) save(idx int64, buf []byte) error {
	return c.store.put(chunkKey(idx), snappy.Encode(nil, buf))
}

func (c *chunked) ReadAt(p []byte, off int64) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	n := 0
	for n < len(p) {
		if off >= c.size {
			return n, io.EOF
		}
		idx := off / c.chunkSize
		chunkOff := off % c.chunkSize
		buf, err := c.load(idx)
		if err != nil {
			return n, err
		}
		end := int64(len(buf))
		if rem := c.size - idx*c.chunkSize; rem < end {
			end = rem
		}
		copied := copy(p[n:], buf[chunkOff:end])
		n += copied
		off += int64(copied)
	}
	return n, nil
}

func (c *chunked) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > c.size {
		return 0, errOutOfRange
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	n := 0
	for n < len(p) {
		idx := off / c.chunkSize
		chunkOff := off % c.chunkSize
		buf, err := c.load(idx)
		if err != nil {
			return n, err
		}
		copied := copy(buf[chunkOff:], p[n:])
		if err := c.save(idx, buf); err != nil {
			return n, err
		}
		n += copied
		off += int64(copied)
	}
	return n, nil
}

func (c *chunked) Close() error {
	return c.store.close()
}
