package storage

import (
	"io"
	"sync"
)

// Memory is a volatile backing. Fresh memory reads as erased NAND.
type Memory struct {
	buf []byte

	lock sync.RWMutex
}

var _ Backing = (*Memory)(nil)

func NewMemory(size int64) *Memory {
	m := &Memory{buf: make([]byte, size)}
	fillErased(m.buf)
	return m
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	if off < 0 || off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, errOutOfRange
	}
	return copy(m.buf[off:], p), nil
}

func (m *Memory) Close() error {
	return nil
}

// Snapshot returns a copy of the current contents.
func (m *Memory) Snapshot() []byte {
	m.lock.RLock()
	defer m.lock.RUnlock()

	return append([]byte(nil), m.buf...)
}
