package storage

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 3*defaultChunkSize + 1000

func checkBacking(t *testing.T, b Backing) {
	t.Helper()

	buf := make([]byte, 64)
	_, err := b.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 64), buf)

	// Straddles a chunk boundary.
	data := bytes.Repeat([]byte{0x11, 0x22, 0x33}, 100)
	off := int64(defaultChunkSize - 50)
	n, err := b.WriteAt(data, off)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	got := make([]byte, len(data))
	_, err = b.ReadAt(got, off)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = b.WriteAt(data, testSize-10)
	assert.Error(t, err)

	tail := make([]byte, 20)
	n, err = b.ReadAt(tail, testSize-10)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 10, n)
}

func TestMemory(t *testing.T) {
	m := NewMemory(testSize)
	checkBacking(t, m)
	snap := m.Snapshot()
	assert.Len(t, snap, testSize)
	assert.Equal(t, byte(0x11), snap[defaultChunkSize-50])
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image")
	f, err := OpenFile(path, testSize)
	require.NoError(t, err)
	data := []byte("persisted")
	_, err = f.WriteAt(data, 4096)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = OpenFile(path, testSize)
	require.NoError(t, err)
	defer f.Close()
	got := make([]byte, len(data)+1)
	_, err = f.ReadAt(got, 4096)
	require.NoError(t, err)
	assert.Equal(t, append(data, 0xFF), got)

	st, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(testSize), st.Size())
}

func TestBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "image.db")
	b, err := OpenBolt(path, testSize)
	require.NoError(t, err)
	checkBacking(t, b)
	require.NoError(t, b.Close())

	b, err = OpenBolt(path, testSize)
	require.NoError(t, err)
	defer b.Close()
	got := make([]byte, 3)
	_, err = b.ReadAt(got, defaultChunkSize-50)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x22, 0x33}, got)
}

func TestBadger(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir, testSize)
	require.NoError(t, err)
	checkBacking(t, b)
	require.NoError(t, b.Close())

	b, err = OpenBadger(dir, testSize)
	require.NoError(t, err)
	defer b.Close()
	got := make([]byte, 3)
	_, err = b.ReadAt(got, defaultChunkSize+100)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x22, 0x33}, got)
}

func TestOpen(t *testing.T) {
	assert.Equal(t, []string{"badger", "bolt", "file", "mem"}, List())

	b, err := Open("mem", "", 1024)
	require.NoError(t, err)
	assert.NoError(t, b.Close())

	_, err = Open("tape", "", 1024)
	assert.Error(t, err)
}
