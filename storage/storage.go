// Package storage provides backing stores for simulated NAND images.
package storage

import (
	"io"
	"sort"

	"github.com/pkg/errors"

	"github.com/akmistry/nandftl/internal/mlog"
)

// Backing holds the raw bytes of a chip image.
type Backing interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
}

type factoryCallback func(path string, size int64) (Backing, error)

var backingFactories = map[string]factoryCallback{
	"mem": func(path string, size int64) (Backing, error) {
		return NewMemory(size), nil
	},
	"file": func(path string, size int64) (Backing, error) {
		b, err := OpenFile(path, size)
		if err != nil {
			return nil, err
		}
		return b, nil
	},
	"bolt": func(path string, size int64) (Backing, error) {
		b, err := OpenBolt(path, size)
		if err != nil {
			return nil, err
		}
		return b, nil
	},
	"badger": func(path string, size int64) (Backing, error) {
		b, err := OpenBadger(path, size)
		if err != nil {
			return nil, err
		}
		return b, nil
	},
}

func List() []string {
	keys := make([]string, 0, len(backingFactories))
	for k := range backingFactories {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Open opens the named kind of backing at path, sized to hold size bytes.
func Open(kind, path string, size int64) (Backing, error) {
	mlog.Printf2("storage/storage", "storage.Open %v %v %d", kind, path, size)
	f, ok := backingFactories[kind]
	if !ok {
		return nil, errors.Errorf("storage: unknown backing %q (have %v)", kind, List())
	}
	return f(path, size)
}

func fillErased(p []byte) {
	for i := range p {
		p[i] = 0xFF
	}
}
