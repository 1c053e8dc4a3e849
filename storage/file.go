package storage

import (
	"os"

	"github.com/pkg/errors"
)

var (
	errOutOfRange = errors.New("storage: write out of range")
)

// OpenFile opens (creating if needed) a raw image file. A file shorter than
// size is extended with erased bytes.
func OpenFile(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() < size {
		if err := extendErased(f, st.Size(), size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

func extendErased(f *os.File, from, to int64) error {
	buf := make([]byte, 65536)
	fillErased(buf)
	for from < to {
		n := int64(len(buf))
		if to-from < n {
			n = to - from
		}
		if _, err := f.WriteAt(buf[:n], from); err != nil {
			return err
		}
		from += n
	}
	return nil
}
