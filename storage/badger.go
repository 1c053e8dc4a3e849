package storage

import (
	"github.com/dgraph-io/badger"
)

type badgerStore struct {
	db *badger.DB
}

// OpenBadger keeps the image in a badger database in directory dir.
func OpenBadger(dir string, size int64) (Backing, error) {
	opts := badger.DefaultOptions(dir)
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return newChunked(&badgerStore{db: db}, size), nil
}

func (s *badgerStore) get(key []byte) (v []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	return
}

func (s *badgerStore) put(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *badgerStore) close() error {
	return s.db.Close()
}
