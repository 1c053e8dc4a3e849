package storage

import (
	bolt "go.etcd.io/bbolt"
)

var chunkBucket = []byte("chunks")

type boltStore struct {
	db *bolt.DB
}

// OpenBolt keeps the image in a bbolt database file at path.
func OpenBolt(path string, size int64) (Backing, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chunkBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return newChunked(&boltStore{db: db}, size), nil
}

func (s *boltStore) get(key []byte) (v []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(chunkBucket).Get(key); b != nil {
			v = append([]byte(nil), b...)
		}
		return nil
	})
	return
}

func (s *boltStore) put(key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(chunkBucket).Put(key, value)
	})
}

func (s *boltStore) close() error {
	return s.db.Close()
}
