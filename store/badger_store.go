package store

import (
	"github.com/dgraph-io/badger"
	"github.com/hashicorp/go-hclog"
)

// BadgerStore is a Store backed by a badger database on disk.
type BadgerStore struct {
	db     *badger.DB
	path   string
	logger hclog.Logger
}

// NewBadgerStore opens (or creates) a badger database at the given path.
func NewBadgerStore(path string, logger hclog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "certdag-store",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = true
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		db:     db,
		path:   path,
		logger: logger,
	}, nil
}

// Path returns the directory holding the database.
func (s *BadgerStore) Path() string {
	return s.path
}

// Write stores the value under the key, synced to disk.
func (s *BadgerStore) Write(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Read returns the value stored under the key, or (nil, nil) if absent.
func (s *BadgerStore) Read(key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Has reports whether the key is present.
func (s *BadgerStore) Has(key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
