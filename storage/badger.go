package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store using BadgerDB
type BadgerStore struct {
	db   *badger.DB
	stop chan struct{}
}

// NewBadgerStore opens a BadgerDB backed store at dataDir
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dataDir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	store := &BadgerStore{db: db, stop: make(chan struct{})}

	// Start background tasks
	go store.runGC()

	return store, nil
}

// runGC runs the garbage collector periodically
func (s *BadgerStore) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.db.RunValueLogGC(0.7)
		}
	}
}

// Get retrieves a value by key
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var found bool

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}

		found = true
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

// Set stores a key-value pair
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// SetIfAbsent stores the pair only when the key is not present yet
func (s *BadgerStore) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	inserted := false

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		inserted = true
		return txn.Set([]byte(key), value)
	})

	return inserted, err
}

// Delete removes a key
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Scan visits keys with the given prefix in ascending order
func (s *BadgerStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			err := item.Value(func(val []byte) error {
				return fn(key, append([]byte{}, val...))
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshot streams the full store contents to w
func (s *BadgerStore) Snapshot(w io.Writer) error {
	_, err := s.db.Backup(w, 0)
	return err
}

// Restore drops the current contents and loads a Snapshot stream
func (s *BadgerStore) Restore(r io.Reader) error {
	if err := s.db.DropAll(); err != nil {
		return err
	}
	return s.db.Load(r, 16)
}

// Close closes the database
func (s *BadgerStore) Close() error {
	close(s.stop)
	return s.db.Close()
}
