package bookmarks

import (
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Store persists bookmark sets per database name, so separate processes
// (or separate CLI invocations) stay causally chained. Backed by Badger;
// one Store owns the directory it is opened on.
type Store struct {
	db *badger.DB
}

// OpenStore opens (or creates) a bookmark store at dir.
func OpenStore(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumMemtables(2)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("bookmarks: open store: %w", err)
	}
	return &Store{db: db}, nil
}

func storeKey(database string) []byte {
	if database == "" {
		database = "@default"
	}
	return []byte("bookmarks/" + database)
}

// Load returns the stored bookmark set for database; the empty set when
// none was saved yet.
func (s *Store) Load(database string) (Bookmarks, error) {
	var raw string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storeKey(database))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Bookmarks{}, nil
	}
	if err != nil {
		return Bookmarks{}, fmt.Errorf("bookmarks: load %q: %w", database, err)
	}
	if raw == "" {
		return Bookmarks{}, nil
	}
	return From(strings.Split(raw, "\n")...), nil
}

// Save replaces the stored bookmark set for database.
func (s *Store) Save(database string, b Bookmarks) error {
	val := []byte(strings.Join(b.Raw(), "\n"))
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(storeKey(database), val)
	})
	if err != nil {
		return fmt.Errorf("bookmarks: save %q: %w", database, err)
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
