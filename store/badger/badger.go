// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

// Package badger provides a session store backed by a BadgerDB instance.
package badger

import (
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/IceFoxs/moquette/store"
)

const (
	// defaultDbFile is the default file path for the badger db directory.
	defaultDbFile = ".badger"

	// defaultGcInterval is the interval between value log gc runs, in seconds.
	defaultGcInterval = 5 * 60

	// defaultGcDiscardRatio is the ratio of stale data at which a value log
	// file is rewritten.
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the badger store.
type Options struct {
	Options        *badgerdb.Options
	Path           string  `yaml:"path" json:"path"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
}

// Store is a session store using BadgerDB as a backend.
type Store struct {
	store.Records
	config   *Options
	db       *badgerdb.DB
	gcTicker *time.Ticker
}

// New returns a badger store configured by opts.
func New(opts *Options) *Store {
	if opts == nil {
		opts = new(Options)
	}

	if len(opts.Path) == 0 {
		opts.Path = defaultDbFile
	}

	if opts.GcInterval == 0 {
		opts.GcInterval = defaultGcInterval
	}

	if opts.GcDiscardRatio <= 0.0 || opts.GcDiscardRatio >= 1.0 {
		opts.GcDiscardRatio = defaultGcDiscardRatio
	}

	if opts.Options == nil {
		defaultOpts := badgerdb.DefaultOptions(opts.Path)
		defaultOpts.Logger = nil
		opts.Options = &defaultOpts
	}

	s := &Store{
		config: opts,
	}
	s.Records = store.Records{KV: s}

	return s
}

// Open opens the badger instance and starts the value log gc loop.
func (s *Store) Open() error {
	var err error
	s.db, err = badgerdb.Open(*s.config.Options)
	if err != nil {
		return err
	}

	s.gcTicker = time.NewTicker(time.Duration(s.config.GcInterval) * time.Second)
	go s.gcLoop()

	return nil
}

// gcLoop periodically reclaims space in the value log files. A nil error
// means a file was rewritten and another pass may find more.
func (s *Store) gcLoop() {
	for range s.gcTicker.C {
		for s.db.RunValueLogGC(s.config.GcDiscardRatio) == nil {
		}
	}
}

// Close closes the badger instance.
func (s *Store) Close() error {
	if s.gcTicker != nil {
		s.gcTicker.Stop()
	}

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return err
}

// SetKV stores a key-value pair in the database.
func (s *Store) SetKV(k string, v store.Serializable) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		data, err := v.MarshalBinary()
		if err != nil {
			return err
		}
		return txn.Set([]byte(k), data)
	})
}

// DelKV deletes a key-value pair from the database.
func (s *Store) DelKV(k string) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(k))
	})
}

// IterKV visits the values of every key with the given prefix.
func (s *Store) IterKV(prefix string, visit func([]byte) error) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	return s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := visit(value); err != nil {
				return err
			}
		}
		return nil
	})
}
