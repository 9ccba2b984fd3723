// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

// Package pebble provides a session store backed by a Pebble instance.
package pebble

import (
	pebbledb "github.com/cockroachdb/pebble"

	"github.com/IceFoxs/moquette/store"
)

const (
	// defaultDbFile is the default file path for the pebble db directory.
	defaultDbFile = ".pebble"

	NoSync = "NoSync" // write options which do not synchronize to disk.
	Sync   = "Sync"   // write options which synchronize to disk.
)

// Options contains configuration settings for the pebble store.
type Options struct {
	Options *pebbledb.Options
	Mode    string `yaml:"mode" json:"mode"`
	Path    string `yaml:"path" json:"path"`
}

// Store is a session store using Pebble as a backend.
type Store struct {
	store.Records
	config *Options
	db     *pebbledb.DB
	mode   *pebbledb.WriteOptions
}

// New returns a pebble store configured by opts.
func New(opts *Options) *Store {
	if opts == nil {
		opts = new(Options)
	}

	if len(opts.Path) == 0 {
		opts.Path = defaultDbFile
	}

	if opts.Options == nil {
		opts.Options = new(pebbledb.Options)
	}

	s := &Store{
		config: opts,
		mode:   pebbledb.NoSync,
	}
	if opts.Mode == Sync {
		s.mode = pebbledb.Sync
	}
	s.Records = store.Records{KV: s}

	return s
}

// Open opens the pebble instance.
func (s *Store) Open() error {
	var err error
	s.db, err = pebbledb.Open(s.config.Path, s.config.Options)
	return err
}

// Close closes the pebble instance.
func (s *Store) Close() error {
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

	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	return s.db.Set([]byte(k), data, s.mode)
}

// DelKV deletes a key-value pair from the database.
func (s *Store) DelKV(k string) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	return s.db.Delete([]byte(k), s.mode)
}

// IterKV visits the values of every key with the given prefix.
func (s *Store) IterKV(prefix string, visit func([]byte) error) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	iter, err := s.db.NewIter(&pebbledb.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := visit(iter.Value()); err != nil {
			return err
		}
	}

	return nil
}

// keyUpperBound returns the exclusive upper bound of a key prefix by
// incrementing its last byte. Returns nil if every byte wraps to 0.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
