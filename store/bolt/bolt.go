// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

// Package bolt provides a session store backed by a boltdb file.
package bolt

import (
	"bytes"
	"time"

	"go.etcd.io/bbolt"

	"github.com/IceFoxs/moquette/store"
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "moquette"
)

// Options contains configuration settings for the bolt store.
type Options struct {
	Options *bbolt.Options
	Bucket  string `yaml:"bucket" json:"bucket"`
	Path    string `yaml:"path" json:"path"`
}

// Store is a session store using a boltdb file as a backend.
type Store struct {
	store.Records
	config *Options
	db     *bbolt.DB
}

// New returns a bolt store configured by opts.
func New(opts *Options) *Store {
	if opts == nil {
		opts = new(Options)
	}

	if opts.Options == nil {
		opts.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}

	if len(opts.Path) == 0 {
		opts.Path = defaultDbFile
	}

	if len(opts.Bucket) == 0 {
		opts.Bucket = defaultBucket
	}

	s := &Store{
		config: opts,
	}
	s.Records = store.Records{KV: s}

	return s
}

// Open opens the boltdb instance and ensures the bucket exists.
func (s *Store) Open() error {
	var err error
	s.db, err = bbolt.Open(s.config.Path, 0600, s.config.Options)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(s.config.Bucket))
		return err
	})
}

// Close closes the boltdb instance.
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

	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := v.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(s.config.Bucket)).Put([]byte(k), data)
	})
}

// DelKV deletes a key-value pair from the database.
func (s *Store) DelKV(k string) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(s.config.Bucket)).Delete([]byte(k))
	})
}

// IterKV visits the values of every key with the given prefix.
func (s *Store) IterKV(prefix string, visit func([]byte) error) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(s.config.Bucket)).Cursor()
		for k, v := c.Seek([]byte(prefix)); k != nil && bytes.HasPrefix(k, []byte(prefix)); k, v = c.Next() {
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})
}
