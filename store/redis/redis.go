// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

// Package redis provides a session store backed by a Redis instance.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redisdb "github.com/go-redis/redis/v8"

	"github.com/IceFoxs/moquette/store"
)

const (
	// defaultHPrefix is the default prefix of the hash keys holding each
	// record kind.
	defaultHPrefix = "moquette:"

	// defaultAddr is the default address of the redis instance.
	defaultAddr = "localhost:6379"
)

// Options contains configuration settings for the redis store.
type Options struct {
	Options *redisdb.Options
	HPrefix string `yaml:"h_prefix" json:"h_prefix"`
}

// Store is a session store using Redis as a backend. Each record kind lives
// in its own hash, keyed by the record's primary key.
type Store struct {
	store.Records
	config *Options
	db     *redisdb.Client
	ctx    context.Context
}

// New returns a redis store configured by opts.
func New(opts *Options) *Store {
	if opts == nil {
		opts = new(Options)
	}

	if opts.HPrefix == "" {
		opts.HPrefix = defaultHPrefix
	}

	if opts.Options == nil {
		opts.Options = &redisdb.Options{
			Addr: defaultAddr,
		}
	}

	s := &Store{
		config: opts,
		ctx:    context.Background(),
	}
	s.Records = store.Records{KV: s}

	return s
}

// Open connects to the redis instance.
func (s *Store) Open() error {
	s.db = redisdb.NewClient(s.config.Options)
	_, err := s.db.Ping(s.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	return nil
}

// Close disconnects from the redis instance.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	return err
}

// hKey returns the hash key holding all records of a kind.
func (s *Store) hKey(kind string) string {
	return s.config.HPrefix + kind
}

// kindOf extracts the record kind from a primary key or prefix.
func kindOf(k string) string {
	if i := strings.Index(k, "_"); i > 0 {
		return k[:i]
	}
	return k
}

// SetKV stores a record in the hash of its kind.
func (s *Store) SetKV(k string, v store.Serializable) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	return s.db.HSet(s.ctx, s.hKey(kindOf(k)), k, data).Err()
}

// DelKV deletes a record from the hash of its kind.
func (s *Store) DelKV(k string) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	return s.db.HDel(s.ctx, s.hKey(kindOf(k)), k).Err()
}

// IterKV visits every record in the hash of the prefix's kind.
func (s *Store) IterKV(prefix string, visit func([]byte) error) error {
	if s.db == nil {
		return store.ErrDBNotOpen
	}

	rows, err := s.db.HGetAll(s.ctx, s.hKey(kindOf(prefix))).Result()
	if err != nil && !errors.Is(err, redisdb.Nil) {
		return err
	}

	for _, row := range rows {
		if err := visit([]byte(row)); err != nil {
			return err
		}
	}

	return nil
}
