// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package hostdb stores the known remote hosts and their credentials.
//
// A Host is identified by its id and carries the address it is reachable at,
// whether TLS must be used and the hash of its shared secret. Hosts might be
// loaded from a TOML hosts file, which is reloaded on changes by a Watcher.
package hostdb

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"
)

const dirBadger string = "hosts"

// Sources of a Host entry.
const (
	SourceFile      = "file"
	SourceDiscovery = "discovery"
	SourceManual    = "manual"
)

var (
	// ErrUnknownHost is returned for host ids without an entry.
	ErrUnknownHost = errors.New("unknown host")

	// ErrBadCredential is returned if a presented key hash does not match.
	ErrBadCredential = errors.New("bad credential")
)

// Host is a known remote host.
type Host struct {
	ID      string `badgerhold:"key"`
	Address string
	TLS     bool
	KeyHash []byte

	Source  string `badgerholdIndex:"Source"`
	Updated time.Time
}

func (h Host) String() string {
	return fmt.Sprintf("Host(%s at %s, tls=%t)", h.ID, h.Address, h.TLS)
}

// Store of Hosts, persisted by badgerhold.
type Store struct {
	bh  *badgerhold.Store
	dir string
}

// NewStore creates a new Store or opens an existing one within the directory.
func NewStore(dir string) (s *Store, err error) {
	badgerDir := path.Join(dir, dirBadger)

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<24 - 1

	if dirErr := os.MkdirAll(badgerDir, 0700); dirErr != nil {
		err = dirErr
		return
	}

	if bh, bhErr := badgerhold.Open(opts); bhErr != nil {
		err = bhErr
	} else {
		s = &Store{
			bh:  bh,
			dir: badgerDir,
		}
	}
	return
}

// Close the Store. It must not be used afterwards.
func (s *Store) Close() error {
	return s.bh.Close()
}

// Put inserts or replaces a Host.
func (s *Store) Put(h Host) error {
	if h.ID == "" {
		return errors.New("host without an id")
	}
	if h.Updated.IsZero() {
		h.Updated = time.Now()
	}

	log.WithFields(log.Fields{
		"host":   h.ID,
		"source": h.Source,
	}).Debug("Store puts Host")

	return s.bh.Upsert(h.ID, h)
}

// Get the Host for an id.
func (s *Store) Get(id string) (h Host, err error) {
	err = s.bh.Get(id, &h)
	if err == badgerhold.ErrNotFound {
		err = fmt.Errorf("%w: %s", ErrUnknownHost, id)
	}
	return
}

// Delete a Host. Deleting an unknown Host is no error.
func (s *Store) Delete(id string) error {
	err := s.bh.Delete(id, Host{})
	if err == badgerhold.ErrNotFound {
		return nil
	}
	return err
}

// All Hosts, sorted by id.
func (s *Store) All() (hosts []Host, err error) {
	if err = s.bh.Find(&hosts, nil); err != nil {
		return
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].ID < hosts[j].ID })
	return
}

// BySource returns all Hosts from one source.
func (s *Store) BySource(source string) (hosts []Host, err error) {
	err = s.bh.Find(&hosts, badgerhold.Where("Source").Eq(source))
	return
}

// UpdateAddress of a known Host, e.g., after its discovery.
func (s *Store) UpdateAddress(id, address string) error {
	h, err := s.Get(id)
	if err != nil {
		return err
	}
	if h.Address == address {
		return nil
	}

	log.WithFields(log.Fields{
		"host":        id,
		"old_address": h.Address,
		"new_address": address,
	}).Info("Host changed its address")

	h.Address = address
	h.Updated = time.Now()
	return s.bh.Update(id, h)
}

// Lookup returns the address, TLS flag and key hash to connect to a Host.
func (s *Store) Lookup(id string) (address string, useTLS bool, keyHash []byte, err error) {
	h, err := s.Get(id)
	if err != nil {
		return
	}
	if h.Address == "" {
		err = fmt.Errorf("%w: %s has no address", ErrUnknownHost, id)
		return
	}
	return h.Address, h.TLS, h.KeyHash, nil
}

// Authenticate a Host's presented key hash.
func (s *Store) Authenticate(id string, keyHash []byte) error {
	h, err := s.Get(id)
	if err != nil {
		return err
	}
	if !VerifyKeyHash(h.KeyHash, keyHash) {
		return fmt.Errorf("%w: %s", ErrBadCredential, id)
	}
	return nil
}
