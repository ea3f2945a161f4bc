// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package hostdb

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
)

// hostsFile is the TOML representation of a hosts file:
//
//	[[host]]
//	id       = "partner"
//	address  = "tcp://192.0.2.1:6666"
//	tls      = true
//	secret   = "shared secret"   # or key_hash = "hex encoded SHA-256"
type hostsFile struct {
	Host []fileHost
}

type fileHost struct {
	ID      string
	Address string
	TLS     bool
	Secret  string
	KeyHash string `toml:"key_hash"`
}

func (fh fileHost) toHost() (h Host, err error) {
	if fh.ID == "" {
		err = fmt.Errorf("host without an id")
		return
	}

	h = Host{
		ID:      fh.ID,
		Address: fh.Address,
		TLS:     fh.TLS,
		Source:  SourceFile,
		Updated: time.Now(),
	}

	switch {
	case fh.Secret != "" && fh.KeyHash != "":
		err = fmt.Errorf("host %s has both a secret and a key_hash", fh.ID)
	case fh.Secret != "":
		h.KeyHash = HashKey(fh.Secret)
	case fh.KeyHash != "":
		h.KeyHash, err = ParseKeyHash(fh.KeyHash)
	default:
		err = fmt.Errorf("host %s has neither a secret nor a key_hash", fh.ID)
	}
	return
}

// LoadFile parses a TOML hosts file. All invalid entries are reported together.
func LoadFile(filename string) (hosts []Host, err error) {
	var hf hostsFile
	if _, tomlErr := toml.DecodeFile(filename, &hf); tomlErr != nil {
		return nil, tomlErr
	}

	seen := make(map[string]bool)
	for _, fh := range hf.Host {
		h, hostErr := fh.toHost()
		if hostErr == nil && seen[h.ID] {
			hostErr = fmt.Errorf("host %s is defined twice", h.ID)
		}

		if hostErr != nil {
			err = multierror.Append(err, hostErr)
			continue
		}

		seen[h.ID] = true
		hosts = append(hosts, h)
	}
	return
}

// SyncFile loads a hosts file into the Store. Hosts previously loaded from a
// file but missing now are removed; Hosts from other sources are kept.
func (s *Store) SyncFile(filename string) (n int, err error) {
	hosts, err := LoadFile(filename)
	if err != nil {
		return 0, err
	}

	keep := make(map[string]bool)
	for _, h := range hosts {
		if putErr := s.Put(h); putErr != nil {
			err = multierror.Append(err, putErr)
			continue
		}
		keep[h.ID] = true
		n++
	}

	previous, findErr := s.BySource(SourceFile)
	if findErr != nil {
		return n, multierror.Append(err, findErr)
	}
	for _, h := range previous {
		if keep[h.ID] {
			continue
		}
		log.WithField("host", h.ID).Info("Host was removed from the hosts file")
		if delErr := s.Delete(h.ID); delErr != nil {
			err = multierror.Append(err, delErr)
		}
	}

	log.WithFields(log.Fields{
		"file":  filename,
		"hosts": n,
	}).Info("Loaded hosts file")
	return
}
