// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package network

import (
	"sync"

	"github.com/mftnet/mftnet-go/pkg/registry"
)

// clientIndex maps a peer's host id to the physical connections it opened to
// this host as a client. Its mutex is independent of the registry's one and
// both are never held together.
type clientIndex struct {
	mutex sync.Mutex
	hosts map[string]map[*registry.PhysicalConnection]struct{}
}

func newClientIndex() *clientIndex {
	return &clientIndex{
		hosts: make(map[string]map[*registry.PhysicalConnection]struct{}),
	}
}

// add a connection to a host's set. An evicted connection is not kept, and
// eviction is checked after adding as the evict callback might run
// concurrently. It reports whether the connection was kept.
func (ci *clientIndex) add(hostID string, pc *registry.PhysicalConnection) bool {
	ci.mutex.Lock()
	set, ok := ci.hosts[hostID]
	if !ok {
		set = make(map[*registry.PhysicalConnection]struct{})
		ci.hosts[hostID] = set
	}
	set[pc] = struct{}{}
	ci.mutex.Unlock()

	if pc.Evicted() {
		ci.remove(pc)
		return false
	}
	return true
}

// remove a connection from every host's set.
func (ci *clientIndex) remove(pc *registry.PhysicalConnection) {
	ci.mutex.Lock()
	defer ci.mutex.Unlock()

	for hostID, set := range ci.hosts {
		delete(set, pc)
		if len(set) == 0 {
			delete(ci.hosts, hostID)
		}
	}
}

// take removes and returns a host's set.
func (ci *clientIndex) take(hostID string) []*registry.PhysicalConnection {
	ci.mutex.Lock()
	defer ci.mutex.Unlock()

	set := ci.hosts[hostID]
	delete(ci.hosts, hostID)

	pcs := make([]*registry.PhysicalConnection, 0, len(set))
	for pc := range set {
		pcs = append(pcs, pc)
	}
	return pcs
}

func (ci *clientIndex) count(hostID string) int {
	ci.mutex.Lock()
	defer ci.mutex.Unlock()

	return len(ci.hosts[hostID])
}
