// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package registry

import (
	"fmt"
	"sort"

	"github.com/mftnet/mftnet-go/pkg/transport"
)

// Endpoint is the local end of one logical session attached to a
// PhysicalConnection.
type Endpoint interface {
	// LocalID is the session's local id.
	LocalID() int32

	// CloseLocal closes the session's local end without any further
	// interaction with the Registry.
	CloseLocal()
}

// PhysicalConnection is one transport Channel shared by multiple logical
// sessions. Its mutable state is guarded by the owning Registry's mutex.
type PhysicalConnection struct {
	registry *Registry

	address string
	channel transport.Channel

	refCount     int
	shuttingDown bool
	evicted      bool
	sessions     map[int32]Endpoint
}

func newPhysicalConnection(registry *Registry, ch transport.Channel) *PhysicalConnection {
	return &PhysicalConnection{
		registry: registry,
		address:  ch.Address(),
		channel:  ch,
		refCount: 1,
		sessions: make(map[int32]Endpoint),
	}
}

// Address is the key of this PhysicalConnection.
func (pc *PhysicalConnection) Address() string {
	return pc.address
}

// Channel is the underlying transport Channel.
func (pc *PhysicalConnection) Channel() transport.Channel {
	return pc.channel
}

// RefCount is the amount of retained references.
func (pc *PhysicalConnection) RefCount() int {
	pc.registry.mutex.Lock()
	defer pc.registry.mutex.Unlock()

	return pc.refCount
}

// ShuttingDown reports whether a shutdown was started for this connection.
func (pc *PhysicalConnection) ShuttingDown() bool {
	pc.registry.mutex.Lock()
	defer pc.registry.mutex.Unlock()

	return pc.shuttingDown
}

// Evicted reports whether this connection was removed from its Registry.
func (pc *PhysicalConnection) Evicted() bool {
	pc.registry.mutex.Lock()
	defer pc.registry.mutex.Unlock()

	return pc.evicted
}

// Sessions returns the sorted local ids of all attached sessions.
func (pc *PhysicalConnection) Sessions() []int32 {
	pc.registry.mutex.Lock()
	defer pc.registry.mutex.Unlock()

	ids := make([]int32, 0, len(pc.sessions))
	for id := range pc.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Session returns the attached Endpoint for a local id.
func (pc *PhysicalConnection) Session(id int32) (ep Endpoint, ok bool) {
	pc.registry.mutex.Lock()
	defer pc.registry.mutex.Unlock()

	ep, ok = pc.sessions[id]
	return
}

func (pc *PhysicalConnection) String() string {
	return fmt.Sprintf("PhysicalConnection(%s)", pc.address)
}

// detachAll empties the attached set and returns its former content. The
// Registry's mutex must be held.
func (pc *PhysicalConnection) detachAll() []Endpoint {
	eps := make([]Endpoint, 0, len(pc.sessions))
	for _, ep := range pc.sessions {
		eps = append(eps, ep)
	}
	pc.sessions = make(map[int32]Endpoint)
	return eps
}
