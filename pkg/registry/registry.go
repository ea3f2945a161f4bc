// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package registry keeps track of the physical connections shared by logical
// sessions.
//
// Each PhysicalConnection is reference counted. Every retain, by Acquire or
// RetainOrCreate, must be matched by exactly one Release. The connection is
// evicted and its transport Channel closed when the count drops to zero.
//
// Addresses being shut down are moved into a poison set for a grace period.
// Lookups check the poison set first and report ErrShuttingDown for them.
// After the grace period, a connection not yet torn down is closed forcibly
// and the address becomes available again.
//
// The Registry's mutex is only held for table updates. Channels and sessions
// are closed after unlocking.
package registry

import (
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mftnet/mftnet-go/pkg/transport"
	"github.com/mftnet/mftnet-go/pkg/wire"
)

var (
	// ErrNotFound is returned by Acquire for unknown addresses.
	ErrNotFound = errors.New("no connection for this address")

	// ErrShuttingDown is returned for addresses within their shutdown grace period.
	ErrShuttingDown = errors.New("connection is shutting down")

	// ErrClosed is returned after the Registry was closed.
	ErrClosed = errors.New("registry is closed")
)

// poisonEntry is an address within its shutdown grace period.
type poisonEntry struct {
	pc    *PhysicalConnection
	timer *time.Timer
}

// Registry of PhysicalConnections, keyed by their address.
type Registry struct {
	mutex  sync.Mutex
	active map[string]*PhysicalConnection
	poison map[string]*poisonEntry
	closed bool

	grace   time.Duration
	onEvict func(*PhysicalConnection)
}

// Option configures a Registry.
type Option func(*Registry)

// WithEvictCallback registers a function called after a PhysicalConnection was
// evicted and its Channel closed. The callback is called without any lock held.
func WithEvictCallback(f func(*PhysicalConnection)) Option {
	return func(r *Registry) {
		r.onEvict = f
	}
}

// New Registry. The grace period bounds the time a shutting down connection
// might take for its orderly teardown.
func New(grace time.Duration, opts ...Option) *Registry {
	r := &Registry{
		active: make(map[string]*PhysicalConnection),
		poison: make(map[string]*poisonEntry),
		grace:  grace,
	}

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Grace is the configured shutdown grace period.
func (r *Registry) Grace() time.Duration {
	return r.grace
}

// teardown closes detached sessions and, if requested, the Channel. It must be
// called without the mutex held.
func (r *Registry) teardown(pc *PhysicalConnection, eps []Endpoint, closeChannel bool) {
	for _, ep := range eps {
		ep.CloseLocal()
	}

	if !closeChannel {
		return
	}

	if err := pc.channel.Close(); err != nil {
		log.WithField("connection", pc.address).WithError(err).Debug("Closing channel errored")
	}
	if r.onEvict != nil {
		r.onEvict(pc)
	}
}

// Acquire retains the active PhysicalConnection for an address.
func (r *Registry) Acquire(address string) (*PhysicalConnection, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.poison[address]; ok {
		return nil, ErrShuttingDown
	}

	pc, ok := r.active[address]
	if !ok {
		return nil, ErrNotFound
	}

	pc.refCount++
	return pc, nil
}

// RetainOrCreate retains the PhysicalConnection for the Channel's address or
// registers a new one with a reference count of one. The created flag is false
// when an existing connection was reused; a reused connection might carry
// another Channel than the given one.
func (r *Registry) RetainOrCreate(ch transport.Channel) (pc *PhysicalConnection, created bool, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.closed {
		return nil, false, ErrClosed
	}

	address := ch.Address()
	if _, ok := r.poison[address]; ok {
		return nil, false, ErrShuttingDown
	}

	if existing, ok := r.active[address]; ok {
		existing.refCount++
		return existing, false, nil
	}

	pc = newPhysicalConnection(r, ch)
	r.active[address] = pc

	log.WithField("connection", address).Debug("Registered physical connection")
	return pc, true, nil
}

// Attach a session to a retained PhysicalConnection.
func (r *Registry) Attach(pc *PhysicalConnection, ep Endpoint) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if pc.evicted {
		return ErrClosed
	}
	if pc.shuttingDown {
		return ErrShuttingDown
	}

	pc.sessions[ep.LocalID()] = ep
	return nil
}

// Release a reference. A sessionID other than wire.NoChannel is removed from
// the attached set and its local end is closed. At zero references the
// connection is evicted and its Channel closed. Releasing an already evicted
// connection is a no-op.
func (r *Registry) Release(pc *PhysicalConnection, sessionID int32) (remaining int) {
	r.mutex.Lock()

	if pc.evicted {
		r.mutex.Unlock()
		return 0
	}

	var eps []Endpoint
	if sessionID != wire.NoChannel {
		if ep, ok := pc.sessions[sessionID]; ok {
			eps = append(eps, ep)
			delete(pc.sessions, sessionID)
		}
	}

	pc.refCount--
	remaining = pc.refCount

	closeChannel := false
	if remaining <= 0 {
		closeChannel = true
		pc.evicted = true
		eps = append(eps, pc.detachAll()...)

		if r.active[pc.address] == pc {
			delete(r.active, pc.address)
		}
	}

	r.mutex.Unlock()

	if closeChannel {
		log.WithField("connection", pc.address).Debug("Last reference released, closing physical connection")
	}
	r.teardown(pc, eps, closeChannel)
	return
}

// ForceRemove evicts a PhysicalConnection regardless of its references, closes
// all attached sessions and its Channel. It returns the amount of references
// which were still outstanding.
func (r *Registry) ForceRemove(pc *PhysicalConnection) (outstanding int) {
	r.mutex.Lock()

	if pc.evicted {
		r.mutex.Unlock()
		return 0
	}

	outstanding = pc.refCount
	pc.refCount = 0
	pc.evicted = true
	eps := pc.detachAll()

	if r.active[pc.address] == pc {
		delete(r.active, pc.address)
	}

	r.mutex.Unlock()

	log.WithFields(log.Fields{
		"connection":  pc.address,
		"outstanding": outstanding,
	}).Info("Forcibly removed physical connection")

	r.teardown(pc, eps, true)
	return
}

// BeginShutdown starts the graceful shutdown of an address and reports whether
// this call started it. The address' connection is moved into the poison set
// and all its sessions are closed. Its Channel is closed immediately if no
// references remain, otherwise on the last Release or at the end of the grace
// period. An optional Channel not belonging to the registered connection is
// closed immediately.
func (r *Registry) BeginShutdown(address string, ch transport.Channel) bool {
	r.mutex.Lock()

	if r.closed {
		r.mutex.Unlock()
		return false
	}
	if _, ok := r.poison[address]; ok {
		r.mutex.Unlock()
		return false
	}

	pc := r.active[address]
	delete(r.active, address)

	entry := &poisonEntry{pc: pc}
	r.poison[address] = entry
	entry.timer = time.AfterFunc(r.grace, func() { r.expire(address, entry) })

	var eps []Endpoint
	closeChannel := false
	if pc != nil {
		pc.shuttingDown = true
		eps = pc.detachAll()

		if pc.refCount <= 0 {
			pc.evicted = true
			closeChannel = true
		}
	}

	r.mutex.Unlock()

	log.WithFields(log.Fields{
		"address":    address,
		"sessions":   len(eps),
		"registered": pc != nil,
	}).Info("Shutting down physical connection")

	if ch != nil && (pc == nil || pc.channel != ch) {
		_ = ch.Close()
	}
	if pc != nil {
		r.teardown(pc, eps, closeChannel)
	}
	return true
}

// expire ends an address' grace period.
func (r *Registry) expire(address string, entry *poisonEntry) {
	r.mutex.Lock()

	if r.poison[address] == entry {
		delete(r.poison, address)
	}

	pc := entry.pc
	forced := pc != nil && !pc.evicted
	var eps []Endpoint
	if forced {
		pc.evicted = true
		pc.refCount = 0
		eps = pc.detachAll()
	}

	r.mutex.Unlock()

	logger := log.WithField("address", address)
	if forced {
		logger.Warn("Grace period elapsed, forcibly closing physical connection")
		r.teardown(pc, eps, true)
	} else {
		logger.Debug("Grace period elapsed")
	}
}

// IsShuttingDown reports whether the Channel's address is within its grace
// period.
func (r *Registry) IsShuttingDown(ch transport.Channel) bool {
	return r.IsAddressShuttingDown(ch.Address())
}

// IsAddressShuttingDown reports whether the address is within its grace period.
func (r *Registry) IsAddressShuttingDown(address string) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	_, ok := r.poison[address]
	return ok
}

// Lookup the PhysicalConnection of a Channel without retaining it. Connections
// within their grace period are also found.
func (r *Registry) Lookup(ch transport.Channel) (*PhysicalConnection, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if entry, ok := r.poison[ch.Address()]; ok && entry.pc != nil && entry.pc.channel == ch {
		return entry.pc, true
	}
	if pc, ok := r.active[ch.Address()]; ok && pc.channel == ch {
		return pc, true
	}
	return nil, false
}

// Len is the amount of active PhysicalConnections.
func (r *Registry) Len() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return len(r.active)
}

// Count is the reference count of an address' active PhysicalConnection.
func (r *Registry) Count(address string) int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if pc, ok := r.active[address]; ok {
		return pc.refCount
	}
	return 0
}

// Connections returns a snapshot of all active PhysicalConnections.
func (r *Registry) Connections() []*PhysicalConnection {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	pcs := make([]*PhysicalConnection, 0, len(r.active))
	for _, pc := range r.active {
		pcs = append(pcs, pc)
	}
	return pcs
}

// Close every tracked PhysicalConnection and stop all grace timers. Afterwards,
// the Registry refuses new connections. Close returns the amount of closed
// connections.
func (r *Registry) Close() int {
	r.mutex.Lock()

	if r.closed {
		r.mutex.Unlock()
		return 0
	}
	r.closed = true

	type closing struct {
		pc  *PhysicalConnection
		eps []Endpoint
	}
	var pcs []closing

	for _, entry := range r.poison {
		entry.timer.Stop()
		if entry.pc != nil && !entry.pc.evicted {
			entry.pc.evicted = true
			entry.pc.refCount = 0
			pcs = append(pcs, closing{entry.pc, entry.pc.detachAll()})
		}
	}
	for _, pc := range r.active {
		pc.evicted = true
		pc.refCount = 0
		pcs = append(pcs, closing{pc, pc.detachAll()})
	}

	r.active = make(map[string]*PhysicalConnection)
	r.poison = make(map[string]*poisonEntry)

	r.mutex.Unlock()

	for _, c := range pcs {
		r.teardown(c.pc, c.eps, true)
	}

	log.WithField("connections", len(pcs)).Debug("Closed registry")
	return len(pcs)
}
