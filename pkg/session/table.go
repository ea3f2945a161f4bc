// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"errors"
	"math"
	"sync"

	"github.com/mftnet/mftnet-go/pkg/future"
	"github.com/mftnet/mftnet-go/pkg/transport"
	"github.com/mftnet/mftnet-go/pkg/wire"
)

// ErrExhausted is returned if no local id is left.
var ErrExhausted = errors.New("no free session id")

// Table of all live sessions of this process.
type Table struct {
	mutex    sync.Mutex
	next     int32
	sessions map[int32]*Handle
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{
		next:     1,
		sessions: make(map[int32]*Handle),
	}
}

// mintID returns an unused, positive id. The mutex must be held.
func (t *Table) mintID() (int32, error) {
	for tries := 0; tries < len(t.sessions)+1; tries++ {
		id := t.next
		if t.next == math.MaxInt32 {
			t.next = 1
		} else {
			t.next++
		}

		if _, used := t.sessions[id]; !used {
			return id, nil
		}
	}
	return wire.NoChannel, ErrExhausted
}

// Create a new session on the Channel. The remoteID might be wire.NoChannel if
// the peer's id is not known yet. A nil result creates a fresh Future.
func (t *Table) Create(ch transport.Channel, remoteID int32, result *future.Future) (*Handle, error) {
	if result == nil {
		result = future.New()
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	id, err := t.mintID()
	if err != nil {
		return nil, err
	}

	h := &Handle{
		table:    t,
		channel:  ch,
		localID:  id,
		remoteID: remoteID,
		state:    Opening,
		result:   result,
		startup:  future.New(),
		validate: future.New(),
		incoming: make(chan wire.Envelope, incomingBuffer),
		closed:   make(chan struct{}),
	}
	t.sessions[id] = h
	return h, nil
}

// Lookup a live session by its local id.
func (t *Table) Lookup(id int32) (*Handle, bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	h, ok := t.sessions[id]
	return h, ok
}

// Len is the amount of live sessions.
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.sessions)
}

// Handles returns a snapshot of all live sessions.
func (t *Table) Handles() []*Handle {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	hs := make([]*Handle, 0, len(t.sessions))
	for _, h := range t.sessions {
		hs = append(hs, h)
	}
	return hs
}

func (t *Table) remove(id int32) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	delete(t.sessions, id)
}
