// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session implements the logical sessions multiplexed on physical
// connections.
//
// A Handle is one session, identified by its local id and the peer's remote
// id. Handles are created by a Table, which mints the local ids and routes
// incoming envelopes to their Handle.
package session

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mftnet/mftnet-go/pkg/future"
	"github.com/mftnet/mftnet-go/pkg/transport"
	"github.com/mftnet/mftnet-go/pkg/wire"
)

// ErrClosed is returned when using a closed Handle.
var ErrClosed = errors.New("session is closed")

// State of a session's handshake.
type State uint8

const (
	// Opening sessions wait for the startup exchange.
	Opening State = iota

	// Authenticating sessions wait for the peer's validation.
	Authenticating

	// Running sessions are validated and carry data.
	Running

	// Closed sessions are finished.
	Closed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Authenticating:
		return "authenticating"
	case Running:
		return "running"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("unknown state %d", uint8(s))
	}
}

// incomingBuffer is the amount of Data envelopes buffered per Handle.
const incomingBuffer = 64

// Handle is one logical session on a transport Channel.
type Handle struct {
	table   *Table
	channel transport.Channel
	localID int32

	mutex    sync.Mutex
	remoteID int32
	state    State
	release  func()

	result   *future.Future
	startup  *future.Future
	validate *future.Future

	incoming chan wire.Envelope

	closeOnce sync.Once
	localOnce sync.Once
	closed    chan struct{}
}

func (h *Handle) log() *log.Entry {
	return log.WithFields(log.Fields{
		"session": h.localID,
		"remote":  h.RemoteID(),
		"channel": h.channel.Address(),
	})
}

// LocalID is this session's id, minted by its Table.
func (h *Handle) LocalID() int32 {
	return h.localID
}

// RemoteID is the peer's session id, or wire.NoChannel while unknown.
func (h *Handle) RemoteID() int32 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.remoteID
}

// SetRemoteID stores the peer's session id.
func (h *Handle) SetRemoteID(id int32) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.remoteID = id
}

// Channel carrying this session.
func (h *Handle) Channel() transport.Channel {
	return h.channel
}

// FutureValidateStartup is completed by the startup exchange.
func (h *Handle) FutureValidateStartup() *future.Future {
	return h.startup
}

// FutureValidateConnection is completed by the peer's validation.
func (h *Handle) FutureValidateConnection() *future.Future {
	return h.validate
}

// Result is the caller's Future, reporting the outcome of the whole request.
func (h *Handle) Result() *future.Future {
	return h.result
}

// State of this session.
func (h *Handle) State() State {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.state
}

// SetState of this session. A closed session remains closed.
func (h *Handle) SetState(state State) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.state != Closed {
		h.state = state
	}
}

// SetReleaseHook registers a function called once when this session is closed
// by Close. CloseLocal does not call it.
func (h *Handle) SetReleaseHook(f func()) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.release = f
}

// Send a packet to the peer's session.
func (h *Handle) Send(code wire.PacketCode, payload []byte) error {
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}

	return h.channel.Send(wire.NewEnvelope(h.localID, h.RemoteID(), code, payload))
}

// Incoming Data envelopes of this session.
func (h *Handle) Incoming() <-chan wire.Envelope {
	return h.incoming
}

// Deliver an incoming Data envelope. It blocks while the buffer is full and
// returns false if the session was closed meanwhile.
func (h *Handle) Deliver(env wire.Envelope) bool {
	select {
	case <-h.closed:
		return false
	default:
	}

	select {
	case h.incoming <- env:
		return true
	case <-h.closed:
		return false
	}
}

// Done is closed after this session was closed.
func (h *Handle) Done() <-chan struct{} {
	return h.closed
}

// Close this session. A Close packet is sent if the peer's session is known,
// the local end is closed and the release hook is called, all exactly once.
func (h *Handle) Close() {
	h.close(true)
}

// Discard closes this session like Close, but without sending a Close packet.
// It is used when the peer already knows about the session's end.
func (h *Handle) Discard() {
	h.close(false)
}

func (h *Handle) close(notify bool) {
	h.closeOnce.Do(func() {
		if notify && h.RemoteID() != wire.NoChannel && !h.isClosed() {
			if err := h.Send(wire.Close, nil); err != nil {
				h.log().WithError(err).Debug("Sending Close packet failed")
			}
		}

		h.CloseLocal()

		h.mutex.Lock()
		release := h.release
		h.mutex.Unlock()

		if release != nil {
			release()
		}
	})
}

// CloseLocal closes this session's local end without informing the peer or
// calling the release hook. Pending handshake Futures fail.
func (h *Handle) CloseLocal() {
	h.localOnce.Do(func() {
		h.mutex.Lock()
		h.state = Closed
		h.mutex.Unlock()

		disconnected := future.NewResult(future.Disconnection, ErrClosed, false)
		h.startup.Fail(disconnected)
		h.validate.Fail(disconnected)

		close(h.closed)
		h.table.remove(h.localID)

		h.log().Debug("Session closed")
	})
}

func (h *Handle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

func (h *Handle) String() string {
	return fmt.Sprintf("Session(%d/%d on %s)", h.localID, h.RemoteID(), h.channel.Address())
}
