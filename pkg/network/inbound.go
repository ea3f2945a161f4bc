// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package network

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mftnet/mftnet-go/pkg/future"
	"github.com/mftnet/mftnet-go/pkg/session"
	"github.com/mftnet/mftnet-go/pkg/transport"
	"github.com/mftnet/mftnet-go/pkg/wire"
)

var _ transport.Handler = (*Manager)(nil)

// errSessionClosed is the cause of a session closed by its peer.
var errSessionClosed = errors.New("session closed by peer")

// Accepted passes a new inbound Channel through the admission control. An
// overloaded host answers with a connection-level ConnectionError and shuts the
// address down.
func (m *Manager) Accepted(ch transport.Channel) error {
	if m.isClosed() {
		return ErrManagerClosed
	}

	if m.admit() {
		m.log().WithField("connection", ch.Address()).Debug("Accepted inbound connection")
		return nil
	}

	m.log().WithField("connection", ch.Address()).Warn("Refusing inbound connection, host is overloaded")
	m.sendConnectionError(ch, wire.NoChannel, future.ServerOverloaded, "host overloaded")
	m.registry.BeginShutdown(ch.Address(), ch)
	return newError(LocalOverload, ch.Address(), "admission refused", nil)
}

// Closed handles a Channel which ended without an orderly teardown. Its
// sessions fail and the connection is removed regardless of its references.
func (m *Manager) Closed(ch transport.Channel, err error) {
	pc, ok := m.registry.Lookup(ch)
	if !ok || pc.Evicted() {
		return
	}

	m.log().WithField("connection", ch.Address()).WithError(err).Info("Physical connection lost")

	cause := newError(NetworkTransient, ch.Address(), "connection lost", err)
	m.failSessions(pc, future.NewResult(future.Disconnection, cause, false))
	m.registry.ForceRemove(pc)
}

// Received dispatches an inbound envelope to its session.
func (m *Manager) Received(ch transport.Channel, env wire.Envelope) {
	if env.IsConnectionLevel() {
		m.receivedConnectionLevel(ch, env)
		return
	}

	if env.LocalID == wire.NoChannel {
		if env.Code != wire.Startup {
			m.sendConnectionError(ch, env.RemoteID, future.ProtocolViolation,
				fmt.Sprintf("%v without a session", env.Code))
			return
		}
		if _, err := m.CreateConnectionFromInboundStartup(ch, env); err != nil {
			m.log().WithFields(log.Fields{
				"connection": ch.Address(),
				"remote":     env.RemoteID,
			}).WithError(err).Info("Refused inbound session")
		}
		return
	}

	h, ok := m.sessions.Lookup(env.LocalID)
	if !ok || h.Channel() != ch {
		if env.Code != wire.Close && env.Code != wire.ConnectionError {
			m.sendConnectionError(ch, env.RemoteID, future.QueryRemotelyUnknown,
				fmt.Sprintf("unknown session %d", env.LocalID))
		}
		return
	}

	switch env.Code {
	case wire.Startup:
		if h.State() != session.Opening || h.RemoteID() != wire.NoChannel {
			m.abortSession(h, future.ProtocolViolation,
				newError(ProtocolViolation, ch.Address(), fmt.Sprintf("Startup in state %v", h.State()), nil))
			return
		}
		h.SetRemoteID(env.RemoteID)
		h.FutureValidateStartup().Success(nil)

	case wire.Authent:
		m.receivedAuthent(h, env)

	case wire.Valid:
		var valid wire.ValidPacket
		if err := wire.Decode(env.Payload, &valid); err != nil {
			m.rejectSession(h, future.ProtocolViolation, newError(ProtocolViolation, ch.Address(), "malformed Valid", err))
			return
		}
		h.FutureValidateConnection().Success(&future.Result{Code: future.Completed, Answered: true, Other: valid})

	case wire.ConnectionError:
		res := decodeConnectionError(env.Payload)
		h.FutureValidateStartup().Fail(res)
		h.FutureValidateConnection().Fail(res)
		h.Result().Fail(res)
		h.Discard()

	case wire.Close:
		h.Result().Fail(future.NewResult(future.Disconnection, errSessionClosed, true))
		h.Discard()

	case wire.Data:
		if !h.Deliver(env) {
			m.log().WithField("session", h.LocalID()).Debug("Dropped Data for closed session")
		}

	default:
		m.abortSession(h, future.ProtocolViolation,
			newError(ProtocolViolation, ch.Address(), fmt.Sprintf("unexpected %v", env.Code), nil))
	}
}

func (m *Manager) receivedConnectionLevel(ch transport.Channel, env wire.Envelope) {
	logger := m.log().WithFields(log.Fields{
		"connection": ch.Address(),
		"code":       env.Code,
	})

	switch env.Code {
	case wire.KeepAlive:

	case wire.Shutdown:
		var packet wire.ShutdownPacket
		if err := wire.Decode(env.Payload, &packet); err != nil {
			logger.WithError(err).Debug("Malformed Shutdown, shutting down anyway")
		}
		logger.Info("Peer shuts down the physical connection")

		if pc, ok := m.registry.Lookup(ch); ok {
			m.failSessions(pc, future.NewResult(future.RemoteShutdown, ErrRemoteShutdown, true))
		}
		m.registry.BeginShutdown(ch.Address(), ch)

	case wire.ConnectionError:
		res := decodeConnectionError(env.Payload)
		logger.WithField("result", res).Info("Peer rejected the physical connection")

		if pc, ok := m.registry.Lookup(ch); ok {
			m.failSessions(pc, res)
			m.registry.ForceRemove(pc)
		} else {
			_ = ch.Close()
		}

	default:
		logger.Warn("Dropping unexpected connection-level packet")
	}
}

func decodeConnectionError(payload []byte) *future.Result {
	var packet wire.ConnectionErrorPacket
	if err := wire.Decode(payload, &packet); err != nil {
		return future.NewResult(future.ProtocolViolation, err, true)
	}
	return future.NewResult(future.Code(packet.Code), fmt.Errorf("peer: %s", packet.Message), true)
}

// sendConnectionError to a peer's session, or to the whole connection for
// wire.NoChannel, without any local session.
func (m *Manager) sendConnectionError(ch transport.Channel, remoteID int32, code future.Code, msg string) {
	payload, err := wire.Encode(&wire.ConnectionErrorPacket{Code: uint8(code), Message: msg})
	if err == nil {
		err = ch.Send(wire.NewEnvelope(wire.NoChannel, remoteID, wire.ConnectionError, payload))
	}
	if err != nil {
		m.log().WithField("connection", ch.Address()).WithError(err).Debug("Sending ConnectionError failed")
	}
}

// rejectSession fails a session's validation, informs the peer and closes the
// session. Nothing happens if the validation was already completed.
func (m *Manager) rejectSession(h *session.Handle, code future.Code, err error) bool {
	res := future.NewResult(code, err, false)
	if !h.FutureValidateConnection().Fail(res) && h.FutureValidateConnection().IsSuccess() {
		return false
	}

	m.abortSession(h, code, err)
	return true
}

// abortSession fails and closes a session in any state, informing the peer.
// Other sessions on the same connection are not affected.
func (m *Manager) abortSession(h *session.Handle, code future.Code, err error) {
	res := future.NewResult(code, err, false)
	h.FutureValidateStartup().Fail(res)
	h.FutureValidateConnection().Fail(res)
	h.Result().Fail(res)
	m.sendSessionError(h, code, err.Error())
	h.Discard()

	m.log().WithFields(log.Fields{
		"session": h.LocalID(),
		"code":    code,
	}).WithError(err).Info("Aborted session")
}

// CreateConnectionFromInboundStartup registers a session for an inbound Startup.
// The Channel's connection is reused or created and the new session echoes the
// Startup with both ids. The peer must authenticate within the connect timeout.
func (m *Manager) CreateConnectionFromInboundStartup(ch transport.Channel, env wire.Envelope) (*session.Handle, error) {
	if m.isClosed() {
		m.sendConnectionError(ch, env.RemoteID, future.Shutdown, "host shutting down")
		return nil, newError(NoConnection, ch.Address(), "", ErrManagerClosed)
	}

	pc, _, err := m.registry.RetainOrCreate(ch)
	if err != nil {
		rerr := registryError(ch.Address(), err)
		m.sendConnectionError(ch, env.RemoteID, resultCode(rerr.Kind), rerr.Error())
		return nil, rerr
	}
	if pc.Channel() != ch {
		m.registry.Release(pc, wire.NoChannel)
		m.sendConnectionError(ch, env.RemoteID, future.Internal, "address in use")
		return nil, newError(NetworkTransient, ch.Address(), "address in use by another channel", nil)
	}

	h, err := m.sessions.Create(ch, env.RemoteID, nil)
	if err != nil {
		m.registry.Release(pc, wire.NoChannel)
		m.sendConnectionError(ch, env.RemoteID, future.ServerOverloaded, err.Error())
		return nil, newError(LocalOverload, ch.Address(), "creating session failed", err)
	}

	h.SetReleaseHook(func() { m.registry.Release(pc, h.LocalID()) })

	if err := m.registry.Attach(pc, h); err != nil {
		rerr := registryError(ch.Address(), err)
		m.sendSessionError(h, resultCode(rerr.Kind), rerr.Error())
		h.Discard()
		return nil, rerr
	}

	h.FutureValidateStartup().Success(nil)
	h.SetState(session.Authenticating)

	if err := h.Send(wire.Startup, nil); err != nil {
		h.Discard()
		return nil, newError(NetworkTransient, ch.Address(), "echoing Startup failed", err)
	}

	time.AfterFunc(m.config.ConnectTimeout, func() {
		if h.FutureValidateConnection().IsDone() {
			return
		}
		m.rejectSession(h, future.BadAuthent, newError(NoConnection, ch.Address(), "authentication timed out", nil))
	})

	m.log().WithFields(log.Fields{
		"connection": ch.Address(),
		"session":    h.LocalID(),
		"remote":     env.RemoteID,
	}).Debug("Created inbound session")
	return h, nil
}

// receivedAuthent validates an inbound Authent in the background.
func (m *Manager) receivedAuthent(h *session.Handle, env wire.Envelope) {
	address := h.Channel().Address()

	var packet wire.AuthentPacket
	if err := wire.Decode(env.Payload, &packet); err != nil {
		m.rejectSession(h, future.ProtocolViolation, newError(ProtocolViolation, address, "malformed Authent", err))
		return
	} else if packet.LocalID != env.RemoteID {
		msg := fmt.Sprintf("Authent names session %d, sent by %d", packet.LocalID, env.RemoteID)
		m.rejectSession(h, future.ProtocolViolation, newError(ProtocolViolation, address, msg, nil))
		return
	}

	task := func() {
		if err := m.authenticate(packet.HostID, packet.KeyHash); err != nil {
			m.rejectSession(h, future.BadAuthent, newError(NoConnection, address, "authentication of "+packet.HostID, err))
			return
		}

		if !h.FutureValidateConnection().Success(&future.Result{Code: future.Completed, Other: packet.HostID}) {
			return
		}

		payload, err := wire.Encode(&wire.ValidPacket{HostID: m.config.HostID, KeyHash: m.keyHash})
		if err == nil {
			err = h.Send(wire.Valid, payload)
		}
		if err != nil {
			m.log().WithField("session", h.LocalID()).WithError(err).Info("Sending Valid failed")
			h.Discard()
			return
		}

		h.SetState(session.Running)
		if pc, ok := m.registry.Lookup(h.Channel()); ok && !m.clients.add(packet.HostID, pc) {
			m.log().WithField("peer", packet.HostID).Debug("Connection was evicted during authentication")
		}

		m.log().WithFields(log.Fields{
			"peer":    packet.HostID,
			"session": h.LocalID(),
		}).Info("Authenticated inbound session")

		if m.onSession != nil {
			m.onSession(h, packet.HostID)
		}
	}

	if err := m.executor.Submit(task); err != nil {
		m.rejectSession(h, future.Shutdown, newError(NoConnection, address, "", err))
	}
}

func (m *Manager) authenticate(hostID string, keyHash []byte) error {
	if m.credentials == nil {
		return errors.New("no credentials configured")
	}
	return m.credentials.Authenticate(hostID, keyHash)
}
