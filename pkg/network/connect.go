// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package network

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mftnet/mftnet-go/pkg/future"
	"github.com/mftnet/mftnet-go/pkg/hostdb"
	"github.com/mftnet/mftnet-go/pkg/registry"
	"github.com/mftnet/mftnet-go/pkg/session"
	"github.com/mftnet/mftnet-go/pkg/transport"
	"github.com/mftnet/mftnet-go/pkg/wire"
)

// peerIdentity is the expected answer of a peer connected by its host id.
type peerIdentity struct {
	hostID  string
	keyHash []byte
}

// admit consults the admission control up to twice the retry bound. It reports
// false if this host stayed overloaded for every step.
func (m *Manager) admit() bool {
	steps := 2 * m.config.Retries
	for step := 0; step < steps; step++ {
		if !m.admission.SleepIfOverloaded(step) {
			return true
		}
	}
	return false
}

// ConnectWithRetry opens a session to the address, retrying transient failures
// up to the configured bound with a fixed delay between two attempts. Any
// other failure aborts immediately. On failure, nil is returned and the cause is
// attached to the result Future, which might be nil.
func (m *Manager) ConnectWithRetry(address string, useTLS bool, result *future.Future) *session.Handle {
	return m.connectWithRetry(address, useTLS, result, nil)
}

// ConnectHost resolves a host id by the Credentials and connects to it like
// ConnectWithRetry. The peer's Valid answer must match the stored identity.
func (m *Manager) ConnectHost(hostID string, result *future.Future) *session.Handle {
	if result == nil {
		result = future.New()
	}

	if m.credentials == nil {
		result.Fail(future.NewResult(future.ConnectionImpossible, errors.New("no credentials configured"), false))
		return nil
	}

	address, useTLS, keyHash, err := m.credentials.Lookup(hostID)
	if err != nil {
		m.log().WithField("peer", hostID).WithError(err).Info("Cannot resolve host")
		result.Fail(future.NewResult(future.ConnectionImpossible, err, false))
		return nil
	}

	return m.connectWithRetry(address, useTLS, result, &peerIdentity{hostID: hostID, keyHash: keyHash})
}

func (m *Manager) connectWithRetry(address string, useTLS bool, result *future.Future, expect *peerIdentity) *session.Handle {
	if result == nil {
		result = future.New()
	}

	logger := m.log().WithFields(log.Fields{
		"address": address,
		"tls":     useTLS,
	})

	var lastErr error
	for attempt := 0; attempt < m.config.Retries; attempt++ {
		if attempt > 0 {
			m.sleep(m.config.RetryDelay)
		}

		h, err := m.connect(address, useTLS, result, expect)
		if err == nil {
			return h
		}
		lastErr = err

		if KindOf(err) != NetworkTransient {
			logger.WithField("attempt", attempt+1).WithError(err).Info("Connecting failed, not retrying")
			break
		}
		logger.WithField("attempt", attempt+1).WithError(err).Debug("Connecting failed")
	}

	logger.WithError(lastErr).Warn("Giving up connecting")
	result.Fail(resultFor(lastErr))
	return nil
}

// Connect opens one session to the address. Acceptors pass the admission
// control first. The returned error is an *Error of the kinds NetworkTransient,
// RemoteShutdown, NoConnection or LocalOverload.
func (m *Manager) Connect(address string, useTLS bool, result *future.Future) (*session.Handle, error) {
	return m.connect(address, useTLS, result, nil)
}

func (m *Manager) connect(address string, useTLS bool, result *future.Future, expect *peerIdentity) (*session.Handle, error) {
	if m.isClosed() {
		return nil, newError(NoConnection, address, "", ErrManagerClosed)
	}

	normalized, err := transport.Normalize(address)
	if err != nil {
		return nil, newError(NoConnection, address, "invalid address", err)
	}

	if !m.admit() {
		m.log().WithField("address", normalized).Warn("Admission refused, host is overloaded")
		return nil, newError(LocalOverload, normalized, "admission refused", nil)
	}

	pc, err := m.obtain(normalized, useTLS)
	if err != nil {
		return nil, err
	}

	h, err := m.openSession(pc, result)
	if err != nil {
		return nil, err
	}

	if err := m.handshake(h, expect); err != nil {
		return nil, err
	}

	m.log().WithFields(log.Fields{
		"address": normalized,
		"session": h.LocalID(),
		"remote":  h.RemoteID(),
	}).Info("Session established")
	return h, nil
}

func registryError(address string, err error) *Error {
	switch {
	case errors.Is(err, registry.ErrShuttingDown):
		return newError(RemoteShutdown, address, "", err)
	case errors.Is(err, registry.ErrClosed):
		return newError(NoConnection, address, "", ErrManagerClosed)
	default:
		return newError(NetworkTransient, address, "", err)
	}
}

// obtain retains the physical connection to an address, dialing a new one if
// none exists.
func (m *Manager) obtain(address string, useTLS bool) (*registry.PhysicalConnection, error) {
	pc, err := m.registry.Acquire(address)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return nil, registryError(address, err)
	}

	if err != nil {
		ch, dialErr := m.dial(address, useTLS)
		if dialErr != nil {
			return nil, dialErr
		}

		var created bool
		pc, created, err = m.registry.RetainOrCreate(ch)
		if err != nil {
			_ = ch.Close()
			return nil, registryError(address, err)
		}
		if !created && pc.Channel() != ch {
			_ = ch.Close()
		}
	}

	select {
	case <-pc.Channel().Done():
		m.registry.ForceRemove(pc)
		return nil, newError(NetworkTransient, address, "connection lost", transport.ErrClosed)
	default:
		return pc, nil
	}
}

// dial a new Channel. Concurrent dials of the same address share one attempt.
func (m *Manager) dial(address string, useTLS bool) (transport.Channel, error) {
	key := fmt.Sprintf("%s|%t", address, useTLS)
	v, err, _ := m.dialGroup.Do(key, func() (interface{}, error) {
		return m.dialer.Dial(context.Background(), address, useTLS, m)
	})

	switch {
	case err == nil:
		return v.(transport.Channel), nil
	case KindOf(err) != 0:
		return nil, err
	case errors.Is(err, transport.ErrTLSUnsupported), errors.Is(err, transport.ErrUnknownScheme):
		return nil, newError(NoConnection, address, "unsupported transport", err)
	default:
		return nil, newError(NetworkTransient, address, "dialing failed", err)
	}
}

// openSession creates a session on a retained connection. The reference is
// released on failure or, later, when the session is closed.
func (m *Manager) openSession(pc *registry.PhysicalConnection, result *future.Future) (*session.Handle, error) {
	h, err := m.sessions.Create(pc.Channel(), wire.NoChannel, result)
	if err != nil {
		m.registry.Release(pc, wire.NoChannel)
		return nil, newError(NoConnection, pc.Address(), "creating session failed", err)
	}

	h.SetReleaseHook(func() { m.registry.Release(pc, h.LocalID()) })

	if err := m.registry.Attach(pc, h); err != nil {
		h.Discard()
		return nil, registryError(pc.Address(), err)
	}
	return h, nil
}

// handshake performs the initiator's part: Startup, Authent and the awaited
// validation. A failed handshake closes the session.
func (m *Manager) handshake(h *session.Handle, expect *peerIdentity) error {
	address := h.Channel().Address()
	timeout := m.config.ConnectTimeout

	h.SetState(session.Opening)
	if err := h.Send(wire.Startup, nil); err != nil {
		return m.abortHandshake(h, future.Disconnection, newError(NoConnection, address, "sending Startup failed", err), false)
	}

	startup := h.FutureValidateStartup()
	if !startup.Await(timeout) {
		return m.abortHandshake(h, future.Disconnection, newError(NoConnection, address, "Startup timed out", nil), false)
	} else if !startup.IsSuccess() {
		res := startup.Result()
		return m.abortHandshake(h, res.Code, newError(NoConnection, address, "Startup failed", res.Cause), res.Answered)
	}

	h.SetState(session.Authenticating)
	payload, err := wire.Encode(&wire.AuthentPacket{
		HostID:  m.config.HostID,
		KeyHash: m.keyHash,
		LocalID: h.LocalID(),
	})
	if err == nil {
		err = h.Send(wire.Authent, payload)
	}
	if err != nil {
		return m.abortHandshake(h, future.Disconnection, newError(NoConnection, address, "sending Authent failed", err), false)
	}

	validate := h.FutureValidateConnection()
	if !validate.Await(timeout) {
		return m.abortHandshake(h, future.Disconnection, newError(NoConnection, address, "validation timed out", nil), false)
	} else if !validate.IsSuccess() {
		res := validate.Result()
		return m.abortHandshake(h, res.Code, newError(NoConnection, address, "validation failed", res.Cause), res.Answered)
	}

	if expect != nil {
		valid, _ := validate.Result().Other.(wire.ValidPacket)
		if valid.HostID != expect.hostID || !hostdb.VerifyKeyHash(expect.keyHash, valid.KeyHash) {
			msg := fmt.Sprintf("peer answered as %q, expected %q", valid.HostID, expect.hostID)
			return m.abortHandshake(h, future.BadAuthent, newError(NoConnection, address, msg, hostdb.ErrBadCredential), false)
		}
	}

	h.SetState(session.Running)
	return nil
}

// abortHandshake fails the session's Result, informs the peer if it does not
// know about the failure yet and closes the session.
func (m *Manager) abortHandshake(h *session.Handle, code future.Code, err *Error, answered bool) error {
	h.Result().Fail(future.NewResult(code, err, answered))

	if !answered && h.RemoteID() != wire.NoChannel {
		m.sendSessionError(h, code, err.Error())
	}
	h.Discard()

	m.log().WithFields(log.Fields{
		"session":  h.LocalID(),
		"code":     code,
		"answered": answered,
	}).WithError(err).Info("Handshake failed")
	return err
}

func (m *Manager) sendSessionError(h *session.Handle, code future.Code, msg string) {
	payload, err := wire.Encode(&wire.ConnectionErrorPacket{Code: uint8(code), Message: msg})
	if err == nil {
		err = h.Send(wire.ConnectionError, payload)
	}
	if err != nil {
		m.log().WithField("session", h.LocalID()).WithError(err).Debug("Sending ConnectionError failed")
	}
}
