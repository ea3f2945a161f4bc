// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package network multiplexes logical sessions onto shared physical
// connections.
//
// A Manager creates or reuses a physical connection per remote address, opens
// sessions on top of it, performs the authenticated handshake, and coordinates
// the graceful shutdown of connections. Accepting hosts are protected by
// admission control, which delays or refuses new connections while this host
// is overloaded.
package network

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/mftnet/mftnet-go/pkg/admission"
	"github.com/mftnet/mftnet-go/pkg/executor"
	"github.com/mftnet/mftnet-go/pkg/future"
	"github.com/mftnet/mftnet-go/pkg/hostdb"
	"github.com/mftnet/mftnet-go/pkg/registry"
	"github.com/mftnet/mftnet-go/pkg/session"
	"github.com/mftnet/mftnet-go/pkg/transport"
	"github.com/mftnet/mftnet-go/pkg/wire"
)

// Dialer opens outgoing transport Channels. Received envelopes of a dialed
// Channel must be passed to the Handler.
type Dialer interface {
	Dial(ctx context.Context, address string, useTLS bool, h transport.Handler) (transport.Channel, error)
}

// Credentials resolves and verifies peer hosts, e.g., a hostdb.Store.
type Credentials interface {
	// Lookup a host's address, TLS flag and expected key hash.
	Lookup(hostID string) (address string, useTLS bool, keyHash []byte, err error)

	// Authenticate a host's presented key hash.
	Authenticate(hostID string, keyHash []byte) error
}

// SessionHandler is informed about every successfully authenticated inbound
// session. It must not block.
type SessionHandler func(h *session.Handle, hostID string)

// Manager of physical connections and their sessions. It is safe for
// concurrent use.
type Manager struct {
	config  Config
	keyHash []byte

	registry  *registry.Registry
	sessions  *session.Table
	admission *admission.Controller
	clients   *clientIndex

	dialer      Dialer
	dialGroup   singleflight.Group
	acceptors   []transport.Acceptor
	credentials Credentials
	persistence io.Closer
	onSession   SessionHandler

	executor *executor.Executor

	// sleep between retries and exit after CloseAll might be replaced for testing.
	sleep func(time.Duration)
	exit  func(int)

	closeOnce sync.Once
	closed    chan struct{}

	// stop{Syn,Ack} supervise the keepalive loop, see CloseAll()
	stopSyn chan struct{}
	stopAck chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the default transport.Dialer.
func WithDialer(dialer Dialer) Option {
	return func(m *Manager) {
		m.dialer = dialer
	}
}

// WithCredentials sets the host lookup used for ConnectHost and inbound
// authentication. Without, inbound sessions are rejected.
func WithCredentials(credentials Credentials) Option {
	return func(m *Manager) {
		m.credentials = credentials
	}
}

// WithLoadSampler sets the CPU load sampler of the admission control.
func WithLoadSampler(sampler admission.LoadSampler) Option {
	return func(m *Manager) {
		m.admission = admission.NewController(m.config.Admission, sampler, m)
	}
}

// WithPersistence registers a shared store to be closed by CloseAll.
func WithPersistence(persistence io.Closer) Option {
	return func(m *Manager) {
		m.persistence = persistence
	}
}

// WithAcceptors registers acceptors to be started by Start.
func WithAcceptors(acceptors ...transport.Acceptor) Option {
	return func(m *Manager) {
		m.acceptors = append(m.acceptors, acceptors...)
	}
}

// WithSessionHandler sets the callback for authenticated inbound sessions.
func WithSessionHandler(handler SessionHandler) Option {
	return func(m *Manager) {
		m.onSession = handler
	}
}

// NewManager creates a Manager. Inbound connections are accepted only after Start.
func NewManager(config Config, opts ...Option) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	sampler, err := admission.NewSampler(config.LoadSampler)
	if err != nil {
		return nil, err
	}

	workers := config.Workers
	if workers < 1 {
		workers = 1
	}

	m := &Manager{
		config:   config,
		keyHash:  hostdb.HashKey(config.Secret),
		sessions: session.NewTable(),
		clients:  newClientIndex(),
		executor: executor.New("network", workers),

		sleep: time.Sleep,
		exit:  os.Exit,

		closed:  make(chan struct{}),
		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}

	m.registry = registry.New(2*config.ConnectTimeout, registry.WithEvictCallback(m.clients.remove))
	m.admission = admission.NewController(config.Admission, sampler, m)
	m.dialer = transport.NewDialer(nil, config.ConnectTimeout)

	for _, opt := range opts {
		opt(m)
	}

	go m.keepAliveHandler()

	return m, nil
}

func (m *Manager) log() *log.Entry {
	return log.WithFields(log.Fields{
		"host":     m.config.HostID,
		"acceptor": m.config.Admission.Acceptor,
	})
}

// Start all registered acceptors.
func (m *Manager) Start() (err error) {
	for _, acceptor := range m.acceptors {
		if startErr := acceptor.Start(m); startErr != nil {
			err = multierror.Append(err, startErr)
			continue
		}
		m.log().WithField("acceptor", acceptor.Address()).Info("Started acceptor")
	}
	return
}

// Config of this Manager.
func (m *Manager) Config() Config {
	return m.config
}

// Registry of physical connections.
func (m *Manager) Registry() *registry.Registry {
	return m.registry
}

// Sessions table of this Manager.
func (m *Manager) Sessions() *session.Table {
	return m.sessions
}

// Admission control of this Manager.
func (m *Manager) Admission() *admission.Controller {
	return m.admission
}

// PhysicalConnections is the amount of active physical connections.
func (m *Manager) PhysicalConnections() int {
	return m.registry.Len()
}

// LogicalSessions is the amount of open sessions.
func (m *Manager) LogicalSessions() int {
	return m.sessions.Len()
}

// ExistConnection counts the physical connection to an address, if any, and
// the connections the host opened as a client to this one.
func (m *Manager) ExistConnection(address, hostID string) (count int) {
	if address != "" {
		if normalized, err := transport.Normalize(address); err == nil && m.registry.Count(normalized) > 0 {
			count++
		}
	}
	if hostID != "" {
		count += m.clients.count(hostID)
	}
	return
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *Manager) keepAliveHandler() {
	defer close(m.stopAck)

	if m.config.KeepAliveInterval <= 0 {
		<-m.stopSyn
		return
	}

	ticker := time.NewTicker(m.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSyn:
			return

		case <-ticker.C:
			for _, pc := range m.registry.Connections() {
				if err := pc.Channel().Send(wire.NewConnectionEnvelope(wire.KeepAlive, nil)); err != nil {
					m.log().WithField("connection", pc.Address()).WithError(err).Debug("Sending KeepAlive failed")
				}
			}
		}
	}
}

// failSessions fails the Result of every session attached to a connection.
func (m *Manager) failSessions(pc *registry.PhysicalConnection, result *future.Result) {
	for _, id := range pc.Sessions() {
		if h, ok := m.sessions.Lookup(id); ok {
			h.Result().Fail(result)
		}
	}
}

// sendShutdown announces the teardown of a connection to its peer.
func (m *Manager) sendShutdown(ch transport.Channel, code future.Code) {
	payload, err := wire.Encode(&wire.ShutdownPacket{Code: uint8(code)})
	if err == nil {
		err = ch.Send(wire.NewConnectionEnvelope(wire.Shutdown, payload))
	}
	if err != nil {
		m.log().WithField("connection", ch.Address()).WithError(err).Debug("Sending Shutdown failed")
	}
}

// ShutdownNetworkChannel gracefully shuts down the connection to an address.
// The peer is informed and every session fails with a Shutdown result. It
// reports whether this call started the shutdown.
func (m *Manager) ShutdownNetworkChannel(address string) bool {
	normalized, err := transport.Normalize(address)
	if err != nil {
		m.log().WithField("address", address).WithError(err).Warn("Cannot shut down invalid address")
		return false
	}

	if m.registry.IsAddressShuttingDown(normalized) {
		return false
	}

	for _, pc := range m.registry.Connections() {
		if pc.Address() == normalized {
			m.sendShutdown(pc.Channel(), future.Shutdown)
			m.failSessions(pc, future.NewResult(future.Shutdown, ErrRemoteShutdown, false))
		}
	}
	return m.registry.BeginShutdown(normalized, nil)
}

// ShutdownChannel gracefully shuts down the connection of a transport Channel.
func (m *Manager) ShutdownChannel(ch transport.Channel) bool {
	if m.registry.IsShuttingDown(ch) {
		return false
	}

	m.sendShutdown(ch, future.Shutdown)
	if pc, ok := m.registry.Lookup(ch); ok {
		m.failSessions(pc, future.NewResult(future.Shutdown, ErrRemoteShutdown, false))
	}
	return m.registry.BeginShutdown(ch.Address(), ch)
}

// DropHost forcibly closes every connection a host opened to this one as a
// client. It returns the amount of closed connections.
func (m *Manager) DropHost(hostID string) int {
	pcs := m.clients.take(hostID)
	for _, pc := range pcs {
		m.failSessions(pc, future.NewResult(future.Disconnection, ErrNoConnection, false))
		m.registry.ForceRemove(pc)
	}

	m.log().WithFields(log.Fields{
		"peer":        hostID,
		"connections": len(pcs),
	}).Info("Dropped client connections of host")
	return len(pcs)
}

// CloseAll tears down this Manager. After a short drain, the background
// executor stops and every connection is closed, followed by the acceptors,
// the dialer and the persistence store. A pure client schedules its own exit
// afterwards, if configured.
func (m *Manager) CloseAll() (err error) {
	m.closeOnce.Do(func() {
		close(m.closed)

		if m.config.DrainDelay > 0 {
			m.sleep(m.config.DrainDelay)
		}

		m.executor.Stop()

		close(m.stopSyn)
		<-m.stopAck

		shutdown := future.NewResult(future.Shutdown, ErrManagerClosed, false)
		for _, pc := range m.registry.Connections() {
			m.sendShutdown(pc.Channel(), future.Shutdown)
			m.failSessions(pc, shutdown)
		}
		closedConns := m.registry.Close()

		for _, acceptor := range m.acceptors {
			if closeErr := acceptor.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}
		if closer, ok := m.dialer.(io.Closer); ok {
			if closeErr := closer.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}
		if m.persistence != nil {
			if closeErr := m.persistence.Close(); closeErr != nil {
				err = multierror.Append(err, closeErr)
			}
		}

		logger := m.log().WithField("connections", closedConns)
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Info("Network manager closed")

		if !m.config.Admission.Acceptor && m.config.ExitDelay > 0 {
			m.log().WithField("delay", m.config.ExitDelay).Info("Scheduling exit of client process")
			time.AfterFunc(m.config.ExitDelay, func() { m.exit(0) })
		}
	})
	return
}
