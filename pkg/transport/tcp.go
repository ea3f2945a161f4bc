// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Acceptor accepts inbound Channels and reports them to a Handler.
type Acceptor interface {
	// Start listening. Each accepted Channel is passed to the Handler's
	// Accepted method first.
	Start(h Handler) error

	// Close stops listening. Already accepted Channels are not closed.
	Close() error

	// Address is the address this Acceptor is bound to, available after Start.
	Address() string
}

// TCPAcceptor accepts plain TCP connections or, if configured with a
// tls.Config, TLS connections.
type TCPAcceptor struct {
	listenAddress string
	tlsConfig     *tls.Config
	timeout       time.Duration

	addrMutex sync.Mutex
	boundAddr net.Addr

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewTCPAcceptor for the given listen address. A nil tlsConfig results in
// plain TCP connections. The timeout bounds the TLS handshake.
func NewTCPAcceptor(listenAddress string, tlsConfig *tls.Config, timeout time.Duration) *TCPAcceptor {
	return &TCPAcceptor{
		listenAddress: listenAddress,
		tlsConfig:     tlsConfig,
		timeout:       timeout,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

func (acceptor *TCPAcceptor) log() *log.Entry {
	return log.WithFields(log.Fields{
		"acceptor": acceptor.String(),
		"tls":      acceptor.tlsConfig != nil,
	})
}

// Start listening on the configured TCP address.
func (acceptor *TCPAcceptor) Start(h Handler) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", acceptor.listenAddress)
	if err != nil {
		return err
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}

	acceptor.addrMutex.Lock()
	acceptor.boundAddr = ln.Addr()
	acceptor.addrMutex.Unlock()

	acceptor.log().Info("TCP acceptor started")

	go func(ln *net.TCPListener) {
		for {
			select {
			case <-acceptor.stopSyn:
				_ = ln.Close()
				close(acceptor.stopAck)

				return

			default:
				if err := ln.SetDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
					acceptor.log().WithError(err).Error("TCP acceptor failed to set deadline on TCP socket")

					_ = ln.Close()
					<-acceptor.stopSyn
					close(acceptor.stopAck)
					return
				} else if conn, err := ln.Accept(); err == nil {
					go acceptor.handle(conn, h)
				}
			}
		}
	}(ln)

	return nil
}

func (acceptor *TCPAcceptor) handle(conn net.Conn, h Handler) {
	secure := false

	if acceptor.tlsConfig != nil {
		tlsConn := tls.Server(conn, acceptor.tlsConfig)

		ctx, cancel := context.WithTimeout(context.Background(), acceptor.timeout)
		err := tlsConn.HandshakeContext(ctx)
		cancel()

		if err != nil {
			acceptor.log().WithError(err).WithField("remote", conn.RemoteAddr()).Info("TLS handshake failed")
			_ = conn.Close()
			return
		}

		conn = tlsConn
		secure = true
	}

	ch := newStreamChannel(SchemeTCP+"://"+conn.RemoteAddr().String(), conn.RemoteAddr(), secure, conn)
	if err := h.Accepted(ch); err != nil {
		ch.log().WithError(err).Info("Inbound channel was refused")
		ch.shutdown(err)
		return
	}

	ch.serve(h)
}

// Close this TCPAcceptor.
func (acceptor *TCPAcceptor) Close() error {
	acceptor.addrMutex.Lock()
	started := acceptor.boundAddr != nil
	acceptor.addrMutex.Unlock()

	close(acceptor.stopSyn)
	if started {
		<-acceptor.stopAck
	}

	return nil
}

// Address this TCPAcceptor is bound to.
func (acceptor *TCPAcceptor) Address() string {
	acceptor.addrMutex.Lock()
	defer acceptor.addrMutex.Unlock()

	if acceptor.boundAddr == nil {
		return acceptor.listenAddress
	}
	return acceptor.boundAddr.String()
}

func (acceptor *TCPAcceptor) String() string {
	return fmt.Sprintf("%s://%s", SchemeTCP, acceptor.Address())
}
