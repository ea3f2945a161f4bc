// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

const (
	// quicNoError is sent on an orderly close.
	quicNoError quic.ApplicationErrorCode = 0

	// quicStreamError is sent when the envelope stream could not be set up.
	quicStreamError quic.ApplicationErrorCode = 1
)

// quicConfig is shared by QUIC dialers and acceptors.
func quicConfig(timeout time.Duration) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: timeout,
		KeepAlivePeriod:      5 * time.Second,
		MaxIdleTimeout:       3 * timeout,
	}
}

// quicStream glues a QUIC connection's single bidirectional stream to an
// io.ReadWriteCloser. Closing it closes the whole QUIC connection.
type quicStream struct {
	quic.Stream
	conn quic.Connection
}

func (qs quicStream) Close() error {
	return qs.conn.CloseWithError(quicNoError, "closing")
}

func dialQUIC(ctx context.Context, address string, tlsConfig *tls.Config, timeout time.Duration) (*streamChannel, error) {
	_, hostPort, err := splitAddress(address)
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, hostPort, tlsConfig, quicConfig(timeout))
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicStreamError, "opening stream failed")
		return nil, err
	}

	return newStreamChannel(address, conn.RemoteAddr(), true, quicStream{Stream: stream, conn: conn}), nil
}

// QUICAcceptor accepts QUIC connections. Each connection carries exactly one
// bidirectional stream, opened by the dialing side.
type QUICAcceptor struct {
	listenAddress string
	tlsConfig     *tls.Config
	timeout       time.Duration

	mutex    sync.Mutex
	listener *quic.Listener

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewQUICAcceptor for the given UDP listen address. QUIC always requires a
// tls.Config.
func NewQUICAcceptor(listenAddress string, tlsConfig *tls.Config, timeout time.Duration) *QUICAcceptor {
	return &QUICAcceptor{
		listenAddress: listenAddress,
		tlsConfig:     tlsConfig,
		timeout:       timeout,

		stopSyn: make(chan struct{}),
		stopAck: make(chan struct{}),
	}
}

func (acceptor *QUICAcceptor) log() *log.Entry {
	return log.WithField("acceptor", acceptor.String())
}

// Start listening.
func (acceptor *QUICAcceptor) Start(h Handler) error {
	if acceptor.tlsConfig == nil {
		return ErrTLSUnsupported
	}

	ln, err := quic.ListenAddr(acceptor.listenAddress, acceptor.tlsConfig, quicConfig(acceptor.timeout))
	if err != nil {
		return err
	}

	acceptor.mutex.Lock()
	acceptor.listener = ln
	acceptor.mutex.Unlock()

	acceptor.log().Info("QUIC acceptor started")

	go func() {
		defer close(acceptor.stopAck)

		for {
			conn, err := ln.Accept(context.Background())
			if err != nil {
				select {
				case <-acceptor.stopSyn:
				default:
					acceptor.log().WithError(err).Warn("QUIC acceptor stopped accepting")
				}
				return
			}

			go acceptor.handle(conn, h)
		}
	}()

	return nil
}

func (acceptor *QUICAcceptor) handle(conn quic.Connection, h Handler) {
	ctx, cancel := context.WithTimeout(context.Background(), acceptor.timeout)
	stream, err := conn.AcceptStream(ctx)
	cancel()

	if err != nil {
		acceptor.log().WithError(err).WithField("remote", conn.RemoteAddr()).Info("QUIC peer opened no stream")
		_ = conn.CloseWithError(quicStreamError, "no stream")
		return
	}

	address := SchemeQUIC + "://" + conn.RemoteAddr().String()
	ch := newStreamChannel(address, conn.RemoteAddr(), true, quicStream{Stream: stream, conn: conn})
	if err := h.Accepted(ch); err != nil {
		ch.log().WithError(err).Info("Inbound channel was refused")
		ch.shutdown(err)
		return
	}

	ch.serve(h)
}

// Close the QUIC listener.
func (acceptor *QUICAcceptor) Close() error {
	acceptor.mutex.Lock()
	ln := acceptor.listener
	acceptor.mutex.Unlock()

	close(acceptor.stopSyn)
	if ln == nil {
		return nil
	}

	err := ln.Close()
	<-acceptor.stopAck

	return err
}

// Address this QUICAcceptor is bound to.
func (acceptor *QUICAcceptor) Address() string {
	acceptor.mutex.Lock()
	defer acceptor.mutex.Unlock()

	if acceptor.listener == nil {
		return acceptor.listenAddress
	}
	return acceptor.listener.Addr().String()
}

func (acceptor *QUICAcceptor) String() string {
	return fmt.Sprintf("%s://%s", SchemeQUIC, acceptor.Address())
}
