// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mftnet/mftnet-go/pkg/wire"
)

// streamChannel is a Channel on top of a byte stream, e.g., a TCP connection or
// a QUIC stream. Envelopes are written back to back.
type streamChannel struct {
	address string
	remote  net.Addr
	secure  bool

	conn io.ReadWriteCloser

	sendMutex sync.Mutex
	writer    *bufio.Writer

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newStreamChannel(address string, remote net.Addr, secure bool, conn io.ReadWriteCloser) *streamChannel {
	return &streamChannel{
		address: address,
		remote:  remote,
		secure:  secure,
		conn:    conn,
		writer:  bufio.NewWriter(conn),
		closed:  make(chan struct{}),
	}
}

func (ch *streamChannel) log() *log.Entry {
	return log.WithFields(log.Fields{
		"channel": ch.address,
		"remote":  ch.remote,
	})
}

func (ch *streamChannel) Address() string      { return ch.address }
func (ch *streamChannel) RemoteAddr() net.Addr { return ch.remote }
func (ch *streamChannel) Secure() bool         { return ch.secure }
func (ch *streamChannel) Done() <-chan struct{} {
	return ch.closed
}

func (ch *streamChannel) String() string {
	return ch.address
}

func (ch *streamChannel) Send(env wire.Envelope) error {
	select {
	case <-ch.closed:
		return ErrClosed
	default:
	}

	ch.sendMutex.Lock()
	defer ch.sendMutex.Unlock()

	if err := env.Marshal(ch.writer); err != nil {
		return fmt.Errorf("sending %v failed: %w", env, err)
	}
	if err := ch.writer.Flush(); err != nil {
		return fmt.Errorf("sending %v failed: %w", env, err)
	}
	return nil
}

// shutdown closes the underlying stream once and remembers the cause.
func (ch *streamChannel) shutdown(cause error) (first bool) {
	ch.closeOnce.Do(func() {
		first = true
		ch.closeErr = cause
		_ = ch.conn.Close()
		close(ch.closed)
	})
	return
}

func (ch *streamChannel) Close() error {
	ch.shutdown(nil)
	return nil
}

// serve reads Envelopes until the stream ends and reports them to the Handler.
// The Handler's Closed method is called afterwards.
func (ch *streamChannel) serve(h Handler) {
	reader := bufio.NewReader(ch.conn)

	var err error
	for {
		var env wire.Envelope
		if env, err = wire.ReadEnvelope(reader); err != nil {
			break
		}
		h.Received(ch, env)
	}

	select {
	case <-ch.closed:
		// Closed locally, the read error is only a consequence.
		err = ch.closeErr
	default:
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		ch.log().WithError(err).Debug("Stream channel ended")
		ch.shutdown(err)
	}

	h.Closed(ch, err)
}
