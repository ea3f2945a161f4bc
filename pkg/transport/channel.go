// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport carries wire.Envelopes over physical connections.
//
// A physical connection is represented by a Channel. Channels are either
// dialed by a Dialer or accepted by one of the Acceptors: TCP (optionally with
// TLS), WebSocket and QUIC. Incoming envelopes and the end of a Channel are
// reported to a Handler.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mftnet/mftnet-go/pkg/wire"
)

var (
	// ErrClosed is returned when sending on an already closed Channel.
	ErrClosed = errors.New("transport channel is closed")

	// ErrTLSUnsupported is returned when a secure connection was requested, but
	// no TLS configuration is available.
	ErrTLSUnsupported = errors.New("TLS is not supported by this transport")

	// ErrUnknownScheme is returned for addresses with an unsupported scheme.
	ErrUnknownScheme = errors.New("unknown transport scheme")
)

// Supported address schemes. An address without a scheme is a TCP address.
const (
	SchemeTCP       = "tcp"
	SchemeWebSocket = "ws"
	SchemeQUIC      = "quic"
)

// Channel is one physical connection to a remote host.
type Channel interface {
	// Address identifies this Channel's remote end and is used as the registry
	// key. Dialed Channels report their normalized dial address.
	Address() string

	// RemoteAddr is the remote network address.
	RemoteAddr() net.Addr

	// Send an Envelope. Send might be called concurrently.
	Send(env wire.Envelope) error

	// Close this Channel. Closing an already closed Channel is a no-op.
	Close() error

	// Done is closed after the Channel was closed, either locally or remotely.
	Done() <-chan struct{}

	// Secure reports whether this Channel is protected by TLS.
	Secure() bool
}

// Handler is informed about a Channel's life cycle.
type Handler interface {
	// Accepted is called for each inbound Channel before any Envelope is
	// delivered. Returning an error closes the Channel.
	Accepted(ch Channel) error

	// Received is called for each incoming Envelope, sequentially per Channel.
	Received(ch Channel, env wire.Envelope)

	// Closed is called exactly once after a Channel has ended. The error is nil
	// for a local Close.
	Closed(ch Channel, err error)
}

// Normalize an address into its "scheme://host:port[/path]" representation.
// Addresses without a scheme are treated as TCP addresses.
func Normalize(address string) (string, error) {
	if !strings.Contains(address, "://") {
		address = SchemeTCP + "://" + address
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", address, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("address %q has no host", address)
	}

	switch u.Scheme {
	case SchemeTCP, SchemeQUIC:
		return u.Scheme + "://" + u.Host, nil
	case SchemeWebSocket, "wss":
		return SchemeWebSocket + "://" + u.Host + u.Path, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScheme, u.Scheme)
	}
}

// splitAddress returns the scheme and the remainder of a normalized address.
func splitAddress(address string) (scheme, rest string, err error) {
	normalized, err := Normalize(address)
	if err != nil {
		return "", "", err
	}

	parts := strings.SplitN(normalized, "://", 2)
	return parts[0], parts[1], nil
}
