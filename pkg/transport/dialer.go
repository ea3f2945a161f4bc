// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Dialer establishes outbound Channels for "tcp", "ws" and "quic" addresses.
type Dialer struct {
	// TLSConfig is used for secure connections. Without it, secure connections
	// fail with ErrTLSUnsupported.
	TLSConfig *tls.Config

	// Timeout bounds connecting, including a TLS handshake.
	Timeout time.Duration
}

// NewDialer with an optional tls.Config.
func NewDialer(tlsConfig *tls.Config, timeout time.Duration) *Dialer {
	return &Dialer{
		TLSConfig: tlsConfig,
		Timeout:   timeout,
	}
}

func (dialer *Dialer) timeout() time.Duration {
	if dialer.Timeout <= 0 {
		return 30 * time.Second
	}
	return dialer.Timeout
}

// Dial the address and start reading from the new Channel, reporting to h.
// QUIC connections are always secured and require a TLSConfig.
func (dialer *Dialer) Dial(ctx context.Context, address string, useTLS bool, h Handler) (Channel, error) {
	address, err := Normalize(address)
	if err != nil {
		return nil, err
	}
	scheme, rest, err := splitAddress(address)
	if err != nil {
		return nil, err
	}

	if (useTLS || scheme == SchemeQUIC) && dialer.TLSConfig == nil {
		return nil, fmt.Errorf("%w: %s", ErrTLSUnsupported, address)
	}

	ctx, cancel := context.WithTimeout(ctx, dialer.timeout())
	defer cancel()

	logger := log.WithFields(log.Fields{
		"address": address,
		"tls":     useTLS,
	})

	switch scheme {
	case SchemeTCP:
		conn, err := netDialer(dialer.timeout()).DialContext(ctx, "tcp", rest)
		if err != nil {
			return nil, err
		}

		if useTLS {
			tlsConn := tls.Client(conn, dialer.clientConfig(rest))
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				_ = conn.Close()
				return nil, fmt.Errorf("TLS handshake with %s failed: %w", address, err)
			}
			conn = tlsConn
		}

		ch := newStreamChannel(address, conn.RemoteAddr(), useTLS, conn)
		go ch.serve(h)

		logger.Debug("Dialed TCP channel")
		return ch, nil

	case SchemeWebSocket:
		var tlsConfig *tls.Config
		if useTLS {
			tlsConfig = dialer.clientConfig(rest)
		}

		ch, err := dialWebSocket(ctx, address, tlsConfig, dialer.timeout())
		if err != nil {
			return nil, err
		}
		go ch.serve(h)

		logger.Debug("Dialed WebSocket channel")
		return ch, nil

	case SchemeQUIC:
		ch, err := dialQUIC(ctx, address, dialer.clientConfig(rest), dialer.timeout())
		if err != nil {
			return nil, err
		}
		go ch.serve(h)

		logger.Debug("Dialed QUIC channel")
		return ch, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// clientConfig clones the TLSConfig and sets the server name, if missing.
func (dialer *Dialer) clientConfig(hostPort string) *tls.Config {
	conf := dialer.TLSConfig.Clone()
	if conf.ServerName == "" {
		if i := strings.IndexByte(hostPort, '/'); i >= 0 {
			hostPort = hostPort[:i]
		}
		if host, _, err := net.SplitHostPort(hostPort); err == nil {
			conf.ServerName = host
		}
	}
	return conf
}
