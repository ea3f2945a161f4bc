// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/mftnet/mftnet-go/pkg/wire"
)

// DefaultWebSocketPath is the HTTP path a WebSocketAcceptor is serving.
const DefaultWebSocketPath = "/mft"

// wsChannel is a Channel on a *websocket.Conn. Each Envelope is sent as one
// binary message.
type wsChannel struct {
	address string
	secure  bool
	conn    *websocket.Conn

	sendMutex sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newWebSocketChannel(address string, secure bool, conn *websocket.Conn) *wsChannel {
	conn.SetReadLimit(wire.MaxEnvelopeSize + 4)

	return &wsChannel{
		address: address,
		secure:  secure,
		conn:    conn,
		closed:  make(chan struct{}),
	}
}

func (ch *wsChannel) log() *log.Entry {
	return log.WithFields(log.Fields{
		"channel": ch.address,
		"remote":  ch.conn.RemoteAddr(),
	})
}

func (ch *wsChannel) Address() string      { return ch.address }
func (ch *wsChannel) RemoteAddr() net.Addr { return ch.conn.RemoteAddr() }
func (ch *wsChannel) Secure() bool         { return ch.secure }
func (ch *wsChannel) Done() <-chan struct{} {
	return ch.closed
}

func (ch *wsChannel) String() string {
	return ch.address
}

func (ch *wsChannel) Send(env wire.Envelope) error {
	select {
	case <-ch.closed:
		return ErrClosed
	default:
	}

	data, err := env.Bytes()
	if err != nil {
		return err
	}

	ch.sendMutex.Lock()
	defer ch.sendMutex.Unlock()

	if err := ch.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("sending %v failed: %w", env, err)
	}
	return nil
}

func (ch *wsChannel) shutdown(cause error) (first bool) {
	ch.closeOnce.Do(func() {
		first = true
		ch.closeErr = cause

		ch.sendMutex.Lock()
		_ = ch.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(100*time.Millisecond))
		ch.sendMutex.Unlock()

		_ = ch.conn.Close()
		close(ch.closed)
	})
	return
}

func (ch *wsChannel) Close() error {
	ch.shutdown(nil)
	return nil
}

func (ch *wsChannel) serve(h Handler) {
	var err error
	for {
		var messageType int
		var data []byte
		if messageType, data, err = ch.conn.ReadMessage(); err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			err = fmt.Errorf("%w: unexpected WebSocket message type %d", wire.ErrMalformed, messageType)
			break
		}

		var env wire.Envelope
		if env, err = wire.ParseEnvelope(data); err != nil {
			break
		}
		h.Received(ch, env)
	}

	select {
	case <-ch.closed:
		err = ch.closeErr
	default:
		ch.log().WithError(err).Debug("WebSocket channel ended")
		ch.shutdown(err)
	}

	h.Closed(ch, err)
}

// dialWebSocket connects to a WebSocketAcceptor. The address is a normalized
// "ws://" address; for secure connections "wss" is used on the wire.
func dialWebSocket(ctx context.Context, address string, tlsConfig *tls.Config, timeout time.Duration) (*wsChannel, error) {
	_, rest, err := splitAddress(address)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		NetDialContext:   netDialer(timeout).DialContext,
		HandshakeTimeout: timeout,
		TLSClientConfig:  tlsConfig,
	}

	scheme := "ws"
	if tlsConfig != nil {
		scheme = "wss"
	}

	conn, _, err := dialer.DialContext(ctx, scheme+"://"+rest, nil)
	if err != nil {
		return nil, err
	}
	return newWebSocketChannel(address, tlsConfig != nil, conn), nil
}

// WebSocketAcceptor accepts WebSocket connections on an HTTP server. Its
// router might be extended by further routes before Start is called.
type WebSocketAcceptor struct {
	listenAddress string
	path          string
	tlsConfig     *tls.Config

	router   *mux.Router
	upgrader websocket.Upgrader
	server   *http.Server

	handlerMutex sync.Mutex
	handler      Handler

	addrMutex sync.Mutex
	boundAddr net.Addr
}

// NewWebSocketAcceptor serving on the given address and path. A nil
// tlsConfig results in plain HTTP.
func NewWebSocketAcceptor(listenAddress, path string, tlsConfig *tls.Config) *WebSocketAcceptor {
	if path == "" {
		path = DefaultWebSocketPath
	}

	acceptor := &WebSocketAcceptor{
		listenAddress: listenAddress,
		path:          path,
		tlsConfig:     tlsConfig,
		router:        mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
	}
	acceptor.router.HandleFunc(path, acceptor.ServeHTTP)

	return acceptor
}

// Router of this WebSocketAcceptor's HTTP server.
func (acceptor *WebSocketAcceptor) Router() *mux.Router {
	return acceptor.router
}

func (acceptor *WebSocketAcceptor) log() *log.Entry {
	return log.WithFields(log.Fields{
		"acceptor": acceptor.String(),
		"tls":      acceptor.tlsConfig != nil,
	})
}

// Start the HTTP server.
func (acceptor *WebSocketAcceptor) Start(h Handler) error {
	acceptor.handlerMutex.Lock()
	acceptor.handler = h
	acceptor.handlerMutex.Unlock()

	ln, err := net.Listen("tcp", acceptor.listenAddress)
	if err != nil {
		return err
	}

	acceptor.addrMutex.Lock()
	acceptor.boundAddr = ln.Addr()
	acceptor.server = &http.Server{
		Handler:           acceptor.router,
		TLSConfig:         acceptor.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := acceptor.server
	acceptor.addrMutex.Unlock()

	go func() {
		var err error
		if acceptor.tlsConfig != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			acceptor.log().WithError(err).Warn("WebSocket acceptor's HTTP server errored")
		}
	}()

	acceptor.log().Info("WebSocket acceptor started")
	return nil
}

// ServeHTTP upgrades an HTTP connection to a WebSocket Channel.
func (acceptor *WebSocketAcceptor) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	acceptor.handlerMutex.Lock()
	h := acceptor.handler
	acceptor.handlerMutex.Unlock()

	if h == nil {
		http.Error(writer, "not started", http.StatusServiceUnavailable)
		return
	}

	conn, err := acceptor.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		acceptor.log().WithError(err).Warn("Upgrading connection errored")
		return
	}

	address := SchemeWebSocket + "://" + conn.RemoteAddr().String() + acceptor.path
	ch := newWebSocketChannel(address, request.TLS != nil, conn)
	if err := h.Accepted(ch); err != nil {
		ch.log().WithError(err).Info("Inbound channel was refused")
		ch.shutdown(err)
		return
	}

	go ch.serve(h)
}

// Close the HTTP server.
func (acceptor *WebSocketAcceptor) Close() error {
	acceptor.addrMutex.Lock()
	server := acceptor.server
	acceptor.addrMutex.Unlock()

	if server == nil {
		return nil
	}
	return server.Close()
}

// Address this WebSocketAcceptor is bound to.
func (acceptor *WebSocketAcceptor) Address() string {
	acceptor.addrMutex.Lock()
	defer acceptor.addrMutex.Unlock()

	if acceptor.boundAddr == nil {
		return acceptor.listenAddress
	}
	return acceptor.boundAddr.String()
}

func (acceptor *WebSocketAcceptor) String() string {
	return fmt.Sprintf("%s://%s%s", SchemeWebSocket, acceptor.Address(), acceptor.path)
}
