// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package network

import (
	"errors"
	"fmt"

	"github.com/mftnet/mftnet-go/pkg/future"
)

// Kind classifies the failures of establishing a session.
type Kind uint8

const (
	// NetworkTransient is a retryable connect failure.
	NetworkTransient Kind = iota + 1

	// RemoteShutdown is reported for addresses being torn down. It is never retried.
	RemoteShutdown

	// NoConnection is a handshake failure, e.g., unsupported TLS or a rejected
	// authentication. It is not retried.
	NoConnection

	// LocalOverload is an admission refusal by this host.
	LocalOverload

	// ProtocolViolation is a malformed or unexpected packet.
	ProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case NetworkTransient:
		return "network transient"
	case RemoteShutdown:
		return "remote shutdown"
	case NoConnection:
		return "no connection"
	case LocalOverload:
		return "local overload"
	case ProtocolViolation:
		return "protocol violation"
	default:
		return fmt.Sprintf("unknown kind %d", uint8(k))
	}
}

// Sentinel errors to be used with errors.Is for each Kind.
var (
	ErrNetworkTransient  = &Error{Kind: NetworkTransient}
	ErrRemoteShutdown    = &Error{Kind: RemoteShutdown}
	ErrNoConnection      = &Error{Kind: NoConnection}
	ErrLocalOverload     = &Error{Kind: LocalOverload}
	ErrProtocolViolation = &Error{Kind: ProtocolViolation}
)

// ErrManagerClosed is the cause for operations after CloseAll.
var ErrManagerClosed = errors.New("network manager is closed")

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Address string
	Msg     string
	Cause   error
}

func newError(kind Kind, address, msg string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Address: address,
		Msg:     msg,
		Cause:   cause,
	}
}

func (err *Error) Error() string {
	msg := err.Kind.String()
	if err.Address != "" {
		msg = fmt.Sprintf("%s: %s", msg, err.Address)
	}
	if err.Msg != "" {
		msg = fmt.Sprintf("%s: %s", msg, err.Msg)
	}
	if err.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, err.Cause)
	}
	return msg
}

func (err *Error) Unwrap() error {
	return err.Cause
}

// Is matches another *Error of the same Kind without further details, i.e.,
// the sentinel errors.
func (err *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == err.Kind && t.Address == "" && t.Msg == "" && t.Cause == nil
}

// KindOf returns the Kind of an error or zero for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// resultCode maps a Kind to the code reported within a future.Result.
func resultCode(kind Kind) future.Code {
	switch kind {
	case NetworkTransient:
		return future.Disconnection
	case RemoteShutdown:
		return future.RemoteShutdown
	case NoConnection:
		return future.ConnectionImpossible
	case LocalOverload:
		return future.ServerOverloaded
	case ProtocolViolation:
		return future.ProtocolViolation
	default:
		return future.Internal
	}
}

// resultFor an error, as attached to a caller's Future.
func resultFor(err error) *future.Result {
	return future.NewResult(resultCode(KindOf(err)), err, false)
}
