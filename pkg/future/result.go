// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package future

import (
	"fmt"
	"strings"
)

// Code is the numeric outcome of a request. Codes are exchanged between peers
// inside ConnectionError packets and must therefore keep their values.
type Code uint8

const (
	// Unknown indicates an unknown or not specified outcome.
	Unknown Code = 0x00

	// Completed indicates success.
	Completed Code = 0x01

	// ConnectionImpossible indicates that no connection could be tried at all,
	// e.g., an unknown host id or an unusable address.
	ConnectionImpossible Code = 0x02

	// RemoteShutdown indicates that the peer or the address is shutting down.
	RemoteShutdown Code = 0x03

	// BadAuthent indicates a rejected authentication.
	BadAuthent Code = 0x04

	// ServerOverloaded indicates a refused admission because of load.
	ServerOverloaded Code = 0x05

	// QueryRemotelyUnknown indicates a packet for a session unknown to the peer.
	QueryRemotelyUnknown Code = 0x06

	// Internal indicates a local failure.
	Internal Code = 0x07

	// Disconnection indicates a lost or unreachable network connection.
	Disconnection Code = 0x08

	// Canceled indicates a request aborted by its owner.
	Canceled Code = 0x09

	// Shutdown indicates that this host is shutting down.
	Shutdown Code = 0x0A

	// ProtocolViolation indicates a malformed or unexpected packet.
	ProtocolViolation Code = 0x0B

	// Unsupported indicates an unsupported feature, e.g., TLS without a TLS setup.
	Unsupported Code = 0x0C
)

func (c Code) String() string {
	switch c {
	case Unknown:
		return "Unknown"
	case Completed:
		return "Completed"
	case ConnectionImpossible:
		return "Connection Impossible"
	case RemoteShutdown:
		return "Remote Shutdown"
	case BadAuthent:
		return "Bad Authentication"
	case ServerOverloaded:
		return "Server Overloaded"
	case QueryRemotelyUnknown:
		return "Query Remotely Unknown"
	case Internal:
		return "Internal"
	case Disconnection:
		return "Disconnection"
	case Canceled:
		return "Canceled"
	case Shutdown:
		return "Shutdown"
	case ProtocolViolation:
		return "Protocol Violation"
	case Unsupported:
		return "Unsupported"
	default:
		return "INVALID"
	}
}

// Result is the outcome attached to a Future.
type Result struct {
	Code Code

	// Cause is the error behind a failed outcome.
	Cause error

	// Answered is true if the peer produced this outcome, false for a local one.
	Answered bool

	// Other carries an optional, request specific value.
	Other interface{}
}

// NewResult for the given code and cause.
func NewResult(code Code, cause error, answered bool) *Result {
	return &Result{
		Code:     code,
		Cause:    cause,
		Answered: answered,
	}
}

func (r *Result) String() string {
	if r == nil {
		return "Result(nil)"
	}

	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "Result(code=%v", r.Code)
	if r.Cause != nil {
		_, _ = fmt.Fprintf(&b, ", cause=%v", r.Cause)
	}
	_, _ = fmt.Fprintf(&b, ", answered=%t)", r.Answered)
	return b.String()
}
