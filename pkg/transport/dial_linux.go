// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package transport

import (
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// On Linux, outgoing TCP connections are configured to detect a lost peer
// quickly. Physical connections are long-lived and shared by many sessions, so
// a dead peer must not go unnoticed. See tcp(7).

// dialControl is the net.Dialer's Control function to set the socket options.
func dialControl(_, _ string, rawConn syscall.RawConn) (err error) {
	const (
		// keepCnt is TCP_KEEPCNT, the amount of unanswered probes until the
		// connection is dropped.
		keepCnt int = 3

		// keepIdle is TCP_KEEPIDLE, the idle time in seconds until probing.
		keepIdle int = 10

		// keepIntvl is TCP_KEEPINTVL, the seconds between two probes.
		keepIntvl int = 5

		// userTimeout is TCP_USER_TIMEOUT in milliseconds.
		userTimeout int = 20000
	)

	opts := map[int]int{
		unix.TCP_KEEPCNT:      keepCnt,
		unix.TCP_KEEPIDLE:     keepIdle,
		unix.TCP_KEEPINTVL:    keepIntvl,
		unix.TCP_USER_TIMEOUT: userTimeout,
	}

	ctrlErr := rawConn.Control(func(fd uintptr) {
		if err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
			return
		}
		for opt, value := range opts {
			if err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt, value); err != nil {
				return
			}
		}
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return
}

// netDialer for TCP connections with socket options set.
func netDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: dialControl,
	}
}
