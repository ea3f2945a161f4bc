// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package transport

import (
	"net"
	"time"
)

// netDialer for TCP connections with the operating system's keepalive.
func netDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 10 * time.Second,
	}
}
