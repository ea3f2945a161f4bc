// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery announces this host's acceptors through UDP multicast and
// learns the current addresses of known peers from their announcements.
//
// Discovery never introduces new peers. Only hosts already known to the host
// database, and thus having a credential, get their address updated.
package discovery

import "time"

const (
	// address4 is the default multicast IPv4 address used for discovery.
	address4 = "224.23.23.42"

	// address6 is the default multicast IPv6 address used for discovery.
	address6 = "ff02::42"

	// DefaultPort is the default multicast UDP port used for discovery.
	DefaultPort = 35042

	// DefaultInterval between two announcements.
	DefaultInterval = 10 * time.Second
)
