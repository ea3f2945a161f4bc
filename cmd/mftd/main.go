// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// mftd is the managed file transfer network daemon. It accepts sessions from
// known hosts and keeps sessions to its configured peers.
package main

import (
	"os"
	"os/signal"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/mftnet/mftnet-go/pkg/discovery"
	"github.com/mftnet/mftnet-go/pkg/hostdb"
	"github.com/mftnet/mftnet-go/pkg/network"
	"github.com/mftnet/mftnet-go/pkg/session"
	"github.com/mftnet/mftnet-go/pkg/transport"
)

// daemon bundles everything started from a configuration.
type daemon struct {
	manager   *network.Manager
	store     *hostdb.Store
	watcher   *hostdb.Watcher
	discovery *discovery.Manager

	peersMutex sync.Mutex
	peers      []*session.Handle
}

// startDaemon starts the host store, the network Manager with its acceptors
// and the optional discovery.
func startDaemon(conf tomlConfig) (d *daemon, err error) {
	d = &daemon{}

	if d.store, err = hostdb.NewStore(conf.Node.Store); err != nil {
		return nil, err
	}

	if conf.Hosts.File != "" {
		if conf.Hosts.Watch {
			d.watcher, err = hostdb.NewWatcher(d.store, conf.Hosts.File, nil)
		} else {
			_, err = d.store.SyncFile(conf.Hosts.File)
		}
		if err != nil {
			_ = d.store.Close()
			return nil, err
		}
	}

	netConf := conf.networkConfig()

	serverTLS, clientTLS, err := conf.tlsConfigs()
	if err != nil {
		d.closeStore()
		return nil, err
	}

	var acceptors []transport.Acceptor
	var announcements []discovery.Announcement
	for _, listen := range conf.Listen {
		acceptor, announcement, listenErr := parseListen(listen, netConf.HostID, serverTLS, netConf.ConnectTimeout)
		if listenErr != nil {
			d.closeStore()
			return nil, listenErr
		}
		acceptors = append(acceptors, acceptor)
		announcements = append(announcements, announcement)
	}

	d.manager, err = network.NewManager(netConf,
		network.WithDialer(transport.NewDialer(clientTLS, netConf.ConnectTimeout)),
		network.WithCredentials(d.store),
		network.WithPersistence(d.store),
		network.WithAcceptors(acceptors...),
		network.WithSessionHandler(func(h *session.Handle, hostID string) {
			log.WithFields(log.Fields{
				"peer":    hostID,
				"session": h.LocalID(),
			}).Info("Peer opened a session")
		}))
	if err != nil {
		d.closeStore()
		return nil, err
	}

	if err = d.manager.Start(); err != nil {
		_ = d.Close()
		return nil, err
	}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		interval := conf.Discovery.Interval.Duration
		if interval <= 0 {
			interval = discovery.DefaultInterval
		}

		d.discovery, err = discovery.NewManager(
			netConf.HostID, d.store, announcements, interval,
			conf.Discovery.IPv4, conf.Discovery.IPv6, conf.Discovery.Port)
		if err != nil {
			_ = d.Close()
			return nil, err
		}
	}

	for _, peer := range conf.Peer {
		go d.connectPeer(peer.Host)
	}

	return d, nil
}

func (d *daemon) closeStore() {
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	_ = d.store.Close()
}

// connectPeer opens a session to a configured peer, held until shutdown.
func (d *daemon) connectPeer(hostID string) {
	h := d.manager.ConnectHost(hostID, nil)
	if h == nil {
		log.WithField("peer", hostID).Warn("Failed to establish a session to a peer")
		return
	}

	log.WithFields(log.Fields{
		"peer":    hostID,
		"session": h.LocalID(),
	}).Info("Established session to peer")

	d.peersMutex.Lock()
	d.peers = append(d.peers, h)
	d.peersMutex.Unlock()
}

// Close everything in reverse order. The Manager closes the host store.
func (d *daemon) Close() (err error) {
	d.peersMutex.Lock()
	for _, h := range d.peers {
		h.Close()
	}
	d.peers = nil
	d.peersMutex.Unlock()

	if d.discovery != nil {
		d.discovery.Close()
	}
	if d.watcher != nil {
		if watchErr := d.watcher.Close(); watchErr != nil {
			err = multierror.Append(err, watchErr)
		}
	}
	if closeErr := d.manager.CloseAll(); closeErr != nil {
		err = multierror.Append(err, closeErr)
	}
	return
}

// waitSigint blocks the current thread until a SIGINT appears.
func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := parseConfig(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}
	setupLogging(conf.Logging)

	d, err := startDaemon(conf)
	if err != nil {
		log.WithError(err).Fatal("Failed to start daemon")
	}

	waitSigint()
	log.Info("Shutting down..")

	if err := d.Close(); err != nil {
		log.WithError(err).Warn("Errors occurred while shutting down")
	}
}
