// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/mftnet/mftnet-go/pkg/admission"
	"github.com/mftnet/mftnet-go/pkg/discovery"
	"github.com/mftnet/mftnet-go/pkg/network"
	"github.com/mftnet/mftnet-go/pkg/transport"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Node      nodeConf
	Network   networkConf
	Admission admissionConf
	TLS       tlsConf `toml:"tls"`
	Hosts     hostsConf
	Discovery discoveryConf
	Logging   logConf
	Listen    []listenConf
	Peer      []peerConf
}

// duration is a time.Duration, written as a string like "30s" or "1m30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = time.ParseDuration(string(text))
	return
}

// nodeConf describes the Node-configuration block.
type nodeConf struct {
	ID     string `toml:"id"`
	Secret string
	Store  string
}

// networkConf describes the Network-configuration block.
type networkConf struct {
	ConnectTimeout duration `toml:"connect-timeout"`
	RetryDelay     duration `toml:"retry-delay"`
	Retries        int
	DrainDelay     duration `toml:"drain-delay"`
	ExitDelay      duration `toml:"exit-delay"`
	KeepAlive      duration `toml:"keepalive"`
	Workers        int
}

// admissionConf describes the Admission-configuration block.
type admissionConf struct {
	CPULimit     float64  `toml:"cpu-limit"`
	ChannelLimit int      `toml:"channel-limit"`
	BaseDelay    duration `toml:"base-delay"`
	LoadSampler  string   `toml:"load-sampler"`
}

// tlsConf describes the TLS-configuration block.
type tlsConf struct {
	Cert       string
	Key        string
	CA         string `toml:"ca"`
	Insecure   bool
	SelfSigned bool `toml:"self-signed"`
}

// hostsConf describes the Hosts-configuration block.
type hostsConf struct {
	File  string
	Watch bool
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval duration
	Port     int
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// listenConf describes an acceptor, "listen" blocks.
type listenConf struct {
	Protocol string
	Endpoint string
	Path     string
}

// peerConf describes a host to connect to at startup, "peer" blocks.
type peerConf struct {
	Host string
}

// parseConfig decodes and validates a TOML configuration file.
func parseConfig(filename string) (conf tomlConfig, err error) {
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}
	err = conf.validate()
	return
}

func (conf tomlConfig) validate() (err error) {
	if conf.Node.ID == "" {
		err = multierror.Append(err, fmt.Errorf("node.id is empty"))
	}
	if conf.Node.Secret == "" {
		err = multierror.Append(err, fmt.Errorf("node.secret is empty"))
	}
	if conf.Node.Store == "" {
		err = multierror.Append(err, fmt.Errorf("node.store is empty"))
	}
	if (conf.TLS.Cert == "") != (conf.TLS.Key == "") {
		err = multierror.Append(err, fmt.Errorf("tls.cert and tls.key must be set together"))
	}

	for i, listen := range conf.Listen {
		if _, _, listenErr := listenScheme(listen.Protocol); listenErr != nil {
			err = multierror.Append(err, fmt.Errorf("listen[%d]: %w", i, listenErr))
		}
		if _, portErr := parseListenPort(listen.Endpoint); portErr != nil {
			err = multierror.Append(err, fmt.Errorf("listen[%d]: %w", i, portErr))
		}
	}
	for i, peer := range conf.Peer {
		if peer.Host == "" {
			err = multierror.Append(err, fmt.Errorf("peer[%d]: host is empty", i))
		}
	}
	return
}

// setupLogging configures logrus based on the Logging-configuration block.
func setupLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.WithField("format", conf.Format).Warn("Unknown logging format")
	}
}

// networkConfig derives the network.Config. Listening makes this host an acceptor.
func (conf tomlConfig) networkConfig() network.Config {
	netConf := network.DefaultConfig()
	netConf.HostID = conf.Node.ID
	netConf.Secret = conf.Node.Secret

	if d := conf.Network.ConnectTimeout.Duration; d > 0 {
		netConf.ConnectTimeout = d
	}
	if d := conf.Network.RetryDelay.Duration; d > 0 {
		netConf.RetryDelay = d
	}
	if conf.Network.Retries > 0 {
		netConf.Retries = conf.Network.Retries
	}
	if d := conf.Network.DrainDelay.Duration; d > 0 {
		netConf.DrainDelay = d
	}
	if d := conf.Network.ExitDelay.Duration; d > 0 {
		netConf.ExitDelay = d
	}
	if conf.Network.Workers > 0 {
		netConf.Workers = conf.Network.Workers
	}
	netConf.KeepAliveInterval = conf.Network.KeepAlive.Duration

	netConf.Admission = admission.Config{
		Acceptor:       len(conf.Listen) > 0,
		CPULimit:       conf.Admission.CPULimit,
		ChannelLimit:   conf.Admission.ChannelLimit,
		NetworkTimeout: netConf.ConnectTimeout,
		BaseDelay:      admission.DefaultConfig().BaseDelay,
	}
	if d := conf.Admission.BaseDelay.Duration; d > 0 {
		netConf.Admission.BaseDelay = d
	}
	if conf.Admission.LoadSampler != "" {
		netConf.LoadSampler = conf.Admission.LoadSampler
	} else if netConf.Admission.CPULimit > 0 {
		netConf.LoadSampler = "native"
	}

	return netConf
}

// tlsConfigs creates the server and client TLS configurations. Both are nil if
// TLS is not configured.
func (conf tomlConfig) tlsConfigs() (server, client *tls.Config, err error) {
	switch {
	case conf.TLS.Cert != "":
		server, err = transport.ServerTLSConfig(conf.TLS.Cert, conf.TLS.Key)
	case conf.TLS.SelfSigned:
		server, err = transport.SelfSignedTLSConfig(conf.Node.ID)
	}
	if err != nil {
		return
	}

	if server != nil || conf.TLS.CA != "" || conf.TLS.Insecure {
		client, err = transport.ClientTLSConfig(conf.TLS.CA, conf.TLS.Insecure)
	}
	return
}

func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	if _, portStr, err = net.SplitHostPort(endpoint); err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// listenScheme maps a listen.protocol to its transport scheme and TLS usage.
func listenScheme(protocol string) (scheme string, useTLS bool, err error) {
	switch protocol {
	case "tcp":
		return transport.SchemeTCP, false, nil
	case "tls":
		return transport.SchemeTCP, true, nil
	case "ws":
		return transport.SchemeWebSocket, false, nil
	case "wss":
		return transport.SchemeWebSocket, true, nil
	case "quic":
		return transport.SchemeQUIC, true, nil
	default:
		return "", false, fmt.Errorf("unknown listen.protocol %q", protocol)
	}
}

// parseListen creates an Acceptor and its discovery Announcement.
func parseListen(listen listenConf, hostID string, serverTLS *tls.Config, timeout time.Duration) (transport.Acceptor, discovery.Announcement, error) {
	scheme, useTLS, err := listenScheme(listen.Protocol)
	if err != nil {
		return nil, discovery.Announcement{}, err
	}

	port, err := parseListenPort(listen.Endpoint)
	if err != nil {
		return nil, discovery.Announcement{}, err
	}

	var tlsConfig *tls.Config
	if useTLS {
		if serverTLS == nil {
			return nil, discovery.Announcement{}, fmt.Errorf("listen.protocol %q requires a tls block", listen.Protocol)
		}
		tlsConfig = serverTLS
	}

	announcement := discovery.Announcement{
		HostID: hostID,
		Scheme: scheme,
		Port:   uint(port),
	}

	switch scheme {
	case transport.SchemeTCP:
		return transport.NewTCPAcceptor(listen.Endpoint, tlsConfig, timeout), announcement, nil

	case transport.SchemeWebSocket:
		path := listen.Path
		if path == "" {
			path = transport.DefaultWebSocketPath
		}
		announcement.Path = path
		return transport.NewWebSocketAcceptor(listen.Endpoint, path, tlsConfig), announcement, nil

	default:
		return transport.NewQUICAcceptor(listen.Endpoint, tlsConfig, timeout), announcement, nil
	}
}
