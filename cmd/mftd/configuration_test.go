// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/mftnet/mftnet-go/pkg/transport"
)

const exampleConfig = `
[node]
id = "alpha"
secret = "alpha-secret"
store = "store_alpha"

[network]
connect-timeout = "5s"
retry-delay = "500ms"
retries = 4
keepalive = "15s"

[admission]
cpu-limit = 0.8
channel-limit = 64

[hosts]
file = "hosts.toml"
watch = true

[discovery]
ipv4 = true
interval = "30s"

[logging]
level = "debug"
format = "json"

[[listen]]
protocol = "tcp"
endpoint = ":4556"

[[listen]]
protocol = "ws"
endpoint = ":8080"

[[peer]]
host = "beta"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	filename := filepath.Join(t.TempDir(), "mftd.toml")
	if err := os.WriteFile(filename, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestParseConfig(t *testing.T) {
	conf, err := parseConfig(writeConfig(t, exampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	if conf.Node.ID != "alpha" || conf.Hosts.File != "hosts.toml" || !conf.Hosts.Watch {
		t.Fatalf("unexpected config %v", conf)
	}
	if conf.Discovery.Interval.Duration != 30*time.Second {
		t.Fatalf("unexpected interval %v", conf.Discovery.Interval)
	}
	if len(conf.Listen) != 2 || len(conf.Peer) != 1 || conf.Peer[0].Host != "beta" {
		t.Fatalf("unexpected listen or peer blocks %v, %v", conf.Listen, conf.Peer)
	}

	netConf := conf.networkConfig()
	if netConf.ConnectTimeout != 5*time.Second || netConf.RetryDelay != 500*time.Millisecond || netConf.Retries != 4 {
		t.Fatalf("unexpected network config %v", netConf)
	}
	if netConf.KeepAliveInterval != 15*time.Second {
		t.Fatalf("unexpected keepalive %v", netConf.KeepAliveInterval)
	}
	if !netConf.Admission.Acceptor || netConf.Admission.CPULimit != 0.8 || netConf.Admission.ChannelLimit != 64 {
		t.Fatalf("unexpected admission config %v", netConf.Admission)
	}
	if netConf.Admission.NetworkTimeout != netConf.ConnectTimeout {
		t.Fatalf("admission timeout %v differs", netConf.Admission.NetworkTimeout)
	}
	if netConf.LoadSampler != "native" {
		t.Fatalf("unexpected load sampler %q", netConf.LoadSampler)
	}
	if err := netConf.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	_, err := parseConfig(writeConfig(t, `
[node]
id = ""

[tls]
cert = "cert.pem"

[[listen]]
protocol = "carrier-pigeon"
endpoint = "nowhere"

[[peer]]
host = ""
`))
	if err == nil {
		t.Fatal("invalid config was accepted")
	}

	merr, ok := err.(*multierror.Error)
	if !ok {
		t.Fatalf("expected a multierror, got %T", err)
	}
	// id, secret, store, tls, listen protocol, listen endpoint, peer
	if n := len(merr.Errors); n != 7 {
		t.Fatalf("expected 7 errors, got %d: %v", n, err)
	}
}

func TestParseConfigBadDuration(t *testing.T) {
	_, err := parseConfig(writeConfig(t, `
[network]
connect-timeout = "soon"
`))
	if err == nil {
		t.Fatal("invalid duration was accepted")
	}
}

func TestPureClient(t *testing.T) {
	conf, err := parseConfig(writeConfig(t, `
[node]
id = "gamma"
secret = "gamma-secret"
store = "store_gamma"
`))
	if err != nil {
		t.Fatal(err)
	}

	netConf := conf.networkConfig()
	if netConf.Admission.Acceptor {
		t.Fatal("host without listen blocks is an acceptor")
	}
	if netConf.LoadSampler != "unsupported" {
		t.Fatalf("unexpected load sampler %q", netConf.LoadSampler)
	}
}

func TestParseListen(t *testing.T) {
	serverTLS, err := transport.SelfSignedTLSConfig("alpha")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		protocol string
		scheme   string
		path     string
		valid    bool
		withTLS  bool
	}{
		{"tcp", transport.SchemeTCP, "", true, false},
		{"tls", transport.SchemeTCP, "", true, true},
		{"tls", "", "", false, false},
		{"ws", transport.SchemeWebSocket, transport.DefaultWebSocketPath, true, false},
		{"quic", transport.SchemeQUIC, "", true, true},
		{"quic", "", "", false, false},
		{"udp", "", "", false, true},
	}

	for _, test := range tests {
		var tlsConfig = serverTLS
		if !test.withTLS {
			tlsConfig = nil
		}

		acceptor, announcement, err := parseListen(listenConf{Protocol: test.protocol, Endpoint: ":4556"}, "alpha", tlsConfig, time.Second)
		if test.valid != (err == nil) {
			t.Fatalf("%s (tls=%t): expected valid=%t, got %v", test.protocol, test.withTLS, test.valid, err)
		}
		if !test.valid {
			continue
		}

		if acceptor == nil {
			t.Fatalf("%s: no acceptor", test.protocol)
		}
		if announcement.Scheme != test.scheme || announcement.Port != 4556 || announcement.Path != test.path || announcement.HostID != "alpha" {
			t.Fatalf("%s: unexpected announcement %v", test.protocol, announcement)
		}
	}
}
