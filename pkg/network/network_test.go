// SPDX-FileCopyrightText: 2023 The mftnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mftnet/mftnet-go/pkg/future"
	"github.com/mftnet/mftnet-go/pkg/hostdb"
	"github.com/mftnet/mftnet-go/pkg/session"
	"github.com/mftnet/mftnet-go/pkg/transport"
	"github.com/mftnet/mftnet-go/pkg/wire"
)

// fakeChannel records sent envelopes. An optional onSend function plays the
// peer.
type fakeChannel struct {
	address string

	mutex  sync.Mutex
	sent   []wire.Envelope
	onSend func(wire.Envelope)

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeChannel(address string) *fakeChannel {
	return &fakeChannel{
		address: address,
		done:    make(chan struct{}),
	}
}

func (ch *fakeChannel) Address() string      { return ch.address }
func (ch *fakeChannel) RemoteAddr() net.Addr { return nil }
func (ch *fakeChannel) Secure() bool         { return false }
func (ch *fakeChannel) Done() <-chan struct{} {
	return ch.done
}

func (ch *fakeChannel) Send(env wire.Envelope) error {
	select {
	case <-ch.done:
		return transport.ErrClosed
	default:
	}

	ch.mutex.Lock()
	ch.sent = append(ch.sent, env)
	onSend := ch.onSend
	ch.mutex.Unlock()

	if onSend != nil {
		onSend(env)
	}
	return nil
}

func (ch *fakeChannel) Close() error {
	ch.closeOnce.Do(func() { close(ch.done) })
	return nil
}

func (ch *fakeChannel) isClosed() bool {
	select {
	case <-ch.done:
		return true
	default:
		return false
	}
}

// waitSent polls for a sent envelope of the given code.
func (ch *fakeChannel) waitSent(t *testing.T, code wire.PacketCode) wire.Envelope {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ch.mutex.Lock()
		for _, env := range ch.sent {
			if env.Code == code {
				ch.mutex.Unlock()
				return env
			}
		}
		ch.mutex.Unlock()
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("no %v envelope was sent on %s", code, ch.address)
	return wire.Envelope{}
}

// answerHandshake lets a fakeChannel answer Startup and Authent like an
// accepting peer.
func answerHandshake(ch *fakeChannel, h transport.Handler, hostID, secret string) func(wire.Envelope) {
	var next int32 = 1000

	return func(env wire.Envelope) {
		switch env.Code {
		case wire.Startup:
			if env.RemoteID == wire.NoChannel {
				id := atomic.AddInt32(&next, 1)
				go h.Received(ch, wire.Envelope{LocalID: env.LocalID, RemoteID: id, Code: wire.Startup})
			}

		case wire.Authent:
			payload, _ := wire.Encode(&wire.ValidPacket{HostID: hostID, KeyHash: hostdb.HashKey(secret)})
			go h.Received(ch, wire.Envelope{LocalID: env.LocalID, RemoteID: env.RemoteID, Code: wire.Valid, Payload: payload})
		}
	}
}

// answerStartupOnly echoes a Startup but leaves every Authent unanswered.
func answerStartupOnly(ch *fakeChannel, h transport.Handler) func(wire.Envelope) {
	return func(env wire.Envelope) {
		if env.Code == wire.Startup && env.RemoteID == wire.NoChannel {
			go h.Received(ch, wire.Envelope{LocalID: env.LocalID, RemoteID: 2000, Code: wire.Startup})
		}
	}
}

// fakeDialer counts its dials. Without an error, it returns fakeChannels
// answering the handshake, or played by peer if set.
type fakeDialer struct {
	mutex    sync.Mutex
	dials    int
	err      error
	peer     func(*fakeChannel, transport.Handler) func(wire.Envelope)
	channels []*fakeChannel
}

func (d *fakeDialer) Dial(_ context.Context, address string, _ bool, h transport.Handler) (transport.Channel, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.dials++
	if d.err != nil {
		return nil, d.err
	}

	ch := newFakeChannel(address)
	if d.peer != nil {
		ch.onSend = d.peer(ch, h)
	} else {
		ch.onSend = answerHandshake(ch, h, "peer", "peer-secret")
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) count() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.dials
}

type sleepRecorder struct {
	mutex  sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.sleeps = append(s.sleeps, d)
}

func (s *sleepRecorder) count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.sleeps)
}

type memoryHost struct {
	address string
	secret  string
}

type memoryCredentials map[string]memoryHost

func (mc memoryCredentials) Lookup(hostID string) (string, bool, []byte, error) {
	host, ok := mc[hostID]
	if !ok {
		return "", false, nil, hostdb.ErrUnknownHost
	}
	return host.address, false, hostdb.HashKey(host.secret), nil
}

func (mc memoryCredentials) Authenticate(hostID string, keyHash []byte) error {
	host, ok := mc[hostID]
	if !ok {
		return hostdb.ErrUnknownHost
	}
	if !hostdb.VerifyKeyHash(hostdb.HashKey(host.secret), keyHash) {
		return hostdb.ErrBadCredential
	}
	return nil
}

func testConfig(hostID string) Config {
	conf := DefaultConfig()
	conf.HostID = hostID
	conf.Secret = hostID + "-secret"
	conf.ConnectTimeout = 2 * time.Second
	conf.RetryDelay = 250 * time.Millisecond
	conf.Retries = 3
	conf.DrainDelay = 0
	conf.ExitDelay = 0
	conf.Admission.NetworkTimeout = conf.ConnectTimeout
	return conf
}

func newTestManager(t *testing.T, conf Config, opts ...Option) (*Manager, *sleepRecorder) {
	t.Helper()

	m, err := NewManager(conf, opts...)
	if err != nil {
		t.Fatal(err)
	}

	rec := &sleepRecorder{}
	m.sleep = rec.sleep
	m.exit = func(int) {}

	t.Cleanup(func() { _ = m.CloseAll() })
	return m, rec
}

func TestConnectWithRetryTransient(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	m, rec := newTestManager(t, testConfig("a"), WithDialer(dialer))

	result := future.New()
	if h := m.ConnectWithRetry("localhost:4556", false, result); h != nil {
		t.Fatalf("expected no session, got %v", h)
	}

	if n := dialer.count(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
	if n := rec.count(); n != 2 {
		t.Fatalf("expected 2 sleeps, got %d", n)
	}
	for _, d := range rec.sleeps {
		if d != 250*time.Millisecond {
			t.Fatalf("unexpected sleep of %v", d)
		}
	}

	if !result.IsFailed() {
		t.Fatal("result is not failed")
	}
	if res := result.Result(); res.Code != future.Disconnection || !errors.Is(res.Cause, ErrNetworkTransient) {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestConnectWithRetryRemoteShutdown(t *testing.T) {
	dialer := &fakeDialer{err: newError(RemoteShutdown, "tcp://localhost:4556", "peer is leaving", nil)}
	m, rec := newTestManager(t, testConfig("a"), WithDialer(dialer))

	result := future.New()
	if h := m.ConnectWithRetry("localhost:4556", false, result); h != nil {
		t.Fatalf("expected no session, got %v", h)
	}

	if n := dialer.count(); n != 1 {
		t.Fatalf("expected 1 attempt, got %d", n)
	}
	if n := rec.count(); n != 0 {
		t.Fatalf("expected no sleep, got %d", n)
	}
	if res := result.Result(); res.Code != future.RemoteShutdown {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestConnectPoisonedAddress(t *testing.T) {
	dialer := &fakeDialer{}
	m, rec := newTestManager(t, testConfig("a"), WithDialer(dialer))

	if !m.Registry().BeginShutdown("tcp://localhost:4556", nil) {
		t.Fatal("shutdown was not started")
	}

	_, err := m.Connect("localhost:4556", false, future.New())
	if !errors.Is(err, ErrRemoteShutdown) {
		t.Fatalf("expected remote shutdown, got %v", err)
	}

	if h := m.ConnectWithRetry("localhost:4556", false, nil); h != nil {
		t.Fatal("connected to a poisoned address")
	}
	if n := dialer.count(); n != 0 {
		t.Fatalf("dialed %d times", n)
	}
	if n := rec.count(); n != 0 {
		t.Fatalf("slept %d times", n)
	}
}

func TestConnectUnsupportedTransport(t *testing.T) {
	m, rec := newTestManager(t, testConfig("a"))

	result := future.New()
	if h := m.ConnectWithRetry("localhost:4556", true, result); h != nil {
		t.Fatal("connected without a TLS setup")
	}
	if n := rec.count(); n != 0 {
		t.Fatalf("slept %d times", n)
	}
	if res := result.Result(); res.Code != future.ConnectionImpossible || !errors.Is(res.Cause, transport.ErrTLSUnsupported) {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestConnectReusesConnection(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, testConfig("a"), WithDialer(dialer))

	h1, err := m.Connect("localhost:4556", false, future.New())
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m.Connect("tcp://localhost:4556", false, future.New())
	if err != nil {
		t.Fatal(err)
	}

	if n := dialer.count(); n != 1 {
		t.Fatalf("expected one dial, got %d", n)
	}
	if h1.Channel() != h2.Channel() {
		t.Fatal("sessions do not share their channel")
	}
	if n := m.Registry().Count("tcp://localhost:4556"); n != 2 {
		t.Fatalf("expected two references, got %d", n)
	}
	if n := m.ExistConnection("localhost:4556", ""); n != 1 {
		t.Fatalf("ExistConnection returned %d", n)
	}

	h1.Close()
	if n := m.Registry().Count("tcp://localhost:4556"); n != 1 {
		t.Fatalf("expected one reference, got %d", n)
	}

	h2.Close()
	if n := m.Registry().Len(); n != 0 {
		t.Fatalf("registry still holds %d connections", n)
	}
	if !dialer.channels[0].isClosed() {
		t.Fatal("channel was not closed after the last session")
	}
}

func TestConnectHostVerifiesPeer(t *testing.T) {
	dialer := &fakeDialer{}
	creds := memoryCredentials{
		"peer":     {address: "localhost:4556", secret: "peer-secret"},
		"imposter": {address: "localhost:4557", secret: "other-secret"},
	}
	m, _ := newTestManager(t, testConfig("a"), WithDialer(dialer), WithCredentials(creds))

	h := m.ConnectHost("peer", nil)
	if h == nil {
		t.Fatal("connecting the peer failed")
	}
	h.Close()

	result := future.New()
	if h := m.ConnectHost("imposter", result); h != nil {
		t.Fatal("connected to a host answering with another identity")
	}
	if res := result.Result(); res.Code != future.BadAuthent {
		t.Fatalf("unexpected result %v", res)
	}

	result = future.New()
	if h := m.ConnectHost("unknown", result); h != nil {
		t.Fatal("connected to an unknown host")
	}
	if res := result.Result(); res.Code != future.ConnectionImpossible || !errors.Is(res.Cause, hostdb.ErrUnknownHost) {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestHandshakeStartupTimeout(t *testing.T) {
	conf := testConfig("a")
	conf.ConnectTimeout = 100 * time.Millisecond

	dialer := &fakeDialer{peer: func(*fakeChannel, transport.Handler) func(wire.Envelope) { return nil }}
	m, _ := newTestManager(t, conf, WithDialer(dialer))

	result := future.New()
	if _, err := m.Connect("localhost:4556", false, result); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected no connection, got %v", err)
	}
	if res := result.Result(); res.Code != future.Disconnection || res.Answered {
		t.Fatalf("unexpected result %v", res)
	}

	if n := m.Registry().Len(); n != 0 {
		t.Fatalf("%d physical connections remain", n)
	}
	if n := m.LogicalSessions(); n != 0 {
		t.Fatalf("%d sessions remain", n)
	}
	if !dialer.channels[0].isClosed() {
		t.Fatal("dialed channel is still open")
	}
}

func TestHandshakeValidationTimeout(t *testing.T) {
	conf := testConfig("a")
	conf.ConnectTimeout = 100 * time.Millisecond

	dialer := &fakeDialer{peer: answerStartupOnly}
	m, _ := newTestManager(t, conf, WithDialer(dialer))

	result := future.New()
	if _, err := m.Connect("localhost:4556", false, result); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected no connection, got %v", err)
	}
	if res := result.Result(); res.Code != future.Disconnection || res.Answered {
		t.Fatalf("unexpected result %v", res)
	}

	ch := dialer.channels[0]
	if env := ch.waitSent(t, wire.ConnectionError); env.RemoteID != 2000 {
		t.Fatalf("ConnectionError was sent to %v", env)
	}
	if n := m.Registry().Len(); n != 0 {
		t.Fatalf("%d physical connections remain", n)
	}
	if !ch.isClosed() {
		t.Fatal("dialed channel is still open")
	}
}

func TestHandshakeFailureKeepsSharedConnection(t *testing.T) {
	conf := testConfig("a")
	conf.ConnectTimeout = 100 * time.Millisecond

	dialer := &fakeDialer{}
	m, _ := newTestManager(t, conf, WithDialer(dialer))

	h1, err := m.Connect("localhost:4556", false, future.New())
	if err != nil {
		t.Fatal(err)
	}

	ch := dialer.channels[0]
	ch.mutex.Lock()
	ch.onSend = answerStartupOnly(ch, m)
	ch.mutex.Unlock()

	if _, err := m.Connect("localhost:4556", false, future.New()); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected no connection, got %v", err)
	}
	if n := dialer.count(); n != 1 {
		t.Fatalf("expected one dial, got %d", n)
	}

	pc, ok := m.Registry().Lookup(ch)
	if !ok {
		t.Fatal("shared connection was removed")
	}
	if n := pc.RefCount(); n != 1 {
		t.Fatalf("expected one reference, got %d", n)
	}
	if ids := pc.Sessions(); len(ids) != 1 || ids[0] != h1.LocalID() {
		t.Fatalf("unexpected attached sessions %v", ids)
	}
	if ch.isClosed() {
		t.Fatal("shared channel was closed")
	}
	if h1.State() != session.Running {
		t.Fatalf("first session is %v", h1.State())
	}

	h1.Close()
	if n := m.Registry().Len(); n != 0 {
		t.Fatalf("%d physical connections remain", n)
	}
	if !ch.isClosed() {
		t.Fatal("channel is still open after the last release")
	}
}

func TestConnectLocalOverload(t *testing.T) {
	conf := testConfig("a")
	conf.Admission.Acceptor = true
	conf.Admission.ChannelLimit = 2

	dialer := &fakeDialer{}
	m, rec := newTestManager(t, conf, WithDialer(dialer))

	admissionSleeps := &sleepRecorder{}
	m.Admission().SetSleep(admissionSleeps.sleep)

	for _, address := range []string{"host-b:4556", "host-c:4556"} {
		if _, err := m.Connect(address, false, future.New()); err != nil {
			t.Fatal(err)
		}
	}
	if n := m.PhysicalConnections(); n != 2 {
		t.Fatalf("expected 2 physical connections, got %d", n)
	}
	if n := m.LogicalSessions(); n != 2 {
		t.Fatalf("expected 2 sessions, got %d", n)
	}
	if n := admissionSleeps.count(); n != 0 {
		t.Fatalf("admission slept %d times before reaching the limit", n)
	}

	_, err := m.Connect("host-d:4556", false, future.New())
	if !errors.Is(err, ErrLocalOverload) {
		t.Fatalf("expected local overload, got %v", err)
	}
	if n := admissionSleeps.count(); n != 2*conf.Retries {
		t.Fatalf("expected %d admission sleeps, got %d", 2*conf.Retries, n)
	}
	if n := dialer.count(); n != 2 {
		t.Fatalf("a socket was opened while overloaded, %d dials", n)
	}

	result := future.New()
	if h := m.ConnectWithRetry("host-d:4556", false, result); h != nil {
		t.Fatal("connected while overloaded")
	}
	if res := result.Result(); res.Code != future.ServerOverloaded {
		t.Fatalf("unexpected result %v", res)
	}
	if n := rec.count(); n != 0 {
		t.Fatalf("local overload was retried, %d sleeps", n)
	}
	if n := dialer.count(); n != 2 {
		t.Fatalf("a socket was opened while overloaded, %d dials", n)
	}
}

func TestInboundSessionRelease(t *testing.T) {
	m, _ := newTestManager(t, testConfig("b"))
	ch := newFakeChannel("tcp://192.0.2.1:40000")

	h1, err := m.CreateConnectionFromInboundStartup(ch, wire.Envelope{LocalID: wire.NoChannel, RemoteID: 7, Code: wire.Startup})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m.CreateConnectionFromInboundStartup(ch, wire.Envelope{LocalID: wire.NoChannel, RemoteID: 8, Code: wire.Startup})
	if err != nil {
		t.Fatal(err)
	}

	if h1.RemoteID() != 7 || h2.RemoteID() != 8 {
		t.Fatalf("unexpected remote ids %d, %d", h1.RemoteID(), h2.RemoteID())
	}
	if echo := ch.waitSent(t, wire.Startup); echo.RemoteID != 7 || echo.LocalID != h1.LocalID() {
		t.Fatalf("unexpected Startup echo %v", echo)
	}

	pc, ok := m.Registry().Lookup(ch)
	if !ok {
		t.Fatal("connection is not registered")
	}
	if n := pc.RefCount(); n != 2 {
		t.Fatalf("expected two references, got %d", n)
	}

	h1.Close()

	if n := pc.RefCount(); n != 1 {
		t.Fatalf("expected one reference, got %d", n)
	}
	if _, ok := pc.Session(h1.LocalID()); ok {
		t.Fatal("closed session is still attached")
	}
	if ids := pc.Sessions(); len(ids) != 1 || ids[0] != h2.LocalID() {
		t.Fatalf("unexpected attached sessions %v", ids)
	}
	if ch.isClosed() {
		t.Fatal("channel was closed while still referenced")
	}
	if env := ch.waitSent(t, wire.Close); env.RemoteID != 7 {
		t.Fatalf("Close was sent to %d", env.RemoteID)
	}
}

// expectSessionError waits for a ConnectionError to a peer's session.
func expectSessionError(t *testing.T, ch *fakeChannel, remoteID int32, code future.Code) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ch.mutex.Lock()
		sent := append([]wire.Envelope(nil), ch.sent...)
		ch.mutex.Unlock()

		for _, env := range sent {
			if env.Code != wire.ConnectionError || env.RemoteID != remoteID {
				continue
			}
			var packet wire.ConnectionErrorPacket
			if err := wire.Decode(env.Payload, &packet); err != nil {
				t.Fatal(err)
			}
			if future.Code(packet.Code) != code {
				t.Fatalf("session %d was rejected with %v", remoteID, future.Code(packet.Code))
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no ConnectionError was sent to %d", remoteID)
}

func TestProtocolViolationClosesOnlySession(t *testing.T) {
	m, _ := newTestManager(t, testConfig("b"))
	ch := newFakeChannel("tcp://192.0.2.1:40000")

	h1, err := m.CreateConnectionFromInboundStartup(ch, wire.Envelope{LocalID: wire.NoChannel, RemoteID: 7, Code: wire.Startup})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := m.CreateConnectionFromInboundStartup(ch, wire.Envelope{LocalID: wire.NoChannel, RemoteID: 8, Code: wire.Startup})
	if err != nil {
		t.Fatal(err)
	}
	h3, err := m.CreateConnectionFromInboundStartup(ch, wire.Envelope{LocalID: wire.NoChannel, RemoteID: 9, Code: wire.Startup})
	if err != nil {
		t.Fatal(err)
	}

	// An unknown packet code and a repeated Startup each end one session.
	m.Received(ch, wire.Envelope{LocalID: h1.LocalID(), RemoteID: 7, Code: wire.PacketCode(0x42)})
	m.Received(ch, wire.Envelope{LocalID: h2.LocalID(), RemoteID: 18, Code: wire.Startup})

	expectSessionError(t, ch, 7, future.ProtocolViolation)
	expectSessionError(t, ch, 8, future.ProtocolViolation)

	for _, h := range []*session.Handle{h1, h2} {
		if h.State() != session.Closed {
			t.Fatalf("session %d is %v", h.LocalID(), h.State())
		}
		if res := h.Result().Result(); res.Code != future.ProtocolViolation {
			t.Fatalf("unexpected result %v", res)
		}
	}
	if h2.RemoteID() != 8 {
		t.Fatalf("repeated Startup changed the remote id to %d", h2.RemoteID())
	}

	pc, ok := m.Registry().Lookup(ch)
	if !ok {
		t.Fatal("connection was removed")
	}
	if n := pc.RefCount(); n != 1 {
		t.Fatalf("expected one reference, got %d", n)
	}
	if ch.isClosed() {
		t.Fatal("channel was closed")
	}
	if h3.State() != session.Authenticating {
		t.Fatalf("unaffected session is %v", h3.State())
	}
}

func TestInboundAuthentication(t *testing.T) {
	creds := memoryCredentials{"a": {secret: "a-secret"}}
	sessions := make(chan string, 1)
	m, _ := newTestManager(t, testConfig("b"),
		WithCredentials(creds),
		WithSessionHandler(func(_ *session.Handle, hostID string) { sessions <- hostID }))

	ch := newFakeChannel("tcp://192.0.2.1:40000")
	m.Received(ch, wire.Envelope{LocalID: wire.NoChannel, RemoteID: 7, Code: wire.Startup})
	echo := ch.waitSent(t, wire.Startup)

	payload, err := wire.Encode(&wire.AuthentPacket{HostID: "a", KeyHash: hostdb.HashKey("a-secret"), LocalID: 7})
	if err != nil {
		t.Fatal(err)
	}
	m.Received(ch, wire.Envelope{LocalID: echo.LocalID, RemoteID: 7, Code: wire.Authent, Payload: payload})

	select {
	case hostID := <-sessions:
		if hostID != "a" {
			t.Fatalf("session authenticated as %q", hostID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session handler was not called")
	}

	env := ch.waitSent(t, wire.Valid)
	var valid wire.ValidPacket
	if err := wire.Decode(env.Payload, &valid); err != nil {
		t.Fatal(err)
	}
	if valid.HostID != "b" || !hostdb.VerifyKeyHash(hostdb.HashKey("b-secret"), valid.KeyHash) {
		t.Fatalf("unexpected Valid %v", valid)
	}

	h, ok := m.Sessions().Lookup(echo.LocalID)
	if !ok {
		t.Fatal("session is unknown")
	}
	if h.State() != session.Running {
		t.Fatalf("session is %v", h.State())
	}
	if n := m.ExistConnection("", "a"); n != 1 {
		t.Fatalf("ExistConnection returned %d", n)
	}

	if n := m.DropHost("a"); n != 1 {
		t.Fatalf("dropped %d connections", n)
	}
	if !ch.isClosed() {
		t.Fatal("dropped connection is still open")
	}
	if n := m.ExistConnection("", "a"); n != 0 {
		t.Fatalf("ExistConnection returned %d after dropping", n)
	}
}

func TestInboundBadAuthentication(t *testing.T) {
	creds := memoryCredentials{"a": {secret: "a-secret"}}
	m, _ := newTestManager(t, testConfig("b"), WithCredentials(creds))

	ch := newFakeChannel("tcp://192.0.2.1:40000")
	m.Received(ch, wire.Envelope{LocalID: wire.NoChannel, RemoteID: 7, Code: wire.Startup})
	echo := ch.waitSent(t, wire.Startup)

	payload, _ := wire.Encode(&wire.AuthentPacket{HostID: "a", KeyHash: hostdb.HashKey("wrong"), LocalID: 7})
	m.Received(ch, wire.Envelope{LocalID: echo.LocalID, RemoteID: 7, Code: wire.Authent, Payload: payload})

	env := ch.waitSent(t, wire.ConnectionError)
	var packet wire.ConnectionErrorPacket
	if err := wire.Decode(env.Payload, &packet); err != nil {
		t.Fatal(err)
	}
	if future.Code(packet.Code) != future.BadAuthent || env.RemoteID != 7 {
		t.Fatalf("unexpected rejection %v to %d", packet, env.RemoteID)
	}

	select {
	case <-ch.done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel without sessions was not closed")
	}
	if n := m.Registry().Len(); n != 0 {
		t.Fatalf("registry still holds %d connections", n)
	}
}

func TestUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, testConfig("b"))
	ch := newFakeChannel("tcp://192.0.2.1:40000")

	m.Received(ch, wire.Envelope{LocalID: 42, RemoteID: 9, Code: wire.Data, Payload: []byte("lost")})

	env := ch.waitSent(t, wire.ConnectionError)
	var packet wire.ConnectionErrorPacket
	if err := wire.Decode(env.Payload, &packet); err != nil {
		t.Fatal(err)
	}
	if future.Code(packet.Code) != future.QueryRemotelyUnknown || env.RemoteID != 9 || env.LocalID != wire.NoChannel {
		t.Fatalf("unexpected answer %v: %v", env, packet)
	}
}

func TestAcceptedOverloaded(t *testing.T) {
	conf := testConfig("b")
	conf.Admission.Acceptor = true
	conf.Admission.CPULimit = 0.5

	m, _ := newTestManager(t, conf, WithLoadSampler(constantLoad(0.9)))
	m.Admission().SetSleep(func(time.Duration) {})

	ch := newFakeChannel("tcp://192.0.2.1:40000")
	if err := m.Accepted(ch); !errors.Is(err, ErrLocalOverload) {
		t.Fatalf("expected local overload, got %v", err)
	}

	env := ch.waitSent(t, wire.ConnectionError)
	if !env.IsConnectionLevel() {
		t.Fatalf("rejection %v is not connection-level", env)
	}
	if !ch.isClosed() {
		t.Fatal("refused channel is still open")
	}
	if !m.Registry().IsShuttingDown(ch) {
		t.Fatal("refused address is not shutting down")
	}
}

type constantLoad float64

func (load constantLoad) Load() (float64, error) {
	return float64(load), nil
}

func TestRemoteShutdownPacket(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, testConfig("a"), WithDialer(dialer))

	result := future.New()
	h, err := m.Connect("localhost:4556", false, result)
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := wire.Encode(&wire.ShutdownPacket{Code: uint8(future.Shutdown)})
	m.Received(h.Channel(), wire.NewConnectionEnvelope(wire.Shutdown, payload))

	if res := result.Result(); !result.IsFailed() || res.Code != future.RemoteShutdown || !res.Answered {
		t.Fatalf("unexpected result %v", res)
	}
	if !m.Registry().IsShuttingDown(h.Channel()) {
		t.Fatal("address is not shutting down")
	}
	if _, err := m.Connect("localhost:4556", false, future.New()); !errors.Is(err, ErrRemoteShutdown) {
		t.Fatalf("expected remote shutdown, got %v", err)
	}

	h.Close()
	if !dialer.channels[0].isClosed() {
		t.Fatal("channel was not closed after the last release")
	}
}

func TestShutdownNetworkChannel(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, testConfig("a"), WithDialer(dialer))

	result := future.New()
	if _, err := m.Connect("localhost:4556", false, result); err != nil {
		t.Fatal(err)
	}

	if !m.ShutdownNetworkChannel("localhost:4556") {
		t.Fatal("first shutdown was not started")
	}
	if m.ShutdownNetworkChannel("tcp://localhost:4556") {
		t.Fatal("second shutdown was started")
	}

	dialer.channels[0].waitSent(t, wire.Shutdown)
	if res := result.Result(); !result.IsFailed() || res.Code != future.Shutdown {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestChannelLost(t *testing.T) {
	dialer := &fakeDialer{}
	m, _ := newTestManager(t, testConfig("a"), WithDialer(dialer))

	result := future.New()
	h, err := m.Connect("localhost:4556", false, result)
	if err != nil {
		t.Fatal(err)
	}

	m.Closed(h.Channel(), errors.New("connection reset"))

	if n := m.Registry().Len(); n != 0 {
		t.Fatalf("registry still holds %d connections", n)
	}
	if res := result.Result(); !result.IsFailed() || res.Code != future.Disconnection || !errors.Is(res.Cause, ErrNetworkTransient) {
		t.Fatalf("unexpected result %v", res)
	}
	select {
	case <-h.Done():
	default:
		t.Fatal("session is still open")
	}

	// Releasing the lost connection must not affect a new one.
	if _, err := m.Connect("localhost:4556", false, future.New()); err != nil {
		t.Fatal(err)
	}
	h.Close()
	if n := m.Registry().Count("tcp://localhost:4556"); n != 1 {
		t.Fatalf("expected one reference, got %d", n)
	}
}

func TestCloseAll(t *testing.T) {
	conf := testConfig("a")
	conf.ExitDelay = 10 * time.Millisecond

	dialer := &fakeDialer{}
	persistence := &closeCounter{}
	m, _ := newTestManager(t, conf, WithDialer(dialer), WithPersistence(persistence))

	exited := make(chan int, 1)
	m.exit = func(code int) { exited <- code }

	result := future.New()
	if _, err := m.Connect("localhost:4556", false, result); err != nil {
		t.Fatal(err)
	}

	if err := m.CloseAll(); err != nil {
		t.Fatal(err)
	}
	if err := m.CloseAll(); err != nil {
		t.Fatal(err)
	}

	if persistence.count() != 1 {
		t.Fatalf("persistence was closed %d times", persistence.count())
	}
	if !dialer.channels[0].isClosed() {
		t.Fatal("connection is still open")
	}
	dialer.channels[0].waitSent(t, wire.Shutdown)
	if res := result.Result(); !result.IsFailed() || res.Code != future.Shutdown {
		t.Fatalf("unexpected result %v", res)
	}

	if _, err := m.Connect("localhost:4556", false, future.New()); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("expected no connection, got %v", err)
	}

	select {
	case code := <-exited:
		if code != 0 {
			t.Fatalf("exited with %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("pure client did not exit")
	}
}

type closeCounter struct {
	closes int32
}

func (c *closeCounter) Close() error {
	atomic.AddInt32(&c.closes, 1)
	return nil
}

func (c *closeCounter) count() int {
	return int(atomic.LoadInt32(&c.closes))
}

func TestErrorKinds(t *testing.T) {
	err := newError(NoConnection, "tcp://localhost:4556", "validation failed", hostdb.ErrBadCredential)

	if !errors.Is(err, ErrNoConnection) {
		t.Fatal("error does not match its kind")
	}
	if errors.Is(err, ErrNetworkTransient) {
		t.Fatal("error matches another kind")
	}
	if !errors.Is(err, hostdb.ErrBadCredential) {
		t.Fatal("error does not unwrap its cause")
	}
	if KindOf(err) != NoConnection || KindOf(errors.New("plain")) != 0 {
		t.Fatal("KindOf misclassified")
	}
	if res := resultFor(err); res.Code != future.ConnectionImpossible || res.Answered {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestConfigValidate(t *testing.T) {
	conf := DefaultConfig()
	if err := conf.Validate(); err == nil {
		t.Fatal("config without host id is valid")
	}

	conf.HostID = "a"
	if err := conf.Validate(); err != nil {
		t.Fatal(err)
	}

	conf.Retries = 0
	conf.Admission.CPULimit = 1.5
	conf.LoadSampler = "magic"
	if err := conf.Validate(); err == nil {
		t.Fatal("invalid config is valid")
	}
}
