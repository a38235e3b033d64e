// Copyright © 2015 Daniel Fu <daniel820313@gmail.com>.
// Copyright © 2019 Loki 'l0k18' Verloren <stalker.loki@protonmail.ch>.
// Copyright © 2021 Gridfinity, LLC. <admin@gridfinity.com>.
// Copyright © 2021 Jeffrey H. Johnson <trnsz@pobox.com>.
//
// All rights reserved.
//
// All use of this code is governed by the MIT license.
// The complete license is available in the LICENSE file.

package kudp_test

import (
	"bytes"
	"testing"
	"time"

	u "github.com/johnsonjh/leaktestfe"
	"github.com/stretchr/testify/assert"

	"github.com/kudpnet/kudp"
)

type pairHarness struct {
	t      *testing.T
	server *kudp.Server
	client *kudp.Client

	srvConnected    []uint64
	srvData         [][]byte
	srvChannels     []kudp.Channel
	srvDisconnected []uint64
	srvErrors       []kudp.ErrorCode

	cliConnected    bool
	cliData         [][]byte
	cliChannels     []kudp.Channel
	cliDisconnected bool
	cliErrors       []kudp.ErrorCode
}

// newPairHarness binds a server on an ephemeral loopback port and points a
// client at it. The handshake is NOT run; tests drive the ticks.
func newPairHarness(t *testing.T, cfg *kudp.Config) *pairHarness {
	h := &pairHarness{t: t}
	if cfg == nil {
		cfg = kudp.DefaultConfig()
	}
	h.server = kudp.NewServer(kudp.ServerCallbacks{
		OnConnected: func(id uint64) { h.srvConnected = append(h.srvConnected, id) },
		OnData: func(id uint64, data []byte, channel kudp.Channel) {
			h.srvData = append(h.srvData, append([]byte(nil), data...))
			h.srvChannels = append(h.srvChannels, channel)
		},
		OnDisconnected: func(id uint64) { h.srvDisconnected = append(h.srvDisconnected, id) },
		OnError: func(id uint64, code kudp.ErrorCode, msg string) {
			h.srvErrors = append(h.srvErrors, code)
		},
	}, cfg)
	if err := h.server.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	h.client = kudp.NewClient(kudp.ClientCallbacks{
		OnConnected: func() { h.cliConnected = true },
		OnData: func(data []byte, channel kudp.Channel) {
			h.cliData = append(h.cliData, append([]byte(nil), data...))
			h.cliChannels = append(h.cliChannels, channel)
		},
		OnDisconnected: func() { h.cliDisconnected = true },
		OnError: func(code kudp.ErrorCode, msg string) {
			h.cliErrors = append(h.cliErrors, code)
		},
	}, cfg)
	return h
}

func (h *pairHarness) stop() {
	if h.server.IsActive() {
		if err := h.server.Stop(); err != nil {
			h.t.Error(err)
		}
	}
}

func (h *pairHarness) tick() {
	h.client.Tick()
	h.server.Tick()
}

func (h *pairHarness) connect() {
	if err := h.client.Connect(h.server.LocalAddr().String()); err != nil {
		h.t.Fatal(err)
	}
	for i := 0; i < 200 && !(h.cliConnected && h.server.ConnectionCount() == 1); i++ {
		h.tick()
	}
	if !h.cliConnected || h.server.ConnectionCount() != 1 {
		h.t.Fatal("handshake did not complete")
	}
}

func TestNetworkHandshake(t *testing.T) {
	defer u.Leakplug(t)
	h := newPairHarness(t, nil)
	defer h.stop()
	h.connect()
	if len(h.srvConnected) != 1 {
		t.Fatalf("OnConnected fired %v times", len(h.srvConnected))
	}
	if ep := h.server.EndPoint(h.srvConnected[0]); ep == nil {
		t.Fatal("no endpoint behind the connection id")
	}

	h.client.Disconnect()
	for i := 0; i < 200 && h.server.ConnectionCount() != 0; i++ {
		h.tick()
	}
	if h.server.ConnectionCount() != 0 {
		t.Fatal("server kept the connection after the goodbye")
	}
	if len(h.srvDisconnected) != 1 || !h.cliDisconnected {
		t.Fatal("disconnect events missing")
	}
}

func TestNetworkTinyReliable(t *testing.T) {
	defer u.Leakplug(t)
	h := newPairHarness(t, nil)
	defer h.stop()
	h.connect()
	h.client.Send([]byte{0x01, 0x02}, kudp.ChannelReliable)
	for i := 0; i < 200 && len(h.srvData) == 0; i++ {
		h.tick()
	}
	if len(h.srvData) != 1 {
		t.Fatalf("server observed %v messages, want exactly 1", len(h.srvData))
	}
	assert.Equal(t, []byte{0x01, 0x02}, h.srvData[0])
	assert.Equal(t, kudp.ChannelReliable, h.srvChannels[0])
}

func TestNetworkUnreliableBothWays(t *testing.T) {
	defer u.Leakplug(t)
	h := newPairHarness(t, nil)
	defer h.stop()
	h.connect()

	h.client.Send([]byte{0xAA, 0xBB, 0xCC}, kudp.ChannelUnreliable)
	for i := 0; i < 200 && len(h.srvData) == 0; i++ {
		h.tick()
	}
	if len(h.srvData) != 1 || !bytes.Equal(h.srvData[0], []byte{0xAA, 0xBB, 0xCC}) {
		t.Fatal("client->server unreliable payload lost or corrupted")
	}
	assert.Equal(t, kudp.ChannelUnreliable, h.srvChannels[0])

	h.server.Send(h.srvConnected[0], []byte{0x11, 0x22}, kudp.ChannelUnreliable)
	for i := 0; i < 200 && len(h.cliData) == 0; i++ {
		h.tick()
	}
	if len(h.cliData) != 1 || !bytes.Equal(h.cliData[0], []byte{0x11, 0x22}) {
		t.Fatal("server->client unreliable payload lost or corrupted")
	}
	assert.Equal(t, kudp.ChannelUnreliable, h.cliChannels[0])
}

func TestNetworkMaxSizeReliable(t *testing.T) {
	defer u.Leakplug(t)
	h := newPairHarness(t, nil)
	defer h.stop()
	h.connect()

	max := h.client.Peer().ReliableMax()
	msg := make([]byte, max)
	for i := range msg {
		msg[i] = byte(i & 0xFF)
	}
	h.client.Send(msg, kudp.ChannelReliable)
	for i := 0; i < 5000 && len(h.srvData) == 0; i++ {
		h.tick()
	}
	if len(h.srvData) != 1 {
		t.Fatalf("server observed %v messages, want exactly 1", len(h.srvData))
	}
	if !bytes.Equal(h.srvData[0], msg) {
		t.Fatal("max-size payload corrupted in flight")
	}
	// one byte past the limit must be rejected without a datagram
	h.client.Send(make([]byte, max+1), kudp.ChannelReliable)
	if len(h.cliErrors) == 0 || h.cliErrors[len(h.cliErrors)-1] != kudp.ErrInvalidSend {
		t.Fatal("oversize send not rejected")
	}
}

func TestNetworkFragmentedSequence(t *testing.T) {
	defer u.Leakplug(t)
	h := newPairHarness(t, nil)
	defer h.stop()
	h.connect()

	const count = 10
	msgs := make([][]byte, count)
	for m := range msgs {
		msgs[m] = make([]byte, 8000) // several fragments each
		for i := range msgs[m] {
			msgs[m][i] = byte((i + m) & 0xFF)
		}
	}
	// all submitted before any tick; order must survive fragmentation
	for m := range msgs {
		h.client.Send(msgs[m], kudp.ChannelReliable)
	}
	for i := 0; i < 5000 && len(h.srvData) < count; i++ {
		h.tick()
	}
	if len(h.srvData) != count {
		t.Fatalf("server observed %v messages, want %v", len(h.srvData), count)
	}
	for m := range msgs {
		if !bytes.Equal(h.srvData[m], msgs[m]) {
			t.Fatalf("message %v out of order or corrupted", m)
		}
	}
}

func TestNetworkTimeout(t *testing.T) {
	defer u.Leakplug(t)
	cfg := kudp.DefaultConfig()
	cfg.Timeout = 2000
	h := newPairHarness(t, cfg)
	defer h.stop()
	h.connect()

	// the client goes silent: no ticks, no pings, no acks
	deadline := time.Now().Add(2500 * time.Millisecond)
	for time.Now().Before(deadline) && h.server.ConnectionCount() != 0 {
		h.server.Tick()
	}
	if h.server.ConnectionCount() != 0 {
		t.Fatal("server kept a silent peer past the timeout")
	}
	found := false
	for _, code := range h.srvErrors {
		if code == kudp.ErrTimeout {
			found = true
		}
	}
	if !found {
		t.Fatal("no timeout error surfaced")
	}

	// the resuming client drains the goodbye and follows
	for i := 0; i < 200 && !h.cliDisconnected; i++ {
		h.client.Tick()
	}
	if !h.cliDisconnected || h.client.Connected() {
		t.Fatal("client survived the dead session")
	}
}

func TestNetworkDeadLink(t *testing.T) {
	defer u.Leakplug(t)
	h := newPairHarness(t, nil)
	defer h.stop()
	h.connect()

	h.client.Peer().Kcp().State = -1
	h.client.Tick()
	if h.client.Connected() || !h.cliDisconnected {
		t.Fatal("dead link did not disconnect within one tick")
	}
	if len(h.cliErrors) == 0 || h.cliErrors[0] != kudp.ErrTimeout {
		t.Fatal("dead link did not surface its error")
	}
}

func TestNetworkSendWhileNotConnected(t *testing.T) {
	defer u.Leakplug(t)
	h := newPairHarness(t, nil)
	defer h.stop()
	h.client.Send([]byte{0x01}, kudp.ChannelReliable)
	if len(h.cliErrors) != 1 || h.cliErrors[0] != kudp.ErrConnectionClosed {
		t.Fatal("send before connect not rejected")
	}
	// unknown connection ids are a no-op on the server
	h.server.Send(12345, []byte{0x01}, kudp.ChannelReliable)
	h.server.Disconnect(12345)
}

func TestNetworkWithFEC(t *testing.T) {
	defer u.Leakplug(t)
	cfg := kudp.DefaultConfig()
	cfg.DataShards = 10
	cfg.ParityShards = 3
	h := newPairHarness(t, cfg)
	defer h.stop()
	h.connect()

	h.client.Send([]byte{0x01, 0x02}, kudp.ChannelReliable)
	for i := 0; i < 200 && len(h.srvData) == 0; i++ {
		h.tick()
	}
	if len(h.srvData) != 1 || !bytes.Equal(h.srvData[0], []byte{0x01, 0x02}) {
		t.Fatal("reliable payload lost under FEC framing")
	}
	h.server.Send(h.srvConnected[0], []byte{0x0F}, kudp.ChannelUnreliable)
	for i := 0; i < 200 && len(h.cliData) == 0; i++ {
		h.tick()
	}
	if len(h.cliData) != 1 || !bytes.Equal(h.cliData[0], []byte{0x0F}) {
		t.Fatal("unreliable payload lost under FEC framing")
	}
}

func TestNetworkReconnect(t *testing.T) {
	defer u.Leakplug(t)
	h := newPairHarness(t, nil)
	defer h.stop()
	h.connect()

	h.client.Disconnect()
	for i := 0; i < 200 && !h.cliDisconnected; i++ {
		h.tick()
	}
	if !h.cliDisconnected {
		t.Fatal("first session did not close")
	}

	// the same client object dials again and gets a fresh cookie
	h.cliConnected = false
	h.cliDisconnected = false
	if err := h.client.Connect(h.server.LocalAddr().String()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 200 && !h.cliConnected; i++ {
		h.tick()
	}
	if !h.cliConnected {
		t.Fatal("reconnect failed")
	}
}

func TestClientResolveFailure(t *testing.T) {
	defer u.Leakplug(t)
	var codes []kudp.ErrorCode
	c := kudp.NewClient(kudp.ClientCallbacks{
		OnError: func(code kudp.ErrorCode, msg string) { codes = append(codes, code) },
	}, kudp.DefaultConfig())
	if err := c.Connect("no.such.host.invalid:7777"); err == nil {
		t.Fatal("resolve of invalid host succeeded")
	}
	if len(codes) != 1 || codes[0] != kudp.ErrDnsResolve {
		t.Fatalf("expected a DnsResolve error, got %v", codes)
	}
}
