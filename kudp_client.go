// Copyright © 2015 Daniel Fu <daniel820313@gmail.com>.
// Copyright © 2019 Loki 'l0k18' Verloren <stalker.loki@protonmail.ch>.
// Copyright © 2021 Gridfinity, LLC. <admin@gridfinity.com>.
// Copyright © 2021 Jeffrey H. Johnson <trnsz@pobox.com>.
//
// All rights reserved.
//
// All use of this code is governed by the MIT license.
// The complete license is available in the LICENSE file.

package kudp // import "github.com/kudpnet/kudp"

import (
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// ClientCallbacks wires a Client to the application.
type ClientCallbacks struct {
	OnConnected    func()
	OnData         func(data []byte, channel Channel)
	OnDisconnected func()
	OnError        func(code ErrorCode, msg string)
}

// Client owns one UDP socket and one Peer toward a server. Like the
// server it is single-threaded cooperative: the owner polls TickIncoming
// and TickOutgoing.
type Client struct {
	cfg *Config
	cb  ClientCallbacks
	log *Logger

	conn      *net.UDPConn
	remote    *net.UDPAddr
	peer      *Peer
	connected bool

	rawBufSize int

	ds drainState
}

// NewClient prepares a client; Connect starts the handshake.
func NewClient(cb ClientCallbacks, cfg *Config) *Client {
	c := new(Client)
	c.cfg = cfg.sanitize()
	c.cb = cb
	c.log = c.cfg.Logger
	c.rawBufSize = c.cfg.Mtu
	if c.cfg.DataShards > 0 && c.cfg.ParityShards > 0 {
		c.rawBufSize += fecHeaderSizePlus2
	}
	return c
}

// Connected reports whether the handshake has completed and the session
// is alive.
func (c *Client) Connected() bool {
	return c.connected
}

// Peer exposes the session peer for inspection and tests; nil before
// Connect.
func (c *Client) Peer() *Peer {
	return c.peer
}

// LocalAddr returns the socket address, or nil before Connect.
func (c *Client) LocalAddr() net.Addr {
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Connect resolves the server address, opens the socket and sends the
// first hello. The handshake completes asynchronously across ticks;
// OnConnected fires when it does.
func (c *Client) Connect(raddr string) error {
	if c.peer != nil {
		return errors.New(errInvalidOperation)
	}
	udpaddr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		c.onError(ErrDnsResolve, "failed to resolve server address")
		return errors.Wrap(err, "net.ResolveUDPAddr")
	}
	conn, err := net.DialUDP("udp", nil, udpaddr)
	if err != nil {
		c.onError(ErrSocketError, "failed to open socket")
		return errors.Wrap(err, "net.DialUDP")
	}
	c.conn = conn
	c.remote = udpaddr

	// cookie 0 until the server's first reliable datagram teaches us the
	// real one
	c.peer = newPeer(0, false, c.cfg, PeerCallbacks{
		OnAuthenticated: c.onAuthenticated,
		OnData: func(data []byte, channel Channel) {
			if c.cb.OnData != nil {
				c.cb.OnData(data, channel)
			}
		},
		OnDisconnected: c.onDisconnected,
		OnError: func(code ErrorCode, msg string) {
			c.onError(code, msg)
		},
		RawSend: c.rawSend,
	})
	atomic.AddUint64(&DefaultSnsi.ActiveOpen, 1)
	c.peer.SendHello()
	return nil
}

// Send transmits one message; drops with an error when not connected.
func (c *Client) Send(data []byte, channel Channel) {
	if !c.connected {
		c.onError(ErrConnectionClosed, "send while not connected")
		return
	}
	c.peer.Send(data, channel)
}

// Disconnect starts the polite goodbye; OnDisconnected fires when it has
// been flushed.
func (c *Client) Disconnect() {
	if c.peer != nil {
		c.peer.Disconnect()
	}
}

// SetPaused suppresses message delivery without touching the wire; see
// Peer.SetPaused.
func (c *Client) SetPaused(paused bool) {
	if c.peer != nil {
		c.peer.SetPaused(paused)
	}
}

func (c *Client) onError(code ErrorCode, msg string) {
	if c.cb.OnError != nil {
		c.cb.OnError(code, msg)
	}
}

func (c *Client) onAuthenticated() {
	c.connected = true
	currestab := atomic.AddUint64(&DefaultSnsi.NowEstablished, 1)
	maxconn := atomic.LoadUint64(&DefaultSnsi.MaxConn)
	if currestab > maxconn {
		atomic.CompareAndSwapUint64(&DefaultSnsi.MaxConn, maxconn, currestab)
	}
	c.log.Info("kudp: client: connected to %v", c.remote)
	if c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}
}

func (c *Client) onDisconnected() {
	wasConnected := c.connected
	c.connected = false
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.peer = nil
	if wasConnected {
		atomic.AddUint64(&DefaultSnsi.NowEstablished, ^uint64(0))
	}
	if c.cb.OnDisconnected != nil {
		c.cb.OnDisconnected()
	}
}

func (c *Client) rawSend(data []byte) {
	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write(data); err != nil {
		// treated as a drop; retransmission or timeout covers it
		c.log.Warning("kudp: client: send failed: %v", err)
	}
}

func (c *Client) handleDatagram(data []byte, _ *net.UDPAddr) {
	if len(data) > c.rawBufSize {
		atomic.AddUint64(&DefaultSnsi.PreInputErrors, 1)
		c.log.Warning("kudp: client: dropped oversize datagram (%d bytes)", len(data))
		return
	}
	if c.peer != nil {
		c.peer.RawInput(data)
	}
}

// TickIncoming drains the socket and runs the peer's incoming tick.
func (c *Client) TickIncoming() {
	if c.peer == nil {
		return
	}
	if c.conn != nil {
		c.ds.drain(c.conn, c.handleDatagram, c.log)
	}
	if c.peer != nil {
		c.peer.TickIncoming()
	}
}

// TickOutgoing flushes the peer.
func (c *Client) TickOutgoing() {
	if c.peer == nil {
		return
	}
	c.peer.TickOutgoing()
}

// Tick runs one full incoming+outgoing cycle.
func (c *Client) Tick() {
	c.TickIncoming()
	c.TickOutgoing()
}

// SetDSCP sets the 6-bit DSCP field of the IP header.
func (c *Client) SetDSCP(dscp int) error {
	if c.conn == nil {
		return errors.New(errInvalidOperation)
	}
	addr, _ := net.ResolveUDPAddr("udp", c.conn.LocalAddr().String())
	if addr != nil && addr.IP.To4() != nil {
		return ipv4.NewConn(c.conn).SetTOS(dscp << 2)
	}
	return ipv6.NewConn(c.conn).SetTrafficClass(dscp)
}

// SetReadBuffer sets the socket read buffer.
func (c *Client) SetReadBuffer(bytes int) error {
	if c.conn == nil {
		return errors.New(errInvalidOperation)
	}
	return c.conn.SetReadBuffer(bytes)
}

// SetWriteBuffer sets the socket write buffer.
func (c *Client) SetWriteBuffer(bytes int) error {
	if c.conn == nil {
		return errors.New(errInvalidOperation)
	}
	return c.conn.SetWriteBuffer(bytes)
}
