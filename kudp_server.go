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
	"encoding/binary"
	"net"
	"sync/atomic"

	hh "github.com/minio/highwayhash"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

type (
	setReadBuffer interface {
		SetReadBuffer(bytes int) error
	}

	setWriteBuffer interface {
		SetWriteBuffer(bytes int) error
	}
)

// ServerCallbacks wires a Server to the application. connID is the opaque,
// stable handle for one remote endpoint.
type ServerCallbacks struct {
	OnConnected    func(connID uint64)
	OnData         func(connID uint64, data []byte, channel Channel)
	OnDisconnected func(connID uint64)
	OnError        func(connID uint64, code ErrorCode, msg string)
}

// serverConnection pairs one Peer with its remote endpoint.
type serverConnection struct {
	id     uint64
	remote *net.UDPAddr
	peer   *Peer
	added  bool // in the connection map, past the handshake
}

// Server multiplexes many peers onto a single UDP socket, keyed by a
// keyed-hash connection id of the source address. Peers enter the map only
// after a valid handshake; everything else is discarded, which keeps spoof
// floods and internet noise from allocating state.
//
// The server is single-threaded cooperative: all work happens inside
// TickIncoming and TickOutgoing, called from one goroutine.
type Server struct {
	cfg *Config
	cb  ServerCallbacks
	log *Logger

	conn        *net.UDPConn
	connections map[uint64]*serverConnection
	removals    map[uint64]struct{} // deferred, so ticks never mutate the map mid-range

	hashKey    []byte
	rng        *entropySource
	rawBufSize int

	ds drainState
}

// NewServer prepares a server; Start binds it.
func NewServer(cb ServerCallbacks, cfg *Config) *Server {
	s := new(Server)
	s.cfg = cfg.sanitize()
	s.cb = cb
	s.log = s.cfg.Logger
	s.connections = make(map[uint64]*serverConnection)
	s.removals = make(map[uint64]struct{})
	s.rng = newEntropySource()
	s.hashKey = make([]byte, 32)
	s.rng.Read(s.hashKey)
	s.rawBufSize = s.cfg.Mtu
	if s.cfg.DataShards > 0 && s.cfg.ParityShards > 0 {
		s.rawBufSize += fecHeaderSizePlus2
	}
	return s
}

// Start binds the UDP socket. With DualMode the socket accepts IPv6 and
// IPv4-mapped traffic; otherwise it binds IPv4 only.
func (s *Server) Start(laddr string) error {
	if s.conn != nil {
		return errors.New(errInvalidOperation)
	}
	network := "udp4"
	if s.cfg.DualMode {
		network = "udp"
	}
	udpaddr, err := net.ResolveUDPAddr(network, laddr)
	if err != nil {
		return errors.Wrap(err, "net.ResolveUDPAddr")
	}
	conn, err := net.ListenUDP(network, udpaddr)
	if err != nil {
		return errors.Wrap(err, "net.ListenUDP")
	}
	s.conn = conn
	s.log.Info("kudp: server: listening on %v", conn.LocalAddr())
	return nil
}

// Stop closes the socket. Existing peers are dropped without a goodbye;
// their remotes will time out.
func (s *Server) Stop() error {
	if s.conn == nil {
		return errors.New(errInvalidOperation)
	}
	err := s.conn.Close()
	s.conn = nil
	for range s.connections {
		atomic.AddUint64(&DefaultSnsi.NowEstablished, ^uint64(0))
	}
	s.connections = make(map[uint64]*serverConnection)
	return err
}

// IsActive reports whether the socket is bound.
func (s *Server) IsActive() bool {
	return s.conn != nil
}

// LocalAddr returns the bound address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// ConnectionCount returns the number of authenticated peers.
func (s *Server) ConnectionCount() int {
	return len(s.connections)
}

// EndPoint returns the remote address behind a connection id.
func (s *Server) EndPoint(connID uint64) *net.UDPAddr {
	if conn, ok := s.connections[connID]; ok {
		return conn.remote
	}
	return nil
}

// Send transmits one message to a connected peer. Unknown ids are a logged
// no-op: the peer may have just disconnected.
func (s *Server) Send(connID uint64, data []byte, channel Channel) {
	conn, ok := s.connections[connID]
	if !ok {
		s.log.Warning("kudp: server: send to unknown connection %d", connID)
		return
	}
	conn.peer.Send(data, channel)
}

// Disconnect starts a polite goodbye toward one peer.
func (s *Server) Disconnect(connID uint64) {
	if conn, ok := s.connections[connID]; ok {
		conn.peer.Disconnect()
	}
}

// connID is a stable keyed hash of the remote address. The key is drawn
// per server, so ids are not predictable across processes.
func (s *Server) connID(addr *net.UDPAddr) uint64 {
	var b [18]byte
	copy(b[:16], addr.IP.To16())
	binary.LittleEndian.PutUint16(b[16:], uint16(addr.Port))
	return hh.Sum64(b[:], s.hashKey)
}

// newConnection builds a provisional peer for a first-contact address with
// a freshly drawn cookie.
func (s *Server) newConnection(id uint64, remote *net.UDPAddr) *serverConnection {
	conn := &serverConnection{
		id:     id,
		remote: remote,
	}
	cookie := s.rng.cookie()
	conn.peer = newPeer(cookie, true, s.cfg, PeerCallbacks{
		OnAuthenticated: func() { s.onAuthenticated(conn) },
		OnData: func(data []byte, channel Channel) {
			if s.cb.OnData != nil {
				s.cb.OnData(conn.id, data, channel)
			}
		},
		OnDisconnected: func() { s.onDisconnected(conn) },
		OnError: func(code ErrorCode, msg string) {
			if s.cb.OnError != nil {
				s.cb.OnError(conn.id, code, msg)
			}
		},
		RawSend: func(data []byte) { s.rawSend(conn, data) },
	})
	return conn
}

// onAuthenticated admits a peer that completed the handshake: reply with
// the hello that carries the assigned cookie, insert, then surface it.
func (s *Server) onAuthenticated(conn *serverConnection) {
	conn.peer.SendHello()
	conn.added = true
	s.connections[conn.id] = conn
	atomic.AddUint64(&DefaultSnsi.PassiveOpen, 1)
	currestab := atomic.AddUint64(&DefaultSnsi.NowEstablished, 1)
	maxconn := atomic.LoadUint64(&DefaultSnsi.MaxConn)
	if currestab > maxconn {
		atomic.CompareAndSwapUint64(&DefaultSnsi.MaxConn, maxconn, currestab)
	}
	s.log.Info("kudp: server: connection %d from %v authenticated", conn.id, conn.remote)
	if s.cb.OnConnected != nil {
		s.cb.OnConnected(conn.id)
	}
}

func (s *Server) onDisconnected(conn *serverConnection) {
	if !conn.added {
		return
	}
	atomic.AddUint64(&DefaultSnsi.NowEstablished, ^uint64(0))
	s.removals[conn.id] = struct{}{}
	if s.cb.OnDisconnected != nil {
		s.cb.OnDisconnected(conn.id)
	}
}

func (s *Server) rawSend(conn *serverConnection, data []byte) {
	if s.conn == nil {
		return
	}
	if _, err := s.conn.WriteToUDP(data, conn.remote); err != nil {
		// a failed send behaves like a lost datagram; the reliable
		// channel retransmits and the unreliable channel shrugs
		s.log.Warning("kudp: server: send to %v failed: %v", conn.remote, err)
	}
}

// handleDatagram feeds one datagram into the peer for its source address,
// creating a provisional peer on first contact.
func (s *Server) handleDatagram(data []byte, addr *net.UDPAddr) {
	if addr == nil {
		return
	}
	if len(data) > s.rawBufSize {
		// larger than any datagram a conformant peer can produce
		atomic.AddUint64(&DefaultSnsi.PreInputErrors, 1)
		s.log.Warning("kudp: server: dropped oversize datagram (%d bytes) from %v", len(data), addr)
		return
	}
	id := s.connID(addr)
	if conn, ok := s.connections[id]; ok {
		conn.peer.RawInput(data)
		return
	}
	conn := s.newConnection(id, addr)
	conn.peer.RawInput(data)
	conn.peer.TickIncoming()
	if !conn.added {
		// no valid handshake in the first datagram: spoof flood,
		// straggler from an old session, or random noise
		atomic.AddUint64(&DefaultSnsi.HandshakesRejected, 1)
	}
}

// TickIncoming drains the socket, feeds peers, then runs their incoming
// ticks. Call on every tick before TickOutgoing.
func (s *Server) TickIncoming() {
	if s.conn == nil {
		return
	}
	s.ds.drain(s.conn, s.handleDatagram, s.log)
	for _, conn := range s.connections {
		conn.peer.TickIncoming()
	}
	s.sweep()
}

// TickOutgoing flushes every peer. Call on every tick after TickIncoming.
func (s *Server) TickOutgoing() {
	for _, conn := range s.connections {
		conn.peer.TickOutgoing()
	}
	s.sweep()
}

// Tick runs one full incoming+outgoing cycle.
func (s *Server) Tick() {
	s.TickIncoming()
	s.TickOutgoing()
}

func (s *Server) sweep() {
	if len(s.removals) == 0 {
		return
	}
	for id := range s.removals {
		delete(s.connections, id)
		delete(s.removals, id)
	}
}

// SetDSCP sets the 6-bit DSCP field of the IP header.
func (s *Server) SetDSCP(dscp int) error {
	if s.conn == nil {
		return errors.New(errInvalidOperation)
	}
	addr, _ := net.ResolveUDPAddr("udp", s.conn.LocalAddr().String())
	if addr != nil && addr.IP.To4() != nil {
		return ipv4.NewConn(s.conn).SetTOS(dscp << 2)
	}
	return ipv6.NewConn(s.conn).SetTrafficClass(dscp)
}

// SetReadBuffer sets the socket read buffer.
func (s *Server) SetReadBuffer(bytes int) error {
	if s.conn == nil {
		return errors.New(errInvalidOperation)
	}
	if nc, ok := interface{}(s.conn).(setReadBuffer); ok {
		return nc.SetReadBuffer(bytes)
	}
	return errors.New(errInvalidOperation)
}

// SetWriteBuffer sets the socket write buffer.
func (s *Server) SetWriteBuffer(bytes int) error {
	if s.conn == nil {
		return errors.New(errInvalidOperation)
	}
	if nc, ok := interface{}(s.conn).(setWriteBuffer); ok {
		return nc.SetWriteBuffer(bytes)
	}
	return errors.New(errInvalidOperation)
}
