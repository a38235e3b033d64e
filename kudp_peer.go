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
	"sync/atomic"
)

// Channel selects delivery semantics for one message.
type Channel byte

// Channels. The byte value leads every datagram.
const (
	ChannelReliable   Channel = 1
	ChannelUnreliable Channel = 2
)

func (c Channel) String() string {
	switch c {
	case ChannelReliable:
		return "Reliable"
	case ChannelUnreliable:
		return "Unreliable"
	default:
		return "Invalid"
	}
}

// Opcode is the first byte of every framed message. The numbering is fixed
// across both ends and across ports.
type Opcode byte

// Opcodes.
const (
	OpHello      Opcode = 0 // handshake
	OpPing       Opcode = 1 // keepalive
	OpData       Opcode = 2 // application payload
	OpDisconnect Opcode = 3 // polite goodbye
)

// PeerState is the session lifecycle position.
type PeerState int32

// Peer states.
const (
	PeerConnected PeerState = iota
	PeerAuthenticated
	PeerDisconnecting
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerConnected:
		return "Connected"
	case PeerAuthenticated:
		return "Authenticated"
	case PeerDisconnecting:
		return "Disconnecting"
	default:
		return "Disconnected"
	}
}

// fecGroupBacklog is how many shard groups the decoder keeps live while
// waiting on reordered or lost shards.
const fecGroupBacklog = 3

// PeerCallbacks wires a Peer to its owner. The state is always flipped
// before a callback fires, so re-entrant calls (Disconnect from within
// OnDisconnected, sends from within OnData) cannot loop.
type PeerCallbacks struct {
	// OnAuthenticated fires once when the handshake completes.
	OnAuthenticated func()
	// OnData delivers one whole message; the slice is only valid for
	// the duration of the call.
	OnData func(data []byte, channel Channel)
	// OnDisconnected fires exactly once per peer lifetime.
	OnDisconnected func()
	// OnError reports recoverable errors.
	OnError func(code ErrorCode, msg string)
	// RawSend transmits one framed datagram to the remote address.
	RawSend func(data []byte)
}

// Peer drives one remote endpoint: a Kcp engine plus handshake, cookie,
// keepalive, timeout, dead-link and choke handling. Peers are not safe for
// concurrent use; the owner ticks them from a single goroutine.
type Peer struct {
	cfg *Config
	cb  PeerCallbacks
	kcp *Kcp

	state PeerState

	// cookie defeats off-path spoofing. Fixed at creation on the server
	// side; learned from the server's first reliable datagram on the
	// client side.
	cookie      uint32
	cookieFixed bool

	timeout         uint32
	queueThreshold  int
	lastReceiveTime uint32
	lastPingTime    uint32
	paused          bool

	// fecReserve is the extra framing ahead of the channel byte when
	// FEC is on.
	fecReserve int
	fecEncoder *FecEncoder
	fecDecoder *FecDecoder

	sendBuffer    []byte // opcode + payload staging for kcp.Send
	recvBuffer    []byte // whole-message staging from kcp.Recv
	rawSendBuffer []byte // unreliable datagram staging

	reliableMax   int
	unreliableMax int

	log *Logger
}

// newPeer wires a peer around a sanitized config. cookieFixed is true on
// the server side, where the cookie is assigned up front.
func newPeer(cookie uint32, cookieFixed bool, cfg *Config, cb PeerCallbacks) *Peer {
	p := new(Peer)
	p.cfg = cfg
	p.cb = cb
	p.log = cfg.Logger
	p.state = PeerConnected
	p.cookie = cookie
	p.cookieFixed = cookieFixed
	p.timeout = uint32(cfg.Timeout)
	p.queueThreshold = cfg.QueueThreshold
	p.lastReceiveTime = CurrentMs()
	p.lastPingTime = CurrentMs()

	if cfg.DataShards > 0 && cfg.ParityShards > 0 {
		p.fecReserve = fecHeaderSizePlus2
		p.fecEncoder = NewFecEncoder(cfg.DataShards, cfg.ParityShards, 0)
		p.fecDecoder = NewFecDecoder(
			fecGroupBacklog*(cfg.DataShards+cfg.ParityShards),
			cfg.DataShards, cfg.ParityShards)
	}

	p.kcp = NewKcp(0, p.outputReliable)
	p.kcp.SetMtu(cfg.Mtu)
	p.kcp.ReserveBytes(p.fecReserve + headerSize)
	p.kcp.NoDelay(
		boolToInt(cfg.NoDelay),
		cfg.Interval,
		cfg.FastResend,
		boolToInt(!cfg.CongestionWindow),
	)
	p.kcp.WndSize(cfg.SendWindowSize, cfg.ReceiveWindowSize)
	p.kcp.SetDeadLink(cfg.MaxRetransmits)

	rcvWnd := uint32(cfg.ReceiveWindowSize)
	if rcvWnd < WndRcv {
		rcvWnd = WndRcv
	}
	if rcvWnd > 255 {
		rcvWnd = 255
	}
	p.reliableMax = int(p.kcp.Mss())*(int(rcvWnd)-1) - 1
	p.unreliableMax = cfg.Mtu - p.fecReserve - headerSize - 1

	p.sendBuffer = make([]byte, 1+p.reliableMax)
	p.recvBuffer = make([]byte, 1+p.reliableMax)
	p.rawSendBuffer = make([]byte, p.fecReserve+cfg.Mtu)
	return p
}

// State returns the lifecycle position.
func (p *Peer) State() PeerState {
	return p.state
}

// Cookie returns the session cookie (0 on a client that has not yet
// received a reliable datagram from the server).
func (p *Peer) Cookie() uint32 {
	return p.cookie
}

// Kcp exposes the engine for inspection and tests.
func (p *Peer) Kcp() *Kcp {
	return p.kcp
}

// ReliableMax returns the largest payload accepted on the reliable channel.
func (p *Peer) ReliableMax() int {
	return p.reliableMax
}

// UnreliableMax returns the largest payload accepted on the unreliable
// channel.
func (p *Peer) UnreliableMax() int {
	return p.unreliableMax
}

// SetPaused short-circuits message delivery. Datagrams still feed the
// engine while paused; unpausing refreshes the timeout clock so a long
// application stall does not immediately kill the session.
func (p *Peer) SetPaused(paused bool) {
	p.paused = paused
	if !paused {
		p.lastReceiveTime = CurrentMs()
	}
}

func (p *Peer) onError(code ErrorCode, msg string) {
	if p.cb.OnError != nil {
		p.cb.OnError(code, msg)
	}
}

// outputReliable is the engine's output callback. buf carries the reserved
// framing prefix; fill it and hand the datagram to the transport.
func (p *Peer) outputReliable(buf []byte, size int) {
	if size < p.fecReserve+headerSize+Overhead {
		return
	}
	data := buf[:size]
	data[p.fecReserve] = byte(ChannelReliable)
	binary.LittleEndian.PutUint32(data[p.fecReserve+channelHeaderSize:], p.cookie)
	p.rawSendFramed(data)
}

// rawSendFramed runs one framed datagram through the FEC encoder (when on)
// and out the transport callback.
func (p *Peer) rawSendFramed(data []byte) {
	var ecc [][]byte
	if p.fecEncoder != nil {
		ecc = p.fecEncoder.Encode(data)
	}
	p.rawSendOne(data)
	for k := range ecc {
		p.rawSendOne(ecc[k])
	}
}

func (p *Peer) rawSendOne(data []byte) {
	atomic.AddUint64(&DefaultSnsi.OutputPackets, 1)
	atomic.AddUint64(&DefaultSnsi.OutputBytes, uint64(len(data)))
	if p.cb.RawSend != nil {
		p.cb.RawSend(data)
	}
}

// sendReliable frames [opcode][payload] and enqueues it on the engine.
func (p *Peer) sendReliable(op Opcode, payload []byte) {
	if 1+len(payload) > len(p.sendBuffer) {
		p.onError(ErrInvalidSend, "reliable message too large")
		return
	}
	p.sendBuffer[0] = byte(op)
	copy(p.sendBuffer[1:], payload)
	if ret := p.kcp.Send(p.sendBuffer[:1+len(payload)]); ret != 0 {
		p.onError(ErrInvalidSend, "engine rejected message")
		return
	}
	atomic.AddUint64(&DefaultSnsi.BytesSent, uint64(len(payload)))
}

// sendUnreliable frames [channel][cookie][opcode][payload] and sends it
// directly, bypassing the engine.
func (p *Peer) sendUnreliable(op Opcode, payload []byte) {
	if len(payload) > p.unreliableMax {
		p.onError(ErrInvalidSend, "unreliable message too large")
		return
	}
	buf := p.rawSendBuffer
	off := p.fecReserve
	buf[off] = byte(ChannelUnreliable)
	binary.LittleEndian.PutUint32(buf[off+channelHeaderSize:], p.cookie)
	buf[off+headerSize] = byte(op)
	n := copy(buf[off+headerSize+1:], payload)
	p.rawSendFramed(buf[:off+headerSize+1+n])
	atomic.AddUint64(&DefaultSnsi.BytesSent, uint64(len(payload)))
}

// SendHello starts or answers the handshake.
func (p *Peer) SendHello() {
	p.sendReliable(OpHello, nil)
}

// SendPing emits one keepalive.
func (p *Peer) SendPing() {
	p.sendReliable(OpPing, nil)
}

// Send transmits one application message on the given channel. Empty and
// oversize payloads are dropped with an InvalidSend error; sending on a
// peer that is not authenticated is a ConnectionClosed error.
func (p *Peer) Send(data []byte, channel Channel) {
	if p.state != PeerAuthenticated {
		p.onError(ErrConnectionClosed, "send while not connected")
		return
	}
	if len(data) == 0 {
		p.onError(ErrInvalidSend, "empty message")
		return
	}
	switch channel {
	case ChannelReliable:
		if len(data) > p.reliableMax {
			p.onError(ErrInvalidSend, "message exceeds reliable max size")
			return
		}
		p.sendReliable(OpData, data)
	case ChannelUnreliable:
		if len(data) > p.unreliableMax {
			p.onError(ErrInvalidSend, "message exceeds unreliable max size")
			return
		}
		p.sendUnreliable(OpData, data)
	default:
		p.onError(ErrInvalidSend, "invalid channel")
	}
}

// Disconnect queues a polite goodbye; the transition to Disconnected
// completes on the next outgoing tick, once the goodbye has been flushed.
func (p *Peer) Disconnect() {
	if p.state == PeerDisconnecting || p.state == PeerDisconnected {
		return
	}
	p.sendReliable(OpDisconnect, nil)
	p.state = PeerDisconnecting
}

// finishDisconnect flips the state before firing the callback, breaking
// any re-entrant Disconnect cycle.
func (p *Peer) finishDisconnect() {
	if p.state == PeerDisconnected {
		return
	}
	p.state = PeerDisconnected
	if p.cb.OnDisconnected != nil {
		p.cb.OnDisconnected()
	}
}

// RawInput consumes one raw datagram from the transport: FEC unwrap when
// enabled, then cookie and channel dispatch.
func (p *Peer) RawInput(data []byte) {
	atomic.AddUint64(&DefaultSnsi.InputPackets, 1)
	atomic.AddUint64(&DefaultSnsi.InputBytes, uint64(len(data)))

	if p.fecDecoder == nil {
		p.dispatch(data)
		return
	}
	if len(data) <= fecHeaderSize {
		atomic.AddUint64(&DefaultSnsi.PreInputErrors, 1)
		return
	}
	f := FecPacket(data)
	if f.flag() != TypeData && f.flag() != TypeParity {
		atomic.AddUint64(&DefaultSnsi.PreInputErrors, 1)
		p.log.Warning("kudp: peer: dropped datagram without FEC framing")
		return
	}
	if f.flag() == TypeParity {
		atomic.AddUint64(&DefaultSnsi.FECParityShards, 1)
	}
	recovers := p.fecDecoder.Decode(f)
	if f.flag() == TypeData {
		p.dispatch(data[fecHeaderSizePlus2:])
	}
	for _, r := range recovers {
		if len(r) >= 2 {
			sz := binary.LittleEndian.Uint16(r)
			if int(sz) <= len(r) && sz >= 2 {
				atomic.AddUint64(&DefaultSnsi.FECRecovered, 1)
				p.dispatch(r[2:sz])
			} else {
				atomic.AddUint64(&DefaultSnsi.FECFailures, 1)
			}
		} else {
			atomic.AddUint64(&DefaultSnsi.FECFailures, 1)
		}
		xmitBuf.Put(r)
	}
}

// dispatch verifies the [channel][cookie] prefix and routes the rest.
func (p *Peer) dispatch(data []byte) {
	if len(data) <= headerSize {
		atomic.AddUint64(&DefaultSnsi.PreInputErrors, 1)
		return
	}
	channel := Channel(data[0])
	cookie := binary.LittleEndian.Uint32(data[channelHeaderSize:])

	if p.cookieFixed {
		// after authentication every datagram must bear the session
		// cookie; during the handshake a client cannot know it yet
		if cookie != p.cookie && p.state == PeerAuthenticated {
			atomic.AddUint64(&DefaultSnsi.CookieDrops, 1)
			p.log.Warning(
				"kudp: peer: dropped datagram with invalid cookie %d, expected %d",
				cookie, p.cookie)
			return
		}
	} else if channel == ChannelReliable {
		// client side: the server's first reliable datagram carries the
		// session cookie it assigned
		p.cookie = cookie
		p.cookieFixed = true
		p.log.Info("kudp: peer: received session cookie %d", cookie)
	}

	switch channel {
	case ChannelReliable:
		if ret := p.kcp.Input(data[headerSize:]); ret != 0 {
			atomic.AddUint64(&DefaultSnsi.InputErrors, 1)
			p.onError(ErrInvalidReceive, "malformed reliable datagram")
			return
		}
		p.lastReceiveTime = CurrentMs()
	case ChannelUnreliable:
		message := data[headerSize:]
		p.lastReceiveTime = CurrentMs()
		switch Opcode(message[0]) {
		case OpData:
			if p.state != PeerAuthenticated {
				// can happen when data outruns the handshake
				atomic.AddUint64(&DefaultSnsi.PreInputErrors, 1)
				return
			}
			if len(message) < 2 {
				p.onError(ErrInvalidReceive, "empty unreliable message")
				return
			}
			if !p.paused && p.cb.OnData != nil {
				atomic.AddUint64(&DefaultSnsi.BytesReceived, uint64(len(message)-1))
				p.cb.OnData(message[1:], ChannelUnreliable)
			}
		case OpDisconnect:
			// a choked remote says goodbye here because its reliable
			// queue is already past the threshold
			if p.state == PeerAuthenticated {
				p.finishDisconnect()
			}
		default:
			atomic.AddUint64(&DefaultSnsi.PreInputErrors, 1)
		}
	default:
		atomic.AddUint64(&DefaultSnsi.PreInputErrors, 1)
		p.log.Warning("kudp: peer: invalid channel header %d, likely internet noise", data[0])
	}
}

// TickIncoming evaluates liveness and drains every complete message out of
// the engine. The owner calls it once per tick after feeding RawInput.
func (p *Peer) TickIncoming() {
	current := CurrentMs()
	switch p.state {
	case PeerConnected, PeerAuthenticated:
		p.handleTimeout(current)
		p.handleDeadLink()
		p.handlePing(current)
		p.handleChoked()
		// while paused, messages stay queued in the engine; the
		// receive window throttles the remote side naturally
		if !p.paused {
			p.processMessages()
		}
	}
}

// TickOutgoing flushes the engine; during a disconnect it flushes the
// goodbye and completes the transition.
func (p *Peer) TickOutgoing() {
	switch p.state {
	case PeerConnected, PeerAuthenticated:
		p.kcp.Update(CurrentMs())
	case PeerDisconnecting:
		p.kcp.Flush(false)
		p.finishDisconnect()
	}
}

func (p *Peer) handleTimeout(current uint32) {
	if _itimediff(current, p.lastReceiveTime) >= int32(p.timeout) {
		atomic.AddUint64(&DefaultSnsi.PeersTimedOut, 1)
		p.onError(ErrTimeout, "connection timed out")
		p.Disconnect()
	}
}

func (p *Peer) handleDeadLink() {
	if p.kcp.State == -1 {
		atomic.AddUint64(&DefaultSnsi.DeadLinks, 1)
		p.onError(ErrTimeout, "dead link: a message was retransmitted too many times without ack")
		p.Disconnect()
	}
}

func (p *Peer) handlePing(current uint32) {
	if _itimediff(current, p.lastPingTime) >= PingInterval {
		p.SendPing()
		p.lastPingTime = current
	}
}

func (p *Peer) handleChoked() {
	total := p.kcp.TotalQueued()
	if total >= p.queueThreshold {
		atomic.AddUint64(&DefaultSnsi.PeersChoked, 1)
		p.onError(ErrCongestion, "disconnecting choked peer to protect the process")
		// the reliable queue is already past saving; the goodbye goes
		// out on the unreliable channel
		p.sendUnreliable(OpDisconnect, nil)
		p.state = PeerDisconnecting
	}
}

func (p *Peer) processMessages() {
	for p.state == PeerConnected || p.state == PeerAuthenticated {
		size := p.kcp.PeekSize()
		if size < 1 {
			break
		}
		if size > len(p.recvBuffer) {
			p.onError(ErrInvalidReceive, "message exceeds receive buffer")
			p.Disconnect()
			break
		}
		n := p.kcp.Recv(p.recvBuffer[:size])
		if n < 1 {
			p.onError(ErrInvalidReceive, "engine receive failed")
			p.Disconnect()
			break
		}
		msg := p.recvBuffer[:n]
		p.handleReliableMessage(Opcode(msg[0]), msg[1:])
	}
}

func (p *Peer) handleReliableMessage(op Opcode, payload []byte) {
	switch op {
	case OpHello:
		if p.state == PeerAuthenticated {
			// a retransmitted hello is harmless
			p.log.Warning("kudp: peer: hello received while already authenticated")
			return
		}
		p.state = PeerAuthenticated
		if p.cb.OnAuthenticated != nil {
			p.cb.OnAuthenticated()
		}
	case OpPing:
		// lastReceiveTime was refreshed on arrival
	case OpData:
		if p.state != PeerAuthenticated {
			p.onError(ErrInvalidReceive, "data before handshake")
			p.Disconnect()
			return
		}
		if len(payload) == 0 {
			p.onError(ErrInvalidReceive, "empty message")
			p.Disconnect()
			return
		}
		if p.cb.OnData != nil {
			atomic.AddUint64(&DefaultSnsi.BytesReceived, uint64(len(payload)))
			p.cb.OnData(payload, ChannelReliable)
		}
	case OpDisconnect:
		p.finishDisconnect()
	default:
		p.onError(ErrInvalidReceive, "unknown opcode")
		p.Disconnect()
	}
}
