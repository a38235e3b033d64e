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

// Session layer constants.
const (
	// channel + cookie prefix on every datagram
	channelHeaderSize = 1
	cookieHeaderSize  = 4
	headerSize        = channelHeaderSize + cookieHeaderSize

	// PingInterval is the reliable-channel keepalive cadence in ms.
	PingInterval = 1000

	// TimeoutDef bounds silence before a peer is disconnected, in ms.
	TimeoutDef = 10000

	// QueueDisconnectThreshold chokes a peer whose combined segment
	// queues reach this count.
	QueueDisconnectThreshold = 10000
)

// Config is the one tuning surface handed to NewServer and NewClient.
type Config struct {
	// DualMode binds IPv6 with IPv4-mapped support when available
	// (server only).
	DualMode bool

	// Mtu is the datagram size ceiling including all framing.
	Mtu int

	// NoDelay enables the aggressive RTO minimum and gentler backoff.
	NoDelay bool

	// Interval is the flush cadence in ms, clamped to [10, 5000].
	Interval int

	// FastResend is the duplicate-ack threshold for fast retransmit;
	// 0 disables it.
	FastResend int

	// CongestionWindow enables AIMD congestion control. Leave off for
	// LAN and game traffic; it destabilizes throughput there.
	CongestionWindow bool

	// SendWindowSize and ReceiveWindowSize are segment counts. The
	// receive window must cover the largest fragment count in use.
	SendWindowSize    int
	ReceiveWindowSize int

	// Timeout is the silence tolerance in ms before disconnect.
	Timeout int

	// MaxRetransmits is the per-segment retransmit count treated as a
	// dead link.
	MaxRetransmits uint32

	// QueueThreshold chokes a peer whose combined segment queues reach
	// this count; 0 means QueueDisconnectThreshold.
	QueueThreshold int

	// DataShards/ParityShards enable Reed-Solomon FEC beneath the
	// session framing when both are positive. Both ends must agree.
	DataShards   int
	ParityShards int

	// Logger hooks; nil fields fall back to the logrus standard logger.
	Logger *Logger
}

// DefaultConfig mirrors the tuning the protocol ships with: turbo-ish
// latency settings, congestion control off, FEC off.
func DefaultConfig() *Config {
	return &Config{
		DualMode:          false,
		Mtu:               MtuDef,
		NoDelay:           true,
		Interval:          10,
		FastResend:        0,
		CongestionWindow:  false,
		SendWindowSize:    WndSnd,
		ReceiveWindowSize: WndRcv,
		Timeout:           TimeoutDef,
		MaxRetransmits:    DeadLinkDef,
	}
}

func (c *Config) sanitize() *Config {
	out := *c
	if out.Mtu <= 0 {
		out.Mtu = MtuDef
	}
	if out.Mtu > MtuLimit {
		out.Mtu = MtuLimit
	}
	if out.SendWindowSize <= 0 {
		out.SendWindowSize = WndSnd
	}
	if out.ReceiveWindowSize <= 0 {
		out.ReceiveWindowSize = WndRcv
	}
	if out.Timeout <= 0 {
		out.Timeout = TimeoutDef
	}
	if out.MaxRetransmits == 0 {
		out.MaxRetransmits = DeadLinkDef
	}
	if out.QueueThreshold <= 0 {
		out.QueueThreshold = QueueDisconnectThreshold
	}
	out.Logger = out.Logger.complete()
	return &out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ReliableMaxMessageSize is the largest payload accepted on the reliable
// channel for a given MTU and receive window: a full fragment train of
// min(rcvWnd,255)-1 segments, less the opcode byte. rcvWnd is used as given
// and no FEC framing is subtracted; Peer.ReliableMax raises the window to at
// least WndRcv and subtracts FEC framing when enabled, so it can differ.
func ReliableMaxMessageSize(mtu int, rcvWnd uint32) int {
	if rcvWnd > 255 {
		rcvWnd = 255
	}
	return (mtu - Overhead - headerSize) * (int(rcvWnd) - 1) - 1
}

// UnreliableMaxMessageSize is the largest payload accepted on the
// unreliable channel: one datagram less framing and opcode. No FEC framing
// is subtracted; Peer.UnreliableMax does subtract it when FEC is enabled.
func UnreliableMaxMessageSize(mtu int) int {
	return mtu - headerSize - 1
}
