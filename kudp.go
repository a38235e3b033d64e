// Package kudp - A Reliable-over-UDP Message Transport
//
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
	"math"
	"runtime/debug"
	"sync/atomic"

	kudpLegal "go4.org/legal"
)

// Kudp ARQ protocol constants
const (
	RtoNdl       = 30  // RtoNdl:	NoDelay min RTO
	RtoMin       = 100 // RtoMin:	Regular min RTO
	RtoDef       = 200
	RtoMax       = 60000
	CmdPush      = 81 // CmdPush:	Push data
	CmdAck       = 82 // CmdAck:	Ack
	CmdWask      = 83 // CmdWask:	Get window size
	CmdWins      = 84 // CmdWins:	Set window size
	AskSend      = 1  // AskSend:	Need to send CmdWask
	AskTell      = 2  // AskTell:	Need to send CmdWins
	WndSnd       = 32
	WndRcv       = 128 // WndRcv:	Must be >= max fragment count
	MtuDef       = 1200
	IntervalDef  = 100
	Overhead     = 24
	DeadLinkDef  = 20
	ThreshInit   = 2
	ThreshMin    = 2
	ProbeInit    = 7000   // 7s initial window probe
	ProbeLimit   = 120000 // 120s hard probe ceiling
	FastAckLimit = 5      // FastAckLimit:	Fast retransmits per segment
)

type outputCallback func(buf []byte, size int)

func kudpEncode8u(p []byte, c byte) []byte {
	p[0] = c
	return p[1:]
}

func kudpDecode8u(p []byte, c *byte) []byte {
	*c = p[0]
	return p[1:]
}

func kudpEncode16u(p []byte, w uint16) []byte {
	binary.LittleEndian.PutUint16(p, w)
	return p[2:]
}

func kudpDecode16u(p []byte, w *uint16) []byte {
	*w = binary.LittleEndian.Uint16(p)
	return p[2:]
}

func kudpEncode32u(p []byte, l uint32) []byte {
	binary.LittleEndian.PutUint32(p, l)
	return p[4:]
}

func kudpDecode32u(p []byte, l *uint32) []byte {
	*l = binary.LittleEndian.Uint32(p)
	return p[4:]
}

func _imin(a, b uint32) uint32 {
	if a <= b {
		return a
	}
	return b
}

func _imax(a, b uint32) uint32 {
	if a >= b {
		return a
	}
	return b
}

func _ibound(lower, middle, upper uint32) uint32 {
	return _imin(_imax(lower, middle), upper)
}

// _itimediff is the wrap-safe comparison for 32-bit millisecond clocks.
func _itimediff(later, earlier uint32) int32 {
	return (int32)(later - earlier)
}

// Segment carries one message fragment.
type Segment struct {
	conv     uint32
	cmd      uint8
	frg      uint8
	wnd      uint16
	ts       uint32
	sn       uint32
	una      uint32
	rto      uint32
	xmit     uint32
	resendTs uint32
	fastack  uint32
	acked    uint32
	data     []byte
}

func (seg *Segment) encode(ptr []byte) []byte {
	ptr = kudpEncode32u(ptr, seg.conv)
	ptr = kudpEncode8u(ptr, seg.cmd)
	ptr = kudpEncode8u(ptr, seg.frg)
	ptr = kudpEncode16u(ptr, seg.wnd)
	ptr = kudpEncode32u(ptr, seg.ts)
	ptr = kudpEncode32u(ptr, seg.sn)
	ptr = kudpEncode32u(ptr, seg.una)
	ptr = kudpEncode32u(ptr, uint32(len(seg.data)))
	atomic.AddUint64(&DefaultSnsi.OutputSegments, 1)
	return ptr
}

// Kcp is the ARQ control block for one conversation.
type Kcp struct {
	conv, mtu, mss                      uint32
	sndUna, sndNxt, rcvNxt              uint32
	ssthresh                            uint32
	rxRttVar, rxSrtt                    int32
	rxRto, rxMinRto                     uint32
	sndWnd, rcvWnd, rmtWnd, cwnd, probe uint32
	current, interval, tsFlush          uint32
	nodelay, updated                    uint32
	tsProbe, probeWait                  uint32
	deadLink, incr                      uint32
	fastresend                          int32
	fastlimit                           int32
	nocwnd                              int32

	// State goes to -1 once a single segment has been retransmitted
	// deadLink times without acknowledgement.
	State int32

	sndQueue []Segment
	rcvQueue []Segment
	sndBuf   []Segment
	rcvBuf   []Segment

	acklist  []ackItem
	buffer   []byte
	reserved int
	output   outputCallback
}

type ackItem struct {
	sn uint32
	ts uint32
}

// NewKcp creates a new control block. conv must match on both ends of the
// conversation; output delivers framed datagrams to the transport.
func NewKcp(conv uint32, output outputCallback) *Kcp {
	k := new(Kcp)
	k.conv = conv
	k.sndWnd = WndSnd
	k.rcvWnd = WndRcv
	k.rmtWnd = WndRcv
	k.mtu = MtuDef
	k.mss = k.mtu - Overhead
	k.buffer = make([]byte, k.mtu)
	k.rxRto = RtoDef
	k.rxMinRto = RtoMin
	k.interval = IntervalDef
	k.tsFlush = IntervalDef
	k.ssthresh = ThreshInit
	k.fastlimit = FastAckLimit
	k.deadLink = DeadLinkDef
	k.output = output
	return k
}

func (k *Kcp) newSegment(size int) (seg Segment) {
	seg.data = xmitBuf.Get().([]byte)[:size]
	return
}

func (k *Kcp) delSegment(seg *Segment) {
	if seg.data != nil {
		xmitBuf.Put(seg.data)
		seg.data = nil
	}
}

// ReserveBytes keeps n bytes from the beginning of the flush buffer for
// framing added by the caller's output callback. Returns false if n is
// out of range.
func (k *Kcp) ReserveBytes(n int) bool {
	if n >= int(k.mtu-Overhead) || n < 0 {
		return false
	}
	k.reserved = n
	k.mss = k.mtu - Overhead - uint32(n)
	return true
}

// PeekSize returns the byte count of the next complete message in the
// receive queue, or a negative value when no complete message is buffered.
func (k *Kcp) PeekSize() (length int) {
	if len(k.rcvQueue) == 0 {
		return -1
	}
	seg := &k.rcvQueue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}
	if len(k.rcvQueue) < int(seg.frg+1) {
		return -1
	}
	for i := range k.rcvQueue {
		seg := &k.rcvQueue[i]
		length += len(seg.data)
		if seg.frg == 0 {
			break
		}
	}
	return
}

// Recv copies the next complete message into buffer and returns its size.
// Negative return values mean no message, an incomplete message, or a
// buffer too small to hold it.
func (k *Kcp) Recv(buffer []byte) (n int) {
	if len(k.rcvQueue) == 0 {
		return -1
	}
	peeksize := k.PeekSize()
	if peeksize < 0 {
		return -2
	}
	if peeksize > len(buffer) {
		return -3
	}
	var fastRecovery bool
	if len(k.rcvQueue) >= int(k.rcvWnd) {
		fastRecovery = true
	}

	// merge fragments into buffer
	count := 0
	for i := range k.rcvQueue {
		seg := &k.rcvQueue[i]
		copy(buffer, seg.data)
		buffer = buffer[len(seg.data):]
		n += len(seg.data)
		count++
		k.delSegment(seg)
		if seg.frg == 0 {
			break
		}
	}
	if count > 0 {
		k.rcvQueue = k.removeFront(k.rcvQueue, count)
	}

	// migrate contiguous segments from rcvBuf into rcvQueue
	count = 0
	for i := range k.rcvBuf {
		seg := &k.rcvBuf[i]
		if seg.sn == k.rcvNxt && len(k.rcvQueue)+count < int(k.rcvWnd) {
			k.rcvNxt++
			count++
		} else {
			break
		}
	}
	if count > 0 {
		k.rcvQueue = append(k.rcvQueue, k.rcvBuf[:count]...)
		k.rcvBuf = k.removeFront(k.rcvBuf, count)
	}

	// window was full and has drained: tell the remote side
	if len(k.rcvQueue) < int(k.rcvWnd) && fastRecovery {
		k.probe |= AskTell
	}
	return
}

// Send enqueues an application message for reliable delivery, fragmenting
// it into ceil(len/mss) segments. Returns a negative value when the message
// is empty or needs more fragments than the receive window permits.
func (k *Kcp) Send(buffer []byte) int {
	var count int
	if len(buffer) == 0 {
		return -1
	}
	if len(buffer) <= int(k.mss) {
		count = 1
	} else {
		count = (len(buffer) + int(k.mss) - 1) / int(k.mss)
	}
	// frg is a single byte and the receiver must be able to hold every
	// fragment of one message at once
	if count > 255 || count >= int(k.rcvWnd) {
		return -2
	}
	for i := 0; i < count; i++ {
		size := len(buffer)
		if size > int(k.mss) {
			size = int(k.mss)
		}
		seg := k.newSegment(size)
		copy(seg.data, buffer[:size])
		seg.frg = uint8(count - i - 1)
		k.sndQueue = append(k.sndQueue, seg)
		buffer = buffer[size:]
	}
	return 0
}

// updateAck folds one RTT sample into srtt/rttvar per RFC 6298.
func (k *Kcp) updateAck(rtt int32) {
	var rto uint32
	if k.rxSrtt == 0 {
		k.rxSrtt = rtt
		k.rxRttVar = rtt >> 1
	} else {
		delta := rtt - k.rxSrtt
		if delta < 0 {
			delta = -delta
		}
		k.rxRttVar = (3*k.rxRttVar + delta) / 4
		k.rxSrtt = (7*k.rxSrtt + rtt) / 8
		if k.rxSrtt < 1 {
			k.rxSrtt = 1
		}
	}
	rto = uint32(k.rxSrtt) + _imax(k.interval, uint32(k.rxRttVar)<<2)
	k.rxRto = _ibound(k.rxMinRto, rto, RtoMax)
}

func (k *Kcp) shrinkBuf() {
	if len(k.sndBuf) > 0 {
		seg := &k.sndBuf[0]
		k.sndUna = seg.sn
	} else {
		k.sndUna = k.sndNxt
	}
}

// parseAck marks a specific in-flight segment acknowledged. The segment
// stays in sndBuf until UNA sweeps past it, which keeps mid-list deletion
// off the hot path with large windows.
func (k *Kcp) parseAck(sn uint32) {
	if _itimediff(sn, k.sndUna) < 0 || _itimediff(sn, k.sndNxt) >= 0 {
		return
	}
	for i := range k.sndBuf {
		seg := &k.sndBuf[i]
		if sn == seg.sn {
			seg.acked = 1
			k.delSegment(seg)
			break
		}
		if _itimediff(sn, seg.sn) < 0 {
			break
		}
	}
}

func (k *Kcp) parseFastack(sn, ts uint32) {
	if _itimediff(sn, k.sndUna) < 0 || _itimediff(sn, k.sndNxt) >= 0 {
		return
	}
	for i := range k.sndBuf {
		seg := &k.sndBuf[i]
		if _itimediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn && _itimediff(seg.ts, ts) <= 0 {
			seg.fastack++
		}
	}
}

// parseUna removes the acknowledged prefix from sndBuf.
func (k *Kcp) parseUna(una uint32) {
	count := 0
	for i := range k.sndBuf {
		seg := &k.sndBuf[i]
		if _itimediff(una, seg.sn) > 0 {
			k.delSegment(seg)
			count++
		} else {
			break
		}
	}
	if count > 0 {
		k.sndBuf = k.removeFront(k.sndBuf, count)
	}
}

func (k *Kcp) ackPush(sn, ts uint32) {
	k.acklist = append(k.acklist, ackItem{sn, ts})
}

// parseData inserts one PUSH segment into rcvBuf, keeping the buffer
// strictly sorted by sn and duplicate-free, then migrates the contiguous
// prefix into rcvQueue. Returns true when the segment is dropped: a
// duplicate arrival or an sn outside the receive window.
func (k *Kcp) parseData(newSeg Segment) bool {
	sn := newSeg.sn
	if _itimediff(sn, k.rcvNxt+k.rcvWnd) >= 0 ||
		_itimediff(sn, k.rcvNxt) < 0 {
		return true
	}

	n := len(k.rcvBuf) - 1
	insertIdx := 0
	repeat := false
	for i := n; i >= 0; i-- {
		seg := &k.rcvBuf[i]
		if seg.sn == sn {
			repeat = true
			break
		}
		if _itimediff(sn, seg.sn) > 0 {
			insertIdx = i + 1
			break
		}
	}

	if !repeat {
		// the pooled copy is only taken for fresh arrivals, so a
		// duplicate never strands a pool buffer
		dataCopy := xmitBuf.Get().([]byte)[:len(newSeg.data)]
		copy(dataCopy, newSeg.data)
		newSeg.data = dataCopy

		if insertIdx == n+1 {
			k.rcvBuf = append(k.rcvBuf, newSeg)
		} else {
			k.rcvBuf = append(k.rcvBuf, Segment{})
			copy(k.rcvBuf[insertIdx+1:], k.rcvBuf[insertIdx:])
			k.rcvBuf[insertIdx] = newSeg
		}
	}
	count := 0
	for i := range k.rcvBuf {
		seg := &k.rcvBuf[i]
		if seg.sn == k.rcvNxt && len(k.rcvQueue)+count < int(k.rcvWnd) {
			k.rcvNxt++
			count++
		} else {
			break
		}
	}
	if count > 0 {
		k.rcvQueue = append(k.rcvQueue, k.rcvBuf[:count]...)
		k.rcvBuf = k.removeFront(k.rcvBuf, count)
	}
	return repeat
}

// Input consumes one raw datagram, which may hold several concatenated
// segments. Returns 0 on success and a negative code for malformed data:
// -1 short header or conv mismatch, -2 truncated payload, -3 unknown cmd.
func (k *Kcp) Input(data []byte) int {
	sndUna := k.sndUna
	if len(data) < Overhead {
		return -1
	}
	var latest uint32 // latest ts in this round of acks
	var maxack uint32 // largest acked sn in this round
	var flag int
	var inSegs uint64
	for {
		var ts, sn, length, una, conv uint32
		var wnd uint16
		var cmd, frg uint8
		if len(data) < Overhead {
			break
		}
		data = kudpDecode32u(data, &conv)
		if conv != k.conv {
			return -1
		}
		data = kudpDecode8u(data, &cmd)
		data = kudpDecode8u(data, &frg)
		data = kudpDecode16u(data, &wnd)
		data = kudpDecode32u(data, &ts)
		data = kudpDecode32u(data, &sn)
		data = kudpDecode32u(data, &una)
		data = kudpDecode32u(data, &length)
		if len(data) < int(length) {
			return -2
		}
		if cmd != CmdPush && cmd != CmdAck &&
			cmd != CmdWask && cmd != CmdWins {
			return -3
		}
		k.rmtWnd = uint32(wnd)
		k.parseUna(una)
		k.shrinkBuf()
		switch cmd {
		case CmdAck:
			k.parseAck(sn)
			k.shrinkBuf()
			if flag == 0 {
				flag = 1
				maxack = sn
				latest = ts
			} else if _itimediff(sn, maxack) > 0 {
				maxack = sn
				latest = ts
			}
		case CmdPush:
			repeat := true
			if _itimediff(sn, k.rcvNxt+k.rcvWnd) < 0 {
				k.ackPush(sn, ts)
				if _itimediff(sn, k.rcvNxt) >= 0 {
					var seg Segment
					seg.conv = conv
					seg.cmd = cmd
					seg.frg = frg
					seg.wnd = wnd
					seg.ts = ts
					seg.sn = sn
					seg.una = una
					seg.data = data[:length]
					repeat = k.parseData(seg)
				}
			}
			if repeat {
				atomic.AddUint64(&DefaultSnsi.DupSegments, 1)
			}
		case CmdWask:
			k.probe |= AskTell
		case CmdWins:
			// remote window update already applied above
		}
		inSegs++
		data = data[length:]
	}
	atomic.AddUint64(&DefaultSnsi.InputSegments, inSegs)

	if flag != 0 {
		// one fast-ack walk per input round, using the largest sn seen
		k.parseFastack(maxack, latest)
		if _itimediff(k.current, latest) >= 0 {
			k.updateAck(_itimediff(k.current, latest))
		}
	}

	// cwnd growth on forward progress
	if k.nocwnd == 0 && _itimediff(k.sndUna, sndUna) > 0 {
		if k.cwnd < k.rmtWnd {
			mss := k.mss
			if k.cwnd < k.ssthresh {
				k.cwnd++
				k.incr += mss
			} else {
				if k.incr < mss {
					k.incr = mss
				}
				k.incr += (mss*mss)/k.incr + (mss / 16)
				if (k.cwnd+1)*mss <= k.incr {
					k.cwnd++
				}
			}
			if k.cwnd > k.rmtWnd {
				k.cwnd = k.rmtWnd
				k.incr = k.rmtWnd * mss
			}
		}
	}
	return 0
}

func (k *Kcp) wndUnused() uint16 {
	if len(k.rcvQueue) < int(k.rcvWnd) {
		return uint16(int(k.rcvWnd) - len(k.rcvQueue))
	}
	return 0
}

// Flush pushes pending acks, window probes, new data and retransmissions
// into the output callback. With ackOnly set, only acks are emitted.
// Returns the interval until the next useful invocation.
func (k *Kcp) Flush(ackOnly bool) uint32 {
	var seg Segment
	seg.conv = k.conv
	seg.cmd = CmdAck
	seg.wnd = k.wndUnused()
	seg.una = k.rcvNxt

	buffer := k.buffer
	ptr := buffer[k.reserved:]

	makeSpace := func(space int) {
		size := len(buffer) - len(ptr)
		if size+space > int(k.mtu) {
			k.output(buffer, size)
			ptr = buffer[k.reserved:]
		}
	}
	flushBuffer := func() {
		size := len(buffer) - len(ptr)
		if size > k.reserved {
			k.output(buffer, size)
		}
	}

	// pending acks
	for _, ack := range k.acklist {
		makeSpace(Overhead)
		seg.sn, seg.ts = ack.sn, ack.ts
		ptr = seg.encode(ptr)
	}
	k.acklist = k.acklist[0:0]
	if ackOnly {
		flushBuffer()
		return k.interval
	}

	// probe the remote window if it reported zero
	if k.rmtWnd == 0 {
		current := k.current
		if k.probeWait == 0 {
			k.probeWait = ProbeInit
			k.tsProbe = current + k.probeWait
		} else if _itimediff(current, k.tsProbe) >= 0 {
			if k.probeWait < ProbeInit {
				k.probeWait = ProbeInit
			}
			k.probeWait += k.probeWait / 2
			if k.probeWait > ProbeLimit {
				k.probeWait = ProbeLimit
			}
			k.tsProbe = current + k.probeWait
			k.probe |= AskSend
		}
	} else {
		k.tsProbe = 0
		k.probeWait = 0
	}

	if (k.probe & AskSend) != 0 {
		seg.cmd = CmdWask
		makeSpace(Overhead)
		ptr = seg.encode(ptr)
	}
	if (k.probe & AskTell) != 0 {
		seg.cmd = CmdWins
		makeSpace(Overhead)
		ptr = seg.encode(ptr)
	}
	k.probe = 0

	// effective send window
	cwnd := _imin(k.sndWnd, k.rmtWnd)
	if k.nocwnd == 0 {
		cwnd = _imin(k.cwnd, cwnd)
	}

	// slide messages from sndQueue into sndBuf
	newSegsCount := 0
	for i := range k.sndQueue {
		if _itimediff(k.sndNxt, k.sndUna+cwnd) >= 0 {
			break
		}
		newSeg := k.sndQueue[i]
		newSeg.conv = k.conv
		newSeg.cmd = CmdPush
		newSeg.sn = k.sndNxt
		k.sndBuf = append(k.sndBuf, newSeg)
		k.sndNxt++
		newSegsCount++
	}
	if newSegsCount > 0 {
		k.sndQueue = k.removeFront(k.sndQueue, newSegsCount)
	}

	resent := uint32(k.fastresend)
	if k.fastresend <= 0 {
		resent = 0xFFFFFFFF
	}
	rtomin := k.rxRto >> 3
	if k.nodelay != 0 {
		rtomin = 0
	}
	current := k.current

	var change, lost, lostSegs, fastRetransSegs uint64
	minrto := int32(k.interval)
	for i := range k.sndBuf {
		segment := &k.sndBuf[i]
		needsend := false
		if segment.acked == 1 {
			continue
		}
		if segment.xmit == 0 {
			// initial transmission
			needsend = true
			segment.rto = k.rxRto
			segment.resendTs = current + segment.rto + rtomin
		} else if _itimediff(current, segment.resendTs) >= 0 {
			// RTO expired
			needsend = true
			if k.nodelay == 0 {
				segment.rto += _imax(segment.rto, k.rxRto)
			} else {
				segment.rto += segment.rto / 2
			}
			segment.resendTs = current + segment.rto
			lost++
			lostSegs++
		} else if segment.fastack >= resent &&
			(segment.xmit <= uint32(k.fastlimit) || k.fastlimit <= 0) {
			// enough duplicate acks seen
			needsend = true
			segment.fastack = 0
			segment.rto = k.rxRto
			segment.resendTs = current + segment.rto
			change++
			fastRetransSegs++
		}
		if needsend {
			segment.xmit++
			segment.ts = current
			segment.wnd = seg.wnd
			segment.una = k.rcvNxt
			need := Overhead + len(segment.data)
			makeSpace(need)
			ptr = segment.encode(ptr)
			copy(ptr, segment.data)
			ptr = ptr[len(segment.data):]
			if segment.xmit >= k.deadLink {
				k.State = -1
			}
		}
		if rto := _itimediff(segment.resendTs, current); rto > 0 && rto < minrto {
			minrto = rto
		}
	}
	flushBuffer()

	if lostSegs > 0 {
		atomic.AddUint64(&DefaultSnsi.LostSegments, lostSegs)
		atomic.AddUint64(&DefaultSnsi.RetransmittedSegments, lostSegs)
	}
	if fastRetransSegs > 0 {
		atomic.AddUint64(&DefaultSnsi.FastRetransmittedSegments, fastRetransSegs)
		atomic.AddUint64(&DefaultSnsi.RetransmittedSegments, fastRetransSegs)
	}

	// cwnd update
	if k.nocwnd == 0 {
		if change > 0 {
			inflight := k.sndNxt - k.sndUna
			k.ssthresh = inflight / 2
			if k.ssthresh < ThreshMin {
				k.ssthresh = ThreshMin
			}
			k.cwnd = k.ssthresh + resent
			k.incr = k.cwnd * k.mss
		}
		if lost > 0 {
			k.ssthresh = cwnd / 2
			if k.ssthresh < ThreshMin {
				k.ssthresh = ThreshMin
			}
			k.cwnd = 1
			k.incr = k.mss
		}
		if k.cwnd < 1 {
			k.cwnd = 1
			k.incr = k.mss
		}
	}
	return uint32(minrto)
}

// Update advances the internal clock and flushes on the configured cadence.
// current is the caller's millisecond clock; CurrentMs is the usual source.
func (k *Kcp) Update(current uint32) {
	k.current = current
	if k.updated == 0 {
		k.updated = 1
		k.tsFlush = current
	}
	slap := _itimediff(current, k.tsFlush)
	// clock jumped: resync the flush schedule
	if slap >= 10000 || slap < -10000 {
		k.tsFlush = current
		slap = 0
	}
	if slap >= 0 {
		k.tsFlush += k.interval
		if _itimediff(current, k.tsFlush) >= 0 {
			k.tsFlush = current + k.interval
		}
		k.Flush(false)
	}
}

// Check returns the earliest time Update must run again, enabling
// epoll-style scheduling of many conversations.
func (k *Kcp) Check(current uint32) uint32 {
	tsFlush := k.tsFlush
	tmPacket := int32(math.MaxInt32)
	if k.updated == 0 {
		return current
	}
	if _itimediff(current, tsFlush) >= 10000 ||
		_itimediff(current, tsFlush) < -10000 {
		tsFlush = current
	}
	if _itimediff(current, tsFlush) >= 0 {
		return current
	}
	tmFlush := _itimediff(tsFlush, current)
	for i := range k.sndBuf {
		seg := &k.sndBuf[i]
		if seg.acked == 1 {
			continue
		}
		diff := _itimediff(seg.resendTs, current)
		if diff <= 0 {
			return current
		}
		if diff < tmPacket {
			tmPacket = diff
		}
	}
	minimal := uint32(tmPacket)
	if tmPacket >= tmFlush {
		minimal = uint32(tmFlush)
	}
	if minimal >= k.interval {
		minimal = k.interval
	}
	return current + minimal
}

// SetMtu changes the MTU. The flush buffer is reallocated to fit.
func (k *Kcp) SetMtu(mtu int) int {
	if mtu < 50 || mtu < Overhead {
		return -1
	}
	if k.reserved >= int(k.mtu-Overhead) || k.reserved < 0 {
		return -1
	}
	k.mtu = uint32(mtu)
	k.mss = k.mtu - Overhead - uint32(k.reserved)
	k.buffer = make([]byte, mtu)
	return 0
}

// SetInterval clamps and applies the flush cadence in milliseconds.
func (k *Kcp) SetInterval(interval int) {
	if interval > 5000 {
		interval = 5000
	} else if interval < 10 {
		interval = 10
	}
	k.interval = uint32(interval)
}

// NoDelay tunes latency behavior:
//   - nodelay:  0 off (default), 1 aggressive RTO minimum and backoff
//   - interval: flush cadence in ms, clamped to [10, 5000]
//   - resend:   duplicate-ack threshold for fast retransmit, 0 disables
//   - nc:       0 congestion control on (default), 1 off
//
// Negative arguments leave the corresponding knob untouched.
func (k *Kcp) NoDelay(nodelay, interval, resend, nc int) int {
	if nodelay >= 0 {
		k.nodelay = uint32(nodelay)
		if nodelay != 0 {
			k.rxMinRto = RtoNdl
		} else {
			k.rxMinRto = RtoMin
		}
	}
	if interval >= 0 {
		k.SetInterval(interval)
	}
	if resend >= 0 {
		k.fastresend = int32(resend)
	}
	if nc >= 0 {
		k.nocwnd = int32(nc)
	}
	return 0
}

// WndSize sets the window sizes in segments. The receive window is never
// lowered beneath WndRcv so a maximally fragmented message still fits.
func (k *Kcp) WndSize(sndwnd, rcvwnd int) int {
	if sndwnd > 0 {
		k.sndWnd = uint32(sndwnd)
	}
	if rcvwnd > 0 {
		k.rcvWnd = _imax(uint32(rcvwnd), WndRcv)
	}
	return 0
}

// SetDeadLink sets the per-segment retransmit count treated as a dead link.
func (k *Kcp) SetDeadLink(limit uint32) {
	if limit > 0 {
		k.deadLink = limit
	}
}

// WaitSnd is the count of segments queued or in flight on the send side.
func (k *Kcp) WaitSnd() int {
	return len(k.sndBuf) + len(k.sndQueue)
}

// TotalQueued sums all four segment queues; the session layer uses it for
// choke detection.
func (k *Kcp) TotalQueued() int {
	return len(k.sndQueue) + len(k.sndBuf) + len(k.rcvQueue) + len(k.rcvBuf)
}

// SndUna returns the oldest unacknowledged sequence number.
func (k *Kcp) SndUna() uint32 {
	return k.sndUna
}

// RcvNxt returns the next expected receive sequence number.
func (k *Kcp) RcvNxt() uint32 {
	return k.rcvNxt
}

// Mss returns the maximum segment payload size.
func (k *Kcp) Mss() uint32 {
	return k.mss
}

func (k *Kcp) removeFront(q []Segment, n int) []Segment {
	if n > cap(q)/2 {
		newn := copy(q, q[n:])
		return q[:newn]
	}
	return q[n:]
}

func init() {
	debug.SetGCPercent(180)
	kudpLegal.RegisterLicense(
		"\nThe MIT License (MIT)\n\nCopyright © 2015 Daniel Fu <daniel820313@gmail.com>.\nCopyright © 2019 Loki 'l0k18' Verloren <stalker.loki@protonmail.ch>.\nCopyright © 2021 Gridfinity, LLC. <admin@gridfinity.com>.\nCopyright © 2021 Jeffrey H. Johnson <trnsz@pobox.com>.\n\nPermission is hereby granted, free of charge, to any person obtaining a copy\nof this software and associated documentation files (the \"Software\"), to deal\nin the Software without restriction, including, without limitation, the rights\nto use, copy, modify, merge, publish, distribute, sub-license, and/or sell\ncopies of the Software, and to permit persons to whom the Software is\nfurnished to do so, subject to the following conditions:\n\nThe above copyright notice, and this permission notice, shall be\nincluded in all copies, or substantial portions, of the Software.\n\nTHE SOFTWARE IS PROVIDED \"AS IS\", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR\nIMPLIED, INCLUDING, BUT NOT LIMITED TO, THE WARRANTIES OF MERCHANTABILITY,\nFITNESS FOR A PARTICULAR PURPOSE, AND NON-INFRINGEMENT. IN NO EVENT SHALL THE\nAUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES, OR OTHER\nLIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,\nOUT OF, OR IN CONNECTION WITH THE SOFTWARE, OR THE USE OR OTHER DEALINGS IN\nTHE SOFTWARE.\n",
	)
}
