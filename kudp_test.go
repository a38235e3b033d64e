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
	"container/list"
	"encoding/binary"
	"fmt"
	"math/rand"
	"runtime"
	"testing"

	u "github.com/johnsonjh/leaktestfe"
	licn "go4.org/legal"

	"github.com/kudpnet/kudp"
)

func TestArchitecture(t *testing.T) {
	defer u.Leakplug(t)
	is64bit := uint64(^uintptr(0)) == ^uint64(0)
	if !is64bit {
		t.Fatal("\n\t*** Platform is not 64-bit, unsupported architecture")
	}
}

func TestGoEnvironment(t *testing.T) {
	defer u.Leakplug(t)
	t.Log(fmt.Sprintf(
		"\n\tCompiler:\t%v (%v)\n\tSystem:\t\t%v/%v\n\tCPU(s):\t\t%v logical processor(s)\n\tGOMAXPROCS:\t%v\n",
		runtime.Compiler, runtime.Version(), runtime.GOOS, runtime.GOARCH,
		runtime.NumCPU(), runtime.GOMAXPROCS(-1)))
}

func TestLicense(t *testing.T) {
	defer u.Leakplug(t)
	licenses := licn.Licenses()
	if len(licenses) == 0 {
		t.Fatal("\n\nkudp_test.TestLicense FAILURE")
	}
}

// mkSegment hand-builds one wire segment for malformed-input tests.
func mkSegment(conv uint32, cmd byte, frg byte, wnd uint16, ts, sn, una uint32, data []byte) []byte {
	buf := make([]byte, kudp.Overhead+len(data))
	binary.LittleEndian.PutUint32(buf, conv)
	buf[4] = cmd
	buf[5] = frg
	binary.LittleEndian.PutUint16(buf[6:], wnd)
	binary.LittleEndian.PutUint32(buf[8:], ts)
	binary.LittleEndian.PutUint32(buf[12:], sn)
	binary.LittleEndian.PutUint32(buf[16:], una)
	binary.LittleEndian.PutUint32(buf[20:], uint32(len(data)))
	copy(buf[kudp.Overhead:], data)
	return buf
}

func TestInputMalformed(t *testing.T) {
	defer u.Leakplug(t)
	k := kudp.NewKcp(7, func(buf []byte, size int) {})
	if ret := k.Input([]byte{1, 2, 3}); ret != -1 {
		t.Fatalf("short datagram: got %v, want -1", ret)
	}
	if ret := k.Input(mkSegment(8, kudp.CmdPush, 0, 128, 0, 0, 0, []byte{1})); ret != -1 {
		t.Fatalf("conv mismatch: got %v, want -1", ret)
	}
	trunc := mkSegment(7, kudp.CmdPush, 0, 128, 0, 0, 0, []byte{1, 2, 3, 4})
	if ret := k.Input(trunc[:kudp.Overhead+2]); ret != -2 {
		t.Fatalf("truncated payload: got %v, want -2", ret)
	}
	if ret := k.Input(mkSegment(7, 0x55, 0, 128, 0, 0, 0, nil)); ret != -3 {
		t.Fatalf("unknown cmd: got %v, want -3", ret)
	}
	// a conformant segment still goes through
	if ret := k.Input(mkSegment(7, kudp.CmdPush, 0, 128, 0, 0, 0, []byte{0xAB})); ret != 0 {
		t.Fatalf("valid datagram rejected: %v", ret)
	}
}

func TestDuplicateDeliveredOnce(t *testing.T) {
	defer u.Leakplug(t)
	k := kudp.NewKcp(0, func(buf []byte, size int) {})
	pkt := mkSegment(0, kudp.CmdPush, 0, 128, 0, 0, 0, []byte{0x01, 0x02})
	if ret := k.Input(pkt); ret != 0 {
		t.Fatal("first input rejected")
	}
	if ret := k.Input(pkt); ret != 0 {
		t.Fatal("duplicate input rejected")
	}
	if size := k.PeekSize(); size != 2 {
		t.Fatalf("PeekSize = %v, want 2", size)
	}
	buf := make([]byte, 16)
	if n := k.Recv(buf); n != 2 || !bytes.Equal(buf[:2], []byte{0x01, 0x02}) {
		t.Fatalf("Recv returned %v bytes", n)
	}
	if n := k.Recv(buf); n >= 0 {
		t.Fatal("duplicate delivered twice")
	}
}

func TestPeekSizeMatchesRecv(t *testing.T) {
	defer u.Leakplug(t)
	// two engines on a perfect synchronous pipe
	var txOut, rxOut [][]byte
	tx := kudp.NewKcp(0, func(buf []byte, size int) {
		txOut = append(txOut, append([]byte(nil), buf[:size]...))
	})
	rx := kudp.NewKcp(0, func(buf []byte, size int) {
		rxOut = append(rxOut, append([]byte(nil), buf[:size]...))
	})
	tx.NoDelay(0, 10, 0, 1)
	rx.NoDelay(0, 10, 0, 1)

	msg := make([]byte, 3000) // fragments across several segments
	for i := range msg {
		msg[i] = byte(i)
	}
	if ret := tx.Send(msg); ret != 0 {
		t.Fatal("send failed")
	}
	for current := uint32(1); current < 1000 && rx.PeekSize() < 0; current += 10 {
		tx.Update(current)
		rx.Update(current)
		for _, pkt := range txOut {
			if ret := rx.Input(pkt); ret != 0 {
				t.Fatalf("input failed: %v", ret)
			}
		}
		txOut = txOut[:0]
		for _, pkt := range rxOut {
			if ret := tx.Input(pkt); ret != 0 {
				t.Fatalf("ack input failed: %v", ret)
			}
		}
		rxOut = rxOut[:0]
	}
	size := rx.PeekSize()
	if size != len(msg) {
		t.Fatalf("PeekSize = %v, want %v", size, len(msg))
	}
	buf := make([]byte, size)
	if n := rx.Recv(buf); n != size {
		t.Fatalf("Recv = %v, PeekSize promised %v", n, size)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatal("payload corrupted")
	}
}

// delayPacket / latencySimulator model a lossy, reordering link on a
// virtual clock, so the transfer tests run in microseconds of real time.
type delayPacket struct {
	data []byte
	ts   uint32
}

type latencySimulator struct {
	current  uint32
	lostrate int
	rttmin   int
	rttmax   int
	p12      *list.List
	p21      *list.List
	r12      *rand.Rand
	r21      *rand.Rand
}

func newLatencySimulator(lostrate, rttmin, rttmax int) *latencySimulator {
	return &latencySimulator{
		lostrate: lostrate / 2, // halved per direction
		rttmin:   rttmin / 2,
		rttmax:   rttmax / 2,
		p12:      list.New(),
		p21:      list.New(),
		r12:      rand.New(rand.NewSource(9)),
		r21:      rand.New(rand.NewSource(99)),
	}
}

func (p *latencySimulator) send(peer int, data []byte, size int) {
	var rnd int
	if peer == 0 {
		rnd = p.r12.Intn(100)
	} else {
		rnd = p.r21.Intn(100)
	}
	if rnd < p.lostrate {
		return
	}
	pkt := &delayPacket{data: append([]byte(nil), data[:size]...)}
	delay := p.rttmin
	if p.rttmax > p.rttmin {
		delay += p.r12.Intn(p.rttmax - p.rttmin)
	}
	pkt.ts = p.current + uint32(delay)
	if peer == 0 {
		p.p12.PushBack(pkt)
	} else {
		p.p21.PushBack(pkt)
	}
}

func (p *latencySimulator) recv(peer int, data []byte) int {
	q := p.p21
	if peer == 1 {
		q = p.p12
	}
	it := q.Front()
	if it == nil {
		return -1
	}
	pkt := it.Value.(*delayPacket)
	if int32(p.current-pkt.ts) < 0 {
		return -2
	}
	q.Remove(it)
	return copy(data, pkt.data)
}

func testTransfer(t *testing.T, mode int) {
	vnet := newLatencySimulator(10, 60, 125)
	k1 := kudp.NewKcp(0x11223344, func(buf []byte, size int) { vnet.send(0, buf, size) })
	k2 := kudp.NewKcp(0x11223344, func(buf []byte, size int) { vnet.send(1, buf, size) })
	k1.WndSize(128, 128)
	k2.WndSize(128, 128)
	switch mode {
	case 0: // default
		k1.NoDelay(0, 10, 0, 0)
		k2.NoDelay(0, 10, 0, 0)
	case 1: // no congestion control
		k1.NoDelay(0, 10, 0, 1)
		k2.NoDelay(0, 10, 0, 1)
	default: // turbo
		k1.NoDelay(1, 10, 2, 1)
		k2.NoDelay(1, 10, 2, 1)
	}

	const total = 100
	buffer := make([]byte, 4096)
	var sent, received int
	var prevUna, prevNxt uint32
	next := uint32(20)
	for current := uint32(1); current < 60000; current++ {
		vnet.current = current
		k1.Update(current)
		k2.Update(current)
		// original side emits one numbered message every 20 virtual ms
		if int32(current-next) >= 0 && sent < total {
			msg := make([]byte, 512)
			binary.LittleEndian.PutUint32(msg, uint32(sent))
			for i := 4; i < len(msg); i++ {
				msg[i] = byte(i & 0xFF)
			}
			if ret := k1.Send(msg); ret != 0 {
				t.Fatalf("send %v failed: %v", sent, ret)
			}
			sent++
			next = current + 20
		}
		for {
			if n := vnet.recv(1, buffer); n < 0 {
				break
			} else if ret := k2.Input(buffer[:n]); ret != 0 {
				t.Fatalf("peer input failed: %v", ret)
			}
		}
		for {
			if n := vnet.recv(0, buffer); n < 0 {
				break
			} else if ret := k1.Input(buffer[:n]); ret != 0 {
				t.Fatalf("origin input failed: %v", ret)
			}
		}
		for {
			size := k2.PeekSize()
			if size < 0 {
				break
			}
			n := k2.Recv(buffer[:size])
			if n != size {
				t.Fatalf("Recv %v != PeekSize %v", n, size)
			}
			sn := binary.LittleEndian.Uint32(buffer)
			if sn != uint32(received) {
				t.Fatalf("out of order: got %v, want %v", sn, received)
			}
			for i := 4; i < size; i++ {
				if buffer[i] != byte(i&0xFF) {
					t.Fatalf("corrupt byte %v in message %v", i, sn)
				}
			}
			received++
		}
		if una := k1.SndUna(); int32(una-prevUna) < 0 {
			t.Fatal("sndUna moved backwards")
		} else {
			prevUna = una
		}
		if nxt := k2.RcvNxt(); int32(nxt-prevNxt) < 0 {
			t.Fatal("rcvNxt moved backwards")
		} else {
			prevNxt = nxt
		}
		if received == total {
			return
		}
	}
	t.Fatalf("transfer incomplete: %v/%v across lossy link", received, total)
}

func TestTransferDefault(t *testing.T) {
	defer u.Leakplug(t)
	testTransfer(t, 0)
}

func TestTransferNoCongestionControl(t *testing.T) {
	defer u.Leakplug(t)
	testTransfer(t, 1)
}

func TestTransferTurbo(t *testing.T) {
	defer u.Leakplug(t)
	testTransfer(t, 2)
}

func TestCheckSchedulesWithinInterval(t *testing.T) {
	defer u.Leakplug(t)
	k := kudp.NewKcp(0, func(buf []byte, size int) {})
	current := uint32(100)
	k.Update(current)
	when := k.Check(current)
	if int32(when-current) < 0 || int32(when-current) > 100 {
		t.Fatalf("Check scheduled %v ms out", int32(when-current))
	}
	// with an unacked segment in flight, Check must not sleep past its
	// retransmission deadline
	if ret := k.Send([]byte{1}); ret != 0 {
		t.Fatal("send failed")
	}
	current += 100
	k.Update(current)
	when = k.Check(current)
	if int32(when-current) < 0 || int32(when-current) > 100 {
		t.Fatalf("Check ignored pending retransmit: %v ms out", int32(when-current))
	}
}
