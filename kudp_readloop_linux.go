// Copyright © 2015 Daniel Fu <daniel820313@gmail.com>.
// Copyright © 2019 Loki 'l0k18' Verloren <stalker.loki@protonmail.ch>.
// Copyright © 2021 Gridfinity, LLC. <admin@gridfinity.com>.
// Copyright © 2021 Jeffrey H. Johnson <trnsz@pobox.com>.
//
// All rights reserved.
//
// All use of this code is governed by the MIT license.
// The complete license is available in the LICENSE file.

//go:build linux
// +build linux

package kudp // import "github.com/kudpnet/kudp"

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const batchSize = 16

// drainState holds the batch receive scratch for one socket. ipv4.Message
// and ipv6.Message alias the same type, so one slice serves both families.
type drainState struct {
	bound *net.UDPConn
	p4    *ipv4.PacketConn
	p6    *ipv6.PacketConn
	msgs  []ipv4.Message
}

func (d *drainState) init(conn *net.UDPConn) {
	d.bound = conn
	d.p4 = nil
	d.p6 = nil
	d.msgs = make([]ipv4.Message, batchSize)
	for k := range d.msgs {
		d.msgs[k].Buffers = [][]byte{make([]byte, MtuLimit)}
	}
	addr, _ := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
	if addr != nil && addr.IP.To4() != nil {
		d.p4 = ipv4.NewPacketConn(conn)
	} else {
		d.p6 = ipv6.NewPacketConn(conn)
	}
}

// drain empties the socket with batched recvmmsg reads, without blocking
// the tick for longer than pollInterval.
func (d *drainState) drain(conn *net.UDPConn, handler func([]byte, *net.UDPAddr), log *Logger) {
	if d.bound != conn {
		d.init(conn)
	}
	if err := conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
		return
	}
	for {
		var count int
		var err error
		if d.p4 != nil {
			count, err = d.p4.ReadBatch(d.msgs, 0)
		} else {
			count, err = d.p6.ReadBatch(d.msgs, 0)
		}
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				return // drained
			}
			log.Warning("kudp: socket receive: %v", err)
			return
		}
		for i := 0; i < count; i++ {
			msg := &d.msgs[i]
			addr, _ := msg.Addr.(*net.UDPAddr)
			handler(msg.Buffers[0][:msg.N], addr)
		}
	}
}
